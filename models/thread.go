package models

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
	"time"

	types "github.com/Shyp/go-types"
)

type ThreadStatus string

// StatusActive indicates a thread is live in the user's inbox view.
const StatusActive = ThreadStatus("active")

// StatusArchived indicates the user (or a classifier) archived the thread.
// The archived_at timestamp is set if and only if a thread has this status.
const StatusArchived = ThreadStatus("archived")

// StatusWaiting indicates the thread is waiting on a reply from a
// participant other than the owning user.
const StatusWaiting = ThreadStatus("waiting")

// StatusResolved indicates the conversation reached a terminal outcome.
const StatusResolved = ThreadStatus("resolved")

// ArchiveSource records what triggered an archive transition.
type ArchiveSource string

const SourceUser = ArchiveSource("user")
const SourceAutoNewsletter = ArchiveSource("auto_newsletter")
const SourceScheduledJob = ArchiveSource("scheduled_job")

// A Thread is the local mirror of a Gmail conversation. The status column is
// written by the archive request handler and by the (external) classifier;
// the queue processor never touches this record.
type Thread struct {
	ID             types.PrefixUUID `json:"id"`
	UserID         types.PrefixUUID `json:"user_id"`
	ConversationID string           `json:"conversation_id"`
	Subject        sql.NullString   `json:"subject"`
	Status         ThreadStatus     `json:"status"`
	ArchivedAt     types.NullTime   `json:"archived_at"`
	ArchiveSource  ArchiveSource    `json:"archive_source"`
	// True if the archive was requested through the dashboard UI, as opposed
	// to a scheduled or classifier-driven archive.
	ArchiveRequestedFromUI bool `json:"archive_requested_from_ui"`

	// Classification metadata, written by a separate process.
	EscalationLevel  sql.NullString `json:"escalation_level"`
	BillingStatus    sql.NullString `json:"billing_status"`
	ParticipantCount int            `json:"participant_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Scan implements the Scanner interface.
func (ts *ThreadStatus) Scan(src interface{}) error {
	if src == nil {
		return nil
	} else if txt, ok := src.(string); ok {
		*ts = ThreadStatus(txt)
		return nil
	} else if txt, ok := src.([]byte); ok {
		*ts = ThreadStatus(string(txt))
		return nil
	}
	return fmt.Errorf("Unsupported ThreadStatus: %#v", src)
}

func (ts ThreadStatus) Value() (driver.Value, error) {
	return string(ts), nil
}

// Scan implements the Scanner interface. A NULL archive_source scans to the
// empty string, since un-archived threads have no source.
func (a *ArchiveSource) Scan(src interface{}) error {
	if src == nil {
		return nil
	} else if txt, ok := src.(string); ok {
		*a = ArchiveSource(txt)
		return nil
	} else if txt, ok := src.([]byte); ok {
		*a = ArchiveSource(string(txt))
		return nil
	}
	return fmt.Errorf("Unsupported ArchiveSource: %#v", src)
}

func (a ArchiveSource) Value() (driver.Value, error) {
	if a == "" {
		return nil, nil
	}
	return string(a), nil
}
