// Logic for interacting with the "threads" table.
package threads

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	dberror "github.com/Shyp/go-dberror"
	types "github.com/Shyp/go-types"
	uuid "github.com/kevinburke/go.uuid"
	"github.com/lib/pq"
	"github.com/tabdash/mailsync/models"
	"github.com/tabdash/mailsync/models/db"
)

const Prefix = "thr_"

// UserPrefix is prepended to user UUID's everywhere they appear in API
// responses.
const UserPrefix = "usr_"

// ErrNotFound indicates the thread does not exist, or is not owned by the
// calling user. The two cases are deliberately indistinguishable.
var ErrNotFound = errors.New("Thread not found")

var createStmt *sql.Stmt
var getStmt *sql.Stmt
var archiveStmt *sql.Stmt

func init() {
	dberror.RegisterConstraint(archivedAtConstraint)
	dberror.RegisterConstraint(conversationConstraint)
}

// Setup prepares all database statements.
func Setup() (err error) {
	if !db.Connected() {
		return errors.New("No DB connection was established, can't query")
	}

	if createStmt != nil {
		return
	}

	query := fmt.Sprintf(`-- threads.Create
INSERT INTO threads (%s)
VALUES ($1, $2, $3, $4, '%s', $5)
RETURNING %s`, insertFields(), models.StatusActive, fields())
	createStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = fmt.Sprintf(`-- threads.Get
SELECT %s
FROM threads
WHERE id = $1`, fields())
	getStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = fmt.Sprintf(`-- threads.Archive
UPDATE threads
SET status = '%s',
	archived_at = now(),
	archive_source = $3,
	archive_requested_from_ui = $4,
	updated_at = now()
WHERE id = $1
	AND user_id = $2
RETURNING %s`, models.StatusArchived, fields())
	archiveStmt, err = db.Conn.Prepare(query)
	return
}

// Create inserts a new active thread for a user. A dberror.Error is returned
// on constraint failures - duplicate (user, conversation) pair, &c.
func Create(id, userID types.PrefixUUID, conversationID string, subject string, participants int) (*models.Thread, error) {
	t := new(models.Thread)
	err := createStmt.QueryRow(id, userID, conversationID, subject, participants).Scan(args(t)...)
	if err != nil {
		return nil, dberror.GetError(err)
	}
	return t, nil
}

// Get the thread with the given id. If no record could be found, the error
// will be `threads.ErrNotFound`.
func Get(id types.PrefixUUID) (*models.Thread, error) {
	if id.UUID == uuid.Nil {
		return nil, errors.New("Invalid id")
	}
	t := new(models.Thread)
	err := getStmt.QueryRow(id).Scan(args(t)...)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, dberror.GetError(err)
	}
	return t, nil
}

// GetRetry attempts to retrieve the thread attempts times before giving up.
func GetRetry(id types.PrefixUUID, attempts uint8) (t *models.Thread, err error) {
	for i := uint8(0); i < attempts; i++ {
		t, err = Get(id)
		if err == nil || err == ErrNotFound {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	return
}

// Archive marks the thread as archived, recording when and why. Returns
// ErrNotFound if the thread does not exist or is owned by a different user;
// in that case nothing was written.
func Archive(id, userID types.PrefixUUID, source models.ArchiveSource, fromUI bool) (*models.Thread, error) {
	return archive(archiveStmt, id, userID, source, fromUI)
}

// ArchiveTx runs Archive inside the given transaction, so the status change
// and the queue upsert commit or roll back together.
func ArchiveTx(tx *sql.Tx, id, userID types.PrefixUUID, source models.ArchiveSource, fromUI bool) (*models.Thread, error) {
	return archive(tx.Stmt(archiveStmt), id, userID, source, fromUI)
}

func archive(stmt *sql.Stmt, id, userID types.PrefixUUID, source models.ArchiveSource, fromUI bool) (*models.Thread, error) {
	if id.UUID == uuid.Nil {
		return nil, errors.New("Invalid id")
	}
	t := new(models.Thread)
	err := stmt.QueryRow(id, userID, source, fromUI).Scan(args(t)...)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, dberror.GetError(err)
	}
	return t, nil
}

func insertFields() string {
	return `id,
	user_id,
	conversation_id,
	subject,
	status,
	participant_count`
}

func fields() string {
	return fmt.Sprintf(`'%s' || id,
	'%s' || user_id,
	conversation_id,
	subject,
	status,
	archived_at,
	archive_source,
	archive_requested_from_ui,
	escalation_level,
	billing_status,
	participant_count,
	created_at,
	updated_at`, Prefix, UserPrefix)
}

func args(t *models.Thread) []interface{} {
	return []interface{}{
		&t.ID,
		&t.UserID,
		&t.ConversationID,
		&t.Subject,
		&t.Status,
		&t.ArchivedAt,
		&t.ArchiveSource,
		&t.ArchiveRequestedFromUI,
		&t.EscalationLevel,
		&t.BillingStatus,
		&t.ParticipantCount,
		&t.CreatedAt,
		&t.UpdatedAt,
	}
}

var archivedAtConstraint = &dberror.Constraint{
	Name: "threads_archived_at_check",
	GetError: func(e *pq.Error) *dberror.Error {
		return &dberror.Error{
			Message:    "archived_at must be set exactly when a thread is archived",
			Constraint: e.Constraint,
			Table:      e.Table,
			Severity:   e.Severity,
			Detail:     e.Detail,
		}
	},
}

var conversationConstraint = &dberror.Constraint{
	Name: "threads_user_id_conversation_id_key",
	GetError: func(e *pq.Error) *dberror.Error {
		return &dberror.Error{
			Message:    "A thread for this conversation already exists for this user",
			Constraint: e.Constraint,
			Table:      e.Table,
			Severity:   e.Severity,
			Detail:     e.Detail,
		}
	},
}
