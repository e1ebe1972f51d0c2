package gmail

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tabdash/mailsync/rest"
)

type ThreadService struct {
	Client *Client
}

type modifyRequest struct {
	AddLabelIds    []string `json:"addLabelIds,omitempty"`
	RemoveLabelIds []string `json:"removeLabelIds,omitempty"`
}

// NotFoundStatusCodes are the response codes treated as "the conversation no
// longer exists remotely." The boundary is a policy choice, not a Gmail
// contract, so it is a variable rather than a constant.
var NotFoundStatusCodes = map[int]bool{
	404: true,
	410: true,
}

// Archive removes the INBOX label from the conversation, which is what the
// Gmail UI does when a user archives a thread. token is the owning user's
// bearer credential. A 2xx response returns nil; any other outcome returns
// an error that IsNotFound can classify.
func (t *ThreadService) Archive(token, conversationID string) error {
	if token == "" {
		return errors.New("gmail: no token provided")
	}
	if conversationID == "" {
		return errors.New("gmail: no conversation id provided")
	}
	body := new(bytes.Buffer)
	err := json.NewEncoder(body).Encode(modifyRequest{
		RemoveLabelIds: []string{"INBOX"},
	})
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/gmail/v1/users/me/threads/%s/modify", conversationID)
	req, err := t.Client.NewRequest("POST", path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	var d struct{}
	err = t.Client.Do(req, &d)
	if err != nil && !IsNotFound(err) {
		Logger.Printf("gmail: modify %s failed: %s", conversationID, err)
	}
	return err
}

// IsNotFound reports whether err means the remote conversation is already
// gone. Callers treat that as success-equivalent: the desired end state
// (thread absent from the inbox) already holds.
func IsNotFound(err error) bool {
	rerr, ok := err.(*rest.Error)
	if !ok {
		return false
	}
	return NotFoundStatusCodes[rerr.StatusCode]
}
