// Client for the one Gmail operation the archive queue needs: removing the
// INBOX label from a conversation.
package gmail

import (
	"log"
	"net/http"
	"os"
	"time"

	"github.com/tabdash/mailsync/rest"
)

// DefaultBase is the Gmail API host used when no override is configured.
const DefaultBase = "https://gmail.googleapis.com"

// DefaultTimeout bounds each Gmail call, so one hung request cannot stall a
// whole worker batch.
var DefaultTimeout = 30 * time.Second

var Logger *log.Logger

func init() {
	Logger = log.New(os.Stderr, "", log.LstdFlags)
}

var httpClient = &http.Client{Timeout: DefaultTimeout}

// Client is an API client for the Gmail threads endpoint. Authentication is
// per-request (each queue item carries its own user's bearer token), so one
// Client is shared by all workers.
type Client struct {
	*rest.Client

	Threads *ThreadService
}

// NewClient creates a new Client hitting the given base URL.
func NewClient(base string) *Client {
	c := &Client{&rest.Client{
		Client: httpClient,
		Base:   base,
	}, nil}
	c.Threads = &ThreadService{Client: c}
	return c
}
