package jetstream

import (
	"fmt"

	"github.com/goccy/go-json"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
)

// Event is one frame received from Jetstream.
type Event struct {
	Did      string                                  `json:"did"`
	TimeUS   int64                                   `json:"time_us"`
	Kind     string                                  `json:"kind,omitempty"`
	Commit   *Commit                                 `json:"commit,omitempty"`
	Account  *Account                                `json:"account,omitempty"`
	Identity *comatproto.SyncSubscribeRepos_Identity `json:"identity,omitempty"`
}

type Commit struct {
	Rev        string          `json:"rev,omitempty"`
	Operation  string          `json:"operation,omitempty"`
	Collection string          `json:"collection,omitempty"`
	RKey       string          `json:"rkey,omitempty"`
	Record     json.RawMessage `json:"record,omitempty"`
	CID        string          `json:"cid,omitempty"`
}

type Account struct {
	Active bool    `json:"active"`
	Did    string  `json:"did"`
	Seq    int64   `json:"seq"`
	Status *string `json:"status,omitempty"`
	Time   string  `json:"time"`
}

var (
	EventKindCommit   = "commit"
	EventKindAccount  = "account"
	EventKindIdentity = "identity"

	CommitOperationCreate = "create"
	CommitOperationUpdate = "update"
	CommitOperationDelete = "delete"
)

// CommitEvent is the unit of work handed to a Handler: one change to one record.
type CommitEvent struct {
	Did        string
	TimeUS     int64
	Rev        string
	Collection string
	RKey       string
	Operation  string
	Record     json.RawMessage // nil for deletes
	CID        string
}

// URI returns the at:// URI of the record the commit touches.
func (c *CommitEvent) URI() string {
	return fmt.Sprintf("at://%s/%s/%s", c.Did, c.Collection, c.RKey)
}

func (e *Event) commitEvent() *CommitEvent {
	return &CommitEvent{
		Did:        e.Did,
		TimeUS:     e.TimeUS,
		Rev:        e.Commit.Rev,
		Collection: e.Commit.Collection,
		RKey:       e.Commit.RKey,
		Operation:  e.Commit.Operation,
		Record:     e.Commit.Record,
		CID:        e.Commit.CID,
	}
}
