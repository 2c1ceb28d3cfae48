package indexer

import (
	"net/http"
	"time"

	"github.com/jjalcloud/jjalcloud-indexer/pkg/jetstream"
	"github.com/labstack/echo/v4"
)

// StreamStatus is the subset of the jetstream client the status API reads.
type StreamStatus interface {
	State() jetstream.State
	Cursor() int64
}

// PendingCounter reports queued writes. Nil when writes are immediate.
type PendingCounter interface {
	Pending() int
}

type API struct {
	stream    StreamStatus
	pending   PendingCounter
	writeMode string
}

func NewAPI(stream StreamStatus, pending PendingCounter, writeMode string) *API {
	return &API{stream: stream, pending: pending, writeMode: writeMode}
}

type StatusResponse struct {
	State        string `json:"state"`
	Cursor       int64  `json:"cursor"`
	CursorTime   string `json:"cursor_time,omitempty"`
	WriteMode    string `json:"write_mode"`
	PendingWrite int    `json:"pending_writes"`
}

// HandleGetStatus handles the GET /status endpoint
func (a *API) HandleGetStatus(c echo.Context) error {
	resp := StatusResponse{
		State:     a.stream.State().String(),
		Cursor:    a.stream.Cursor(),
		WriteMode: a.writeMode,
	}
	if resp.Cursor > 0 {
		resp.CursorTime = time.UnixMicro(resp.Cursor).UTC().Format(time.RFC3339Nano)
	}
	if a.pending != nil {
		resp.PendingWrite = a.pending.Pending()
	}
	return c.JSON(http.StatusOK, resp)
}
