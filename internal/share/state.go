package share

import "github.com/prxssh/smpd/internal/mapstore"

// Status discriminates a share's lifecycle state.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusCompleted   Status = "completed"
	StatusCanceled    Status = "canceled"
	StatusDeclined    Status = "declined"
	StatusAborted     Status = "aborted"
	StatusError       Status = "error"
)

// Terminal reports whether the status is sticky: a share never leaves a
// terminal state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCanceled, StatusDeclined, StatusAborted, StatusError:
		return true
	}
	return false
}

// ErrInfo is the error payload of a terminal error state.
type ErrInfo struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// State is the share's wire representation: the snapshot sent on SSE
// subscription, each later update, and the peer's status-poll response.
type State struct {
	ShareID          string           `json:"shareId"`
	MapInfo          mapstore.MapInfo `json:"mapInfo"`
	ReceiverDeviceID string           `json:"receiverDeviceId"`
	PeerURLs         []string         `json:"peerUrls"`
	CreatedAtMs      int64            `json:"createdAtMs"`
	Status           Status           `json:"status"`
	BytesSent        int64            `json:"bytesSent,omitempty"`
	Reason           string           `json:"reason,omitempty"`
	Error            *ErrInfo         `json:"error,omitempty"`
}
