package download

// Status discriminates a download's lifecycle state.
type Status string

const (
	StatusDownloading Status = "downloading"
	StatusCompleted   Status = "completed"
	StatusCanceled    Status = "canceled"
	StatusDeclined    Status = "declined"
	StatusAborted     Status = "aborted"
	StatusError       Status = "error"
)

// Terminal reports whether the status is sticky: a download never leaves a
// terminal state.
func (s Status) Terminal() bool {
	return s != StatusDownloading
}

// ErrInfo is the error payload of a terminal error state.
type ErrInfo struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// State is the download's wire representation: the snapshot sent on SSE
// subscription and each later update.
type State struct {
	DownloadID         string   `json:"downloadId"`
	ShareID            string   `json:"shareId"`
	SenderDeviceID     string   `json:"senderDeviceId"`
	PeerURLs           []string `json:"peerUrls"`
	EstimatedSizeBytes int64    `json:"estimatedSizeBytes"`
	CreatedAtMs        int64    `json:"createdAtMs"`
	Status             Status   `json:"status"`
	BytesDownloaded    int64    `json:"bytesDownloaded"`
	Error              *ErrInfo `json:"error,omitempty"`
}
