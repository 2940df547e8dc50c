// Package protocol holds the wire types shared by the tag service and its
// clients: the websocket IPC envelope and the HTTP API bodies. It is
// importable without pulling in server dependencies.
package protocol

import "time"

// TagInfo is one entry of GET /api/v1/tags.
type TagInfo struct {
	ID      string `json:"id"`
	State   string `json:"state"`             // CONNECTED or SCANNED
	Battery string `json:"battery,omitempty"` // Last cached level
	Syncing bool   `json:"syncing"`
}

type TagListResponse struct {
	Tags []TagInfo `json:"tags"`
}

// SyncResponse is returned by POST /api/v1/tags/{id}/sync.
type SyncResponse struct {
	DeviceID string `json:"deviceId"`
	Result   string `json:"result"`
}

// RingResponse is returned by POST /api/v1/tags/{id}/ring.
type RingResponse struct {
	DeviceID  string `json:"deviceId"`
	Ringing   bool   `json:"ringing"`
	Transport string `json:"transport,omitempty"` // "bluetooth" or "network"
	Volume    string `json:"volume,omitempty"`
}

// HistoryEntry is one finished sync.
type HistoryEntry struct {
	ID         string    `json:"id"`
	DeviceID   string    `json:"deviceId"`
	Result     string    `json:"result"`
	FinishedAt time.Time `json:"finishedAt"`
}

type HistoryResponse struct {
	Entries []HistoryEntry `json:"entries"`
}

// LocationUpdate is the body of PUT /api/v1/location. An empty DeviceID sets
// the host location used for every tag.
type LocationUpdate struct {
	DeviceID  string     `json:"deviceId,omitempty"`
	Latitude  float64    `json:"latitude"`
	Longitude float64    `json:"longitude"`
	Accuracy  float64    `json:"accuracy"`
	Method    string     `json:"method,omitempty"`
	Time      *time.Time `json:"time,omitempty"`
}

// AutoSyncUpdate is the body of PUT /api/v1/autosync and
// PUT /api/v1/tags/{id}/autosync.
type AutoSyncUpdate struct {
	Enabled *bool `json:"enabled"`
}

// ErrorResponse is the body of every non-2xx HTTP answer.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"errorCode,omitempty"`
}

// Error codes shared by HTTP and IPC error payloads.
const (
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeUnknownType    = "UNKNOWN_TYPE"
	ErrCodeUnknownMethod  = "UNKNOWN_METHOD"
	ErrCodeUnknownTopic   = "UNKNOWN_TOPIC"
	ErrCodeUnknownDevice  = "UNKNOWN_DEVICE"
	ErrCodeUnsupported    = "UNSUPPORTED"
	ErrCodeUnauthorized   = "UNAUTHORIZED"
	ErrCodeInternalError  = "INTERNAL_ERROR"
)
