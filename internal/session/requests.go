package session

import (
	"encoding/json"
	"sync/atomic"
)

// requestCounter hands out process-wide unique request ids, starting at 1
// so a zero id always means "no response expected".
var requestCounter atomic.Int64

func nextRequestID() int {
	return int(requestCounter.Add(1))
}

// requestHeader is the common prefix of every correlated command payload.
type requestHeader struct {
	Type      string `json:"type"`
	RequestID int    `json:"requestId"`
}

// CorrelationID satisfies device.Correlated.
func (h requestHeader) CorrelationID() int { return h.RequestID }

func newHeader(msgType string) requestHeader {
	return requestHeader{Type: msgType, RequestID: nextRequestID()}
}

// Receiver-namespace requests.

// StatusRequest asks the receiver for a full state snapshot.
type StatusRequest struct {
	requestHeader
}

func NewStatusRequest() StatusRequest {
	return StatusRequest{newHeader("GET_STATUS")}
}

// LaunchRequest starts an application on the receiver.
type LaunchRequest struct {
	requestHeader
	AppID string `json:"appId"`
}

func NewLaunchRequest(appID string) LaunchRequest {
	return LaunchRequest{newHeader("LAUNCH"), appID}
}

// ReceiverStopRequest stops a running application.
type ReceiverStopRequest struct {
	requestHeader
	SessionID string `json:"sessionId"`
}

func NewReceiverStopRequest(sessionID string) ReceiverStopRequest {
	return ReceiverStopRequest{newHeader("STOP"), sessionID}
}

// ReceiverVolumeRequest changes the receiver-level volume. ExpectedVolume
// carries the sender's last known value so the receiver can detect races.
type ReceiverVolumeRequest struct {
	requestHeader
	SessionID      string  `json:"sessionId,omitempty"`
	Volume         Volume  `json:"volume"`
	ExpectedVolume *Volume `json:"expectedVolume,omitempty"`
}

func NewReceiverVolumeRequest(v Volume) *ReceiverVolumeRequest {
	return &ReceiverVolumeRequest{requestHeader: newHeader("SET_VOLUME"), Volume: v}
}

// Media-namespace requests. Each targets one media session; the session
// stamps mediaSessionId just before sending.

type mediaRequest interface {
	CorrelationID() int
	setMediaSession(id int)
}

type mediaHeader struct {
	requestHeader
	MediaSessionID int `json:"mediaSessionId"`
}

func (h *mediaHeader) setMediaSession(id int) { h.MediaSessionID = id }

func newMediaHeader(msgType string) mediaHeader {
	return mediaHeader{requestHeader: newHeader(msgType)}
}

// LoadRequest loads a single piece of content into a session. Sent on the
// media namespace but stamped with the receiver session id, not a media
// session id.
type LoadRequest struct {
	requestHeader
	SessionID      string          `json:"sessionId,omitempty"`
	Media          MediaInfo       `json:"media"`
	Autoplay       bool            `json:"autoplay"`
	CurrentTime    *float64        `json:"currentTime,omitempty"`
	ActiveTrackIDs []int           `json:"activeTrackIds"`
	CustomData     json.RawMessage `json:"customData,omitempty"`
}

func NewLoadRequest(media MediaInfo) *LoadRequest {
	return &LoadRequest{
		requestHeader:  newHeader("LOAD"),
		Media:          media,
		Autoplay:       true,
		ActiveTrackIDs: []int{},
	}
}

// QueueLoadRequest replaces the playback queue with the given items.
type QueueLoadRequest struct {
	requestHeader
	SessionID  string      `json:"sessionId,omitempty"`
	Items      []QueueItem `json:"items"`
	RepeatMode string      `json:"repeatMode"`
	StartIndex int         `json:"startIndex"`
}

func NewQueueLoadRequest(items []QueueItem) *QueueLoadRequest {
	return &QueueLoadRequest{
		requestHeader: newHeader("QUEUE_LOAD"),
		Items:         items,
		RepeatMode:    RepeatOff,
	}
}

type PlayRequest struct{ mediaHeader }

func NewPlayRequest() *PlayRequest { return &PlayRequest{newMediaHeader("PLAY")} }

type PauseRequest struct{ mediaHeader }

func NewPauseRequest() *PauseRequest { return &PauseRequest{newMediaHeader("PAUSE")} }

type MediaStopRequest struct{ mediaHeader }

func NewMediaStopRequest() *MediaStopRequest { return &MediaStopRequest{newMediaHeader("STOP")} }

type MediaStatusRequest struct{ mediaHeader }

func NewMediaStatusRequest() *MediaStatusRequest {
	return &MediaStatusRequest{newMediaHeader("GET_STATUS")}
}

type SeekRequest struct {
	mediaHeader
	CurrentTime *float64 `json:"currentTime,omitempty"`
	ResumeState string   `json:"resumeState,omitempty"`
}

func NewSeekRequest(currentTime float64) *SeekRequest {
	return &SeekRequest{mediaHeader: newMediaHeader("SEEK"), CurrentTime: &currentTime}
}

type StreamVolumeRequest struct {
	mediaHeader
	Volume Volume `json:"volume"`
}

func NewStreamVolumeRequest(v Volume) *StreamVolumeRequest {
	return &StreamVolumeRequest{mediaHeader: newMediaHeader("SET_VOLUME"), Volume: v}
}

type QueueInsertRequest struct {
	mediaHeader
	Items        []QueueItem `json:"items"`
	InsertBefore *int        `json:"insertBefore,omitempty"`
}

func NewQueueInsertRequest(items []QueueItem) *QueueInsertRequest {
	return &QueueInsertRequest{mediaHeader: newMediaHeader("QUEUE_INSERT"), Items: items}
}

type QueueRemoveRequest struct {
	mediaHeader
	ItemIDs []int `json:"itemIds"`
}

func NewQueueRemoveRequest(itemIDs []int) *QueueRemoveRequest {
	return &QueueRemoveRequest{mediaHeader: newMediaHeader("QUEUE_REMOVE"), ItemIDs: itemIDs}
}

type QueueReorderRequest struct {
	mediaHeader
	ItemIDs      []int `json:"itemIds"`
	InsertBefore *int  `json:"insertBefore,omitempty"`
}

func NewQueueReorderRequest(itemIDs []int) *QueueReorderRequest {
	return &QueueReorderRequest{mediaHeader: newMediaHeader("QUEUE_REORDER"), ItemIDs: itemIDs}
}

// QueueUpdateRequest covers item updates, jumps (relative or by item id)
// and repeat-mode changes, all of which ride the QUEUE_UPDATE type.
type QueueUpdateRequest struct {
	mediaHeader
	Items         []QueueItem `json:"items,omitempty"`
	CurrentItemID *int        `json:"currentItemId,omitempty"`
	Jump          *int        `json:"jump,omitempty"`
	RepeatMode    string      `json:"repeatMode,omitempty"`
}

func NewQueueUpdateRequest() *QueueUpdateRequest {
	return &QueueUpdateRequest{mediaHeader: newMediaHeader("QUEUE_UPDATE")}
}
