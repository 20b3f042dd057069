package session

import (
	"encoding/json"
	"fmt"
)

// Player states reported on the media namespace.
const (
	PlayerIdle      = "IDLE"
	PlayerPlaying   = "PLAYING"
	PlayerPaused    = "PAUSED"
	PlayerBuffering = "BUFFERING"
)

// Repeat modes for queue playback.
const (
	RepeatOff           = "REPEAT_OFF"
	RepeatAll           = "REPEAT_ALL"
	RepeatSingle        = "REPEAT_SINGLE"
	RepeatAllAndShuffle = "REPEAT_ALL_AND_SHUFFLE"
)

// Resume states for seek requests.
const (
	ResumePlaybackStart = "PLAYBACK_START"
	ResumePlaybackPause = "PLAYBACK_PAUSE"
)

// Volume is a level/mute pair. Pointer fields so partial snapshots leave
// absent values untouched during merges.
type Volume struct {
	Level *float64 `json:"level,omitempty"`
	Muted *bool    `json:"muted,omitempty"`
}

// Namespace is one protocol channel an application advertises.
type Namespace struct {
	Name string `json:"name"`
}

// Image is artwork attached to media metadata.
type Image struct {
	URL    string `json:"url"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// MediaMetadata describes the content being played.
type MediaMetadata struct {
	MetadataType int     `json:"metadataType"`
	Title        string  `json:"title,omitempty"`
	Subtitle     string  `json:"subtitle,omitempty"`
	Artist       string  `json:"artist,omitempty"`
	Images       []Image `json:"images,omitempty"`
}

// MediaInfo identifies a piece of content and how to stream it.
type MediaInfo struct {
	ContentID   string          `json:"contentId"`
	ContentType string          `json:"contentType"`
	StreamType  string          `json:"streamType,omitempty"`
	Duration    *float64        `json:"duration,omitempty"`
	Metadata    *MediaMetadata  `json:"metadata,omitempty"`
	CustomData  json.RawMessage `json:"customData,omitempty"`
}

// QueueItem is one entry of a playback queue.
type QueueItem struct {
	ItemID      int        `json:"itemId,omitempty"`
	Media       *MediaInfo `json:"media,omitempty"`
	Autoplay    bool       `json:"autoplay"`
	StartTime   float64    `json:"startTime"`
	PreloadTime float64    `json:"preloadTime"`
}

// ApplicationStatus is one running application in a receiver snapshot.
type ApplicationStatus struct {
	AppID       string      `json:"appId"`
	SessionID   string      `json:"sessionId"`
	TransportID string      `json:"transportId"`
	DisplayName string      `json:"displayName"`
	StatusText  *string     `json:"statusText,omitempty"`
	Namespaces  []Namespace `json:"namespaces,omitempty"`
}

// ReceiverStatus is the receiver-level state snapshot. Snapshots may be
// partial; absent fields stay nil.
type ReceiverStatus struct {
	Applications []ApplicationStatus `json:"applications,omitempty"`
	Volume       *Volume             `json:"volume,omitempty"`
}

// ReceiverStatusMessage is a RECEIVER_STATUS payload.
type ReceiverStatusMessage struct {
	Type      string         `json:"type"`
	RequestID int            `json:"requestId,omitempty"`
	Status    ReceiverStatus `json:"status"`
}

// MediaStatus is one media session's state within a MEDIA_STATUS payload.
type MediaStatus struct {
	MediaSessionID         int             `json:"mediaSessionId"`
	PlayerState            string          `json:"playerState,omitempty"`
	IdleReason             string          `json:"idleReason,omitempty"`
	CurrentItemID          int             `json:"currentItemId,omitempty"`
	LoadingItemID          int             `json:"loadingItemId,omitempty"`
	CurrentTime            *float64        `json:"currentTime,omitempty"`
	PlaybackRate           *float64        `json:"playbackRate,omitempty"`
	SupportedMediaCommands *int            `json:"supportedMediaCommands,omitempty"`
	Media                  *MediaInfo      `json:"media,omitempty"`
	Volume                 *Volume         `json:"volume,omitempty"`
	Items                  []QueueItem     `json:"items,omitempty"`
	RepeatMode             string          `json:"repeatMode,omitempty"`
	CustomData             json.RawMessage `json:"customData,omitempty"`
}

// MediaStatusMessage is a MEDIA_STATUS payload. One message may carry
// snapshots for several media sessions.
type MediaStatusMessage struct {
	Type      string        `json:"type"`
	RequestID int           `json:"requestId,omitempty"`
	Status    []MediaStatus `json:"status"`
}

// ParseReceiverStatus decodes a receiver-namespace payload.
func ParseReceiverStatus(payload []byte) (*ReceiverStatusMessage, error) {
	var msg ReceiverStatusMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("parse receiver status: %w", err)
	}
	return &msg, nil
}

// ParseMediaStatus decodes a media-namespace payload.
func ParseMediaStatus(payload []byte) (*MediaStatusMessage, error) {
	var msg MediaStatusMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("parse media status: %w", err)
	}
	return &msg, nil
}
