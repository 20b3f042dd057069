package session

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/calacade/gocast/internal/casterr"
	"github.com/calacade/gocast/internal/protocol"
	"github.com/calacade/gocast/internal/transport"
)

// Media commands a receiver may support, decoded from the
// supportedMediaCommands bitmask.
const (
	CommandPause        = "pause"
	CommandSeek         = "seek"
	CommandStreamMute   = "stream_mute"
	CommandStreamVolume = "stream_volume"
	CommandSkipForward  = "skip_forward"
	CommandSkipBackward = "skip_backward"
)

var commandBits = map[string]int{
	CommandPause:        1,
	CommandSeek:         2,
	CommandStreamMute:   4,
	CommandStreamVolume: 8,
	CommandSkipForward:  16,
	CommandSkipBackward: 32,
}

// MediaSession mirrors one media playback session on the receiver. It is
// alive while the player is doing or loading something; an idle snapshot
// with nothing loading kills it.
type MediaSession struct {
	SessionID      string
	MediaSessionID int

	log zerolog.Logger

	mu            sync.Mutex
	playerState   string
	idleReason    string
	currentItemID int
	loadingItemID int
	currentTime   float64
	playbackRate  float64
	media         *MediaInfo
	volume        Volume
	items         []QueueItem
	repeatMode    string
	supported     map[string]bool
	lastUpdate    time.Time
	initialized   bool
	alive         bool
	updateFns     map[int]func(alive bool)
	nextFn        int
	cancels       []func()

	dev         Link
	transportID string

	now func() time.Time
}

// newMediaSession builds a session from its first status snapshot and
// subscribes it to further media updates for its id.
func newMediaSession(st MediaStatus, sessionID, transportID string, dev Link, log zerolog.Logger) *MediaSession {
	m := &MediaSession{
		SessionID:      sessionID,
		MediaSessionID: st.MediaSessionID,
		log:            log.With().Str("component", "media").Int("mediaSessionId", st.MediaSessionID).Logger(),
		playbackRate:   1,
		repeatMode:     RepeatOff,
		supported:      make(map[string]bool),
		updateFns:      make(map[int]func(bool)),
		dev:            dev,
		transportID:    transportID,
		now:            time.Now,
	}

	m.cancels = append(m.cancels,
		dev.Subscribe(protocol.NamespaceMedia, func(msg transport.Message) {
			if msg.Header.Type != "MEDIA_STATUS" {
				return
			}
			status, err := ParseMediaStatus(msg.Payload)
			if err != nil {
				return
			}
			for _, st := range status.Status {
				if st.MediaSessionID == m.MediaSessionID {
					m.applyStatus(st)
				}
			}
		}),
		dev.OnClose(func(id string) {
			if id == m.transportID {
				m.teardown()
			}
		}),
		dev.OnDisconnected(func(error) { m.teardown() }),
	)

	m.mu.Lock()
	m.initialized = true
	m.alive = true
	m.mu.Unlock()
	m.applyStatus(st)
	return m
}

// applyStatus merges one snapshot onto the session. Present fields
// overwrite, absent fields stay. The snapshot itself decides liveness:
// idle with nothing loading means the session is over.
func (m *MediaSession) applyStatus(st MediaStatus) {
	m.mu.Lock()
	if st.PlayerState != "" {
		m.playerState = st.PlayerState
	}
	if st.IdleReason != "" {
		m.idleReason = st.IdleReason
	}
	if st.CurrentItemID != 0 {
		m.currentItemID = st.CurrentItemID
	}
	m.loadingItemID = st.LoadingItemID
	if st.CurrentTime != nil {
		m.currentTime = *st.CurrentTime
	}
	if st.PlaybackRate != nil {
		m.playbackRate = *st.PlaybackRate
	}
	if st.Media != nil {
		m.media = st.Media
	}
	if st.Volume != nil {
		if st.Volume.Level != nil {
			m.volume.Level = st.Volume.Level
		}
		if st.Volume.Muted != nil {
			m.volume.Muted = st.Volume.Muted
		}
	}
	if st.Items != nil {
		m.items = st.Items
	}
	if st.RepeatMode != "" {
		m.repeatMode = st.RepeatMode
	}
	if st.SupportedMediaCommands != nil {
		m.supported = make(map[string]bool, len(commandBits))
		for cmd, bit := range commandBits {
			if *st.SupportedMediaCommands&bit != 0 {
				m.supported[cmd] = true
			}
		}
	}
	if st.PlayerState == PlayerPlaying || st.CurrentTime != nil {
		m.lastUpdate = m.now()
	}

	alive := st.PlayerState != PlayerIdle || st.LoadingItemID != 0
	fns := m.snapshotUpdateFnsLocked()
	m.mu.Unlock()

	if !alive {
		m.log.Debug().Msg("media session is over")
		m.teardown()
		return
	}
	for _, fn := range fns {
		fn(true)
	}
}

// teardown detaches from the device and notifies listeners exactly once.
func (m *MediaSession) teardown() {
	m.mu.Lock()
	if !m.alive {
		m.mu.Unlock()
		return
	}
	m.alive = false
	cancels := m.cancels
	m.cancels = nil
	fns := m.snapshotUpdateFnsLocked()
	m.updateFns = make(map[int]func(bool))
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	for _, fn := range fns {
		fn(false)
	}
}

func (m *MediaSession) snapshotUpdateFnsLocked() []func(bool) {
	fns := make([]func(bool), 0, len(m.updateFns))
	for _, fn := range m.updateFns {
		fns = append(fns, fn)
	}
	return fns
}

// Alive reports whether the session is still running on the receiver.
func (m *MediaSession) Alive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alive
}

// PlayerState returns the last reported player state.
func (m *MediaSession) PlayerState() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.playerState
}

// Media returns the loaded content description, if known.
func (m *MediaSession) Media() *MediaInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.media
}

// Volume returns the stream-level volume.
func (m *MediaSession) Volume() Volume {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.volume
}

// Items returns the current queue contents.
func (m *MediaSession) Items() []QueueItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]QueueItem(nil), m.items...)
}

// OnUpdate registers fn for status changes. It fires with true on merged
// snapshots and false exactly once when the session ends.
func (m *MediaSession) OnUpdate(fn func(alive bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextFn
	m.nextFn++
	m.updateFns[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.updateFns, id)
	}
}

// SupportsCommand reports whether the receiver advertised support for the
// given media command.
func (m *MediaSession) SupportsCommand(cmd string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.supported[cmd]
}

// EstimatedTime extrapolates the playback position from the last snapshot.
// Paused or idle players report the snapshot position as-is; a playing
// session advances it by elapsed wall time scaled by the playback rate,
// clamped to [0, duration].
func (m *MediaSession) EstimatedTime() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.playerState != PlayerPlaying {
		return m.currentTime
	}

	elapsed := m.now().Sub(m.lastUpdate).Seconds() * m.playbackRate
	estimate := m.currentTime + elapsed
	if estimate < 0 {
		return 0
	}
	if m.media != nil && m.media.Duration != nil && estimate > *m.media.Duration {
		return *m.media.Duration
	}
	return estimate
}

// send stamps the media session id onto req and forwards it. Commands on
// dead or uninitialized sessions fail fast; a response without a status
// array counts as failure.
func (m *MediaSession) send(req mediaRequest, onSuccess func(), onError func(error)) {
	m.mu.Lock()
	ready := m.initialized && m.alive
	m.mu.Unlock()
	if !ready {
		if onError != nil {
			onError(casterr.New(casterr.SessionError, "media session not active"))
		}
		return
	}

	req.setMediaSession(m.MediaSessionID)
	m.dev.Send(req, protocol.NamespaceMedia, m.transportID, func(msg transport.Message) {
		status, err := ParseMediaStatus(msg.Payload)
		if err != nil || len(status.Status) == 0 {
			if onError != nil {
				onError(casterr.New(casterr.SessionError, "command returned no media status"))
			}
			return
		}
		if onSuccess != nil {
			onSuccess()
		}
	}, onError, 0)
}

func (m *MediaSession) Play(onSuccess func(), onError func(error)) {
	m.send(NewPlayRequest(), onSuccess, onError)
}

func (m *MediaSession) Pause(onSuccess func(), onError func(error)) {
	m.send(NewPauseRequest(), onSuccess, onError)
}

func (m *MediaSession) Stop(onSuccess func(), onError func(error)) {
	m.send(NewMediaStopRequest(), onSuccess, onError)
}

func (m *MediaSession) GetStatus(onSuccess func(), onError func(error)) {
	m.send(NewMediaStatusRequest(), onSuccess, onError)
}

func (m *MediaSession) Seek(currentTime float64, resumeState string, onSuccess func(), onError func(error)) {
	req := NewSeekRequest(currentTime)
	req.ResumeState = resumeState
	m.send(req, onSuccess, onError)
}

// SetStreamVolume sets the stream-level volume, independent of the
// receiver-level one.
func (m *MediaSession) SetStreamVolume(level float64, onSuccess func(), onError func(error)) {
	m.send(NewStreamVolumeRequest(Volume{Level: &level}), onSuccess, onError)
}

func (m *MediaSession) SetStreamMuted(muted bool, onSuccess func(), onError func(error)) {
	m.send(NewStreamVolumeRequest(Volume{Muted: &muted}), onSuccess, onError)
}

// QueueInsert inserts items, optionally before an existing item id.
func (m *MediaSession) QueueInsert(items []QueueItem, insertBefore *int, onSuccess func(), onError func(error)) {
	req := NewQueueInsertRequest(items)
	req.InsertBefore = insertBefore
	m.send(req, onSuccess, onError)
}

// QueueAppend appends a single item at the end of the queue.
func (m *MediaSession) QueueAppend(item QueueItem, onSuccess func(), onError func(error)) {
	m.QueueInsert([]QueueItem{item}, nil, onSuccess, onError)
}

// QueueRemoveItem removes one item. Unknown item ids are ignored.
func (m *MediaSession) QueueRemoveItem(itemID int, onSuccess func(), onError func(error)) {
	if m.queueIndexOf(itemID) == -1 {
		return
	}
	m.send(NewQueueRemoveRequest([]int{itemID}), onSuccess, onError)
}

// QueueJumpToItem makes the given item current. Unknown item ids are
// ignored.
func (m *MediaSession) QueueJumpToItem(itemID int, onSuccess func(), onError func(error)) {
	if m.queueIndexOf(itemID) == -1 {
		return
	}
	req := NewQueueUpdateRequest()
	req.CurrentItemID = &itemID
	m.send(req, onSuccess, onError)
}

// QueueNext advances to the next queue item.
func (m *MediaSession) QueueNext(onSuccess func(), onError func(error)) {
	m.queueJump(1, onSuccess, onError)
}

// QueuePrev returns to the previous queue item.
func (m *MediaSession) QueuePrev(onSuccess func(), onError func(error)) {
	m.queueJump(-1, onSuccess, onError)
}

func (m *MediaSession) queueJump(delta int, onSuccess func(), onError func(error)) {
	req := NewQueueUpdateRequest()
	req.Jump = &delta
	m.send(req, onSuccess, onError)
}

// QueueSetRepeatMode changes the queue repeat mode.
func (m *MediaSession) QueueSetRepeatMode(mode string, onSuccess func(), onError func(error)) {
	req := NewQueueUpdateRequest()
	req.RepeatMode = mode
	m.send(req, onSuccess, onError)
}

// QueueMoveItemToNewIndex moves an item to a queue position, translated
// into a reorder against the item id it should land before. Unknown item
// ids are ignored; moving to the current position succeeds immediately.
func (m *MediaSession) QueueMoveItemToNewIndex(itemID, newIndex int, onSuccess func(), onError func(error)) {
	m.mu.Lock()
	currentIndex := -1
	for i, item := range m.items {
		if item.ItemID == itemID {
			currentIndex = i
			break
		}
	}
	if currentIndex == -1 {
		m.mu.Unlock()
		return
	}
	if currentIndex == newIndex {
		m.mu.Unlock()
		if onSuccess != nil {
			onSuccess()
		}
		return
	}

	before := newIndex
	if newIndex > currentIndex {
		before = newIndex + 1
	}
	var insertBefore *int
	if before >= 0 && before < len(m.items) {
		id := m.items[before].ItemID
		insertBefore = &id
	}
	m.mu.Unlock()

	req := NewQueueReorderRequest([]int{itemID})
	req.InsertBefore = insertBefore
	m.send(req, onSuccess, onError)
}

func (m *MediaSession) queueIndexOf(itemID int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, item := range m.items {
		if item.ItemID == itemID {
			return i
		}
	}
	return -1
}
