package session

import (
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/calacade/gocast/internal/casterr"
	"github.com/calacade/gocast/internal/protocol"
	"github.com/calacade/gocast/internal/transport"
)

func newTestMedia(t *testing.T, st MediaStatus) (*MediaSession, *fakeLink) {
	t.Helper()
	link := newFakeLink()
	m := newMediaSession(st, "session-abc", "transport-1", link, zerolog.Nop())
	return m, link
}

func mediaOK(requestID, mediaSessionID int) transport.Message {
	return transport.Message{
		Namespace: protocol.NamespaceMedia,
		Payload: []byte(`{"type":"MEDIA_STATUS","status":[{"mediaSessionId":` +
			strconv.Itoa(mediaSessionID) + `,"playerState":"PLAYING"}]}`),
	}
}

func TestMediaDiesExactlyOnceOnIdleSnapshot(t *testing.T) {
	m, link := newTestMedia(t, MediaStatus{MediaSessionID: 1, PlayerState: PlayerPlaying})

	var lives, deaths int
	m.OnUpdate(func(alive bool) {
		if alive {
			lives++
		} else {
			deaths++
		}
	})

	link.deliver(protocol.NamespaceMedia, "MEDIA_STATUS",
		`{"type":"MEDIA_STATUS","status":[{"mediaSessionId":1,"playerState":"PAUSED"}]}`)
	if lives != 1 || deaths != 0 {
		t.Fatalf("lives=%d deaths=%d after pause", lives, deaths)
	}

	// Idle while loading the next queue item is still alive.
	link.deliver(protocol.NamespaceMedia, "MEDIA_STATUS",
		`{"type":"MEDIA_STATUS","status":[{"mediaSessionId":1,"playerState":"IDLE","loadingItemId":3}]}`)
	if lives != 2 || deaths != 0 {
		t.Fatalf("lives=%d deaths=%d while loading", lives, deaths)
	}

	// Idle with nothing loading ends the session.
	link.deliver(protocol.NamespaceMedia, "MEDIA_STATUS",
		`{"type":"MEDIA_STATUS","status":[{"mediaSessionId":1,"playerState":"IDLE","idleReason":"FINISHED"}]}`)
	if deaths != 1 {
		t.Fatalf("deaths = %d, want 1", deaths)
	}
	if m.Alive() {
		t.Fatal("session still alive")
	}

	// Further snapshots find no subscription and change nothing.
	link.deliver(protocol.NamespaceMedia, "MEDIA_STATUS",
		`{"type":"MEDIA_STATUS","status":[{"mediaSessionId":1,"playerState":"IDLE"}]}`)
	if deaths != 1 || lives != 2 {
		t.Fatalf("lives=%d deaths=%d after death", lives, deaths)
	}
}

func TestMediaIgnoresOtherSessionsSnapshots(t *testing.T) {
	m, link := newTestMedia(t, MediaStatus{MediaSessionID: 1, PlayerState: PlayerPlaying})

	link.deliver(protocol.NamespaceMedia, "MEDIA_STATUS",
		`{"type":"MEDIA_STATUS","status":[{"mediaSessionId":2,"playerState":"IDLE"}]}`)
	if !m.Alive() {
		t.Fatal("another session's idle snapshot killed this one")
	}
}

func TestMediaMergeKeepsAbsentFields(t *testing.T) {
	m, link := newTestMedia(t, MediaStatus{
		MediaSessionID: 1,
		PlayerState:    PlayerPlaying,
		CurrentTime:    fptr(12),
		PlaybackRate:   fptr(1),
		Media:          &MediaInfo{ContentID: "a", ContentType: "video/mp4", Duration: fptr(300)},
	})

	// A heartbeat-ish partial update carries no media info.
	link.deliver(protocol.NamespaceMedia, "MEDIA_STATUS",
		`{"type":"MEDIA_STATUS","status":[{"mediaSessionId":1,"playerState":"PAUSED","currentTime":20}]}`)

	if m.PlayerState() != PlayerPaused {
		t.Fatalf("playerState = %s", m.PlayerState())
	}
	if m.Media() == nil || m.Media().ContentID != "a" {
		t.Fatal("media info lost in partial merge")
	}
	if got := m.EstimatedTime(); got != 20 {
		t.Fatalf("currentTime = %v", got)
	}
}

func TestEstimatedTimeExtrapolatesWhilePlaying(t *testing.T) {
	m, _ := newTestMedia(t, MediaStatus{MediaSessionID: 1, PlayerState: PlayerPlaying})

	base := time.Now()
	clock := base
	m.now = func() time.Time { return clock }
	m.applyStatus(MediaStatus{
		MediaSessionID: 1,
		PlayerState:    PlayerPlaying,
		CurrentTime:    fptr(10),
		PlaybackRate:   fptr(2),
		Media:          &MediaInfo{ContentID: "a", ContentType: "video/mp4", Duration: fptr(100)},
	})

	clock = base.Add(5 * time.Second)
	if got := m.EstimatedTime(); got != 20 {
		t.Fatalf("estimate = %v, want 20", got)
	}

	// Clamped to the duration.
	clock = base.Add(2 * time.Minute)
	if got := m.EstimatedTime(); got != 100 {
		t.Fatalf("estimate = %v, want duration clamp at 100", got)
	}
}

func TestEstimatedTimeClampsNegative(t *testing.T) {
	m, _ := newTestMedia(t, MediaStatus{MediaSessionID: 1, PlayerState: PlayerPlaying})

	base := time.Now()
	clock := base
	m.now = func() time.Time { return clock }
	m.applyStatus(MediaStatus{
		MediaSessionID: 1,
		PlayerState:    PlayerPlaying,
		CurrentTime:    fptr(5),
		PlaybackRate:   fptr(-1),
	})

	clock = base.Add(10 * time.Second)
	if got := m.EstimatedTime(); got != 0 {
		t.Fatalf("estimate = %v, want 0", got)
	}
}

func TestEstimatedTimeStaticWhenPaused(t *testing.T) {
	m, _ := newTestMedia(t, MediaStatus{
		MediaSessionID: 1,
		PlayerState:    PlayerPaused,
		CurrentTime:    fptr(33),
	})
	if got := m.EstimatedTime(); got != 33 {
		t.Fatalf("estimate = %v, want 33", got)
	}
}

func TestSupportedCommandsBitmask(t *testing.T) {
	m, _ := newTestMedia(t, MediaStatus{
		MediaSessionID:         1,
		PlayerState:            PlayerPlaying,
		SupportedMediaCommands: iptr(1 | 2 | 8),
	})

	for cmd, want := range map[string]bool{
		CommandPause:        true,
		CommandSeek:         true,
		CommandStreamVolume: true,
		CommandStreamMute:   false,
		CommandSkipForward:  false,
		CommandSkipBackward: false,
	} {
		if got := m.SupportsCommand(cmd); got != want {
			t.Errorf("SupportsCommand(%s) = %v, want %v", cmd, got, want)
		}
	}

	// Bits beyond the known set are ignored.
	m.applyStatus(MediaStatus{MediaSessionID: 1, PlayerState: PlayerPlaying, SupportedMediaCommands: iptr(64 | 4)})
	if !m.SupportsCommand(CommandStreamMute) || m.SupportsCommand(CommandPause) {
		t.Fatal("bitmask re-decode wrong")
	}
}

func TestCommandsFailFastWhenDead(t *testing.T) {
	m, link := newTestMedia(t, MediaStatus{MediaSessionID: 1, PlayerState: PlayerPlaying})

	link.deliver(protocol.NamespaceMedia, "MEDIA_STATUS",
		`{"type":"MEDIA_STATUS","status":[{"mediaSessionId":1,"playerState":"IDLE"}]}`)

	before := link.sentCount()
	var got error
	m.Pause(func() { t.Fatal("onSuccess fired") }, func(err error) { got = err })
	if casterr.CodeOf(got) != casterr.SessionError {
		t.Fatalf("error = %v, want session_error", got)
	}
	if link.sentCount() != before {
		t.Fatal("dead session sent traffic")
	}
}

func TestCommandsStampMediaSessionID(t *testing.T) {
	m, link := newTestMedia(t, MediaStatus{MediaSessionID: 17, PlayerState: PlayerPlaying})

	var done bool
	m.Pause(func() { done = true }, func(err error) { t.Fatalf("pause failed: %v", err) })

	cmd := link.lastSent(t)
	req, ok := cmd.msg.(*PauseRequest)
	if !ok {
		t.Fatalf("sent %T", cmd.msg)
	}
	if req.MediaSessionID != 17 {
		t.Fatalf("mediaSessionId = %d", req.MediaSessionID)
	}
	if cmd.namespace != protocol.NamespaceMedia || cmd.destination != "transport-1" {
		t.Fatalf("sent on %s to %s", cmd.namespace, cmd.destination)
	}

	cmd.onSuccess(mediaOK(req.RequestID, 17))
	if !done {
		t.Fatal("onSuccess not called")
	}
}

func TestCommandEmptyStatusResponseFails(t *testing.T) {
	m, link := newTestMedia(t, MediaStatus{MediaSessionID: 1, PlayerState: PlayerPlaying})

	var got error
	m.Play(func() { t.Fatal("onSuccess fired") }, func(err error) { got = err })

	cmd := link.lastSent(t)
	cmd.onSuccess(transport.Message{Payload: []byte(`{"type":"MEDIA_STATUS","status":[]}`)})
	if casterr.CodeOf(got) != casterr.SessionError {
		t.Fatalf("error = %v, want session_error", got)
	}
}

func TestQueueJumpUnknownItemIgnored(t *testing.T) {
	m, link := newTestMedia(t, MediaStatus{
		MediaSessionID: 1,
		PlayerState:    PlayerPlaying,
		Items:          []QueueItem{{ItemID: 10}, {ItemID: 11}},
	})

	before := link.sentCount()
	m.QueueJumpToItem(99, func() { t.Fatal("onSuccess fired") }, func(error) { t.Fatal("onError fired") })
	if link.sentCount() != before {
		t.Fatal("unknown item id sent a request")
	}

	m.QueueJumpToItem(11, nil, nil)
	cmd := link.lastSent(t)
	req, ok := cmd.msg.(*QueueUpdateRequest)
	if !ok || req.CurrentItemID == nil || *req.CurrentItemID != 11 {
		t.Fatalf("sent %T currentItemId=%v", cmd.msg, req.CurrentItemID)
	}
}

func TestQueueNextPrev(t *testing.T) {
	m, link := newTestMedia(t, MediaStatus{MediaSessionID: 1, PlayerState: PlayerPlaying})

	m.QueueNext(nil, nil)
	req := link.lastSent(t).msg.(*QueueUpdateRequest)
	if req.Jump == nil || *req.Jump != 1 {
		t.Fatalf("next jump = %v", req.Jump)
	}

	m.QueuePrev(nil, nil)
	req = link.lastSent(t).msg.(*QueueUpdateRequest)
	if req.Jump == nil || *req.Jump != -1 {
		t.Fatalf("prev jump = %v", req.Jump)
	}
}

func TestQueueMoveTranslatesToReorder(t *testing.T) {
	m, link := newTestMedia(t, MediaStatus{
		MediaSessionID: 1,
		PlayerState:    PlayerPlaying,
		Items:          []QueueItem{{ItemID: 10}, {ItemID: 11}, {ItemID: 12}, {ItemID: 13}},
	})

	// Moving forward lands before the item one past the target index.
	m.QueueMoveItemToNewIndex(10, 2, nil, nil)
	req, ok := link.lastSent(t).msg.(*QueueReorderRequest)
	if !ok {
		t.Fatalf("sent %T", link.lastSent(t).msg)
	}
	if len(req.ItemIDs) != 1 || req.ItemIDs[0] != 10 {
		t.Fatalf("itemIds = %v", req.ItemIDs)
	}
	if req.InsertBefore == nil || *req.InsertBefore != 13 {
		t.Fatalf("insertBefore = %v, want 13", req.InsertBefore)
	}

	// Moving backward lands before the item at the target index.
	m.QueueMoveItemToNewIndex(12, 0, nil, nil)
	req = link.lastSent(t).msg.(*QueueReorderRequest)
	if req.InsertBefore == nil || *req.InsertBefore != 10 {
		t.Fatalf("insertBefore = %v, want 10", req.InsertBefore)
	}

	// Moving to the end leaves insertBefore unset.
	m.QueueMoveItemToNewIndex(10, 3, nil, nil)
	req = link.lastSent(t).msg.(*QueueReorderRequest)
	if req.InsertBefore != nil {
		t.Fatalf("insertBefore = %v, want nil for tail move", *req.InsertBefore)
	}

	// Same-index moves succeed without traffic.
	before := link.sentCount()
	var done bool
	m.QueueMoveItemToNewIndex(11, 1, func() { done = true }, nil)
	if !done || link.sentCount() != before {
		t.Fatal("same-index move misbehaved")
	}

	// Unknown items are ignored.
	m.QueueMoveItemToNewIndex(99, 0, func() { t.Fatal("onSuccess fired") }, nil)
}

func TestQueueRemoveUnknownItemIgnored(t *testing.T) {
	m, link := newTestMedia(t, MediaStatus{
		MediaSessionID: 1,
		PlayerState:    PlayerPlaying,
		Items:          []QueueItem{{ItemID: 10}},
	})

	before := link.sentCount()
	m.QueueRemoveItem(99, nil, nil)
	if link.sentCount() != before {
		t.Fatal("unknown item id sent a request")
	}

	m.QueueRemoveItem(10, nil, nil)
	req, ok := link.lastSent(t).msg.(*QueueRemoveRequest)
	if !ok || len(req.ItemIDs) != 1 || req.ItemIDs[0] != 10 {
		t.Fatalf("sent %T %v", link.lastSent(t).msg, req.ItemIDs)
	}
}
