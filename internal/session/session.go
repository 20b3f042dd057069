package session

import (
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/calacade/gocast/internal/casterr"
	"github.com/calacade/gocast/internal/protocol"
	"github.com/calacade/gocast/internal/transport"
)

// Status is the lifecycle state of a Session.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusStopped      Status = "stopped"
)

// Link is the slice of the device layer a session drives. *device.Device
// satisfies it; tests substitute a fake.
type Link interface {
	Send(msg any, namespace, destination string, onSuccess func(transport.Message), onError func(error), timeout time.Duration)
	Subscribe(namespace string, fn func(transport.Message)) func()
	OnClose(fn func(transportID string)) func()
	OnDisconnected(fn func(err error)) func()
	Stop()
}

// Session mirrors one running receiver application. It reconciles
// receiver-status snapshots onto itself, tracks the media sessions living
// under the application, and exposes the receiver-level commands.
type Session struct {
	SessionID   string
	AppID       string
	DisplayName string
	TransportID string

	log zerolog.Logger

	mu          sync.Mutex
	status      Status
	statusText  string
	namespaces  []Namespace
	volume      Volume
	media       []*MediaSession
	loading     int
	initialized bool
	updateFns   map[int]func(alive bool)
	mediaFns    map[int]func(*MediaSession)
	nextFn      int
	cancels     []func()

	dev Link
}

// New builds a session from a receiver-status snapshot that contains at
// least one running application, wires it to the device's event streams,
// and polls the media namespace when the application advertises it.
func New(msg *ReceiverStatusMessage, dev Link, log zerolog.Logger) (*Session, error) {
	if len(msg.Status.Applications) == 0 {
		return nil, casterr.New(casterr.SessionError, "receiver status has no running application")
	}
	app := msg.Status.Applications[0]

	s := &Session{
		SessionID:   app.SessionID,
		AppID:       app.AppID,
		DisplayName: app.DisplayName,
		TransportID: app.TransportID,
		log:         log.With().Str("component", "session").Str("sessionId", app.SessionID).Logger(),
		status:      StatusConnected,
		namespaces:  app.Namespaces,
		updateFns:   make(map[int]func(bool)),
		mediaFns:    make(map[int]func(*MediaSession)),
		dev:         dev,
	}
	s.applyReceiverStatus(msg)

	s.cancels = append(s.cancels,
		dev.Subscribe(protocol.NamespaceReceiver, func(m transport.Message) {
			if m.Header.Type == "RECEIVER_STATUS" {
				if status, err := ParseReceiverStatus(m.Payload); err == nil {
					s.applyReceiverStatus(status)
				}
			}
		}),
		dev.Subscribe(protocol.NamespaceMedia, func(m transport.Message) {
			if m.Header.Type == "MEDIA_STATUS" {
				if status, err := ParseMediaStatus(m.Payload); err == nil {
					s.applyMediaStatus(status)
				}
			}
		}),
		dev.OnClose(func(transportID string) {
			if transportID == s.TransportID {
				s.teardown()
			}
		}),
		dev.OnDisconnected(func(error) { s.teardown() }),
	)

	s.mu.Lock()
	s.initialized = true
	hasMedia := s.hasNamespaceLocked(protocol.NamespaceMedia)
	s.mu.Unlock()

	if hasMedia {
		dev.Send(NewMediaStatusRequest(), protocol.NamespaceMedia, s.TransportID, func(transport.Message) {}, nil, 0)
	}
	return s, nil
}

func (s *Session) hasNamespaceLocked(name string) bool {
	for _, ns := range s.namespaces {
		if ns.Name == name {
			return true
		}
	}
	return false
}

// Status returns the session's lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// StatusText returns the application's advertised status line.
func (s *Session) StatusText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusText
}

// Volume returns the last known receiver-level volume.
func (s *Session) Volume() Volume {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.volume
}

// Media returns the media sessions currently tracked under this session.
func (s *Session) Media() []*MediaSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*MediaSession(nil), s.media...)
}

// OnUpdate registers fn for state changes. It fires with true on merged
// snapshot changes and false exactly once when the session dies.
func (s *Session) OnUpdate(fn func(alive bool)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextFn
	s.nextFn++
	s.updateFns[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.updateFns, id)
	}
}

// OnMedia registers fn for media sessions discovered outside LoadMedia,
// typically started by another sender.
func (s *Session) OnMedia(fn func(*MediaSession)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextFn
	s.nextFn++
	s.mediaFns[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.mediaFns, id)
	}
}

// applyReceiverStatus merges a snapshot onto the session. Only changes to
// the watched fields (status text, namespaces, volume level and mute)
// notify update listeners; an application id mismatch kills the session
// outright with no reconciliation.
func (s *Session) applyReceiverStatus(msg *ReceiverStatusMessage) {
	var app *ApplicationStatus
	if len(msg.Status.Applications) > 0 {
		app = &msg.Status.Applications[0]
	}

	s.mu.Lock()
	if app != nil && app.AppID != s.AppID {
		s.mu.Unlock()
		s.log.Debug().Str("appId", app.AppID).Msg("application changed, session is dead")
		s.teardown()
		return
	}

	changed := false
	if app != nil {
		if app.StatusText != nil && *app.StatusText != s.statusText {
			s.statusText = *app.StatusText
			changed = true
		}
		if app.Namespaces != nil && !reflect.DeepEqual(app.Namespaces, s.namespaces) {
			s.namespaces = app.Namespaces
			changed = true
		}
	}
	if v := msg.Status.Volume; v != nil {
		if v.Level != nil && (s.volume.Level == nil || *s.volume.Level != *v.Level) {
			s.volume.Level = v.Level
			changed = true
		}
		if v.Muted != nil && (s.volume.Muted == nil || *s.volume.Muted != *v.Muted) {
			s.volume.Muted = v.Muted
			changed = true
		}
	}
	fns := s.snapshotUpdateFnsLocked()
	s.mu.Unlock()

	if changed {
		for _, fn := range fns {
			fn(true)
		}
	}
}

// applyMediaStatus materializes media sessions started elsewhere and drops
// dead ones. Updates for sessions spawned by an in-flight load are skipped
// until the load resolves; live known sessions are updated through their
// own subscriptions, not here.
func (s *Session) applyMediaStatus(msg *MediaStatusMessage) {
	s.mu.Lock()
	if s.loading > 0 {
		s.mu.Unlock()
		s.log.Debug().Msg("ignoring media update until load resolves")
		return
	}
	sessionID, transportID := s.SessionID, s.TransportID
	dev := s.dev

	var created []*MediaSession
	for _, st := range msg.Status {
		dead := st.PlayerState == PlayerIdle && st.LoadingItemID == 0
		idx := -1
		for i, m := range s.media {
			if m.MediaSessionID == st.MediaSessionID {
				idx = i
				break
			}
		}

		switch {
		case idx == -1 && !dead:
			m := newMediaSession(st, sessionID, transportID, dev, s.log)
			s.media = append(s.media, m)
			created = append(created, m)
		case idx != -1 && dead:
			s.log.Debug().Int("mediaSessionId", st.MediaSessionID).Msg("removing dead media session")
			s.media = append(s.media[:idx], s.media[idx+1:]...)
		}
	}
	fns := make([]func(*MediaSession), 0, len(s.mediaFns))
	for _, fn := range s.mediaFns {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, m := range created {
		for _, fn := range fns {
			fn(m)
		}
	}
}

func (s *Session) snapshotUpdateFnsLocked() []func(bool) {
	fns := make([]func(bool), 0, len(s.updateFns))
	for _, fn := range s.updateFns {
		fns = append(fns, fn)
	}
	return fns
}

// teardown detaches the session from the device and marks it dead.
// Idempotent; update listeners see alive=false exactly once.
func (s *Session) teardown() {
	s.mu.Lock()
	if s.status == StatusDisconnected {
		s.mu.Unlock()
		return
	}
	s.status = StatusDisconnected
	s.initialized = false
	cancels := s.cancels
	s.cancels = nil
	fns := s.snapshotUpdateFnsLocked()
	s.updateFns = make(map[int]func(bool))
	dev := s.dev
	s.mu.Unlock()

	s.log.Debug().Msg("session cleaning up")
	for _, cancel := range cancels {
		cancel()
	}
	dev.Stop()
	for _, fn := range fns {
		fn(false)
	}
}

// send guards every outgoing command with the connected check.
func (s *Session) send(msg any, namespace, destination string, onSuccess func(transport.Message), onError func(error)) {
	s.mu.Lock()
	ready := s.initialized && s.status == StatusConnected
	s.mu.Unlock()
	if !ready {
		if onError != nil {
			onError(casterr.New(casterr.SessionError, "session not connected"))
		}
		return
	}
	s.dev.Send(msg, namespace, destination, onSuccess, onError, 0)
}

// Stop asks the receiver to stop the application, then tears down.
func (s *Session) Stop(onSuccess func(), onError func(error)) {
	req := NewReceiverStopRequest(s.SessionID)
	s.send(req, protocol.NamespaceReceiver, protocol.ReceiverID, func(transport.Message) {
		s.teardown()
		if onSuccess != nil {
			onSuccess()
		}
	}, onError)
}

// Leave detaches this sender without stopping the receiver application.
func (s *Session) Leave(onSuccess func()) {
	s.teardown()
	if onSuccess != nil {
		onSuccess()
	}
}

// SetVolume sets the receiver-level volume.
func (s *Session) SetVolume(level float64, onSuccess func(transport.Message), onError func(error)) {
	req := NewReceiverVolumeRequest(Volume{Level: &level})
	req.SessionID = s.SessionID
	expected := s.Volume()
	req.ExpectedVolume = &expected
	s.send(req, protocol.NamespaceReceiver, protocol.ReceiverID, onSuccess, onError)
}

// SetMuted sets the receiver-level mute flag.
func (s *Session) SetMuted(muted bool, onSuccess func(transport.Message), onError func(error)) {
	req := NewReceiverVolumeRequest(Volume{Muted: &muted})
	req.SessionID = s.SessionID
	expected := s.Volume()
	req.ExpectedVolume = &expected
	s.send(req, protocol.NamespaceReceiver, protocol.ReceiverID, onSuccess, onError)
}

// SendMessage forwards an application-defined payload to the receiver app
// on a custom namespace.
func (s *Session) SendMessage(namespace string, msg any, onSuccess func(transport.Message), onError func(error)) {
	if namespace == "" {
		if onError != nil {
			onError(casterr.New(casterr.InvalidParameter, "namespace must not be empty"))
		}
		return
	}
	s.send(msg, namespace, s.TransportID, onSuccess, onError)
}

// LoadMedia loads content and yields the resulting media session. While a
// load is in flight, unsolicited media updates are suppressed so the new
// session is not double-materialized.
func (s *Session) LoadMedia(req *LoadRequest, onSuccess func(*MediaSession), onError func(error)) {
	req.SessionID = s.SessionID
	s.loadThenTrack(req, onSuccess, onError)
}

// QueueLoad replaces the queue and yields the resulting media session.
func (s *Session) QueueLoad(req *QueueLoadRequest, onSuccess func(*MediaSession), onError func(error)) {
	req.SessionID = s.SessionID
	s.loadThenTrack(req, onSuccess, onError)
}

func (s *Session) loadThenTrack(req any, onSuccess func(*MediaSession), onError func(error)) {
	s.mu.Lock()
	s.loading++
	s.mu.Unlock()

	loadDone := func() {
		s.mu.Lock()
		s.loading--
		s.mu.Unlock()
	}

	s.send(req, protocol.NamespaceMedia, s.TransportID, func(m transport.Message) {
		status, err := ParseMediaStatus(m.Payload)
		if err != nil || len(status.Status) == 0 {
			loadDone()
			if onError != nil {
				onError(casterr.New(casterr.LoadMediaFailed, "load returned no media status"))
			}
			return
		}

		media := newMediaSession(status.Status[0], s.SessionID, s.TransportID, s.dev, s.log)
		s.mu.Lock()
		s.media = append(s.media, media)
		s.mu.Unlock()
		loadDone()

		if onSuccess != nil {
			onSuccess(media)
		}
	}, func(err error) {
		loadDone()
		if onError != nil {
			onError(err)
		}
	})
}
