// Package orch owns the discovered-device registry and the single active
// session slot, and decides when to auto-join a running application.
package orch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/calacade/gocast/internal/casterr"
	"github.com/calacade/gocast/internal/device"
	"github.com/calacade/gocast/internal/discovery"
	"github.com/calacade/gocast/internal/protocol"
	"github.com/calacade/gocast/internal/session"
	"github.com/calacade/gocast/internal/transport"
)

// AutoJoinPolicy governs whether the client silently attaches to an
// application already running on a discovered device.
type AutoJoinPolicy string

const (
	TabAndOriginScoped     AutoJoinPolicy = "tab_and_origin_scoped"
	CustomControllerScoped AutoJoinPolicy = "custom_controller_scoped"
	OriginScoped           AutoJoinPolicy = "origin_scoped"
	PageScoped             AutoJoinPolicy = "page_scoped"
)

// Availability is reported to receiver listeners as devices come and go.
type Availability string

const (
	Available   Availability = "available"
	Unavailable Availability = "unavailable"
)

// noDevicesGrace is how long discovery may stay silent before listeners
// hear "no devices found".
const noDevicesGrace = 2 * time.Second

// Receiver describes a registered device to availability listeners.
type Receiver struct {
	ID   string
	Name string
	Addr string
	Port int
}

// Config is the orchestrator's session configuration. Auto-join stays off
// until one is set.
type Config struct {
	AppID            string
	AutoJoinPolicy   AutoJoinPolicy
	RequestTimeout   time.Duration
	SessionListener  func(*session.Session)
	ReceiverListener func(Availability, *Receiver)
}

// deviceLink is the device surface the orchestrator drives. *device.Device
// satisfies it; tests substitute a fake.
type deviceLink interface {
	session.Link
	Start(ctx context.Context) error
}

type member struct {
	receiver Receiver
	link     deviceLink
}

// Orchestrator tracks discovered devices and the one active session.
type Orchestrator struct {
	log zerolog.Logger

	mu         sync.Mutex
	cfg        *Config
	members    []*member
	active     *session.Session
	requesting bool

	// newLink is swapped by tests to inject fake devices; grace is
	// shortened by tests.
	newLink func(r Receiver) deviceLink
	grace   time.Duration
}

func New(log zerolog.Logger) *Orchestrator {
	o := &Orchestrator{
		log:   log.With().Str("component", "orch").Logger(),
		grace: noDevicesGrace,
	}
	o.newLink = func(r Receiver) deviceLink {
		return device.New(r.ID, r.Name, r.Addr, r.Port, log)
	}
	return o
}

// Configure installs the session configuration. Devices discovered before
// this call have already been registered but were not auto-joined.
func (o *Orchestrator) Configure(cfg Config) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cfg = &cfg
}

// Session returns the active session, or nil.
func (o *Orchestrator) Session() *session.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

// Receivers lists the currently registered devices.
func (o *Orchestrator) Receivers() []Receiver {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Receiver, len(o.members))
	for i, m := range o.members {
		out[i] = m.receiver
	}
	return out
}

// Run consumes discovery events until ctx is done. If discovery stays
// silent past the grace period, listeners hear that no devices exist.
func (o *Orchestrator) Run(ctx context.Context, browser discovery.Browser) error {
	if err := browser.Start(); err != nil {
		return err
	}

	grace := time.AfterFunc(o.grace, func() {
		o.mu.Lock()
		empty := len(o.members) == 0
		cfg := o.cfg
		o.mu.Unlock()
		if empty && cfg != nil && cfg.ReceiverListener != nil {
			o.log.Debug().Msg("no devices found")
			o.safeNotify(func() { cfg.ReceiverListener(Unavailable, nil) })
		}
	})
	defer grace.Stop()

	for {
		select {
		case <-ctx.Done():
			browser.Stop()
			o.stopAll()
			return ctx.Err()
		case ev := <-browser.Events():
			if ev.Up {
				o.ServiceUp(ctx, ev.Service)
			} else {
				o.ServiceDown(ev.Service)
			}
		}
	}
}

func (o *Orchestrator) stopAll() {
	o.mu.Lock()
	members := o.members
	o.members = nil
	o.mu.Unlock()
	for _, m := range members {
		m.link.Stop()
	}
}

// ServiceUp registers a discovered device and, when policy allows,
// attaches to an application it is already running. The availability
// listener is notified at the end of every path except a duplicate id,
// which is dropped outright.
func (o *Orchestrator) ServiceUp(ctx context.Context, svc discovery.Service) {
	r := receiverOf(svc)

	o.mu.Lock()
	for _, m := range o.members {
		if m.receiver.ID == r.ID {
			o.mu.Unlock()
			return
		}
	}
	m := &member{receiver: r, link: o.newLink(r)}
	o.members = append(o.members, m)
	cfg := o.cfg
	active := o.active
	requesting := o.requesting
	o.mu.Unlock()

	o.log.Debug().Str("device", r.Name).Str("addr", r.Addr).Msg("found new device")

	notify := func() {
		if cfg != nil && cfg.ReceiverListener != nil {
			o.safeNotify(func() { cfg.ReceiverListener(Available, &r) })
		}
	}

	switch {
	case active != nil:
		o.log.Debug().Msg("active session, skipping auto connect")
	case requesting:
		o.log.Debug().Msg("mid session request, skipping auto connect")
	case cfg == nil:
		o.log.Debug().Msg("not configured, skipping auto connect")
	case cfg.AutoJoinPolicy == PageScoped:
		o.log.Debug().Msg("page scoped policy, skipping auto connect")
	case cfg.SessionListener == nil:
		o.log.Debug().Msg("no session listener, skipping auto connect")
	default:
		go func() {
			o.autoJoin(ctx, m, cfg)
			notify()
		}()
		return
	}
	notify()
}

// autoJoin attaches to the device if it is already running the configured
// application. Mismatches and failures quietly close the channel.
func (o *Orchestrator) autoJoin(ctx context.Context, m *member, cfg *Config) {
	if err := m.link.Start(ctx); err != nil {
		o.log.Debug().Err(err).Msg("auto connect failed")
		return
	}
	status, err := o.receiverStatus(m.link, cfg.RequestTimeout)
	if err != nil {
		o.log.Debug().Err(err).Msg("auto connect status query failed")
		m.link.Stop()
		return
	}

	o.mu.Lock()
	raced := o.active != nil
	o.mu.Unlock()
	if raced {
		o.log.Debug().Msg("a session appeared mid auto connect, stopping")
		m.link.Stop()
		return
	}

	apps := status.Status.Applications
	if len(apps) == 0 || apps[0].AppID != cfg.AppID {
		o.log.Debug().Msg("device not running the configured app, stopping")
		m.link.Stop()
		return
	}

	s, err := o.adopt(status, m.link)
	if err != nil {
		m.link.Stop()
		return
	}
	o.log.Debug().Str("sessionId", s.SessionID).Msg("joined existing session")
	o.safeNotify(func() { cfg.SessionListener(s) })
}

// ServiceDown drops the device from the registry and reports it gone.
func (o *Orchestrator) ServiceDown(svc discovery.Service) {
	r := receiverOf(svc)

	o.mu.Lock()
	var removed *member
	for i, m := range o.members {
		if m.receiver.ID == r.ID {
			removed = m
			o.members = append(o.members[:i], o.members[i+1:]...)
			break
		}
	}
	cfg := o.cfg
	o.mu.Unlock()

	if removed != nil && cfg != nil && cfg.ReceiverListener != nil {
		o.safeNotify(func() { cfg.ReceiverListener(Unavailable, &removed.receiver) })
	}
}

// RequestSession connects to a device and joins or launches the target
// application. deviceID selects a registered device, or the first one when
// empty; appID overrides the configured application id. Only one request
// may be in flight at a time.
func (o *Orchestrator) RequestSession(ctx context.Context, deviceID, appID string, onSuccess func(*session.Session), onError func(error)) {
	if onError == nil {
		onError = func(error) {}
	}

	o.mu.Lock()
	if o.requesting {
		o.mu.Unlock()
		onError(casterr.New(casterr.SessionError, "session request already in flight"))
		return
	}
	var m *member
	if deviceID == "" {
		if len(o.members) > 0 {
			m = o.members[0]
		}
	} else {
		for _, cand := range o.members {
			if cand.receiver.ID == deviceID {
				m = cand
				break
			}
		}
	}
	if m == nil {
		o.mu.Unlock()
		onError(casterr.New(casterr.ReceiverUnavailable, "no such device"))
		return
	}
	if appID == "" && o.cfg != nil {
		appID = o.cfg.AppID
	}
	if appID == "" {
		o.mu.Unlock()
		onError(casterr.New(casterr.InvalidParameter, "no application id configured"))
		return
	}
	o.requesting = true
	var timeout time.Duration
	if o.cfg != nil {
		timeout = o.cfg.RequestTimeout
	}
	o.mu.Unlock()

	go o.connect(ctx, m, appID, timeout, onSuccess, onError)
}

// connect runs one session request. The in-flight flag is released before
// any callback fires, on every exit path.
func (o *Orchestrator) connect(ctx context.Context, m *member, appID string, timeout time.Duration, onSuccess func(*session.Session), onError func(error)) {
	release := func() {
		o.mu.Lock()
		o.requesting = false
		o.mu.Unlock()
	}

	fail := func(err error) {
		release()
		onError(err)
	}

	if err := m.link.Start(ctx); err != nil {
		fail(err)
		return
	}
	status, err := o.receiverStatus(m.link, timeout)
	if err != nil {
		fail(err)
		return
	}

	apps := status.Status.Applications
	if len(apps) == 0 || apps[0].AppID != appID {
		status, err = o.launch(m.link, appID, timeout)
		if err != nil {
			fail(err)
			return
		}
	} else {
		o.log.Debug().Msg("found existing session, connecting")
	}

	s, err := o.adopt(status, m.link)
	if err != nil {
		fail(err)
		return
	}
	release()
	if onSuccess != nil {
		o.safeNotify(func() { onSuccess(s) })
	}
}

// FindSessionByID scans registered devices for a running session with the
// given id and attaches to the first match. Non-matching devices are
// disconnected again.
func (o *Orchestrator) FindSessionByID(ctx context.Context, sessionID string, onFound func(*session.Session)) {
	o.mu.Lock()
	members := append([]*member(nil), o.members...)
	var timeout time.Duration
	if o.cfg != nil {
		timeout = o.cfg.RequestTimeout
	}
	o.mu.Unlock()

	go func() {
		for _, m := range members {
			if err := m.link.Start(ctx); err != nil {
				continue
			}
			status, err := o.receiverStatus(m.link, timeout)
			if err != nil {
				m.link.Stop()
				continue
			}
			apps := status.Status.Applications
			if len(apps) == 0 || apps[0].SessionID != sessionID {
				m.link.Stop()
				continue
			}

			s, err := o.adopt(status, m.link)
			if err != nil {
				m.link.Stop()
				return
			}
			o.log.Debug().Str("sessionId", sessionID).Msg("found existing session, connecting")
			if onFound != nil {
				o.safeNotify(func() { onFound(s) })
			}
			return
		}
	}()
}

// adopt wraps a status snapshot as the active session. The slot frees
// itself when the session dies so discovery can auto-join again.
func (o *Orchestrator) adopt(status *session.ReceiverStatusMessage, link deviceLink) (*session.Session, error) {
	s, err := session.New(status, link, o.log)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	o.active = s
	o.mu.Unlock()

	s.OnUpdate(func(alive bool) {
		if alive {
			return
		}
		o.mu.Lock()
		if o.active == s {
			o.active = nil
		}
		o.mu.Unlock()
	})
	return s, nil
}

// receiverStatus bridges the callback-style status query into a blocking
// call. Only used from orchestrator-owned goroutines.
func (o *Orchestrator) receiverStatus(link deviceLink, timeout time.Duration) (*session.ReceiverStatusMessage, error) {
	type result struct {
		msg *session.ReceiverStatusMessage
		err error
	}
	ch := make(chan result, 1)
	link.Send(session.NewStatusRequest(), protocol.NamespaceReceiver, protocol.ReceiverID,
		func(m transport.Message) {
			msg, err := session.ParseReceiverStatus(m.Payload)
			ch <- result{msg, err}
		},
		func(err error) { ch <- result{nil, err} },
		timeout)
	r := <-ch
	return r.msg, r.err
}

func (o *Orchestrator) launch(link deviceLink, appID string, timeout time.Duration) (*session.ReceiverStatusMessage, error) {
	type result struct {
		msg *session.ReceiverStatusMessage
		err error
	}
	ch := make(chan result, 1)
	link.Send(session.NewLaunchRequest(appID), protocol.NamespaceReceiver, protocol.ReceiverID,
		func(m transport.Message) {
			msg, err := session.ParseReceiverStatus(m.Payload)
			ch <- result{msg, err}
		},
		func(err error) { ch <- result{nil, err} },
		timeout)
	r := <-ch
	return r.msg, r.err
}

// safeNotify isolates listener panics from orchestrator control flow.
func (o *Orchestrator) safeNotify(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error().Interface("panic", r).Msg("listener panicked")
		}
	}()
	fn()
}

func receiverOf(svc discovery.Service) Receiver {
	id := svc.Text["id"]
	if id == "" {
		id = svc.ID
	}
	if id == "" {
		id = uuid.NewString()
	}
	name := svc.Text["fn"]
	if name == "" {
		name = svc.Name
	}
	addr := ""
	if len(svc.Addresses) > 0 {
		addr = svc.Addresses[0]
	}
	port := svc.Port
	if port == 0 {
		port = protocol.DefaultPort
	}
	return Receiver{ID: id, Name: name, Addr: addr, Port: port}
}
