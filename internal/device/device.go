package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/calacade/gocast/internal/casterr"
	"github.com/calacade/gocast/internal/protocol"
	"github.com/calacade/gocast/internal/transport"
)

// DefaultRequestTimeout bounds a request that expects a response.
const DefaultRequestTimeout = 15 * time.Second

// Correlated is implemented by request payloads that expect a response
// keyed by request id.
type Correlated interface {
	CorrelationID() int
}

// channel is the transport surface Device needs; satisfied by
// *transport.Channel. Tests substitute a fake.
type channel interface {
	ID() string
	Send(payload any, namespace, destination string) error
	Stop()
}

// connectPayload is the one-time handshake sent to a destination before
// any other traffic.
type connectPayload struct {
	Type   string   `json:"type"`
	Origin struct{} `json:"origin"`
}

// pendingRequest correlates a request id with its callbacks. Exactly one
// of {matching response, timeout} resolves it; the other path finds it
// already removed and does nothing.
type pendingRequest struct {
	id        int
	timer     *time.Timer
	onSuccess func(transport.Message)
	onError   func(error)
}

// Device wraps one transport channel to a discovered receiver. It
// enforces connect-before-send per destination, correlates request ids to
// callbacks with timeouts, and fans inbound messages out to per-namespace
// subscribers.
type Device struct {
	ID   string
	Name string
	Addr string
	Port int

	log zerolog.Logger

	mu           sync.Mutex
	ch           channel
	connected    bool
	destinations map[string]bool
	pending      map[int]*pendingRequest
	subs         map[string]map[int]func(transport.Message)
	closeFns     map[int]func(transportID string)
	downFns      map[int]func(err error)
	nextListener int

	// dial is swapped by tests to inject a fake channel.
	dial func(ctx context.Context, h transport.Handlers) (channel, error)
}

// New creates a device record for a discovered endpoint. The channel is
// not opened until Start.
func New(id, name, addr string, port int, log zerolog.Logger) *Device {
	d := &Device{
		ID:           id,
		Name:         name,
		Addr:         addr,
		Port:         port,
		log:          log.With().Str("component", "device").Str("id", id).Logger(),
		destinations: make(map[string]bool),
		pending:      make(map[int]*pendingRequest),
		subs:         make(map[string]map[int]func(transport.Message)),
		closeFns:     make(map[int]func(string)),
		downFns:      make(map[int]func(error)),
	}
	d.dial = func(ctx context.Context, h transport.Handlers) (channel, error) {
		ch := transport.NewChannel(addr, port, h, log)
		if err := ch.Start(ctx); err != nil {
			return nil, err
		}
		return ch, nil
	}
	return d
}

// Connected reports whether the device's channel is up.
func (d *Device) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// Start opens the encrypted channel. It is a no-op when already
// connected.
func (d *Device) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.connected {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	ch, err := d.dial(ctx, transport.Handlers{
		Message:      d.onMessage,
		Close:        d.onClose,
		Disconnected: d.onDisconnected,
	})
	if err != nil {
		return fmt.Errorf("start device %s: %w", d.ID, err)
	}

	d.mu.Lock()
	d.ch = ch
	d.connected = true
	d.mu.Unlock()
	return nil
}

// Stop tears the channel down. Pending requests resolve with an error and
// disconnect subscribers fire through the channel's teardown notification.
func (d *Device) Stop() {
	d.mu.Lock()
	ch := d.ch
	d.mu.Unlock()

	if ch != nil {
		ch.Stop() // fires onDisconnected via the channel's teardown
	}
}

// Send forwards msg on the given namespace and destination. If msg is
// Correlated and onSuccess is non-nil, a response with the same request
// id (or the timeout, whichever comes first) resolves the callbacks
// exactly once. A zero timeout means DefaultRequestTimeout.
func (d *Device) Send(msg any, namespace, destination string, onSuccess func(transport.Message), onError func(error), timeout time.Duration) {
	if onError == nil {
		onError = func(error) {}
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	d.mu.Lock()
	if !d.connected {
		d.mu.Unlock()
		onError(casterr.New(casterr.SessionError, "device not connected"))
		return
	}
	ch := d.ch
	needConnect := destination != "" && !d.destinations[destination]
	if needConnect {
		d.destinations[destination] = true
	}

	requestID := 0
	if r, ok := msg.(Correlated); ok {
		requestID = r.CorrelationID()
	}

	var p *pendingRequest
	if requestID != 0 && onSuccess != nil {
		if _, exists := d.pending[requestID]; exists {
			d.mu.Unlock()
			onError(casterr.New(casterr.SessionError, fmt.Sprintf("request id %d already in flight", requestID)))
			return
		}
		p = &pendingRequest{id: requestID, onSuccess: onSuccess, onError: onError}
		p.timer = time.AfterFunc(timeout, func() { d.resolveTimeout(requestID) })
		d.pending[requestID] = p
	}
	d.mu.Unlock()

	if needConnect {
		d.log.Debug().Str("destination", destination).Msg("connecting to destination")
		var connect connectPayload
		connect.Type = "CONNECT"
		if err := ch.Send(connect, protocol.NamespaceConnection, destination); err != nil {
			d.mu.Lock()
			delete(d.destinations, destination) // handshake never reached the wire
			d.mu.Unlock()
			d.unregister(requestID)
			onError(casterr.New(casterr.ChannelError, err.Error()))
			return
		}
	}

	if err := ch.Send(msg, namespace, destination); err != nil {
		d.unregister(requestID)
		onError(casterr.New(casterr.ChannelError, err.Error()))
		return
	}
}

// Subscribe registers fn for every inbound message on namespace,
// including correlated responses. The returned function unsubscribes.
func (d *Device) Subscribe(namespace string, fn func(transport.Message)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.subs[namespace] == nil {
		d.subs[namespace] = make(map[int]func(transport.Message))
	}
	id := d.nextListener
	d.nextListener++
	d.subs[namespace][id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if m := d.subs[namespace]; m != nil {
			delete(m, id)
		}
	}
}

// OnClose registers fn for receiver-side closes of a virtual destination.
func (d *Device) OnClose(fn func(transportID string)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextListener
	d.nextListener++
	d.closeFns[id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.closeFns, id)
	}
}

// OnDisconnected registers fn for the device's teardown. Listeners fire
// at most once and are dropped afterwards.
func (d *Device) OnDisconnected(fn func(err error)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextListener
	d.nextListener++
	d.downFns[id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.downFns, id)
	}
}

// onMessage resolves a matching pending request, then fans the message
// out to namespace subscribers. A response arriving after its request
// timed out finds no pending entry and is delivered to subscribers only.
func (d *Device) onMessage(m transport.Message) {
	if m.Header.RequestID != 0 {
		d.mu.Lock()
		p, ok := d.pending[m.Header.RequestID]
		if ok {
			delete(d.pending, m.Header.RequestID)
			p.timer.Stop()
		}
		d.mu.Unlock()

		if ok {
			if err := casterr.Check(m.Header.Type, m.Header.Reason, m); err != nil {
				p.onError(err)
			} else {
				p.onSuccess(m)
			}
		}
	}

	for _, fn := range d.snapshotSubs(m.Namespace) {
		fn(m)
	}
}

func (d *Device) snapshotSubs(namespace string) []func(transport.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fns := make([]func(transport.Message), 0, len(d.subs[namespace]))
	for _, fn := range d.subs[namespace] {
		fns = append(fns, fn)
	}
	return fns
}

func (d *Device) onClose(transportID string) {
	d.mu.Lock()
	delete(d.destinations, transportID)
	fns := make([]func(string), 0, len(d.closeFns))
	for _, fn := range d.closeFns {
		fns = append(fns, fn)
	}
	d.mu.Unlock()

	for _, fn := range fns {
		fn(transportID)
	}
}

// onDisconnected is the channel's teardown notification. Every pending
// request resolves through its onError so no caller is left waiting on a
// response that can never arrive, then disconnect listeners fire once.
func (d *Device) onDisconnected(err error) {
	d.mu.Lock()
	d.connected = false
	d.destinations = make(map[string]bool)
	cancelled := make([]*pendingRequest, 0, len(d.pending))
	for id, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, id)
		cancelled = append(cancelled, p)
	}
	fns := make([]func(error), 0, len(d.downFns))
	for _, fn := range d.downFns {
		fns = append(fns, fn)
	}
	d.downFns = make(map[int]func(error))
	d.mu.Unlock()

	d.log.Debug().Err(err).Msg("device disconnected")
	reason := casterr.New(casterr.ChannelError, "device disconnected")
	for _, p := range cancelled {
		p.onError(reason)
	}
	for _, fn := range fns {
		fn(err)
	}
}

// resolveTimeout fires a pending request's timeout path. If the response
// won the race the entry is already gone.
func (d *Device) resolveTimeout(requestID int) {
	d.mu.Lock()
	p, ok := d.pending[requestID]
	if ok {
		delete(d.pending, requestID)
	}
	d.mu.Unlock()
	if !ok {
		return
	}

	d.log.Debug().Int("requestId", requestID).Msg("request timed out")
	p.onError(casterr.New(casterr.Timeout, fmt.Sprintf("request %d timed out", requestID)))
}

func (d *Device) unregister(requestID int) {
	if requestID == 0 {
		return
	}
	d.mu.Lock()
	if p, ok := d.pending[requestID]; ok {
		p.timer.Stop()
		delete(d.pending, requestID)
	}
	d.mu.Unlock()
}
