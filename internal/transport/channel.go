package transport

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/calacade/gocast/internal/protocol"
)

const (
	pingInterval = 5 * time.Second
	pongTimeout  = 4500 * time.Millisecond
	dialTimeout  = 10 * time.Second
	readBufSize  = 32 * 1024
)

var (
	ErrNotConnected    = errors.New("channel not connected")
	errHeartbeatMissed = errors.New("missed heartbeat")
	errAlreadyStarted  = errors.New("channel already started")
	errMessageTooLarge = errors.New("message exceeds maximum envelope size")
)

// State is the connection state of a Channel.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Message is a decoded inbound application message.
type Message struct {
	Namespace     string
	SourceID      string
	DestinationID string
	Header        protocol.PayloadHeader // parsed from JSON text payloads; zero otherwise
	Payload       []byte                 // UTF-8 text, or raw bytes when Binary
	Binary        bool
	Envelope      *protocol.Envelope // pre-decode envelope for passthrough use
}

// Handlers receive channel events. All callbacks fire from the channel's
// read goroutine, in wire order; they must not block. Disconnected fires
// exactly once, with a nil error on a local Stop.
type Handlers struct {
	Connected    func()
	Message      func(Message)
	Close        func(sourceID string) // receiver closed a virtual connection
	Disconnected func(err error)
}

// Channel owns one encrypted connection to a device. It frames and
// deframes envelopes, runs the mandatory heartbeat, and dispatches
// inbound traffic to its handlers.
type Channel struct {
	addr     string
	port     int
	id       string // random per channel instance
	handlers Handlers
	log      zerolog.Logger

	mu       sync.Mutex
	state    State
	conn     *tls.Conn
	watchdog *time.Timer

	writeMu sync.Mutex
	framer  framer      // touched only by the read goroutine
	waiting atomic.Bool // ping sent, pong not yet seen

	done      chan struct{}
	closeOnce sync.Once

	// intervals are fields so tests can shorten them
	pingEvery time.Duration
	pongWait  time.Duration
}

// NewChannel creates a channel for the device at addr:port. Start must be
// called before any send.
func NewChannel(addr string, port int, h Handlers, log zerolog.Logger) *Channel {
	return &Channel{
		addr:      addr,
		port:      port,
		id:        "sender-" + uuid.NewString()[:8],
		handlers:  h,
		log:       log.With().Str("component", "channel").Str("device", addr).Logger(),
		done:      make(chan struct{}),
		pingEvery: pingInterval,
		pongWait:  pongTimeout,
	}
}

// ID returns this channel's sender id.
func (c *Channel) ID() string { return c.id }

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start opens the encrypted connection, fires the Connected handler,
// sends the first heartbeat ping, and starts the read and heartbeat
// loops. It blocks until the TLS handshake completes or fails.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected || c.conn != nil {
		c.mu.Unlock()
		return errAlreadyStarted
	}
	c.state = StateConnecting
	c.mu.Unlock()

	c.log.Debug().Int("port", c.port).Msg("connecting")

	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	dialer := &tls.Dialer{Config: ClientTLSConfig()}
	rawConn, err := dialer.DialContext(dctx, "tcp", net.JoinHostPort(c.addr, strconv.Itoa(c.port)))
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return fmt.Errorf("TLS dial: %w", err)
	}

	c.mu.Lock()
	c.conn = rawConn.(*tls.Conn)
	c.state = StateConnected
	c.mu.Unlock()

	if c.handlers.Connected != nil {
		c.handlers.Connected()
	}

	// The heartbeat is mandatory and starts with an immediate ping.
	if err := c.sendPing(); err != nil {
		c.teardown(err)
		return err
	}

	go c.readLoop()
	go c.heartbeatLoop()
	return nil
}

// Stop closes the channel. Idempotent; fires Disconnected(nil) on the
// first call only.
func (c *Channel) Stop() { c.teardown(nil) }

// Send serializes payload into an envelope on the given namespace and
// destination and writes it, length-prefixed, as a single unit.
// []byte payloads go out as binary; strings as-is; anything else is
// JSON-encoded.
func (c *Channel) Send(payload any, namespace, destination string) error {
	env := &protocol.Envelope{
		ProtocolVersion: protocol.Version,
		SourceID:        c.id,
		DestinationID:   destination,
		Namespace:       namespace,
	}

	switch p := payload.(type) {
	case []byte:
		env.PayloadType = protocol.PayloadBinary
		env.PayloadBinary = p
	case json.RawMessage:
		env.PayloadType = protocol.PayloadString
		env.PayloadUTF8 = string(p)
	case string:
		env.PayloadType = protocol.PayloadString
		env.PayloadUTF8 = p
	default:
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
		env.PayloadType = protocol.PayloadString
		env.PayloadUTF8 = string(data)
	}

	body, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	if len(body) > protocol.MaxEnvelopeSize {
		return errMessageTooLarge
	}

	frame := make([]byte, protocol.HeaderSize+len(body))
	binary.BigEndian.PutUint32(frame[:protocol.HeaderSize], uint32(len(body)))
	copy(frame[protocol.HeaderSize:], body)

	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	if namespace != protocol.NamespaceHeartbeat {
		c.log.Debug().Str("namespace", namespace).Str("destination", destination).Msg("sending")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (c *Channel) sendPing() error {
	return c.Send(protocol.PayloadHeader{Type: "PING"}, protocol.NamespaceHeartbeat, protocol.ReceiverID)
}

// readLoop feeds socket reads through the framer until the connection
// fails or the channel is torn down.
func (c *Channel) readLoop() {
	buf := make([]byte, readBufSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			if ferr := c.framer.push(buf[:n], c.dispatch); ferr != nil {
				c.teardown(ferr)
				return
			}
		}
		if err != nil {
			select {
			case <-c.done:
				// closed locally; the error is just the closed socket
				return
			default:
			}
			c.teardown(err)
			return
		}
	}
}

// heartbeatLoop pings on a fixed interval. Each ping arms a watchdog; if
// no heartbeat-namespace message arrives before it fires, the channel is
// declared failed. There is no retry at this layer.
func (c *Channel) heartbeatLoop() {
	ticker := time.NewTicker(c.pingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.sendPing(); err != nil {
				c.teardown(err)
				return
			}
			c.waiting.Store(true)
			watchdog := time.AfterFunc(c.pongWait, func() {
				if c.waiting.Load() {
					c.log.Warn().Msg("missed heartbeat, closing channel")
					c.teardown(errHeartbeatMissed)
				}
			})
			c.mu.Lock()
			if c.watchdog != nil {
				c.watchdog.Stop()
			}
			c.watchdog = watchdog
			c.mu.Unlock()

		case <-c.done:
			return
		}
	}
}

// dispatch routes one deframed envelope. Messages for other senders are
// dropped; heartbeat traffic is consumed silently; connection CLOSE
// surfaces as the Close event; everything else becomes a Message event.
func (c *Channel) dispatch(frame []byte) {
	env, err := protocol.Decode(frame)
	if err != nil {
		c.teardown(fmt.Errorf("decode envelope: %w", err))
		return
	}

	if env.DestinationID != c.id && env.DestinationID != protocol.BroadcastID {
		c.log.Debug().Str("destination", env.DestinationID).Msg("message for another sender, ignoring")
		return
	}

	if env.Namespace == protocol.NamespaceHeartbeat {
		c.waiting.Store(false)
		return
	}

	msg := Message{
		Namespace:     env.Namespace,
		SourceID:      env.SourceID,
		DestinationID: env.DestinationID,
		Envelope:      env,
	}
	if env.PayloadType == protocol.PayloadBinary {
		msg.Binary = true
		msg.Payload = env.PayloadBinary
	} else {
		msg.Payload = []byte(env.PayloadUTF8)
		if h, err := protocol.PeekHeader(msg.Payload); err == nil {
			msg.Header = h
		}
	}

	if env.Namespace == protocol.NamespaceConnection && msg.Header.Type == "CLOSE" {
		c.log.Debug().Str("source", env.SourceID).Msg("virtual connection closed by receiver")
		if c.handlers.Close != nil {
			c.handlers.Close(env.SourceID)
		}
		return
	}

	if c.handlers.Message != nil {
		c.handlers.Message(msg)
	}
}

// teardown cancels timers, closes the socket, and fires Disconnected
// exactly once. Safe to call from any goroutine, any number of times.
func (c *Channel) teardown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateDisconnected
		conn := c.conn
		watchdog := c.watchdog
		c.mu.Unlock()

		close(c.done)
		if watchdog != nil {
			watchdog.Stop()
		}
		if conn != nil {
			conn.Close()
		}

		c.log.Debug().Err(err).Msg("channel closed")
		if c.handlers.Disconnected != nil {
			c.handlers.Disconnected(err)
		}
	})
}
