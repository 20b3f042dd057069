package transport

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/calacade/gocast/internal/protocol"
)

// testReceiver is a loopback TLS device. It answers pings when pong is
// true and records every envelope it receives.
type testReceiver struct {
	t  *testing.T
	ln net.Listener

	pong bool
	recv chan *protocol.Envelope

	mu   sync.Mutex
	conn net.Conn
}

func newTestReceiver(t *testing.T, pong bool) *testReceiver {
	t.Helper()

	cert, err := GenerateSelfSignedCert()
	if err != nil {
		t.Fatal(err)
	}
	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{cert},
	})
	if err != nil {
		t.Fatal(err)
	}

	r := &testReceiver{
		t:    t,
		ln:   ln,
		pong: pong,
		recv: make(chan *protocol.Envelope, 64),
	}
	go r.acceptOne()
	t.Cleanup(r.close)
	return r
}

func (r *testReceiver) port() int {
	return r.ln.Addr().(*net.TCPAddr).Port
}

func (r *testReceiver) close() {
	r.ln.Close()
	r.mu.Lock()
	if r.conn != nil {
		r.conn.Close()
	}
	r.mu.Unlock()
}

func (r *testReceiver) acceptOne() {
	conn, err := r.ln.Accept()
	if err != nil {
		return
	}
	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()

	f := &framer{}
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			f.push(buf[:n], r.handleFrame)
		}
		if err != nil {
			return
		}
	}
}

func (r *testReceiver) handleFrame(frame []byte) {
	env, err := protocol.Decode(frame)
	if err != nil {
		return
	}
	r.recv <- env

	if r.pong && env.Namespace == protocol.NamespaceHeartbeat {
		r.send(&protocol.Envelope{
			SourceID:      protocol.ReceiverID,
			DestinationID: env.SourceID,
			Namespace:     protocol.NamespaceHeartbeat,
			PayloadType:   protocol.PayloadString,
			PayloadUTF8:   `{"type":"PONG"}`,
		})
	}
}

// send writes one framed envelope to the connected sender, optionally in
// deliberately awkward chunk sizes.
func (r *testReceiver) send(env *protocol.Envelope) {
	r.sendChunked(env, 0)
}

func (r *testReceiver) sendChunked(env *protocol.Envelope, chunk int) {
	body, err := protocol.Encode(env)
	if err != nil {
		r.t.Error(err)
		return
	}
	frame := make([]byte, protocol.HeaderSize+len(body))
	binary.BigEndian.PutUint32(frame[:protocol.HeaderSize], uint32(len(body)))
	copy(frame[protocol.HeaderSize:], body)

	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		r.t.Error("no connection")
		return
	}
	if chunk <= 0 {
		conn.Write(frame)
		return
	}
	for len(frame) > 0 {
		n := min(chunk, len(frame))
		conn.Write(frame[:n])
		frame = frame[n:]
	}
}

// startTestChannel connects a channel with fast heartbeat intervals to the
// given receiver and returns it plus its event channels.
func startTestChannel(t *testing.T, r *testReceiver) (*Channel, chan Message, chan string, chan error) {
	t.Helper()

	msgs := make(chan Message, 64)
	closes := make(chan string, 4)
	disconnects := make(chan error, 4)

	ch := NewChannel("127.0.0.1", r.port(), Handlers{
		Message:      func(m Message) { msgs <- m },
		Close:        func(id string) { closes <- id },
		Disconnected: func(err error) { disconnects <- err },
	}, zerolog.Nop())
	ch.pingEvery = 50 * time.Millisecond
	ch.pongWait = 40 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	if err := ch.Start(ctx); err != nil {
		t.Fatalf("start channel: %v", err)
	}
	t.Cleanup(ch.Stop)
	return ch, msgs, closes, disconnects
}

func waitEnvelope(t *testing.T, r *testReceiver) *protocol.Envelope {
	t.Helper()
	select {
	case env := <-r.recv:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for envelope at receiver")
		return nil
	}
}

func TestChannelConnectSendsImmediatePing(t *testing.T) {
	r := newTestReceiver(t, true)
	ch, _, _, _ := startTestChannel(t, r)

	env := waitEnvelope(t, r)
	if env.Namespace != protocol.NamespaceHeartbeat {
		t.Fatalf("first envelope namespace = %s, want heartbeat", env.Namespace)
	}
	if env.SourceID != ch.ID() {
		t.Fatalf("source = %s, want %s", env.SourceID, ch.ID())
	}
	if ch.State() != StateConnected {
		t.Fatalf("state = %s, want connected", ch.State())
	}
}

func TestChannelSurvivesWhilePongsArrive(t *testing.T) {
	r := newTestReceiver(t, true)
	_, _, _, disconnects := startTestChannel(t, r)

	// Several ping cycles pass without trouble.
	select {
	case err := <-disconnects:
		t.Fatalf("unexpected disconnect: %v", err)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestChannelHeartbeatFailure(t *testing.T) {
	r := newTestReceiver(t, false) // never pongs
	ch, _, _, disconnects := startTestChannel(t, r)

	select {
	case err := <-disconnects:
		if err == nil {
			t.Fatal("disconnect error = nil, want missed heartbeat")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not fail after missed heartbeat")
	}

	// Exactly one disconnect, and no further sends are possible.
	select {
	case err := <-disconnects:
		t.Fatalf("second disconnect fired: %v", err)
	case <-time.After(150 * time.Millisecond):
	}
	if err := ch.Send("x", protocol.NamespaceReceiver, protocol.ReceiverID); err == nil {
		t.Fatal("Send after teardown succeeded")
	}
}

func TestChannelDeliversMessagesInWireOrder(t *testing.T) {
	r := newTestReceiver(t, true)
	ch, msgs, _, _ := startTestChannel(t, r)
	waitEnvelope(t, r) // first ping means the receiver knows our conn

	for i, payload := range []string{
		`{"type":"RECEIVER_STATUS","requestId":1}`,
		`{"type":"MEDIA_STATUS","requestId":2}`,
		`{"type":"MEDIA_STATUS","requestId":3}`,
	} {
		r.sendChunked(&protocol.Envelope{
			SourceID:      protocol.ReceiverID,
			DestinationID: ch.ID(),
			Namespace:     protocol.NamespaceReceiver,
			PayloadType:   protocol.PayloadString,
			PayloadUTF8:   payload,
		}, 1+i*2) // vary the split points
	}

	for want := 1; want <= 3; want++ {
		select {
		case m := <-msgs:
			if m.Header.RequestID != want {
				t.Fatalf("message %d arrived out of order: requestId %d", want, m.Header.RequestID)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for message %d", want)
		}
	}
}

func TestChannelIgnoresOtherSenders(t *testing.T) {
	r := newTestReceiver(t, true)
	ch, msgs, _, _ := startTestChannel(t, r)
	waitEnvelope(t, r)

	r.send(&protocol.Envelope{
		SourceID:      protocol.ReceiverID,
		DestinationID: "sender-someoneelse",
		Namespace:     protocol.NamespaceReceiver,
		PayloadType:   protocol.PayloadString,
		PayloadUTF8:   `{"type":"RECEIVER_STATUS","requestId":1}`,
	})
	r.send(&protocol.Envelope{
		SourceID:      protocol.ReceiverID,
		DestinationID: protocol.BroadcastID,
		Namespace:     protocol.NamespaceReceiver,
		PayloadType:   protocol.PayloadString,
		PayloadUTF8:   `{"type":"RECEIVER_STATUS","requestId":2}`,
	})

	select {
	case m := <-msgs:
		if m.Header.RequestID != 2 {
			t.Fatalf("got requestId %d, want only the broadcast (2)", m.Header.RequestID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast message not delivered")
	}
	_ = ch
}

func TestChannelCloseEvent(t *testing.T) {
	r := newTestReceiver(t, true)
	ch, _, closes, _ := startTestChannel(t, r)
	waitEnvelope(t, r)

	r.send(&protocol.Envelope{
		SourceID:      "transport-5",
		DestinationID: ch.ID(),
		Namespace:     protocol.NamespaceConnection,
		PayloadType:   protocol.PayloadString,
		PayloadUTF8:   `{"type":"CLOSE"}`,
	})

	select {
	case src := <-closes:
		if src != "transport-5" {
			t.Fatalf("close source = %s", src)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("close event not delivered")
	}
}

func TestChannelStopIdempotent(t *testing.T) {
	r := newTestReceiver(t, true)
	ch, _, _, disconnects := startTestChannel(t, r)

	ch.Stop()
	ch.Stop()

	select {
	case err := <-disconnects:
		if err != nil {
			t.Fatalf("disconnect error = %v, want nil on local stop", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no disconnect event")
	}
	select {
	case <-disconnects:
		t.Fatal("disconnected fired twice")
	case <-time.After(100 * time.Millisecond):
	}
}
