package ws

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"palaver/internal/models"

	"github.com/gorilla/websocket"
	json "github.com/goccy/go-json"
)

type mockWS struct {
	readCh  chan []byte
	writeCh chan []byte
	closeCh chan struct{}
	once    sync.Once
	mu      sync.Mutex
	closed  bool
}

func newMockWS() *mockWS {
	return &mockWS{
		readCh:  make(chan []byte, 10),
		writeCh: make(chan []byte, 10),
		closeCh: make(chan struct{}),
	}
}

func (m *mockWS) ReadMessage() (int, []byte, error) {
	select {
	case data := <-m.readCh:
		return websocket.TextMessage, data, nil
	case <-m.closeCh:
		return 0, nil, errors.New("connection closed")
	}
}

func (m *mockWS) WriteMessage(_ int, data []byte) error {
	select {
	case m.writeCh <- data:
	default:
	}
	return nil
}

func (m *mockWS) Close() error {
	m.once.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		close(m.closeCh)
	})
	return nil
}

func (m *mockWS) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

type mockHub struct {
	admitCh    chan models.Identity
	retireCh   chan *Conn
	messageCh  chan string
	typingCh   chan models.Identity
	markReadCh chan models.Identity

	admitErr       error
	sendMessageErr error
}

func newMockHub() *mockHub {
	return &mockHub{
		admitCh:    make(chan models.Identity, 10),
		retireCh:   make(chan *Conn, 10),
		messageCh:  make(chan string, 10),
		typingCh:   make(chan models.Identity, 10),
		markReadCh: make(chan models.Identity, 10),
	}
}

func (m *mockHub) Admit(c *Conn, identity models.Identity) error {
	if m.admitErr != nil {
		return m.admitErr
	}
	m.admitCh <- identity
	return nil
}

func (m *mockHub) Retire(c *Conn) {
	m.retireCh <- c
}

func (m *mockHub) SendMessage(sender models.Identity, body string) error {
	if m.sendMessageErr != nil {
		return m.sendMessageErr
	}
	m.messageCh <- body
	return nil
}

func (m *mockHub) RelayTyping(identity models.Identity) {
	m.typingCh <- identity
}

func (m *mockHub) MarkRead(reader models.Identity) error {
	m.markReadCh <- reader
	return nil
}

func expectRecv[T any](t *testing.T, ch chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(1 * time.Second):
		t.Fatalf("timeout waiting for %s", what)
		var zero T
		return zero
	}
}

func TestConnection_Lifecycle(t *testing.T) {
	hub := newMockHub()
	sock := newMockWS()
	conn := NewConnection(hub, sock, alice, nil)

	done := make(chan error, 1)
	go func() {
		done <- conn.Run(context.Background())
	}()

	if got := expectRecv(t, hub.admitCh, "admit"); got != alice {
		t.Errorf("admitted wrong identity: %+v", got)
	}

	sock.readCh <- []byte(`{"type":"message","message":"hello"}`)
	if got := expectRecv(t, hub.messageCh, "message"); got != "hello" {
		t.Errorf("hub received wrong body: %q", got)
	}

	sock.readCh <- []byte(`{"type":"typing"}`)
	if got := expectRecv(t, hub.typingCh, "typing"); got != alice {
		t.Errorf("typing relayed for wrong identity: %+v", got)
	}

	sock.readCh <- []byte(`{"type":"markRead"}`)
	if got := expectRecv(t, hub.markReadCh, "markRead"); got != alice {
		t.Errorf("markRead for wrong identity: %+v", got)
	}

	// Transport close ends the lifecycle with exactly one retire.
	_ = sock.Close()
	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("Run did not return after transport close")
	}

	expectRecv(t, hub.retireCh, "retire")
	select {
	case <-hub.retireCh:
		t.Error("Retire called more than once")
	default:
	}
}

func TestConnection_MalformedFrameIgnored(t *testing.T) {
	hub := newMockHub()
	sock := newMockWS()
	conn := NewConnection(hub, sock, alice, nil)

	done := make(chan error, 1)
	go func() {
		done <- conn.Run(context.Background())
	}()
	expectRecv(t, hub.admitCh, "admit")

	// Garbage, then an unknown type; neither closes the connection.
	sock.readCh <- []byte(`{not json`)
	sock.readCh <- []byte(`{"type":"dance"}`)
	sock.readCh <- []byte(`{"type":"typing"}`)

	expectRecv(t, hub.typingCh, "typing after malformed frames")

	select {
	case err := <-done:
		t.Fatalf("connection closed after malformed frame: %v", err)
	default:
	}

	_ = sock.Close()
	<-done
}

func TestConnection_SenderGetsFailureAck(t *testing.T) {
	hub := newMockHub()
	hub.sendMessageErr = models.ErrEmptyMessage
	sock := newMockWS()
	conn := NewConnection(hub, sock, alice, nil)

	done := make(chan error, 1)
	go func() {
		done <- conn.Run(context.Background())
	}()
	expectRecv(t, hub.admitCh, "admit")

	sock.readCh <- []byte(`{"type":"message","message":"   "}`)

	payload := expectRecv(t, sock.writeCh, "error event")
	var ev models.ServerEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		t.Fatalf("failed to decode error event: %v", err)
	}
	if ev.Type != models.ServerEventError {
		t.Errorf("expected error event, got %s", ev.Type)
	}

	_ = sock.Close()
	<-done
}

func TestConnection_RejectsMissingIdentity(t *testing.T) {
	hub := newMockHub()
	sock := newMockWS()
	conn := NewConnection(hub, sock, models.Identity{}, nil)

	if err := conn.Run(context.Background()); err != nil {
		t.Errorf("Run returned error for rejected connection: %v", err)
	}
	if !sock.isClosed() {
		t.Error("transport not closed for unauthenticated connection")
	}
	select {
	case <-hub.admitCh:
		t.Error("unauthenticated connection was admitted")
	default:
	}
}

func TestConnection_ContextCancel(t *testing.T) {
	hub := newMockHub()
	sock := newMockWS()
	conn := NewConnection(hub, sock, alice, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- conn.Run(ctx)
	}()
	expectRecv(t, hub.admitCh, "admit")

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned error on cancel: %v", err)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	expectRecv(t, hub.retireCh, "retire")
	if !sock.isClosed() {
		t.Error("transport not closed after cancel")
	}
}

func TestConnection_DuplicateAdmissionIsNoOp(t *testing.T) {
	hub := newMockHub()
	hub.admitErr = models.ErrDuplicateAdmission
	sock := newMockWS()
	conn := NewConnection(hub, sock, alice, nil)

	done := make(chan error, 1)
	go func() {
		done <- conn.Run(context.Background())
	}()

	// The connection keeps running on the existing admission.
	sock.readCh <- []byte(`{"type":"typing"}`)
	expectRecv(t, hub.typingCh, "typing")

	_ = sock.Close()
	<-done
}
