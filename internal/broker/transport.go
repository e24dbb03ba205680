package broker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"
)

// Transport is the asynchronous, message-oriented link to the broker
// gateway (spec §4.5, "Broker wire protocol (abstract)"). TCPTransport is
// the production implementation; tests substitute a mock.
type Transport interface {
	Connect(ctx context.Context, addr string, clientID int64) (<-chan InboundEvent, error)
	Send(msg OutboundMessage) error
	Close() error
}

// wireFrame is the newline-delimited JSON envelope exchanged with the
// gateway: a minimal concrete encoding for the abstract event/operation
// vocabulary the spec describes.
type wireFrame struct {
	Kind string          `json:"kind"`
	Body json.RawMessage `json:"body"`
}

// TCPTransport dials the broker gateway over TCP and decodes one JSON frame
// per line. Grounded on the teacher's websocket read-loop idiom
// (internal/execution/adapters/binance.go readWebSocket): a single
// goroutine owns the connection and feeds a channel; writes are
// synchronized separately.
type TCPTransport struct {
	mu      sync.Mutex
	conn    net.Conn
	encoder *json.Encoder
	events  chan InboundEvent
}

// NewTCPTransport creates an unconnected transport.
func NewTCPTransport() *TCPTransport { return &TCPTransport{} }

// Connect dials addr with the 10 s connect timeout spec'd for C7.
func (t *TCPTransport) Connect(ctx context.Context, addr string, clientID int64) (<-chan InboundEvent, error) {
	dialer := net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	t.mu.Lock()
	t.conn = conn
	t.encoder = json.NewEncoder(conn)
	t.events = make(chan InboundEvent, 1024)
	t.mu.Unlock()

	if err := t.encoder.Encode(wireFrame{Kind: "connect", Body: mustJSON(map[string]int64{"clientId": clientID})}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connect handshake: %w", err)
	}

	go t.readLoop(conn)
	return t.events, nil
}

func (t *TCPTransport) readLoop(conn net.Conn) {
	defer close(t.events)
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var frame wireFrame
		if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil {
			continue
		}
		evt, ok := decodeFrame(frame)
		if !ok {
			continue
		}
		t.events <- evt
	}
	t.events <- InboundEvent{Kind: EventDisconnected}
}

func decodeFrame(frame wireFrame) (InboundEvent, bool) {
	var evt InboundEvent
	evt.Kind = EventKind(frame.Kind)
	if len(frame.Body) == 0 {
		return evt, true
	}
	if err := json.Unmarshal(frame.Body, &evt); err != nil {
		return evt, false
	}
	return evt, true
}

// Send transmits one outbound operation.
func (t *TCPTransport) Send(msg OutboundMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.encoder == nil {
		return fmt.Errorf("transport not connected")
	}
	kind := string(msg.Kind)
	var body interface{} = msg
	return t.encoder.Encode(wireFrame{Kind: kind, Body: mustJSON(body)})
}

// Close closes the underlying connection.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	return t.conn.Close()
}

func mustJSON(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}
