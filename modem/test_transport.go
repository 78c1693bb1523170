package modem

import (
	"context"
	"io"
	"sync"
)

// TestTransport is a test helper that simulates a blocking transport using
// channels. This is needed because the Loop's scanner goroutine continuously
// reads from the transport, and we need reads to block until data is
// available (like a real serial port would).
type TestTransport struct {
	mu       sync.Mutex
	readChan chan []byte
	writes   [][]byte
	closed   bool
}

// NewTestTransport creates a new test transport for testing.
// Exported for use in tests of packages built on the engine.
func NewTestTransport() *TestTransport {
	return &TestTransport{
		readChan: make(chan []byte, 10),
	}
}

func (t *TestTransport) Write(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writes = append(t.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (t *TestTransport) Read(p []byte) (n int, err error) {
	data, ok := <-t.readChan
	if !ok {
		return 0, io.EOF
	}
	return copy(p, data), nil
}

func (t *TestTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.readChan)
	return nil
}

// SendData queues data to be read by the transport.
// This simulates receiving data from the modem. The send happens outside
// the lock so a full read buffer never blocks concurrent Writes.
func (t *TestTransport) SendData(data string) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if !closed {
		t.readChan <- []byte(data)
	}
}

// Writes returns a copy of everything written to the transport so far.
func (t *TestTransport) Writes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.writes))
	for i, w := range t.writes {
		out[i] = string(w)
	}
	return out
}

// TestDialer is a Dialer that hands out a fixed Transport, for tests.
type TestDialer struct {
	Transport Transport
}

func (d TestDialer) Dial(ctx context.Context) (Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return d.Transport, nil
}
