package transport

import (
	"errors"
	"sync"
	"time"
)

// mockFrame is one inbound frame for the mock connection to return.
type mockFrame struct {
	messageType int
	data        []byte
}

// mockConn implements wsConnection for pump tests. Frames pushed into reads
// come back from ReadMessage; closing the channel ends the read loop.
type mockConn struct {
	mu     sync.Mutex
	reads  chan mockFrame
	writes []mockFrame
	closed bool

	readLimit   int64
	pongHandler func(string) error
}

func newMockConn() *mockConn {
	return &mockConn{reads: make(chan mockFrame, 16)}
}

func (m *mockConn) ReadMessage() (int, []byte, error) {
	f, ok := <-m.reads
	if !ok {
		return 0, nil, errors.New("mock: connection closed")
	}
	return f.messageType, f.data, nil
}

func (m *mockConn) WriteMessage(messageType int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("mock: write on closed connection")
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	m.writes = append(m.writes, mockFrame{messageType: messageType, data: buf})
	return nil
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockConn) SetReadLimit(limit int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readLimit = limit
}

func (m *mockConn) SetReadDeadline(time.Time) error  { return nil }
func (m *mockConn) SetWriteDeadline(time.Time) error { return nil }

func (m *mockConn) SetPongHandler(h func(string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pongHandler = h
}

func (m *mockConn) written() []mockFrame {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]mockFrame, len(m.writes))
	copy(out, m.writes)
	return out
}

func (m *mockConn) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
