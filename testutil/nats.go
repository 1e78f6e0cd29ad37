package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/c360/cotrelay/errors"
)

// MockPublisher records published messages in memory. It matches the
// PublishMsg method of natsclient.Client and is safe for concurrent use.
type MockPublisher struct {
	mu     sync.Mutex
	msgs   []*nats.Msg
	err    error
	closed bool
}

// NewMockPublisher creates an empty publisher.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

// PublishMsg stores msg, or returns the injected error.
func (p *MockPublisher) PublishMsg(_ context.Context, msg *nats.Msg) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return errors.WrapTransient(errors.ErrNoConnection, "MockPublisher", "PublishMsg", "check connection")
	}
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, msg)
	return nil
}

// FailWith makes every following publish return err. A nil err clears it.
func (p *MockPublisher) FailWith(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

// Messages returns a copy of everything published so far.
func (p *MockPublisher) Messages() []*nats.Msg {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*nats.Msg, len(p.msgs))
	copy(out, p.msgs)
	return out
}

// Count returns the number of published messages.
func (p *MockPublisher) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}

// Close makes later publishes fail as a lost connection would.
func (p *MockPublisher) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

// WaitForMessages waits until p holds at least n messages and returns them.
func WaitForMessages(t testing.TB, p *MockPublisher, n int, timeout time.Duration) []*nats.Msg {
	t.Helper()
	require.Eventually(t, func() bool { return p.Count() >= n }, timeout, 5*time.Millisecond,
		"expected %d published messages", n)
	return p.Messages()
}
