package mqtt

import (
	"errors"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

type doneToken struct{ err error }

func (t *doneToken) Wait() bool                     { return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Error() error                   { return t.err }
func (t *doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// stubClient records publishes. The first publish can be held on gate, and
// the failAt-th publish (1-based) fails.
type stubClient struct {
	paho.Client

	mu      sync.Mutex
	open    bool
	calls   int
	failAt  int
	sent    []string
	started chan struct{}
	gate    chan struct{}
}

func (c *stubClient) IsConnectionOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *stubClient) Publish(_ string, _ byte, _ bool, payload interface{}) paho.Token {
	c.mu.Lock()
	c.calls++
	n := c.calls
	c.mu.Unlock()

	if n == 1 && c.gate != nil {
		close(c.started)
		<-c.gate
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if n == c.failAt {
		return &doneToken{err: errors.New("broker gone")}
	}
	c.sent = append(c.sent, string(payload.([]byte)))
	return &doneToken{}
}

func (c *stubClient) published() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func newTestPublisher(c *stubClient) *RealPublisher {
	return &RealPublisher{
		client: c,
		topics: Topics{}.withDefaults(),
		logger: zap.NewNop(),
		buf:    newRingBuffer(DefaultBufferSize, nil),
	}
}

func msg(s string) bufferedMsg {
	return bufferedMsg{topic: "floor/alerts", payload: []byte(s), qos: 1}
}

func waitReplayDone(t *testing.T, p *RealPublisher) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		p.mu.Lock()
		busy := p.replaying
		p.mu.Unlock()
		if !busy {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("replay did not finish")
}

func TestReplayKeepsOrderWithConcurrentPublish(t *testing.T) {
	c := &stubClient{started: make(chan struct{}), gate: make(chan struct{})}
	p := newTestPublisher(c)

	for _, s := range []string{"a1", "a2"} {
		if err := p.publishReliable(msg(s)); err != nil {
			t.Fatalf("publishReliable(%s): %v", s, err)
		}
	}

	c.mu.Lock()
	c.open = true
	c.mu.Unlock()
	p.onConnect(c)

	// a3 arrives while a1 is still in flight.
	<-c.started
	if err := p.publishReliable(msg("a3")); err != nil {
		t.Fatalf("publishReliable(a3): %v", err)
	}
	close(c.gate)
	waitReplayDone(t, p)

	got := c.published()
	want := []string{"a1", "a2", "a3"}
	if len(got) != len(want) {
		t.Fatalf("published %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("published[%d]: got %s, want %s", i, got[i], want[i])
		}
	}
	if n := p.buf.len(); n != 0 {
		t.Errorf("buffer: got %d left, want 0", n)
	}
}

func TestReplayFailureRequeuesAtFront(t *testing.T) {
	c := &stubClient{started: make(chan struct{}), gate: make(chan struct{}), failAt: 2}
	p := newTestPublisher(c)

	for _, s := range []string{"a1", "a2", "a3"} {
		p.publishReliable(msg(s))
	}
	c.mu.Lock()
	c.open = true
	c.mu.Unlock()
	p.onConnect(c)

	<-c.started
	p.publishReliable(msg("a4"))
	close(c.gate)
	waitReplayDone(t, p)

	if got := c.published(); len(got) != 1 || got[0] != "a1" {
		t.Errorf("published: got %v, want [a1]", got)
	}
	p.mu.Lock()
	rest := p.buf.drainAll()
	p.mu.Unlock()
	want := []string{"a2", "a3", "a4"}
	if len(rest) != len(want) {
		t.Fatalf("buffered %d, want %d", len(rest), len(want))
	}
	for i := range want {
		if string(rest[i].payload) != want[i] {
			t.Errorf("buffered[%d]: got %s, want %s", i, rest[i].payload, want[i])
		}
	}
}

func TestPublishReliableBuffersWhileDisconnected(t *testing.T) {
	c := &stubClient{}
	p := newTestPublisher(c)
	if err := p.publishReliable(msg("a1")); err != nil {
		t.Fatalf("publishReliable: %v", err)
	}
	if n := p.buf.len(); n != 1 {
		t.Errorf("buffer: got %d, want 1", n)
	}
	if got := c.published(); len(got) != 0 {
		t.Errorf("published while disconnected: %v", got)
	}
}
