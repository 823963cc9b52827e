package communication

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/glimte/mmate-comms/contracts"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	id         string
	priority   int
	deadLetter bool
	weighting  float64
	queue      atomic.Int64

	mu       sync.Mutex
	polls    []int
	releases []bool
	pollErr  error
	onPoll   func(max int)
	payloads func(max int) []*contracts.Payload
}

func newFakeClient(id string, priority int, deadLetter bool, queue int64) *fakeClient {
	c := &fakeClient{id: id, priority: priority, deadLetter: deadLetter, weighting: 1}
	c.queue.Store(queue)
	return c
}

func (c *fakeClient) ID() string         { return c.id }
func (c *fakeClient) Name() string       { return "client-" + c.id }
func (c *fakeClient) Priority() int      { return c.priority }
func (c *fakeClient) Weighting() float64 { return c.weighting }
func (c *fakeClient) DeadLetter() bool   { return c.deadLetter }

func (c *fakeClient) Release(failed bool) {
	c.mu.Lock()
	c.releases = append(c.releases, failed)
	c.mu.Unlock()
}

func (c *fakeClient) QueueLength(context.Context) (int64, error) {
	return c.queue.Load(), nil
}

func (c *fakeClient) Poll(_ context.Context, max int) ([]*contracts.Payload, error) {
	c.mu.Lock()
	c.polls = append(c.polls, max)
	onPoll, payloads, err := c.onPoll, c.payloads, c.pollErr
	c.mu.Unlock()

	if onPoll != nil {
		onPoll(max)
	}
	if err != nil {
		return nil, err
	}
	if payloads != nil {
		return payloads(max), nil
	}
	return nil, nil
}

func (c *fakeClient) Releases() []bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bool(nil), c.releases...)
}

func (c *fakeClient) Polls() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.polls...)
}

type fakeListener struct {
	name    string
	clients []ListenerClient

	mu       sync.Mutex
	updates  [][]contracts.MessageFilter
	started  int
	stopped  int
	startErr error
}

func newFakeListener(clients ...ListenerClient) *fakeListener {
	return &fakeListener{name: "listener", clients: clients}
}

func (l *fakeListener) Name() string { return l.name }

func (l *fakeListener) Start(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started++
	return l.startErr
}

func (l *fakeListener) Stop(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped++
	return nil
}

func (l *fakeListener) Clients() []ListenerClient {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ListenerClient(nil), l.clients...)
}

func (l *fakeListener) Update(filters []contracts.MessageFilter) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.updates = append(l.updates, filters)
	return nil
}

type fakeSender struct {
	name     string
	channels []string
	err      error
	panics   bool

	mu    sync.Mutex
	sent  []*contracts.Payload
	order []string
}

func (s *fakeSender) Name() string                { return s.name }
func (s *fakeSender) Start(context.Context) error { return nil }
func (s *fakeSender) Stop(context.Context) error  { return nil }

func (s *fakeSender) SupportsChannel(id string) bool {
	for _, c := range s.channels {
		if strings.EqualFold(c, id) {
			return true
		}
	}
	return false
}

func (s *fakeSender) ProcessMessage(_ context.Context, p *contracts.Payload) error {
	if s.panics {
		panic("sender exploded")
	}
	s.mu.Lock()
	s.sent = append(s.sent, p)
	s.mu.Unlock()
	return s.err
}

func (s *fakeSender) Sent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

// manualExecutor queues tasks until RunAll is called
type manualExecutor struct {
	mu    sync.Mutex
	tasks []*Task
	err   error
}

func (e *manualExecutor) Submit(t *Task) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.tasks = append(e.tasks, t)
	return nil
}

func (e *manualExecutor) Pending() []*Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Task(nil), e.tasks...)
}

// RunAll runs queued tasks, including tasks they submit, until none remain
func (e *manualExecutor) RunAll() {
	for {
		e.mu.Lock()
		if len(e.tasks) == 0 {
			e.mu.Unlock()
			return
		}
		t := e.tasks[0]
		e.tasks = e.tasks[1:]
		e.mu.Unlock()
		runTask(t)
	}
}

func runTask(t *Task) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task panicked: %v", r)
			}
		}()
		err = t.Execute(context.Background())
	}()
	t.Complete(err != nil, err)
}

// goExecutor runs every task on its own goroutine
type goExecutor struct {
	wg sync.WaitGroup
}

func (e *goExecutor) Submit(t *Task) error {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		runTask(t)
	}()
	return nil
}

type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) Count(msg string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Count(b.buf.String(), `"msg":"`+msg+`"`)
}

func newTestLogger() (*slog.Logger, *logBuffer) {
	buf := &logBuffer{}
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}

func noopHandler(context.Context, *contracts.Payload) error { return nil }

func newTestContainer(t *testing.T, cfg Config, opts ...Option) *Container {
	t.Helper()
	c, err := New(cfg, opts...)
	require.NoError(t, err)
	return c
}

func testConfig(overage int) Config {
	cfg := DefaultConfig()
	cfg.AllowedOverage = overage
	cfg.OriginatorID = "svc-1"
	return cfg
}

func fixed(n int) Availability {
	return AvailabilityFunc(func(int) int { return n })
}
