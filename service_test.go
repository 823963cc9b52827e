package comms

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glimte/mmate-comms/channel"
	"github.com/glimte/mmate-comms/communication"
	"github.com/glimte/mmate-comms/contracts"
	"github.com/glimte/mmate-comms/dispatch"
	"github.com/glimte/mmate-comms/transports/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	ordersCreate = contracts.NewHeader("orders", "create", "")
	billingPay   = contracts.NewHeader("billing", "pay", "")
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastConfig() communication.Config {
	cfg := communication.DefaultConfig()
	cfg.RebuildInterval = 20 * time.Millisecond
	cfg.RebuildInitialDelay = 20 * time.Millisecond
	return cfg
}

func newTestService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	opts = append([]Option{
		WithLogger(quietLogger()),
		WithCommunicationConfig(fastConfig()),
		WithOfferInterval(5 * time.Millisecond),
	}, opts...)

	s, err := NewService("orders-svc", opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

// releaseProbe records the outcome of an injected payload
type releaseProbe struct {
	done    chan struct{}
	success atomic.Bool
}

func newReleaseProbe() *releaseProbe {
	return &releaseProbe{done: make(chan struct{})}
}

func (p *releaseProbe) release(success bool, _ string) {
	p.success.Store(success)
	close(p.done)
}

func (p *releaseProbe) wait(t *testing.T) bool {
	t.Helper()
	select {
	case <-p.done:
		return p.success.Load()
	case <-time.After(2 * time.Second):
		t.Fatal("payload was not released")
		return false
	}
}

type recordingHandler struct {
	mu      sync.Mutex
	headers []contracts.Header
	counts  []int
	err     error
}

func (h *recordingHandler) Handle(_ context.Context, p *contracts.Payload) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.headers = append(h.headers, p.Message.Header)
	h.counts = append(h.counts, p.Message.DeliveryCount)
	return h.err
}

func (h *recordingHandler) calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.headers)
}

func TestNewService(t *testing.T) {
	t.Run("requires a name", func(t *testing.T) {
		_, err := NewService("")
		assert.Error(t, err)
	})

	t.Run("rejects an invalid communication config", func(t *testing.T) {
		cfg := communication.DefaultConfig()
		cfg.RebuildInterval = 0
		_, err := NewService("svc", WithCommunicationConfig(cfg))
		assert.Error(t, err)
	})

	t.Run("defaults the originator to the service name", func(t *testing.T) {
		s := newTestService(t)
		assert.Equal(t, "orders-svc", s.Container().Config().OriginatorID)
		assert.Equal(t, "orders-svc", s.Name())
		assert.False(t, s.IsRunning())
	})

	t.Run("Start and Stop are idempotent", func(t *testing.T) {
		s := newTestService(t)
		ctx := context.Background()

		require.NoError(t, s.Start(ctx))
		require.NoError(t, s.Start(ctx))
		assert.True(t, s.IsRunning())
		assert.True(t, s.Container().IsRunning())

		require.NoError(t, s.Stop(ctx))
		require.NoError(t, s.Stop(ctx))
		assert.False(t, s.Container().IsRunning())
	})
}

func TestExecuteOrEnqueue(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects injection into a stopped service", func(t *testing.T) {
		s := newTestService(t)
		err := s.Dispatcher().Process(ctx, ordersCreate, []byte("{}"))
		assert.ErrorIs(t, err, dispatch.ErrServiceNotStarted)
	})

	t.Run("executes locally when a handler supports the header", func(t *testing.T) {
		s := newTestService(t)
		handler := &recordingHandler{}
		_, err := s.Router().Register(ordersCreate, handler)
		require.NoError(t, err)
		require.NoError(t, s.Start(ctx))

		probe := newReleaseProbe()
		require.NoError(t, s.Dispatcher().Process(ctx, ordersCreate, []byte("{}"), dispatch.WithRelease(probe.release)))

		assert.True(t, probe.wait(t))
		assert.Equal(t, 1, handler.calls())
	})

	t.Run("a failing handler signals failure", func(t *testing.T) {
		s := newTestService(t)
		_, err := s.Router().Register(ordersCreate, &recordingHandler{err: errors.New("rejected")})
		require.NoError(t, err)
		require.NoError(t, s.Start(ctx))

		probe := newReleaseProbe()
		require.NoError(t, s.Dispatcher().Process(ctx, ordersCreate, nil, dispatch.WithRelease(probe.release)))
		assert.False(t, probe.wait(t))
	})

	t.Run("sends externally when no handler supports the header", func(t *testing.T) {
		s := newTestService(t)
		broker := memory.NewBroker()
		out, err := s.Channels().Create("billing", channel.Outgoing)
		require.NoError(t, err)
		sender, err := memory.NewSender("mem", broker, []*channel.Channel{out})
		require.NoError(t, err)
		require.NoError(t, s.SenderAdd(ctx, sender))
		require.NoError(t, s.Start(ctx))

		probe := newReleaseProbe()
		require.NoError(t, s.Dispatcher().Process(ctx, billingPay, []byte("{}"), dispatch.WithRelease(probe.release)))

		assert.True(t, probe.wait(t))
		require.Equal(t, 1, broker.Len("billing.p1"))
		msg, err := contracts.DecodeMessage(broker.Pop("billing.p1", 1)[0])
		require.NoError(t, err)
		assert.Equal(t, "orders-svc", msg.OriginatorServiceID)
	})

	t.Run("reports a failed send", func(t *testing.T) {
		s := newTestService(t)
		require.NoError(t, s.Start(ctx))

		probe := newReleaseProbe()
		err := s.Dispatcher().Process(ctx, billingPay, nil, dispatch.WithRelease(probe.release))
		assert.ErrorIs(t, err, ErrSendFailed)
		assert.False(t, probe.wait(t))
	})

	t.Run("reports an internal-only payload without a handler as unroutable", func(t *testing.T) {
		s := newTestService(t)
		require.NoError(t, s.Start(ctx))

		probe := newReleaseProbe()
		err := s.Dispatcher().Process(ctx, billingPay, nil,
			dispatch.WithRouting(contracts.RouteInternal),
			dispatch.WithRelease(probe.release))
		assert.ErrorIs(t, err, ErrUnroutable)
		assert.False(t, probe.wait(t))
	})

	t.Run("applies incoming redirects before routing", func(t *testing.T) {
		s := newTestService(t)
		legacy, err := s.Channels().Create("legacy", channel.Incoming)
		require.NoError(t, err)
		legacy.RedirectAdd(channel.NewRedirectRule(
			contracts.NewHeader("legacy", "create", ""),
			ordersCreate))

		handler := &recordingHandler{}
		_, err = s.Router().Register(ordersCreate, handler)
		require.NoError(t, err)
		require.NoError(t, s.Start(ctx))

		probe := newReleaseProbe()
		require.NoError(t, s.Dispatcher().ProcessChannel(ctx, "legacy", "create", "", nil,
			dispatch.WithRouting(contracts.RouteInternal),
			dispatch.WithRelease(probe.release)))

		assert.True(t, probe.wait(t))
		require.Equal(t, 1, handler.calls())
		assert.Equal(t, "orders", handler.headers[0].ChannelID)
	})
}

func TestServicePolling(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T, handler dispatch.Handler) (*Service, *memory.Broker) {
		t.Helper()
		s := newTestService(t)
		broker := memory.NewBroker()

		in, err := s.Channels().Create("orders", channel.Incoming,
			channel.WithPartitions(channel.ListenerPartitions(1)...))
		require.NoError(t, err)
		out, err := s.Channels().Create("orders", channel.Outgoing)
		require.NoError(t, err)

		listener, err := memory.NewListener("mem", broker, []*channel.Channel{in}, memory.WithRetryLimit(1))
		require.NoError(t, err)
		sender, err := memory.NewSender("mem", broker, []*channel.Channel{out})
		require.NoError(t, err)

		require.NoError(t, s.ListenerAdd(ctx, listener))
		require.NoError(t, s.SenderAdd(ctx, sender))
		_, err = s.Router().Register(ordersCreate, handler)
		require.NoError(t, err)
		require.NoError(t, s.Start(ctx))
		return s, broker
	}

	t.Run("executes messages polled from a listener", func(t *testing.T) {
		handler := &recordingHandler{}
		s, broker := setup(t, handler)

		require.NoError(t, s.Dispatcher().Process(ctx, ordersCreate, []byte("{}"),
			dispatch.WithRouting(contracts.RouteExternal)))

		require.Eventually(t, func() bool { return handler.calls() == 1 }, 5*time.Second, 10*time.Millisecond)
		require.Eventually(t, func() bool { return broker.Len("orders.p1") == 0 }, time.Second, 10*time.Millisecond)
		assert.Equal(t, 0, broker.Len("orders.p1.dlq"))
	})

	t.Run("redelivers failed messages and dead-letters them", func(t *testing.T) {
		handler := &recordingHandler{err: errors.New("rejected")}
		s, broker := setup(t, handler)

		require.NoError(t, s.Dispatcher().Process(ctx, ordersCreate, nil,
			dispatch.WithRouting(contracts.RouteExternal)))

		require.Eventually(t, func() bool { return broker.Len("orders.p1.dlq") == 1 || handler.calls() >= 3 },
			5*time.Second, 10*time.Millisecond)

		handler.mu.Lock()
		counts := append([]int(nil), handler.counts[:2]...)
		handler.mu.Unlock()
		assert.Equal(t, []int{0, 1}, counts)
	})

	t.Run("statistics cover the parts", func(t *testing.T) {
		s, _ := setup(t, &recordingHandler{})

		require.Eventually(t, func() bool { return s.Statistics().Communication.SnapshotClients == 2 },
			time.Second, 10*time.Millisecond)
		stats := s.Statistics()
		assert.True(t, stats.Running)
		assert.Equal(t, 1, stats.Handlers)
		assert.Equal(t, 1, stats.Communication.Listeners)
		assert.NotEmpty(t, stats.Schedules)
	})
}

func TestServiceBacklog(t *testing.T) {
	ctx := context.Background()

	t.Run("drains a backlog larger than the task capacity without redelivery", func(t *testing.T) {
		s := newTestService(t, WithMaxConcurrentTasks(2))
		broker := memory.NewBroker()

		in, err := s.Channels().Create("orders", channel.Incoming,
			channel.WithPartitions(channel.ListenerPartitions(1)...))
		require.NoError(t, err)
		listener, err := memory.NewListener("mem", broker, []*channel.Channel{in}, memory.WithRetryLimit(0))
		require.NoError(t, err)
		require.NoError(t, s.ListenerAdd(ctx, listener))

		const backlog = 30
		for i := 0; i < backlog; i++ {
			data, err := contracts.EncodeMessage(contracts.NewMessage(ordersCreate))
			require.NoError(t, err)
			broker.Push("orders.p1", data)
		}

		handler := &recordingHandler{}
		_, err = s.Router().RegisterFunc(ordersCreate, func(ctx context.Context, p *contracts.Payload) error {
			time.Sleep(5 * time.Millisecond)
			return handler.Handle(ctx, p)
		})
		require.NoError(t, err)
		require.NoError(t, s.Start(ctx))

		require.Eventually(t, func() bool { return handler.calls() == backlog }, 5*time.Second, 10*time.Millisecond)
		assert.Eventually(t, func() bool {
			return s.Container().ReservedSlots() == 0 && s.TaskStats().Queued == 0
		}, time.Second, 10*time.Millisecond)

		handler.mu.Lock()
		for _, count := range handler.counts {
			assert.Zero(t, count)
		}
		handler.mu.Unlock()
		assert.Zero(t, broker.Len("orders.p1"))
		assert.Zero(t, broker.Len("orders.p1.dlq"))
		assert.Zero(t, s.TaskStats().Failed)
	})
}
