package communication

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glimte/mmate-comms/channel"
	"github.com/glimte/mmate-comms/contracts"
	"github.com/glimte/mmate-comms/internal/reliability"
	"github.com/glimte/mmate-comms/priority"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type togglePolicy struct {
	*priority.DefaultPolicy
	fail atomic.Bool
}

func (p *togglePolicy) CalculatePriority(m priority.MetricsSnapshot) priority.Key {
	if p.fail.Load() {
		panic("ranking failed")
	}
	return p.DefaultPolicy.CalculatePriority(m)
}

func reservationOf(t *testing.T, task *Task) *priority.Reservation {
	t.Helper()
	r, ok := task.Context.(*priority.Reservation)
	require.True(t, ok, "task %s carries no reservation", task.Name)
	return r
}

func TestContainerProcess(t *testing.T) {
	ctx := context.Background()

	t.Run("regular clients are reserved before the dead-letter client", func(t *testing.T) {
		busy := newFakeClient("busy", 1, false, 10)
		quiet := newFakeClient("quiet", 1, false, 2)
		dl := newFakeClient("dl", 1, true, 0)

		exec := &manualExecutor{}
		c := newTestContainer(t, testConfig(0), WithExecutor(exec), WithPayloadHandler(noopHandler))
		require.NoError(t, c.ListenerAdd(ctx, newFakeListener(dl, quiet, busy)))
		require.NoError(t, c.Start(ctx))

		assert.Equal(t, 1, c.Process(fixed(5)))
		tasks := exec.Pending()
		require.Len(t, tasks, 1)
		r := reservationOf(t, tasks[0])
		assert.Equal(t, "busy", r.ClientID())
		assert.Equal(t, 5, r.Slots)
		assert.Equal(t, int64(5), c.ReservedSlots())
		assert.True(t, tasks[0].Internal)
		assert.Equal(t, DefaultPollTimeout, tasks[0].Timeout)

		exec.RunAll()
		assert.Equal(t, int64(0), c.ReservedSlots())
		assert.Equal(t, []bool{false}, busy.Releases())
		assert.Equal(t, []int{5}, busy.Polls())

		assert.Equal(t, 3, c.Process(fixed(20)))
		var order []string
		for _, task := range exec.Pending() {
			order = append(order, reservationOf(t, task).ClientID())
		}
		assert.Equal(t, []string{"busy", "quiet", "dl"}, order)
		assert.Equal(t, int64(13), c.ReservedSlots())

		exec.RunAll()
		assert.Equal(t, int64(0), c.ReservedSlots())
	})

	t.Run("overage extends the offered capacity", func(t *testing.T) {
		a := newFakeClient("a", 1, false, 10)
		exec := &manualExecutor{}
		c := newTestContainer(t, testConfig(3), WithExecutor(exec), WithPayloadHandler(noopHandler))
		require.NoError(t, c.ListenerAdd(ctx, newFakeListener(a)))
		require.NoError(t, c.Start(ctx))

		assert.Equal(t, 1, c.Process(fixed(2)))
		assert.Equal(t, 5, reservationOf(t, exec.Pending()[0]).Slots)
	})

	t.Run("levels are drained in descending order", func(t *testing.T) {
		low := newFakeClient("low", 0, false, 1)
		high := newFakeClient("high", 2, false, 1)
		exec := &manualExecutor{}
		c := newTestContainer(t, testConfig(0), WithExecutor(exec), WithPayloadHandler(noopHandler))
		require.NoError(t, c.ListenerAdd(ctx, newFakeListener(low, high)))
		require.NoError(t, c.Start(ctx))

		assert.Equal(t, 2, c.Process(fixed(5)))
		tasks := exec.Pending()
		assert.Equal(t, "high", reservationOf(t, tasks[0]).ClientID())
		assert.Equal(t, 2, tasks[0].Priority)
		assert.Equal(t, "low", reservationOf(t, tasks[1]).ClientID())
	})

	t.Run("nothing is submitted without a snapshot or when stopped", func(t *testing.T) {
		exec := &manualExecutor{}
		c := newTestContainer(t, testConfig(0), WithExecutor(exec), WithPayloadHandler(noopHandler))
		assert.Equal(t, 0, c.Process(fixed(5)))

		require.NoError(t, c.ListenerAdd(ctx, newFakeListener(newFakeClient("a", 1, false, 1))))
		require.NoError(t, c.Start(ctx))
		require.NoError(t, c.Stop(ctx))

		assert.Equal(t, 0, c.Process(fixed(5)))
		assert.Empty(t, exec.Pending())
		assert.True(t, c.Snapshot().IsClosed())
	})

	t.Run("a rejected submit returns the reservation", func(t *testing.T) {
		exec := &manualExecutor{err: errors.New("executor full")}
		c := newTestContainer(t, testConfig(0), WithExecutor(exec), WithPayloadHandler(noopHandler))
		require.NoError(t, c.ListenerAdd(ctx, newFakeListener(newFakeClient("a", 1, false, 1))))
		require.NoError(t, c.Start(ctx))

		assert.Equal(t, 0, c.Process(fixed(5)))
		assert.Equal(t, int64(0), c.ReservedSlots())
		assert.False(t, c.Statistics().Clients[0].Reserved)
	})

	t.Run("reserved slots stay within offered plus overage under concurrency", func(t *testing.T) {
		const offered, overage = 3, 2
		exec := &goExecutor{}
		var c *Container
		var violations, peak atomic.Int64

		var clients []ListenerClient
		for i := 0; i < 12; i++ {
			cl := newFakeClient(string(rune('a'+i)), 1, false, 3)
			cl.onPoll = func(int) {
				r := c.ReservedSlots()
				if r > offered+overage || r < 0 {
					violations.Add(1)
				}
				for {
					p := peak.Load()
					if r <= p || peak.CompareAndSwap(p, r) {
						break
					}
				}
				time.Sleep(time.Millisecond)
			}
			clients = append(clients, cl)
		}

		c = newTestContainer(t, testConfig(overage), WithExecutor(exec), WithPayloadHandler(noopHandler))
		require.NoError(t, c.ListenerAdd(ctx, newFakeListener(clients...)))
		require.NoError(t, c.Start(ctx))

		var wg sync.WaitGroup
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 50; i++ {
					c.Process(fixed(offered))
					runtime.Gosched()
				}
			}()
		}
		wg.Wait()
		exec.wg.Wait()

		assert.Zero(t, violations.Load())
		assert.LessOrEqual(t, peak.Load(), int64(offered+overage))
		assert.Positive(t, peak.Load())
		assert.Equal(t, int64(0), c.ReservedSlots())
	})
}

func TestContainerPayloads(t *testing.T) {
	ctx := context.Background()

	t.Run("failed payloads are signalled once and counted", func(t *testing.T) {
		var releases atomic.Int32
		var success atomic.Bool
		cl := newFakeClient("a", 1, false, 1)
		cl.payloads = func(int) []*contracts.Payload {
			msg := contracts.NewMessage(contracts.NewHeader("orders", "create", ""), contracts.WithChannelPriority(-3))
			return []*contracts.Payload{contracts.NewPayload(msg, contracts.WithRelease(func(ok bool, _ string) {
				releases.Add(1)
				success.Store(ok)
			}))}
		}

		exec := &manualExecutor{}
		handler := func(context.Context, *contracts.Payload) error { return errors.New("handler failed") }
		c := newTestContainer(t, testConfig(0), WithExecutor(exec), WithPayloadHandler(handler))
		require.NoError(t, c.ListenerAdd(ctx, newFakeListener(cl)))
		require.NoError(t, c.Start(ctx))

		c.Process(fixed(1))
		exec.RunAll()

		assert.Equal(t, int32(1), releases.Load())
		assert.False(t, success.Load())

		stats := c.Statistics()
		require.Len(t, stats.Clients, 1)
		assert.Equal(t, int64(1), stats.Clients[0].Errors)
		assert.Equal(t, int64(0), stats.Clients[0].Active)
		assert.Equal(t, int64(1), stats.Clients[0].Payloads)
	})

	t.Run("negative channel priority is clamped", func(t *testing.T) {
		cl := newFakeClient("a", 1, false, 1)
		cl.payloads = func(int) []*contracts.Payload {
			msg := contracts.NewMessage(contracts.NewHeader("orders", "", ""), contracts.WithChannelPriority(-3))
			return []*contracts.Payload{contracts.NewPayload(msg)}
		}

		exec := &manualExecutor{}
		c := newTestContainer(t, testConfig(0), WithExecutor(exec), WithPayloadHandler(noopHandler))
		require.NoError(t, c.ListenerAdd(ctx, newFakeListener(cl)))
		require.NoError(t, c.Start(ctx))

		c.Process(fixed(1))
		poll := exec.Pending()[0]
		exec.tasks = nil
		require.NoError(t, poll.Execute(ctx))

		processing := exec.Pending()
		require.Len(t, processing, 1)
		assert.Equal(t, 0, processing[0].Priority)
		assert.Equal(t, 0, processing[0].Context.(*contracts.Payload).Message.ChannelPriority)
	})

	t.Run("a panicking release is logged and the payload is failed", func(t *testing.T) {
		var payload *contracts.Payload
		cl := newFakeClient("a", 1, false, 1)
		cl.payloads = func(int) []*contracts.Payload {
			payload = contracts.NewPayload(contracts.NewMessage(contracts.NewHeader("orders", "", "")),
				contracts.WithRelease(func(bool, string) { panic("waiter gone") }))
			return []*contracts.Payload{payload}
		}

		logger, logs := newTestLogger()
		exec := &manualExecutor{}
		c := newTestContainer(t, testConfig(0), WithExecutor(exec), WithPayloadHandler(noopHandler), WithLogger(logger))
		require.NoError(t, c.ListenerAdd(ctx, newFakeListener(cl)))
		require.NoError(t, c.Start(ctx))

		c.Process(fixed(1))
		assert.NotPanics(t, exec.RunAll)

		require.NotNil(t, payload)
		assert.True(t, payload.Signalled())
		assert.False(t, payload.Succeeded())
		assert.Equal(t, 1, logs.Count("Payload release failed"))
		assert.Equal(t, int64(0), c.ReservedSlots())
	})

	t.Run("failed polls release the client with the failure flag", func(t *testing.T) {
		cl := newFakeClient("a", 1, false, 1)
		cl.pollErr = errors.New("queue unavailable")

		exec := &manualExecutor{}
		c := newTestContainer(t, testConfig(0), WithExecutor(exec), WithPayloadHandler(noopHandler))
		require.NoError(t, c.ListenerAdd(ctx, newFakeListener(cl)))
		require.NoError(t, c.Start(ctx))

		c.Process(fixed(1))
		exec.RunAll()

		assert.Equal(t, []bool{true}, cl.Releases())
		assert.Equal(t, int64(0), c.ReservedSlots())
	})

	t.Run("clients with an open breaker are skipped on rebuild", func(t *testing.T) {
		cl := newFakeClient("a", 1, false, 1)
		cl.pollErr = errors.New("queue unavailable")

		exec := &manualExecutor{}
		c := newTestContainer(t, testConfig(0),
			WithExecutor(exec),
			WithPayloadHandler(noopHandler),
			WithClientBreakers(func(client ListenerClient) ClientBreaker {
				return reliability.NewCircuitBreaker(
					reliability.WithName(client.ID()),
					reliability.WithFailureThreshold(1),
					reliability.WithOpenTimeout(time.Hour),
					reliability.WithBreakerLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
			}))
		require.NoError(t, c.ListenerAdd(ctx, newFakeListener(cl)))
		require.NoError(t, c.Start(ctx))

		c.Process(fixed(1))
		exec.RunAll()

		require.NoError(t, c.Rebuild(ctx))
		assert.True(t, c.Snapshot().IsEmpty())
		assert.Equal(t, 1, c.Snapshot().Skipped())
	})
}

func TestContainerRebuild(t *testing.T) {
	ctx := context.Background()

	t.Run("a failing rebuild keeps the current snapshot", func(t *testing.T) {
		policy := &togglePolicy{DefaultPolicy: priority.NewDefaultPolicy(0)}
		logger, logs := newTestLogger()
		c := newTestContainer(t, testConfig(0),
			WithExecutor(&manualExecutor{}),
			WithPayloadHandler(noopHandler),
			WithPolicy(policy),
			WithLogger(logger))
		require.NoError(t, c.ListenerAdd(ctx, newFakeListener(newFakeClient("a", 1, false, 1))))
		require.NoError(t, c.Start(ctx))

		before := c.Snapshot()
		require.NotNil(t, before)

		policy.fail.Store(true)
		err := c.Rebuild(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ranking failed")

		assert.Same(t, before, c.Snapshot())
		assert.False(t, before.IsClosed())
		assert.Equal(t, 1, logs.Count("Priority rebuild failed"))
	})

	t.Run("a rebuild closes the superseded snapshot", func(t *testing.T) {
		c := newTestContainer(t, testConfig(0), WithExecutor(&manualExecutor{}), WithPayloadHandler(noopHandler))
		require.NoError(t, c.ListenerAdd(ctx, newFakeListener(newFakeClient("a", 1, false, 1))))
		require.NoError(t, c.Start(ctx))

		first := c.Snapshot()
		require.NoError(t, c.Rebuild(ctx))
		second := c.Snapshot()

		assert.True(t, first.IsClosed())
		assert.False(t, second.IsClosed())
		assert.Greater(t, second.Iteration(), first.Iteration())
	})

	t.Run("readers never observe a partial snapshot", func(t *testing.T) {
		var clients []ListenerClient
		for i := 0; i < 20; i++ {
			clients = append(clients, newFakeClient(string(rune('a'+i)), i%3, i%5 == 0, int64(i)))
		}
		c := newTestContainer(t, testConfig(0), WithExecutor(&manualExecutor{}), WithPayloadHandler(noopHandler))
		require.NoError(t, c.ListenerAdd(ctx, newFakeListener(clients...)))
		require.NoError(t, c.Start(ctx))

		done := make(chan struct{})
		var bad atomic.Int64
		var readers sync.WaitGroup
		for r := 0; r < 4; r++ {
			readers.Add(1)
			go func() {
				defer readers.Done()
				last := int64(0)
				for {
					select {
					case <-done:
						return
					default:
					}
					snap := c.Snapshot()
					total := 0
					for _, level := range snap.Levels() {
						total += len(snap.Entries(level))
					}
					if snap.Count() != 20 || total != 20 || snap.Iteration() < last {
						bad.Add(1)
					}
					last = snap.Iteration()
				}
			}()
		}

		for i := 0; i < 100; i++ {
			require.NoError(t, c.Rebuild(ctx))
		}
		close(done)
		readers.Wait()

		assert.Zero(t, bad.Load())
	})

	t.Run("supported message changes update listeners and rebuild", func(t *testing.T) {
		l := newFakeListener(newFakeClient("a", 1, false, 1))
		c := newTestContainer(t, testConfig(0), WithExecutor(&manualExecutor{}), WithPayloadHandler(noopHandler))
		require.NoError(t, c.ListenerAdd(ctx, l))
		require.NoError(t, c.Start(ctx))

		iteration := c.Snapshot().Iteration()
		filters := []contracts.MessageFilter{contracts.NewMessageFilter(contracts.NewHeader("orders", "", ""))}
		require.NoError(t, c.SupportedMessagesChanged(ctx, filters))

		assert.Equal(t, iteration+1, c.Snapshot().Iteration())
		require.Len(t, l.updates, 2)
		assert.Equal(t, filters, l.updates[1])
	})

	t.Run("vanished clients are dropped", func(t *testing.T) {
		l := newFakeListener(newFakeClient("a", 1, false, 1), newFakeClient("b", 1, false, 1))
		c := newTestContainer(t, testConfig(0), WithExecutor(&manualExecutor{}), WithPayloadHandler(noopHandler))
		require.NoError(t, c.ListenerAdd(ctx, l))
		require.NoError(t, c.Start(ctx))
		assert.Equal(t, 2, c.Snapshot().Count())

		l.mu.Lock()
		l.clients = l.clients[:1]
		l.mu.Unlock()

		require.NoError(t, c.Rebuild(ctx))
		assert.Equal(t, 1, c.Snapshot().Count())
		assert.Len(t, c.Statistics().Clients, 1)
	})
}

func TestContainerSend(t *testing.T) {
	ctx := context.Background()
	newPayload := func(channelID string) *contracts.Payload {
		return contracts.NewPayload(contracts.NewMessage(contracts.NewHeader(channelID, "create", "")))
	}

	t.Run("no sender for the channel returns false and logs once", func(t *testing.T) {
		logger, logs := newTestLogger()
		c := newTestContainer(t, testConfig(0), WithLogger(logger))

		var ok bool
		assert.NotPanics(t, func() { ok = c.Send(ctx, newPayload("orders")) })
		assert.False(t, ok)
		assert.Equal(t, 1, logs.Count("No sender supports channel"))
	})

	t.Run("dispatches to every matching sender and stamps the originator", func(t *testing.T) {
		a := &fakeSender{name: "a", channels: []string{"orders"}}
		b := &fakeSender{name: "b", channels: []string{"ORDERS", "billing"}}
		other := &fakeSender{name: "other", channels: []string{"billing"}}

		c := newTestContainer(t, testConfig(0))
		for _, s := range []Sender{a, b, other} {
			require.NoError(t, c.SenderAdd(ctx, s))
		}

		p := newPayload("orders")
		assert.True(t, c.Send(ctx, p))
		assert.Equal(t, 1, a.Sent())
		assert.Equal(t, 1, b.Sent())
		assert.Equal(t, 0, other.Sent())
		assert.Equal(t, "svc-1", p.Message.OriginatorServiceID)
	})

	t.Run("an existing originator is kept", func(t *testing.T) {
		c := newTestContainer(t, testConfig(0))
		require.NoError(t, c.SenderAdd(ctx, &fakeSender{name: "a", channels: []string{"orders"}}))

		p := contracts.NewPayload(contracts.NewMessage(contracts.NewHeader("orders", "", ""), contracts.WithOriginator("other-svc")))
		assert.True(t, c.Send(ctx, p))
		assert.Equal(t, "other-svc", p.Message.OriginatorServiceID)
	})

	t.Run("any sender failure returns false", func(t *testing.T) {
		good := &fakeSender{name: "good", channels: []string{"orders"}}
		bad := &fakeSender{name: "bad", channels: []string{"orders"}, err: errors.New("broker down")}

		c := newTestContainer(t, testConfig(0))
		require.NoError(t, c.SenderAdd(ctx, good))
		require.NoError(t, c.SenderAdd(ctx, bad))

		assert.False(t, c.Send(ctx, newPayload("orders")))
		assert.Equal(t, 1, good.Sent())
	})

	t.Run("a panicking sender returns false", func(t *testing.T) {
		c := newTestContainer(t, testConfig(0))
		require.NoError(t, c.SenderAdd(ctx, &fakeSender{name: "p", channels: []string{"orders"}, panics: true}))

		var ok bool
		assert.NotPanics(t, func() { ok = c.Send(ctx, newPayload("orders")) })
		assert.False(t, ok)
	})

	t.Run("the sender cache is invalidated when senders are added", func(t *testing.T) {
		c := newTestContainer(t, testConfig(0))
		assert.False(t, c.Send(ctx, newPayload("orders")))

		s := &fakeSender{name: "late", channels: []string{"orders"}}
		require.NoError(t, c.SenderAdd(ctx, s))
		assert.True(t, c.Send(ctx, newPayload("orders")))
	})

	t.Run("outgoing redirects are applied before resolution", func(t *testing.T) {
		channels := channel.NewRegistry()
		ch, err := channels.Create("orders", channel.Outgoing)
		require.NoError(t, err)
		ch.RedirectAdd(channel.NewRedirectRule(contracts.NewHeader("orders", "", ""), contracts.NewHeader("orders-archive", "", "")))

		archive := &fakeSender{name: "archive", channels: []string{"orders-archive"}}
		c := newTestContainer(t, testConfig(0), WithChannels(channels))
		require.NoError(t, c.SenderAdd(ctx, archive))

		p := newPayload("orders")
		assert.True(t, c.Send(ctx, p))
		assert.Equal(t, "orders-archive", p.Message.Header.ChannelID)
		assert.Equal(t, 1, archive.Sent())
	})
}

type capabilityRecorder struct {
	fakeSender
	calls []string
}

func (r *capabilityRecorder) SetSharedServices(ServiceLocator)   { r.calls = append(r.calls, "services") }
func (r *capabilityRecorder) SetOriginatorID(string)             { r.calls = append(r.calls, "originator") }
func (r *capabilityRecorder) SetLogger(*slog.Logger)             { r.calls = append(r.calls, "logger") }
func (r *capabilityRecorder) SetSerializer(contracts.Serializer) { r.calls = append(r.calls, "serializer") }

type nopSerializer struct{}

func (nopSerializer) ContentType() string           { return "test" }
func (nopSerializer) Serialize(any) ([]byte, error) { return nil, nil }
func (nopSerializer) Deserialize([]byte, any) error { return nil }

func TestContainerLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("start requires an executor and a handler", func(t *testing.T) {
		c := newTestContainer(t, testConfig(0))
		assert.ErrorIs(t, c.Start(ctx), ErrMissingExecutor)

		c = newTestContainer(t, testConfig(0), WithExecutor(&manualExecutor{}))
		assert.ErrorIs(t, c.Start(ctx), ErrMissingPayloadHandler)
		assert.False(t, c.CanProcess())
	})

	t.Run("invalid config is rejected", func(t *testing.T) {
		cfg := testConfig(-1)
		_, err := New(cfg)
		assert.Error(t, err)
	})

	t.Run("capabilities are applied once in a fixed order", func(t *testing.T) {
		services := NewSharedServices()
		require.True(t, services.Register("cache", struct{}{}))
		assert.False(t, services.Register("CACHE", struct{}{}))

		c := newTestContainer(t, testConfig(0), WithSharedServices(services), WithSerializer(nopSerializer{}))
		r := &capabilityRecorder{fakeSender: fakeSender{name: "r"}}
		require.NoError(t, c.SenderAdd(ctx, r))

		assert.Equal(t, []string{"services", "originator", "logger", "serializer"}, r.calls)
	})

	t.Run("start and stop drive listeners and statistics", func(t *testing.T) {
		l := newFakeListener(newFakeClient("a", 1, false, 1), newFakeClient("dl", 1, true, 0))
		c := newTestContainer(t, testConfig(2), WithExecutor(&manualExecutor{}), WithPayloadHandler(noopHandler))
		require.NoError(t, c.ListenerAdd(ctx, l))
		require.NoError(t, c.SenderAdd(ctx, &fakeSender{name: "s"}))

		require.NoError(t, c.Start(ctx))
		assert.True(t, c.CanProcess())
		assert.Equal(t, 1, l.started)
		assert.Len(t, l.updates, 1)

		stats := c.Statistics()
		assert.True(t, stats.Running)
		assert.Equal(t, 2, stats.AllowedOverage)
		assert.Equal(t, 1, stats.Senders)
		assert.Equal(t, 1, stats.Listeners)
		assert.Len(t, stats.Clients, 1)
		assert.Len(t, stats.DeadLetterClients, 1)
		assert.Equal(t, []int{1}, stats.Levels)

		require.NoError(t, c.Stop(ctx))
		assert.Equal(t, 1, l.stopped)
		assert.False(t, c.Statistics().Running)
	})

	t.Run("a failing listener start aborts start", func(t *testing.T) {
		l := newFakeListener()
		l.startErr = errors.New("no broker")
		c := newTestContainer(t, testConfig(0), WithExecutor(&manualExecutor{}), WithPayloadHandler(noopHandler))
		require.NoError(t, c.ListenerAdd(ctx, l))

		assert.Error(t, c.Start(ctx))
		assert.False(t, c.IsRunning())
	})
}
