package memory

import (
	"context"
	"testing"

	"github.com/glimte/mmate-comms/channel"
	"github.com/glimte/mmate-comms/communication"
	"github.com/glimte/mmate-comms/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, opts ...Option) (*Broker, *Listener, *Sender) {
	t.Helper()
	in, err := channel.New("orders", channel.Incoming, channel.WithPartitions(channel.ListenerPartitions(1, 2)...))
	require.NoError(t, err)
	out, err := channel.New("orders", channel.Outgoing, channel.WithPartitions(channel.SenderPartitions(1, 2)...))
	require.NoError(t, err)

	broker := NewBroker()
	listener, err := NewListener("mem", broker, []*channel.Channel{in}, opts...)
	require.NoError(t, err)
	sender, err := NewSender("mem", broker, []*channel.Channel{out}, opts...)
	require.NoError(t, err)

	require.NoError(t, listener.Start(context.Background()))
	require.NoError(t, listener.Update([]contracts.MessageFilter{
		contracts.NewMessageFilter(contracts.NewHeader("orders", "", "")),
	}))
	return broker, listener, sender
}

func clientFor(t *testing.T, l *Listener, queue string) communication.ListenerClient {
	t.Helper()
	for _, c := range l.Clients() {
		if c.(*client).Partition.Queue == queue {
			return c
		}
	}
	t.Fatalf("no client for %s", queue)
	return nil
}

func send(t *testing.T, s *Sender, priority int) *contracts.Message {
	t.Helper()
	msg := contracts.NewMessage(contracts.NewHeader("orders", "create", ""),
		contracts.WithChannelPriority(priority),
		contracts.WithBody([]byte(`{"id":1}`)))
	require.NoError(t, s.ProcessMessage(context.Background(), contracts.NewPayload(msg)))
	return msg
}

func TestMemoryTransport(t *testing.T) {
	ctx := context.Background()

	t.Run("creates a client per partition and dead-letter queue", func(t *testing.T) {
		_, l, _ := setup(t)
		clients := l.Clients()
		require.Len(t, clients, 4)
		assert.Equal(t, 2, clients[0].Priority())
		assert.False(t, clients[0].DeadLetter())
		assert.True(t, clients[1].DeadLetter())
	})

	t.Run("delivers sent messages by priority partition", func(t *testing.T) {
		_, l, s := setup(t)
		sent := send(t, s, 2)
		send(t, s, 1)

		high := clientFor(t, l, "orders.p2")
		n, err := high.(communication.QueueLengthReporter).QueueLength(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		payloads, err := high.Poll(ctx, 10)
		require.NoError(t, err)
		require.Len(t, payloads, 1)
		assert.Equal(t, sent.ID, payloads[0].Message.ID)
		assert.Equal(t, []byte(`{"id":1}`), payloads[0].Message.Body)
		assert.Equal(t, contracts.RouteInternal, payloads[0].Options)

		payloads[0].SignalSuccess()
		n, _ = high.(communication.QueueLengthReporter).QueueLength(ctx)
		assert.Zero(t, n)
	})

	t.Run("poll respects max", func(t *testing.T) {
		_, l, s := setup(t)
		for i := 0; i < 3; i++ {
			send(t, s, 1)
		}

		payloads, err := clientFor(t, l, "orders.p1").Poll(ctx, 2)
		require.NoError(t, err)
		assert.Len(t, payloads, 2)
	})

	t.Run("failed messages are retried then dead-lettered", func(t *testing.T) {
		broker, l, s := setup(t, WithRetryLimit(1))
		send(t, s, 1)
		c := clientFor(t, l, "orders.p1")

		payloads, _ := c.Poll(ctx, 1)
		require.Len(t, payloads, 1)
		payloads[0].SignalFail()
		assert.Equal(t, 1, broker.Len("orders.p1"))

		payloads, _ = c.Poll(ctx, 1)
		require.Len(t, payloads, 1)
		assert.Equal(t, 1, payloads[0].Message.DeliveryCount)
		payloads[0].SignalFail()

		assert.Equal(t, 0, broker.Len("orders.p1"))
		assert.Equal(t, 1, broker.Len("orders.p1.dlq"))

		dl, _ := clientFor(t, l, "orders.p1.dlq").Poll(ctx, 1)
		require.Len(t, dl, 1)
		assert.Equal(t, 2, dl[0].Message.DeliveryCount)
	})

	t.Run("inactive channels are not polled", func(t *testing.T) {
		broker, l, s := setup(t)
		send(t, s, 1)
		require.NoError(t, l.Update(nil))

		payloads, err := clientFor(t, l, "orders.p1").Poll(ctx, 5)
		require.NoError(t, err)
		assert.Empty(t, payloads)
		assert.Equal(t, 1, broker.Len("orders.p1"))
	})

	t.Run("undecodable data is dropped", func(t *testing.T) {
		broker, l, _ := setup(t)
		broker.Push("orders.p1", []byte("not json"))

		payloads, err := clientFor(t, l, "orders.p1").Poll(ctx, 5)
		require.NoError(t, err)
		assert.Empty(t, payloads)
	})

	t.Run("sender rejects unknown channels", func(t *testing.T) {
		_, _, s := setup(t)
		assert.True(t, s.SupportsChannel("ORDERS"))
		assert.False(t, s.SupportsChannel("billing"))

		err := s.ProcessMessage(ctx, contracts.NewPayload(contracts.NewMessage(contracts.NewHeader("billing", "", ""))))
		assert.ErrorIs(t, err, channel.ErrChannelNotFound)
	})

	t.Run("constructors check channel direction", func(t *testing.T) {
		in, _ := channel.New("a", channel.Incoming)
		out, _ := channel.New("a", channel.Outgoing)

		_, err := NewListener("x", NewBroker(), []*channel.Channel{out})
		assert.Error(t, err)
		_, err = NewSender("x", NewBroker(), []*channel.Channel{in})
		assert.Error(t, err)
	})

	t.Run("stop drops the clients", func(t *testing.T) {
		_, l, _ := setup(t)
		require.NoError(t, l.Stop(ctx))
		assert.Empty(t, l.Clients())
	})
}
