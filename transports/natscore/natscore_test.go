package natscore

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/glimte/mmate-comms/channel"
	"github.com/glimte/mmate-comms/communication"
	"github.com/glimte/mmate-comms/contracts"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startTestServer starts an in-process NATS server on a random port
func startTestServer(t *testing.T) *nats.Conn {
	t.Helper()

	ns, err := server.NewServer(&server.Options{
		Host:   "127.0.0.1",
		Port:   server.RANDOM_PORT,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)

	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatal("nats server failed to start")
	}

	nc, err := Connect(ns.ClientURL(), t.Name())
	if err != nil {
		ns.Shutdown()
		t.Fatalf("failed to connect: %v", err)
	}

	t.Cleanup(func() {
		nc.Close()
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return nc
}

func setupTransport(t *testing.T, opts ...Option) (*nats.Conn, *Listener, *Sender) {
	t.Helper()
	nc := startTestServer(t)
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)

	in, err := channel.New("orders", channel.Incoming, channel.WithPartitions(channel.ListenerPartitions(1)...))
	require.NoError(t, err)
	out, err := channel.New("orders", channel.Outgoing)
	require.NoError(t, err)

	listener, err := NewListener("nats", nc, []*channel.Channel{in}, opts...)
	require.NoError(t, err)
	sender, err := NewSender("nats", nc, []*channel.Channel{out}, opts...)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, listener.Start(ctx))
	require.NoError(t, sender.Start(ctx))
	require.NoError(t, listener.Update([]contracts.MessageFilter{
		contracts.NewMessageFilter(contracts.NewHeader("orders", "", "")),
	}))
	t.Cleanup(func() { listener.Stop(ctx) })
	return nc, listener, sender
}

func sendOrder(t *testing.T, s *Sender) *contracts.Message {
	t.Helper()
	msg := contracts.NewMessage(contracts.NewHeader("orders", "create", ""), contracts.WithBody([]byte("{}")))
	require.NoError(t, s.ProcessMessage(context.Background(), contracts.NewPayload(msg)))
	require.NoError(t, s.Stop(context.Background()))
	return msg
}

// pollOne polls the client until a payload arrives
func pollOne(t *testing.T, c communication.ListenerClient) *contracts.Payload {
	t.Helper()
	var got *contracts.Payload
	require.Eventually(t, func() bool {
		payloads, err := c.Poll(context.Background(), 1)
		require.NoError(t, err)
		if len(payloads) == 1 {
			got = payloads[0]
			return true
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	return got
}

func TestNATSTransport(t *testing.T) {
	ctx := context.Background()

	t.Run("listener subscribes a client per partition subject", func(t *testing.T) {
		_, listener, _ := setupTransport(t)

		clients := listener.Clients()
		require.Len(t, clients, 2)
		assert.Equal(t, "nats/comms.orders.p1", clients[0].ID())
		assert.True(t, clients[1].DeadLetter())
	})

	t.Run("delivers published messages with the message id header", func(t *testing.T) {
		nc, listener, sender := setupTransport(t)
		raw, err := nc.SubscribeSync("comms.orders.p1")
		require.NoError(t, err)
		require.NoError(t, nc.Flush())

		sent := sendOrder(t, sender)

		payload := pollOne(t, listener.Clients()[0])
		assert.Equal(t, sent.ID, payload.Message.ID)
		assert.True(t, payload.Options.Has(contracts.RouteInternal))

		m, err := raw.NextMsg(time.Second)
		require.NoError(t, err)
		assert.Equal(t, sent.ID, m.Header.Get(HeaderMessageID))
	})

	t.Run("failure redelivers with an incremented delivery count", func(t *testing.T) {
		_, listener, sender := setupTransport(t)
		sendOrder(t, sender)
		client := listener.Clients()[0]

		first := pollOne(t, client)
		first.SignalFail()

		second := pollOne(t, client)
		assert.Equal(t, first.Message.ID, second.Message.ID)
		assert.Equal(t, 1, second.Message.DeliveryCount)
	})

	t.Run("exhausted retries move the message to the dead-letter subject", func(t *testing.T) {
		_, listener, sender := setupTransport(t, WithRetryLimit(0))
		sent := sendOrder(t, sender)

		pollOne(t, listener.Clients()[0]).SignalFail()

		dead := pollOne(t, listener.Clients()[1])
		assert.Equal(t, sent.ID, dead.Message.ID)
	})

	t.Run("unsubscribed channels keep messages buffered", func(t *testing.T) {
		_, listener, sender := setupTransport(t)
		require.NoError(t, listener.Update(nil))
		sendOrder(t, sender)
		client := listener.Clients()[0]

		require.Eventually(t, func() bool {
			n, err := client.(communication.QueueLengthReporter).QueueLength(ctx)
			return err == nil && n == 1
		}, 2*time.Second, 10*time.Millisecond)

		payloads, err := client.Poll(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, payloads)
	})

	t.Run("queue group members share messages", func(t *testing.T) {
		nc, first, sender := setupTransport(t)
		in, err := channel.New("orders", channel.Incoming)
		require.NoError(t, err)
		second, err := NewListener("nats", nc, []*channel.Channel{in})
		require.NoError(t, err)
		require.NoError(t, second.Start(ctx))
		defer second.Stop(ctx)
		require.NoError(t, second.Update([]contracts.MessageFilter{
			contracts.NewMessageFilter(contracts.NewHeader("orders", "", "")),
		}))

		for i := 0; i < 20; i++ {
			sendOrder(t, sender)
		}

		var (
			mu    sync.Mutex
			total int
		)
		drain := func(c communication.ListenerClient) {
			payloads, err := c.Poll(ctx, 20)
			require.NoError(t, err)
			mu.Lock()
			total += len(payloads)
			mu.Unlock()
		}
		require.Eventually(t, func() bool {
			drain(first.Clients()[0])
			drain(second.Clients()[0])
			mu.Lock()
			defer mu.Unlock()
			return total == 20
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("sender rejects unknown channels", func(t *testing.T) {
		_, _, sender := setupTransport(t)
		msg := contracts.NewMessage(contracts.NewHeader("billing", "", ""))

		err := sender.ProcessMessage(ctx, contracts.NewPayload(msg))
		assert.ErrorIs(t, err, channel.ErrChannelNotFound)
	})
}
