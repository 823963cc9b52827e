package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/glimte/mmate-comms/channel"
	"github.com/glimte/mmate-comms/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTopology = `
channels:
  - id: orders
    direction: incoming
    description: order intake
    boundaryLogging: true
    resourceProfiles: [orders-db]
    partitions:
      - priority: 1
      - priority: 2
        weighting: 1.5
        maxProcessingTime: 30s
        deadLetter: false
    redirects:
      - id: legacy
        match: {channel: orders, messageType: legacy}
        target: {messageType: create}
  - id: orders
    direction: outgoing
    internal: true
    partitions:
      - priority: 1
        ttl: 5m
`

func TestParseTopology(t *testing.T) {
	t.Run("builds channels with partitions and redirects", func(t *testing.T) {
		topology, err := ParseTopology([]byte(sampleTopology))
		require.NoError(t, err)
		require.Len(t, topology.Channels, 2)

		registry := channel.NewRegistry()
		require.NoError(t, topology.Apply(registry, nil))

		in, ok := registry.Get(channel.Incoming, "orders")
		require.True(t, ok)
		assert.Equal(t, "order intake", in.Description())
		enabled, set := in.BoundaryLogging()
		assert.True(t, set)
		assert.True(t, enabled)
		assert.Equal(t, []channel.ResourceProfile{{ID: "orders-db"}}, in.ResourceProfiles())

		partitions := in.ListenerPartitions()
		require.Len(t, partitions, 2)
		assert.Equal(t, 2, partitions[0].Priority)
		assert.Equal(t, 1.5, partitions[0].Weighting)
		assert.Equal(t, 30*time.Second, partitions[0].MaxProcessingTime)
		assert.False(t, partitions[0].SupportsDeadLetter)
		assert.True(t, partitions[1].SupportsDeadLetter)
		assert.Equal(t, channel.DefaultListenerWeighting, partitions[1].Weighting)

		redirects := in.Redirects()
		require.Len(t, redirects, 1)
		assert.Equal(t, "legacy", redirects[0].ID)

		resolved, ok := in.Resolve(contracts.NewHeader("orders", "legacy", "submit"))
		require.True(t, ok)
		assert.Equal(t, contracts.NewHeader("orders", "create", "submit"), resolved)

		out, ok := registry.Get(channel.Outgoing, "orders")
		require.True(t, ok)
		assert.True(t, out.InternalOnly())
		senders := out.SenderPartitions()
		require.Len(t, senders, 1)
		assert.Equal(t, 5*time.Minute, senders[0].TTL)
	})

	t.Run("rejects invalid entries", func(t *testing.T) {
		cases := map[string]string{
			"missing id":        "channels:\n  - direction: incoming\n",
			"unknown direction": "channels:\n  - id: a\n    direction: sideways\n",
			"duplicate channel": "channels:\n  - id: a\n    direction: in\n  - id: a\n    direction: incoming\n",
			"empty redirect":    "channels:\n  - id: a\n    direction: in\n    redirects:\n      - target: {channel: b}\n",
			"malformed yaml":    "channels: [",
		}
		for name, data := range cases {
			t.Run(name, func(t *testing.T) {
				_, err := ParseTopology([]byte(data))
				assert.Error(t, err)
			})
		}
	})

	t.Run("duplicate partitions fail when building", func(t *testing.T) {
		topology, err := ParseTopology([]byte("channels:\n  - id: a\n    direction: in\n    partitions:\n      - priority: 1\n      - priority: 1\n"))
		require.NoError(t, err)

		err = topology.Apply(channel.NewRegistry(), nil)
		assert.ErrorIs(t, err, channel.ErrPartitionConfigExists)
	})

	t.Run("channels already in the registry are rejected", func(t *testing.T) {
		registry := channel.NewRegistry()
		_, err := registry.Create("orders", channel.Incoming)
		require.NoError(t, err)

		topology, err := ParseTopology([]byte(sampleTopology))
		require.NoError(t, err)
		assert.ErrorIs(t, topology.Apply(registry, nil), channel.ErrChannelExists)
	})
}

func TestLoadTopology(t *testing.T) {
	path := filepath.Join(t.TempDir(), "topology.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleTopology), 0o600))

	topology, err := LoadTopology(path)
	require.NoError(t, err)
	assert.Len(t, topology.Channels, 2)

	_, err = LoadTopology(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
