package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/glimte/mmate-comms/channel"
	"github.com/glimte/mmate-comms/contracts"
	"gopkg.in/yaml.v3"
)

// Topology describes the channels of a service
type Topology struct {
	Channels []ChannelSpec `yaml:"channels"`
}

// ChannelSpec is one channel entry of the topology file
type ChannelSpec struct {
	ID               string          `yaml:"id"`
	Direction        string          `yaml:"direction"`
	Description      string          `yaml:"description,omitempty"`
	InternalOnly     bool            `yaml:"internal,omitempty"`
	BoundaryLogging  *bool           `yaml:"boundaryLogging,omitempty"`
	ResourceProfiles []string        `yaml:"resourceProfiles,omitempty"`
	Partitions       []PartitionSpec `yaml:"partitions,omitempty"`
	Redirects        []RedirectSpec  `yaml:"redirects,omitempty"`
}

// PartitionSpec is a priority partition. Listener settings apply to
// incoming channels and TTL to outgoing ones.
type PartitionSpec struct {
	Priority          int           `yaml:"priority"`
	Weighting         float64       `yaml:"weighting,omitempty"`
	MaxProcessingTime time.Duration `yaml:"maxProcessingTime,omitempty"`
	DeadLetter        *bool         `yaml:"deadLetter,omitempty"`
	TTL               time.Duration `yaml:"ttl,omitempty"`
}

// RedirectSpec is a redirect rule; the id is generated when empty
type RedirectSpec struct {
	ID     string           `yaml:"id,omitempty"`
	Match  contracts.Header `yaml:"match"`
	Target contracts.Header `yaml:"target"`
}

// LoadTopology reads and validates a topology file
func LoadTopology(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read topology: %w", err)
	}
	return ParseTopology(data)
}

// ParseTopology parses and validates YAML topology data
func ParseTopology(data []byte) (*Topology, error) {
	var t Topology
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("invalid topology: %w", err)
	}
	return &t, nil
}

// Validate checks the channel entries for missing ids, unknown directions
// and duplicates
func (t *Topology) Validate() error {
	seen := make(map[string]bool)
	for i, spec := range t.Channels {
		if spec.ID == "" {
			return fmt.Errorf("channel %d: id is required", i)
		}
		dir, err := channel.ParseDirection(spec.Direction)
		if err != nil {
			return fmt.Errorf("channel %s: %w", spec.ID, err)
		}
		key := dir.String() + "/" + spec.ID
		if seen[key] {
			return fmt.Errorf("channel %s: duplicate %s channel", spec.ID, dir)
		}
		seen[key] = true

		for _, r := range spec.Redirects {
			if r.Match.IsZero() {
				return fmt.Errorf("channel %s: redirect without match", spec.ID)
			}
		}
	}
	return nil
}

// Apply creates every channel in the registry
func (t *Topology) Apply(registry *channel.Registry, logger *slog.Logger) error {
	for _, spec := range t.Channels {
		ch, err := spec.Build(logger)
		if err != nil {
			return err
		}
		if err := registry.Add(ch); err != nil {
			return fmt.Errorf("channel %s: %w", spec.ID, err)
		}
	}
	return nil
}

// Build converts the entry into a channel
func (s ChannelSpec) Build(logger *slog.Logger) (*channel.Channel, error) {
	dir, err := channel.ParseDirection(s.Direction)
	if err != nil {
		return nil, fmt.Errorf("channel %s: %w", s.ID, err)
	}

	opts := []channel.Option{
		channel.WithDescription(s.Description),
		channel.WithPartitions(s.partitions(dir)...),
	}
	if logger != nil {
		opts = append(opts, channel.WithChannelLogger(logger))
	}
	if s.InternalOnly {
		opts = append(opts, channel.WithInternalOnly())
	}
	if s.BoundaryLogging != nil {
		opts = append(opts, channel.WithBoundaryLogging(*s.BoundaryLogging))
	}
	if len(s.ResourceProfiles) > 0 {
		profiles := make([]channel.ResourceProfile, len(s.ResourceProfiles))
		for i, id := range s.ResourceProfiles {
			profiles[i] = channel.ResourceProfile{ID: id}
		}
		opts = append(opts, channel.WithResourceProfiles(profiles...))
	}

	ch, err := channel.New(s.ID, dir, opts...)
	if err != nil {
		return nil, fmt.Errorf("channel %s: %w", s.ID, err)
	}

	for _, r := range s.Redirects {
		rule := channel.NewRedirectRule(r.Match, r.Target)
		if r.ID != "" {
			rule.ID = r.ID
		}
		if !ch.RedirectAdd(rule) {
			return nil, fmt.Errorf("channel %s: duplicate redirect %s", s.ID, rule.ID)
		}
	}

	return ch, nil
}

func (s ChannelSpec) partitions(dir channel.Direction) []channel.PartitionConfig {
	cfgs := make([]channel.PartitionConfig, 0, len(s.Partitions))
	for _, p := range s.Partitions {
		if dir == channel.Outgoing {
			cfg := channel.NewSenderPartitionConfig(p.Priority)
			cfg.TTL = p.TTL
			cfgs = append(cfgs, cfg)
			continue
		}

		cfg := channel.NewListenerPartitionConfig(p.Priority)
		if p.Weighting > 0 {
			cfg.Weighting = p.Weighting
		}
		if p.MaxProcessingTime > 0 {
			cfg.MaxProcessingTime = p.MaxProcessingTime
		}
		if p.DeadLetter != nil {
			cfg.SupportsDeadLetter = *p.DeadLetter
		}
		cfgs = append(cfgs, cfg)
	}
	return cfgs
}
