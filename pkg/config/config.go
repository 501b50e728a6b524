// Package config loads the kernel's runtime options from YAML, following
// the teacher's pkg/config.AnchorConfig pattern: a struct tree with
// yaml tags and a custom Duration type that parses Go duration strings
// ("30s", "24h") instead of raw nanoseconds.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML can carry "30s" / "24h" literals,
// exactly as the teacher's pkg/config.Duration does for anchor settings.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Config is the non-exhaustive runtime option surface of spec.md §6.
type Config struct {
	// Quorum / consensus
	KTarget             int      `yaml:"k_target"`
	KAlpha              float64  `yaml:"k_alpha"`
	BootstrapThreshold  int      `yaml:"bootstrap_threshold"`
	BootstrapStableWindow Duration `yaml:"bootstrap_stable_window"`

	// Challenge
	ChallengeWindow Duration `yaml:"challenge_window"`

	// Lease / heartbeat
	LeaseDefaultTTL    Duration `yaml:"lease_default_ttl"`
	HeartbeatInterval  Duration `yaml:"heartbeat_interval"`
	HeartbeatMissGrace int      `yaml:"heartbeat_miss_grace"`

	// Auction
	AntiSnipeTail          Duration `yaml:"anti_snipe_tail"`
	AntiSnipeMaxExtensions int      `yaml:"anti_snipe_max_extensions"`
	BidWindowDefault       Duration `yaml:"bid_window_default"`

	// Timeouts
	CASGetTimeout    Duration `yaml:"cas_get_timeout"`
	ConsensusTimeout Duration `yaml:"consensus_timeout"`
	PolicyTimeout    Duration `yaml:"policy_timeout"`

	// Economics
	UnbondingPeriod        Duration `yaml:"unbonding_period"`
	CommitteeOrgCap        float64  `yaml:"committee_org_cap"`
	CommitteeZoneCap       float64  `yaml:"committee_zone_cap"`
	CommitteeRegionCap     float64  `yaml:"committee_region_cap"`
	SlashOnUphold          float64  `yaml:"slash_on_uphold"`
	SlashPerMissedHeartbeat float64 `yaml:"slash_per_missed_heartbeat"`
	RewardFractionOfSlashed float64 `yaml:"reward_fraction_of_slashed"`
	RelatedPartyPayoutBlocked bool  `yaml:"related_party_payout_blocked"`

	// Transport
	BusPoolSize int `yaml:"bus_pool_size"`

	// Partition detection
	HeartbeatMissCount int      `yaml:"heartbeat_miss_count"`
	PartitionCheckInterval Duration `yaml:"partition_check_interval"`
}

// Default returns the configuration spec.md §6 documents as defaults.
func Default() *Config {
	return &Config{
		KTarget:                5,
		KAlpha:                 0.3,
		BootstrapThreshold:     10,
		BootstrapStableWindow:  Duration{24 * time.Hour},
		ChallengeWindow:        Duration{24 * time.Hour},
		LeaseDefaultTTL:        Duration{30 * time.Second},
		HeartbeatInterval:      Duration{10 * time.Second},
		HeartbeatMissGrace:     3,
		AntiSnipeTail:          Duration{5 * time.Second},
		AntiSnipeMaxExtensions: 3,
		BidWindowDefault:       Duration{30 * time.Second},
		CASGetTimeout:          Duration{5 * time.Second},
		ConsensusTimeout:       Duration{2 * time.Second},
		PolicyTimeout:          Duration{100 * time.Millisecond},
		UnbondingPeriod:        Duration{7 * 24 * time.Hour},
		CommitteeOrgCap:        0.30,
		CommitteeZoneCap:       0.40,
		CommitteeRegionCap:     0.50,
		SlashOnUphold:          0.50,
		SlashPerMissedHeartbeat: 0.01,
		RewardFractionOfSlashed: 0.20,
		RelatedPartyPayoutBlocked: true,
		BusPoolSize:            10,
		HeartbeatMissCount:     3,
		PartitionCheckInterval: Duration{10 * time.Second},
	}
}

// Load reads and parses a YAML config file, defaulting any zero-valued
// field by starting from Default() and unmarshaling on top of it.
func Load(path string) (*Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
