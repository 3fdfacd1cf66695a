package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a wrapper around time.Duration for TOML unmarshaling.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	duration, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// MarshalText implements encoding.TextMarshaler for Duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Config holds the consensus engine configuration.
type Config struct {
	// ChainID identifies the chain; it is mixed into every signature.
	ChainID string `toml:"chain_id"`

	// WALPath is the write-ahead log directory. Empty disables the WAL.
	WALPath string `toml:"wal_path"`

	Timeouts TimeoutConfig `toml:"timeouts"`
}

// TimeoutConfig holds the per-step timeout schedule. Each step waits
// Base + Round*Delta before firing, so later rounds wait longer.
type TimeoutConfig struct {
	ProposeBase    Duration `toml:"propose_base"`
	ProposeDelta   Duration `toml:"propose_delta"`
	PrevoteBase    Duration `toml:"prevote_base"`
	PrevoteDelta   Duration `toml:"prevote_delta"`
	PrecommitBase  Duration `toml:"precommit_base"`
	PrecommitDelta Duration `toml:"precommit_delta"`
}

// DefaultConfig returns a Config with sane defaults for a small network.
func DefaultConfig() Config {
	return Config{
		ChainID: "streamberry-dev",
		Timeouts: TimeoutConfig{
			ProposeBase:    Duration(3 * time.Second),
			ProposeDelta:   Duration(500 * time.Millisecond),
			PrevoteBase:    Duration(1 * time.Second),
			PrevoteDelta:   Duration(500 * time.Millisecond),
			PrecommitBase:  Duration(1 * time.Second),
			PrecommitDelta: Duration(500 * time.Millisecond),
		},
	}
}

// LoadConfig reads a TOML config file and validates it.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config file %s: %w", path, err)
	}
	if err := cfg.ValidateBasic(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ValidateBasic performs basic validation of the configuration.
func (c Config) ValidateBasic() error {
	if c.ChainID == "" {
		return errors.New("chain_id must not be empty")
	}
	return c.Timeouts.ValidateBasic()
}

// ValidateBasic checks that all timeout bases are positive and deltas
// non-negative.
func (tc TimeoutConfig) ValidateBasic() error {
	checks := []struct {
		name  string
		base  Duration
		delta Duration
	}{
		{"propose", tc.ProposeBase, tc.ProposeDelta},
		{"prevote", tc.PrevoteBase, tc.PrevoteDelta},
		{"precommit", tc.PrecommitBase, tc.PrecommitDelta},
	}
	for _, ch := range checks {
		if ch.base <= 0 {
			return fmt.Errorf("%s_base must be positive, got %v", ch.name, ch.base.Duration())
		}
		if ch.delta < 0 {
			return fmt.Errorf("%s_delta must be non-negative, got %v", ch.name, ch.delta.Duration())
		}
	}
	return nil
}

// DurationFor returns the timeout for the given step at the given round.
func (tc TimeoutConfig) DurationFor(step Step, round uint32) time.Duration {
	r := time.Duration(round)
	switch step {
	case StepPropose:
		return tc.ProposeBase.Duration() + r*tc.ProposeDelta.Duration()
	case StepPrevoteWait:
		return tc.PrevoteBase.Duration() + r*tc.PrevoteDelta.Duration()
	case StepPrecommitWait:
		return tc.PrecommitBase.Duration() + r*tc.PrecommitDelta.Duration()
	default:
		return 0
	}
}
