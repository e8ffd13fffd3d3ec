package tuning

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	FastFlushMs       int     `yaml:"fast_flush_ms"`
	SlowFlushMs       int     `yaml:"slow_flush_ms"`
	PositionPersistMs int     `yaml:"position_persist_ms"`
	InteractRange     float64 `yaml:"interact_range"`
	IdleSessionMs     int     `yaml:"idle_session_ms"`
	MaxQueue          int     `yaml:"max_queue"`

	Caps       Caps           `yaml:"caps"`
	RateLimits RateLimits     `yaml:"rate_limits"`
	Starter    map[string]int `yaml:"starter_inventory"`
}

// Caps is the number of units one participant may contribute per flush interval.
type Caps struct {
	Factory int `yaml:"factory"`
	Water   int `yaml:"water"`
	Fence   int `yaml:"fence"`
	House   int `yaml:"house"`
}

type RateLimits struct {
	ChatWindowMs  int `yaml:"chat_window_ms"`
	ChatMax       int `yaml:"chat_max"`
	TradeWindowMs int `yaml:"trade_window_ms"`
	TradeMax      int `yaml:"trade_max"`
}

func Defaults() Tuning {
	return Tuning{
		ProtocolVersion:   "1.0",
		FastFlushMs:       500,
		SlowFlushMs:       1000,
		PositionPersistMs: 1000,
		InteractRange:     6,
		IdleSessionMs:     60_000,
		MaxQueue:          256,
		Caps:              Caps{Factory: 20, Water: 10, Fence: 1, House: 5},
		RateLimits: RateLimits{
			ChatWindowMs:  5000,
			ChatMax:       5,
			TradeWindowMs: 5000,
			TradeMax:      10,
		},
		Starter: map[string]int{"bricks": 20, "rocks": 20},
	}
}

func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	t.fillZero()
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

// fillZero replaces unset numeric fields with defaults so partial files stay usable.
func (t *Tuning) fillZero() {
	d := Defaults()
	if t.FastFlushMs == 0 {
		t.FastFlushMs = d.FastFlushMs
	}
	if t.SlowFlushMs == 0 {
		t.SlowFlushMs = d.SlowFlushMs
	}
	if t.PositionPersistMs == 0 {
		t.PositionPersistMs = d.PositionPersistMs
	}
	if t.InteractRange == 0 {
		t.InteractRange = d.InteractRange
	}
	if t.IdleSessionMs == 0 {
		t.IdleSessionMs = d.IdleSessionMs
	}
	if t.MaxQueue == 0 {
		t.MaxQueue = d.MaxQueue
	}
	if t.RateLimits.ChatWindowMs == 0 {
		t.RateLimits.ChatWindowMs = d.RateLimits.ChatWindowMs
	}
	if t.RateLimits.ChatMax == 0 {
		t.RateLimits.ChatMax = d.RateLimits.ChatMax
	}
	if t.RateLimits.TradeWindowMs == 0 {
		t.RateLimits.TradeWindowMs = d.RateLimits.TradeWindowMs
	}
	if t.RateLimits.TradeMax == 0 {
		t.RateLimits.TradeMax = d.RateLimits.TradeMax
	}
}

func (t Tuning) Validate() error {
	if t.FastFlushMs <= 0 || t.SlowFlushMs <= 0 {
		return fmt.Errorf("flush intervals must be > 0 (fast=%d slow=%d)", t.FastFlushMs, t.SlowFlushMs)
	}
	if t.InteractRange <= 0 {
		return fmt.Errorf("interact_range must be > 0")
	}
	if t.Caps.Factory < 0 || t.Caps.Water < 0 || t.Caps.Fence < 0 || t.Caps.House < 0 {
		return fmt.Errorf("caps must be >= 0")
	}
	for r, n := range t.Starter {
		if n < 0 {
			return fmt.Errorf("starter_inventory.%s must be >= 0", r)
		}
	}
	return nil
}

func (t Tuning) FastFlush() time.Duration { return time.Duration(t.FastFlushMs) * time.Millisecond }
func (t Tuning) SlowFlush() time.Duration { return time.Duration(t.SlowFlushMs) * time.Millisecond }
func (t Tuning) PositionPersist() time.Duration {
	return time.Duration(t.PositionPersistMs) * time.Millisecond
}
func (t Tuning) IdleSession() time.Duration { return time.Duration(t.IdleSessionMs) * time.Millisecond }
