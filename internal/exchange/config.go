package exchange

import (
	"fmt"
	"time"

	"github.com/kychan/flowdesk/internal/domain"
)

// Config holds the paper-exchange parameters. Zero values are filled in by
// normalize, so callers can set only what they care about.
type Config struct {
	StartingCapital float64 // quote currency
	MakerFeeRate    float64 // fraction of notional on resting limit fills
	TakerFeeRate    float64 // fraction of notional on market/stop fills
	FeesEnabled     bool
	Leverage        float64 // margin multiplier for the pre-trade notional check

	// Simulated order latency: visibility is delayed by a uniform draw
	// from [MinLatency, MaxLatency].
	MinLatency time.Duration
	MaxLatency time.Duration

	// Seed fixes the latency RNG. 0 means seed from the clock; replays
	// always pass a fixed seed.
	Seed int64
}

// DefaultConfig returns the standard paper-trading parameters.
func DefaultConfig() Config {
	return Config{
		StartingCapital: domain.DefaultStartingCapitalUSD,
		MakerFeeRate:    0.0002,
		TakerFeeRate:    0.0004,
		FeesEnabled:     true,
		Leverage:        1,
		MinLatency:      50 * time.Millisecond,
		MaxLatency:      200 * time.Millisecond,
	}
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.StartingCapital <= 0 {
		c.StartingCapital = def.StartingCapital
	}
	if c.MakerFeeRate == 0 {
		c.MakerFeeRate = def.MakerFeeRate
	}
	if c.TakerFeeRate == 0 {
		c.TakerFeeRate = def.TakerFeeRate
	}
	if c.Leverage <= 0 {
		c.Leverage = def.Leverage
	}
	if c.MinLatency <= 0 {
		c.MinLatency = def.MinLatency
	}
	if c.MaxLatency < c.MinLatency {
		c.MaxLatency = c.MinLatency
	}
	return c
}

// Validate reports the first invalid parameter.
func (c Config) Validate() error {
	if c.MakerFeeRate < 0 || c.TakerFeeRate < 0 {
		return fmt.Errorf("exchange: negative fee rate")
	}
	if c.Leverage < 0 {
		return fmt.Errorf("exchange: negative leverage")
	}
	return nil
}
