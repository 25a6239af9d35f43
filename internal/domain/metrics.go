package domain

import "time"

// Metrics is the derived order-flow signal set for one tick. Values are never
// mutated in place; every book or tape update produces a fresh Metrics.
type Metrics struct {
	Mid        float64   `json:"mid"`
	Microprice float64   `json:"micro"`
	Spread     float64   `json:"spread"`
	Imbalance  float64   `json:"imb"`  // depth skew over top K levels, clamped to [-1, 1]
	OFI        float64   `json:"ofi"`  // rolling order-flow imbalance sum
	CVD        float64   `json:"cvd"`  // cumulative taker buy minus sell volume
	VPIN       float64   `json:"vpin"` // mean bucket imbalance over the last N closed buckets
	Timestamp  time.Time `json:"ts"`
}
