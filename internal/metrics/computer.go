// Package metrics derives short-horizon order-flow signals (OFI, microprice,
// depth imbalance, CVD, VPIN) from orderbook snapshots and the trade tape.
// Every update is O(1) amortized: rolling windows are ring buffers with
// running sums, never recomputed.
package metrics

import (
	"math"
	"sync"

	"github.com/kychan/flowdesk/internal/domain"
)

// Config holds the rolling-window parameters.
type Config struct {
	OFIWindow      int     // ticks in the rolling OFI sum
	DepthLevels    int     // top K levels for the imbalance ratio
	VPINBucketSize float64 // volume per bucket (base units)
	VPINWindow     int     // closed buckets in the VPIN mean
}

// Defaults returns the standard window configuration.
func Defaults() Config {
	return Config{
		OFIWindow:      50,
		DepthLevels:    10,
		VPINBucketSize: 50,
		VPINWindow:     50,
	}
}

// ring is a fixed-size window with an O(1) running sum.
type ring struct {
	buf   []float64
	idx   int
	count int
	sum   float64
}

func newRing(n int) *ring {
	if n < 1 {
		n = 1
	}
	return &ring{buf: make([]float64, n)}
}

func (r *ring) push(v float64) {
	if r.count == len(r.buf) {
		r.sum -= r.buf[r.idx]
	} else {
		r.count++
	}
	r.buf[r.idx] = v
	r.sum += v
	r.idx = (r.idx + 1) % len(r.buf)
}

func (r *ring) mean() float64 {
	if r.count == 0 {
		return 0
	}
	return r.sum / float64(r.count)
}

// Computer consumes book snapshots and trades for one instrument and emits
// immutable Metrics values. It is safe for concurrent reads; writes are
// expected from the single event-processing goroutine.
type Computer struct {
	mu  sync.RWMutex
	cfg Config

	// OFI state: previous top of book.
	havePrev   bool
	prevBid    float64
	prevBidQty float64
	prevAsk    float64
	prevAskQty float64
	ofiWindow  *ring

	cvd float64

	// VPIN state: the open bucket plus the closed-bucket imbalance window.
	bucketBuy  float64
	bucketSell float64
	closedVol  float64
	vpinWindow *ring

	last domain.Metrics
}

// New creates a Computer with the given window configuration.
func New(cfg Config) *Computer {
	if cfg.OFIWindow <= 0 {
		cfg.OFIWindow = Defaults().OFIWindow
	}
	if cfg.DepthLevels <= 0 {
		cfg.DepthLevels = Defaults().DepthLevels
	}
	if cfg.VPINBucketSize <= 0 {
		cfg.VPINBucketSize = Defaults().VPINBucketSize
	}
	if cfg.VPINWindow <= 0 {
		cfg.VPINWindow = Defaults().VPINWindow
	}
	return &Computer{
		cfg:        cfg,
		ofiWindow:  newRing(cfg.OFIWindow),
		vpinWindow: newRing(cfg.VPINWindow),
	}
}

// OnBook ingests a book snapshot, advances the OFI window, and returns the
// refreshed metrics value.
func (c *Computer) OnBook(snap domain.OrderbookSnapshot) domain.Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	hasBid := len(snap.Bids) > 0
	hasAsk := len(snap.Asks) > 0

	if c.havePrev && hasBid && hasAsk {
		c.ofiWindow.push(ofiTick(
			snap.BestBid, snap.BestBidQty, c.prevBid, c.prevBidQty,
			snap.BestAsk, snap.BestAskQty, c.prevAsk, c.prevAskQty,
		))
	}
	if hasBid && hasAsk {
		c.prevBid, c.prevBidQty = snap.BestBid, snap.BestBidQty
		c.prevAsk, c.prevAskQty = snap.BestAsk, snap.BestAskQty
		c.havePrev = true
	}

	m := domain.Metrics{
		OFI:       c.ofiWindow.sum,
		CVD:       c.cvd,
		VPIN:      c.vpinWindow.mean(),
		Imbalance: imbalance(snap.Bids, snap.Asks, c.cfg.DepthLevels),
		Timestamp: snap.Timestamp,
	}
	if hasBid && hasAsk {
		m.Mid = (snap.BestBid + snap.BestAsk) / 2
		m.Spread = snap.BestAsk - snap.BestBid
		m.Microprice = microprice(snap.BestBid, snap.BestAsk, snap.BestBidQty, snap.BestAskQty)
	}
	c.last = m
	return m
}

// OnTrade ingests a tape print, updating CVD and the VPIN bucket machinery,
// and returns the refreshed metrics value. VPIN itself only moves on bucket
// closes.
func (c *Computer) OnTrade(t domain.Trade) domain.Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t.AggressorSide == domain.OrderSideBuy {
		c.cvd += t.Quantity
	} else {
		c.cvd -= t.Quantity
	}

	// Volume-bucket accounting with exact carry: one print may close a
	// bucket and seed the next, with no volume lost or double counted.
	remaining := t.Quantity
	for remaining > 0 {
		space := c.cfg.VPINBucketSize - (c.bucketBuy + c.bucketSell)
		take := math.Min(remaining, space)
		if t.AggressorSide == domain.OrderSideBuy {
			c.bucketBuy += take
		} else {
			c.bucketSell += take
		}
		remaining -= take

		if c.bucketBuy+c.bucketSell >= c.cfg.VPINBucketSize {
			c.vpinWindow.push(math.Abs(c.bucketBuy-c.bucketSell) / c.cfg.VPINBucketSize)
			c.closedVol += c.bucketBuy + c.bucketSell
			c.bucketBuy, c.bucketSell = 0, 0
		}
	}

	m := c.last
	m.CVD = c.cvd
	m.VPIN = c.vpinWindow.mean()
	m.Timestamp = t.Timestamp
	c.last = m
	return m
}

// Last returns the most recently computed metrics value.
func (c *Computer) Last() domain.Metrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

// ResetSession zeroes the session-scoped accumulators (CVD and the VPIN
// bucket state). Window configuration is retained.
func (c *Computer) ResetSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cvd = 0
	c.bucketBuy, c.bucketSell = 0, 0
	c.closedVol = 0
	c.vpinWindow = newRing(c.cfg.VPINWindow)
	c.last.CVD = 0
	c.last.VPIN = 0
}

// VolumeAccounting reports the total volume absorbed into closed buckets and
// the open bucket's accumulated volume. Their sum equals total traded volume
// since the last session reset.
func (c *Computer) VolumeAccounting() (closed, open float64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closedVol, c.bucketBuy + c.bucketSell
}

// ofiTick is the per-update order-flow imbalance contribution (Cont, Kukanov
// and Stoikov 2014): quote improvement counts the full new quantity, quote
// retreat the full previous quantity, an unchanged price the quantity delta;
// the ask side enters sign-flipped.
func ofiTick(bid, bidQty, prevBid, prevBidQty, ask, askQty, prevAsk, prevAskQty float64) float64 {
	var eBid float64
	switch {
	case bid > prevBid:
		eBid = bidQty
	case bid < prevBid:
		eBid = -prevBidQty
	default:
		eBid = bidQty - prevBidQty
	}

	var eAsk float64
	switch {
	case ask < prevAsk:
		eAsk = askQty
	case ask > prevAsk:
		eAsk = -prevAskQty
	default:
		eAsk = askQty - prevAskQty
	}

	return eBid - eAsk
}

// microprice is the quantity-weighted mid, pulled toward the thinner side.
// Falls back to the simple mid when both top quantities are zero.
func microprice(bid, ask, bidQty, askQty float64) float64 {
	total := bidQty + askQty
	if total == 0 {
		return (bid + ask) / 2
	}
	return (bid*askQty + ask*bidQty) / total
}

// imbalance is the normalized depth skew over the top k levels per side,
// clamped to [-1, 1]; 0 when both sides are empty.
func imbalance(bids, asks []domain.PriceLevel, k int) float64 {
	var bidVol, askVol float64
	for i, lvl := range bids {
		if i >= k {
			break
		}
		bidVol += lvl.Quantity
	}
	for i, lvl := range asks {
		if i >= k {
			break
		}
		askVol += lvl.Quantity
	}
	total := bidVol + askVol
	if total == 0 {
		return 0
	}
	imb := (bidVol - askVol) / total
	return math.Max(-1, math.Min(1, imb))
}
