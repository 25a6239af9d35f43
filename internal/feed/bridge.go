package feed

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/kychan/flowdesk/internal/domain"
)

// bridger splices the diff-depth stream onto a REST snapshot using Binance's
// update-id contract: diffs whose final id is at or below the snapshot id are
// discarded, the first applied diff must straddle snapshotID+1, and every
// diff after that must start exactly one past the previous final id.
type bridger struct {
	snapshotID int64
	lastFinal  int64
	bridged    bool
}

func newBridger() *bridger { return &bridger{} }

// prime installs a fresh snapshot id and restarts the bridge.
func (b *bridger) prime(snapshotID int64) {
	b.snapshotID = snapshotID
	b.lastFinal = snapshotID
	b.bridged = false
}

// reset clears the bridge ahead of a re-prime.
func (b *bridger) reset() *bridger {
	*b = bridger{}
	return b
}

// admit decides whether a diff with the given id span may be applied.
// It fails with domain.ErrSequenceGap when the stream skipped ids.
func (b *bridger) admit(first, final int64) (bool, error) {
	if final <= b.snapshotID {
		return false, nil // already covered by the snapshot
	}
	if !b.bridged {
		if first > b.snapshotID+1 {
			return false, fmt.Errorf("feed: first diff %d past snapshot %d: %w",
				first, b.snapshotID, domain.ErrSequenceGap)
		}
		b.bridged = true
		b.lastFinal = final
		return true, nil
	}
	if first != b.lastFinal+1 {
		return false, fmt.Errorf("feed: diff %d after %d: %w",
			first, b.lastFinal, domain.ErrSequenceGap)
	}
	b.lastFinal = final
	return true, nil
}

// Wire shapes for the combined stream and the REST depth endpoint.

type combinedMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type wsDepthUpdate struct {
	Event   string     `json:"e"`
	EventTS int64      `json:"E"`
	Symbol  string     `json:"s"`
	FirstID int64      `json:"U"`
	FinalID int64      `json:"u"`
	Bids    [][]string `json:"b"`
	Asks    [][]string `json:"a"`
}

type wsTrade struct {
	Event      string `json:"e"`
	Symbol     string `json:"s"`
	Price      string `json:"p"`
	Quantity   string `json:"q"`
	TradeTS    int64  `json:"T"`
	BuyerMaker bool   `json:"m"`
}

type restDepth struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// depthIDs carries the update-id span of a parsed depth diff for the bridge.
type depthIDs struct {
	firstID int64
	finalID int64
}

func parseLevels(raw [][]string) ([]domain.PriceLevel, error) {
	levels := make([]domain.PriceLevel, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			return nil, fmt.Errorf("feed: level with %d fields", len(pair))
		}
		price, err := strconv.ParseFloat(pair[0], 64)
		if err != nil {
			return nil, fmt.Errorf("feed: level price %q: %w", pair[0], err)
		}
		qty, err := strconv.ParseFloat(pair[1], 64)
		if err != nil {
			return nil, fmt.Errorf("feed: level qty %q: %w", pair[1], err)
		}
		levels = append(levels, domain.PriceLevel{Price: price, Quantity: qty})
	}
	return levels, nil
}

// parseCombined decodes one combined-stream frame into a MarketEvent. For
// depth events the second return value holds the update-id span.
func parseCombined(msg []byte, symbol string) (domain.MarketEvent, depthIDs, error) {
	var outer combinedMessage
	if err := json.Unmarshal(msg, &outer); err != nil {
		return domain.MarketEvent{}, depthIDs{}, fmt.Errorf("feed: frame decode: %w", err)
	}
	// EventTime must be declared alongside Event: without it the numeric "E"
	// key would case-insensitively match the "e" field and fail to decode.
	var probe struct {
		Event     string `json:"e"`
		EventTime int64  `json:"E"`
	}
	if err := json.Unmarshal(outer.Data, &probe); err != nil {
		return domain.MarketEvent{}, depthIDs{}, fmt.Errorf("feed: payload decode: %w", err)
	}

	switch probe.Event {
	case "depthUpdate":
		var du wsDepthUpdate
		if err := json.Unmarshal(outer.Data, &du); err != nil {
			return domain.MarketEvent{}, depthIDs{}, fmt.Errorf("feed: depth decode: %w", err)
		}
		bids, err := parseLevels(du.Bids)
		if err != nil {
			return domain.MarketEvent{}, depthIDs{}, err
		}
		asks, err := parseLevels(du.Asks)
		if err != nil {
			return domain.MarketEvent{}, depthIDs{}, err
		}
		ev := domain.MarketEvent{
			Kind:       domain.EventKindDepth,
			Symbol:     symbol,
			Timestamp:  time.UnixMilli(du.EventTS).UTC(),
			SequenceNo: du.FinalID,
			Bids:       bids,
			Asks:       asks,
		}
		return ev, depthIDs{firstID: du.FirstID, finalID: du.FinalID}, nil
	case "trade":
		var tr wsTrade
		if err := json.Unmarshal(outer.Data, &tr); err != nil {
			return domain.MarketEvent{}, depthIDs{}, fmt.Errorf("feed: trade decode: %w", err)
		}
		price, err := strconv.ParseFloat(tr.Price, 64)
		if err != nil {
			return domain.MarketEvent{}, depthIDs{}, fmt.Errorf("feed: trade price %q: %w", tr.Price, err)
		}
		qty, err := strconv.ParseFloat(tr.Quantity, 64)
		if err != nil {
			return domain.MarketEvent{}, depthIDs{}, fmt.Errorf("feed: trade qty %q: %w", tr.Quantity, err)
		}
		// m=true means the buyer was the resting maker, so the seller crossed.
		aggressor := domain.OrderSideBuy
		if tr.BuyerMaker {
			aggressor = domain.OrderSideSell
		}
		ts := time.UnixMilli(tr.TradeTS).UTC()
		return domain.MarketEvent{
			Kind:      domain.EventKindTrade,
			Symbol:    symbol,
			Timestamp: ts,
			Trade: &domain.Trade{
				Symbol:        symbol,
				Price:         price,
				Quantity:      qty,
				AggressorSide: aggressor,
				Timestamp:     ts,
			},
		}, depthIDs{}, nil
	default:
		return domain.MarketEvent{}, depthIDs{}, fmt.Errorf("feed: unknown event %q", probe.Event)
	}
}

// snapshotEvent converts a REST depth snapshot into a full-depth event whose
// sequence is the snapshot's lastUpdateId.
func snapshotEvent(snap restDepth, symbol string, ts time.Time) (domain.MarketEvent, error) {
	bids, err := parseLevels(snap.Bids)
	if err != nil {
		return domain.MarketEvent{}, err
	}
	asks, err := parseLevels(snap.Asks)
	if err != nil {
		return domain.MarketEvent{}, err
	}
	return domain.MarketEvent{
		Kind:       domain.EventKindDepth,
		Symbol:     symbol,
		Timestamp:  ts,
		SequenceNo: snap.LastUpdateID,
		Bids:       bids,
		Asks:       asks,
	}, nil
}
