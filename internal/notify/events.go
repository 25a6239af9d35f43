package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/kychan/flowdesk/internal/domain"
)

// NotifyFill reports an executed fill, including the account state after it
// was applied.
func (n *Notifier) NotifyFill(ctx context.Context, fill domain.Fill, acct domain.Account) error {
	role := "taker"
	if fill.Maker {
		role = "maker"
	}
	title := fmt.Sprintf("Fill: %s %s", strings.ToUpper(string(fill.Side)), fill.Symbol)
	msg := fmt.Sprintf("%.6f @ %.2f (%s, fee %.4f)\nPosition: %.6f, Realized PnL: %.2f",
		fill.Quantity, fill.Price, role, fill.Fee, acct.BaseBalance, acct.RealizedPnL)
	return n.Notify(ctx, EventFill, title, msg)
}

// NotifyBacktestDone reports a completed backtest run with its headline
// performance numbers.
func (n *Notifier) NotifyBacktestDone(ctx context.Context, res domain.BacktestResult) error {
	title := fmt.Sprintf("Backtest complete: %s on %s", res.Strategy, res.Symbol)
	msg := fmt.Sprintf(
		"Return: %.2f%%, Sharpe: %.2f, Max drawdown: %.2f%%\nFills: %d, Events: %d, Final equity: %.2f",
		res.TotalReturnPct, res.SharpeRatio, res.MaxDrawdown,
		res.TotalFills, res.EventsReplayed, res.FinalEquity)
	return n.Notify(ctx, EventBacktestDone, title, msg)
}

// NotifyFeedGap reports a depth sequence gap that forced a snapshot re-sync.
func (n *Notifier) NotifyFeedGap(ctx context.Context, symbol string, snapshotSeq int64) error {
	title := fmt.Sprintf("Feed re-sync: %s", symbol)
	msg := fmt.Sprintf("Depth stream gapped, rebuilt from snapshot %d.", snapshotSeq)
	return n.Notify(ctx, EventFeedGap, title, msg)
}
