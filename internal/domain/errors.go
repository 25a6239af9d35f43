package domain

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrStaleUpdate     = errors.New("stale book update")
	ErrEmptyBook       = errors.New("empty book side")
	ErrRejectedOrder   = errors.New("order rejected")
	ErrUnknownOrder    = errors.New("unknown order")
	ErrBacktestRunning = errors.New("backtest already running")
	ErrBadRecord       = errors.New("malformed event record")
	ErrSequenceGap     = errors.New("depth sequence gap")
	ErrWSDisconnect    = errors.New("websocket disconnected")
	ErrLockHeld        = errors.New("lock already held")
)
