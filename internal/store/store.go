// Package store persists gateway data: an archive of historical bars used
// for replay and a journal of tool invocations.
package store

import (
	"context"
	"time"

	"ibkrmcp/internal/domain"
)

// BarStore persists and retrieves OHLCV bar data.
type BarStore interface {
	// WriteBars persists a batch of bars for one symbol, replacing bars with
	// the same timestamp.
	WriteBars(ctx context.Context, symbol string, bars []domain.Bar) error

	// ReadBars returns bars for the given symbol within [start, end].
	ReadBars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error)

	// ListSymbols returns all symbols with archived bars.
	ListSymbols(ctx context.Context) ([]string, error)
}

// CallJournal records tool invocations.
type CallJournal interface {
	// RecordCall appends one invocation.
	RecordCall(ctx context.Context, call domain.ToolCall) error

	// RecentCalls returns up to limit invocations, newest first.
	RecentCalls(ctx context.Context, limit int) ([]domain.ToolCall, error)
}
