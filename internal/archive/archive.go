// Package archive exports executed trades to S3-compatible object storage
// as JSON Lines, one object per UTC day.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path"
	"time"

	"github.com/atmx/character-exchange/internal/metrics"
	"github.com/atmx/character-exchange/internal/model"
)

// TradeSource is the slice of the ledger the archiver reads.
type TradeSource interface {
	ListTradesBetween(ctx context.Context, from, to time.Time) ([]model.Trade, error)
}

// Uploader stores one object.
type Uploader interface {
	Upload(ctx context.Context, key string, body io.Reader, contentType string) error
}

// Archiver writes trade windows through an Uploader.
type Archiver struct {
	trades TradeSource
	up     Uploader
	prefix string
	now    func() time.Time
}

// New creates an Archiver. Objects are written under prefix.
func New(trades TradeSource, up Uploader, prefix string) *Archiver {
	return &Archiver{
		trades: trades,
		up:     up,
		prefix: prefix,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Key returns the object key for the day starting at day.
// exchange/trades/2025/06/01.jsonl
func (a *Archiver) Key(day time.Time) string {
	return path.Join(a.prefix, "trades", day.Format("2006/01/02")+".jsonl")
}

// Export uploads every trade in [from, to) as JSON Lines under key. It
// returns the number of trades written; an empty window uploads nothing.
func (a *Archiver) Export(ctx context.Context, key string, from, to time.Time) (int, error) {
	trades, err := a.trades.ListTradesBetween(ctx, from, to)
	if err != nil {
		return 0, fmt.Errorf("archive: list trades: %w", err)
	}
	if len(trades) == 0 {
		return 0, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, t := range trades {
		if err := enc.Encode(t); err != nil {
			return 0, fmt.Errorf("archive: encode trade %s: %w", t.ID, err)
		}
	}

	if err := a.up.Upload(ctx, key, &buf, "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("archive: upload %s: %w", key, err)
	}
	return len(trades), nil
}

// Name implements scheduler.Job.
func (a *Archiver) Name() string { return "trade-archive" }

// Run exports the previous UTC day.
func (a *Archiver) Run(ctx context.Context) error {
	end := a.now().Truncate(24 * time.Hour)
	start := end.Add(-24 * time.Hour)
	key := a.Key(start)

	n, err := a.Export(ctx, key, start, end)
	switch {
	case err != nil:
		metrics.ArchiveRuns.WithLabelValues("error").Inc()
		return err
	case n == 0:
		metrics.ArchiveRuns.WithLabelValues("empty").Inc()
		slog.Info("no trades to archive", "day", start.Format(time.DateOnly))
	default:
		metrics.ArchiveRuns.WithLabelValues("ok").Inc()
		slog.Info("trades archived", "day", start.Format(time.DateOnly), "key", key, "count", n)
	}
	return nil
}
