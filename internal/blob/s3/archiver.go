package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/kychan/flowdesk/internal/domain"
)

// BulkWriter extends the domain writer with multipart uploads for payloads
// whose size is unknown up front, such as streamed event-log exports.
type BulkWriter interface {
	domain.BlobWriter
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// ReportArchiver uploads completed backtest reports to object storage and
// reads them back. It also exports slices of the historical event log as
// JSONL for offline analysis.
type ReportArchiver struct {
	writer BulkWriter
	reader domain.BlobReader
	logger *slog.Logger
}

// NewReportArchiver creates a ReportArchiver.
func NewReportArchiver(writer BulkWriter, reader domain.BlobReader, logger *slog.Logger) *ReportArchiver {
	return &ReportArchiver{
		writer: writer,
		reader: reader,
		logger: logger.With(slog.String("component", "report_archiver")),
	}
}

// reportPath builds the object key for a backtest report.
//
//	backtests/3f2a9c1e-....json
func reportPath(id string) string {
	return fmt.Sprintf("backtests/%s.json", id)
}

// ArchiveResult uploads one backtest result as a JSON object keyed by its run
// id and returns the object path.
func (a *ReportArchiver) ArchiveResult(ctx context.Context, res domain.BacktestResult) (string, error) {
	if res.ID == "" {
		return "", fmt.Errorf("s3blob: archive result: empty run id")
	}
	body, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return "", fmt.Errorf("s3blob: archive result marshal: %w", err)
	}

	path := reportPath(res.ID)
	if err := a.writer.Put(ctx, path, bytes.NewReader(body), "application/json"); err != nil {
		return "", fmt.Errorf("s3blob: archive result upload: %w", err)
	}
	a.logger.InfoContext(ctx, "backtest report archived",
		slog.String("path", path),
		slog.Int("bytes", len(body)),
	)
	return path, nil
}

// LoadResult fetches an archived backtest report by run id. Returns
// domain.ErrNotFound when no report exists for the id.
func (a *ReportArchiver) LoadResult(ctx context.Context, id string) (domain.BacktestResult, error) {
	rc, err := a.reader.Get(ctx, reportPath(id))
	if err != nil {
		return domain.BacktestResult{}, err
	}
	defer rc.Close()

	var res domain.BacktestResult
	if err := json.NewDecoder(rc).Decode(&res); err != nil {
		return domain.BacktestResult{}, fmt.Errorf("s3blob: load result %s: %w", id, err)
	}
	return res, nil
}

// ListReports returns metadata for every archived backtest report.
func (a *ReportArchiver) ListReports(ctx context.Context) ([]domain.BlobInfo, error) {
	return a.reader.List(ctx, "backtests/")
}

// exportPath builds the object key for an event-log export, partitioned by
// symbol and export time.
//
//	exports/BTCUSDT/2026-03-01T120000Z.jsonl
func exportPath(symbol string, asOf time.Time) string {
	return fmt.Sprintf("exports/%s/%s.jsonl", symbol, asOf.UTC().Format("2006-01-02T150405Z"))
}

// ExportEvents streams every event from the iterator to object storage as
// newline-delimited JSON, using multipart upload so the export size never has
// to be known up front. It returns the object path and the record count.
func (a *ReportArchiver) ExportEvents(ctx context.Context, symbol string, asOf time.Time, it domain.EventIterator) (string, int64, error) {
	defer it.Close()

	path := exportPath(symbol, asOf)
	pr, pw := io.Pipe()

	var count int64
	go func() {
		enc := json.NewEncoder(pw)
		enc.SetEscapeHTML(false)
		for {
			ev, ok, err := it.Next(ctx)
			if err != nil {
				pw.CloseWithError(fmt.Errorf("s3blob: export read: %w", err))
				return
			}
			if !ok {
				pw.Close()
				return
			}
			if err := enc.Encode(ev); err != nil {
				pw.CloseWithError(fmt.Errorf("s3blob: export encode record %d: %w", count, err))
				return
			}
			count++
		}
	}()

	if err := a.writer.PutMultipart(ctx, path, pr, minPartSize); err != nil {
		pr.CloseWithError(err)
		return "", 0, fmt.Errorf("s3blob: export upload: %w", err)
	}

	a.logger.InfoContext(ctx, "event log exported",
		slog.String("path", path),
		slog.Int64("records", count),
	)
	return path, count, nil
}
