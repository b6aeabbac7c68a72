// Package usage implements the usage tracker (C9): an append-only ledger
// of per-request token accounting, with grouped summaries, per spec §4.12.
package usage

import (
	"fmt"
	"sync"
	"time"
)

// Row is one append-only accounting record for a completed request.
type Row struct {
	RequestID              string
	AccountID              string
	Channel                string
	Model                  string
	InputTokens            int
	OutputTokens           int
	CacheCreationInputTokens int
	CacheReadInputTokens   int
	TotalTokens            int
	CreatedAt              time.Time
}

// Bucket is the grouping granularity for a Summarize call.
type Bucket string

const (
	BucketHour  Bucket = "hour"
	BucketDay   Bucket = "day"
	BucketWeek  Bucket = "week"
	BucketMonth Bucket = "month"
	BucketAll   Bucket = "all"
)

// Dimension is the secondary grouping key for a Summarize call.
type Dimension string

const (
	DimensionModel   Dimension = "model"
	DimensionAccount Dimension = "account"
	DimensionNone    Dimension = "all"
)

// SummaryKey identifies one row in a Summarize result.
type SummaryKey struct {
	Bucket string // e.g. "2026-07-31T14" for hour, "2026-07-31" for day
	Group  string // model name, account id, or "" for DimensionNone
}

// SummaryRow aggregates every Row matching one SummaryKey.
type SummaryRow struct {
	Key          SummaryKey
	RequestCount int
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Tracker holds the in-memory ledger. Callers needing durability should
// pair it with a periodic flush to the account store's call-log bucket;
// the ledger itself is the source of truth for summaries within process
// lifetime.
type Tracker struct {
	mu   sync.Mutex
	rows []Row
}

// New constructs an empty Tracker.
func New() *Tracker {
	return &Tracker{}
}

// Record appends row. Only called on successful stream completion; a
// cancelled or failed request must never reach this call, per spec §5's
// cancellation rule.
func (t *Tracker) Record(row Row) {
	row.TotalTokens = row.InputTokens + row.OutputTokens
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows = append(t.rows, row)
}

// Rows returns a snapshot copy of every recorded row.
func (t *Tracker) Rows() []Row {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Row, len(t.rows))
	copy(out, t.rows)
	return out
}

// Summarize groups every row by (bucket, dimension), aggregating request
// count and token totals.
func (t *Tracker) Summarize(bucket Bucket, dim Dimension) []SummaryRow {
	t.mu.Lock()
	rows := make([]Row, len(t.rows))
	copy(rows, t.rows)
	t.mu.Unlock()

	agg := make(map[SummaryKey]*SummaryRow)
	order := make([]SummaryKey, 0)
	for _, r := range rows {
		key := SummaryKey{Bucket: bucketLabel(bucket, r.CreatedAt), Group: groupLabel(dim, r)}
		sr, ok := agg[key]
		if !ok {
			sr = &SummaryRow{Key: key}
			agg[key] = sr
			order = append(order, key)
		}
		sr.RequestCount++
		sr.InputTokens += r.InputTokens
		sr.OutputTokens += r.OutputTokens
		sr.TotalTokens += r.TotalTokens
	}

	out := make([]SummaryRow, 0, len(order))
	for _, k := range order {
		out = append(out, *agg[k])
	}
	return out
}

func bucketLabel(bucket Bucket, t time.Time) string {
	t = t.UTC()
	switch bucket {
	case BucketHour:
		return t.Format("2006-01-02T15")
	case BucketDay:
		return t.Format("2006-01-02")
	case BucketWeek:
		year, week := t.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	case BucketMonth:
		return t.Format("2006-01")
	default:
		return "all"
	}
}

func groupLabel(dim Dimension, r Row) string {
	switch dim {
	case DimensionModel:
		return r.Model
	case DimensionAccount:
		return r.AccountID
	default:
		return ""
	}
}
