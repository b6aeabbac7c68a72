package usage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRecord_ComputesTotalTokens(t *testing.T) {
	tr := New()
	tr.Record(Row{RequestID: "r1", Model: "claude-sonnet-4.5", InputTokens: 10, OutputTokens: 5, CreatedAt: time.Now()})
	rows := tr.Rows()
	require.Len(t, rows, 1)
	require.Equal(t, 15, rows[0].TotalTokens)
}

func TestSummarize_GroupsByDayAndModel(t *testing.T) {
	tr := New()
	day := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	tr.Record(Row{Model: "claude-sonnet-4.5", InputTokens: 10, OutputTokens: 5, CreatedAt: day})
	tr.Record(Row{Model: "claude-sonnet-4.5", InputTokens: 20, OutputTokens: 5, CreatedAt: day.Add(2 * time.Hour)})
	tr.Record(Row{Model: "claude-opus-4.6", InputTokens: 1, OutputTokens: 1, CreatedAt: day})

	summary := tr.Summarize(BucketDay, DimensionModel)
	require.Len(t, summary, 2)

	var sonnetTotal int
	for _, s := range summary {
		if s.Key.Group == "claude-sonnet-4.5" {
			sonnetTotal = s.TotalTokens
			require.Equal(t, 2, s.RequestCount)
		}
	}
	require.Equal(t, 40, sonnetTotal)
}

func TestSummarize_AllDimensionCollapsesGroups(t *testing.T) {
	tr := New()
	now := time.Now()
	tr.Record(Row{Model: "a", InputTokens: 1, CreatedAt: now})
	tr.Record(Row{Model: "b", InputTokens: 1, CreatedAt: now})

	summary := tr.Summarize(BucketAll, DimensionNone)
	require.Len(t, summary, 1)
	require.Equal(t, 2, summary[0].RequestCount)
}
