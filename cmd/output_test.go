package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/recon-cli/internal/model"
	"github.com/sells-group/recon-cli/internal/monitoring"
)

func TestFormatScores(t *testing.T) {
	sev := model.SeverityCritical
	dev := 22.0 / 18.0
	var buf bytes.Buffer
	formatScores(&buf, map[string]model.FieldScore{
		model.FieldQuantity:  {Score: 0, BaselineType: model.BaselineMedian, EntityType: model.EntityDriver, DeviationPct: &dev, Anomaly: &sev},
		model.FieldNetWeight: {Score: 1, BaselineType: model.BaselineInsufficientHistory},
	})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 3)
	assert.Contains(t, lines[0], "FIELD")
	assert.Contains(t, lines[1], "net_weight")
	assert.Contains(t, lines[1], "insufficient_history")
	assert.Contains(t, lines[2], "quantity")
	assert.Contains(t, lines[2], "122.2%")
	assert.Contains(t, lines[2], "critical")
}

func TestFormatBatch(t *testing.T) {
	var buf bytes.Buffer
	formatBatch(&buf, &model.BatchResult{
		RunID: "run-1", Processed: 3, Succeeded: 2, Failed: 1, Duration: 1500 * time.Millisecond,
		Results: []model.ReconcileResult{
			{TicketID: "t1", Matched: true},
			{TicketID: "t2", ErrorKind: "external_fetch", Error: "recon: fetch feed https://p/feed.csv: timeout"},
		},
	})
	out := buf.String()
	assert.Contains(t, out, "run-1")
	assert.Contains(t, out, "1.5s")
	assert.Contains(t, out, "t2")
	assert.NotRegexp(t, `(?m)^t1\s`, out)
}

func TestFormatRunsList(t *testing.T) {
	var buf bytes.Buffer
	formatRunsList(&buf, []model.BatchResult{{
		RunID: "0123456789abcdef", StartedAt: time.Date(2024, 3, 14, 9, 30, 0, 0, time.UTC),
		Processed: 50, Succeeded: 40, Failed: 10, Duration: 90 * time.Second,
	}})
	out := buf.String()
	assert.Contains(t, out, "01234567")
	assert.NotContains(t, out, "0123456789")
	assert.Contains(t, out, "2024-03-14 09:30")
	assert.Contains(t, out, "1m30s")
}

func TestFormatRunStats(t *testing.T) {
	var buf bytes.Buffer
	formatRunStats(&buf, &monitoring.MetricsSnapshot{
		LookbackHours: 24, RunsTotal: 2, TicketsProcessed: 20, TicketsSucceeded: 17, TicketsFailed: 3,
		FailRate: 0.15, ErrorCounts: map[string]int{"external_fetch": 2, "internal": 1}, RetryBacklog: 4,
	})
	out := buf.String()
	assert.Contains(t, out, "15.0%")
	assert.Regexp(t, `external_fetch:\s+2`, out)
	assert.Regexp(t, `Retry backlog:\s+4`, out)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "abc", truncateID("abc"))
}
