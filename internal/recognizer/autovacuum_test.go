package recognizer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAutoanalyzeRecognition(t *testing.T) {
	r, err := NewVacuumRecognizer(DefaultAutovacuumTemplate, DefaultAutoanalyzeTemplate, nil)
	require.NoError(t, err)

	occurredAt := time.Date(2024, 3, 4, 9, 15, 0, 0, time.UTC)
	msg := `automatic analyze of table "db.sch.tab" system usage: CPU 0.01s/0.02u sec elapsed 0.30 sec`

	log, ok := r.OfferAutoanalyze(msg, occurredAt)
	require.True(t, ok)
	require.NotNil(t, log)

	assert.Equal(t, "db", log.Database)
	assert.Equal(t, "sch", log.Schema)
	assert.Equal(t, "tab", log.Table)
	assert.InDelta(t, 0.01, log.Rusage.SystemSeconds, 0.0001)
	assert.InDelta(t, 0.02, log.Rusage.UserSeconds, 0.0001)
	assert.InDelta(t, 0.30, log.Rusage.ElapsedSeconds, 0.0001)

	expectedFinish := occurredAt
	expectedStart := expectedFinish.Add(-300 * time.Millisecond)
	gotStart := log.Finish.Add(-time.Duration(log.Rusage.ElapsedSeconds * float64(time.Second)))
	assert.Equal(t, expectedStart, gotStart)
}

func TestAutovacuumRecognition(t *testing.T) {
	r, err := NewVacuumRecognizer(DefaultAutovacuumTemplate, DefaultAutoanalyzeTemplate, nil)
	require.NoError(t, err)

	occurredAt := time.Date(2024, 3, 4, 9, 15, 0, 0, time.UTC)
	msg := "automatic vacuum of table \"db.sch.tab\": index scans: 1\n" +
		"pages: 2 removed, 100 remain\n" +
		"tuples: 50 removed, 10 remain\n" +
		"buffer usage: 10 hits, 2 misses, 1 dirtied\n" +
		"avg read rate: 0.500 MB/s, avg write rate: 1.250 MB/s\n" +
		"system usage: CPU 0.01s/0.02u sec elapsed 0.30 sec"

	log, ok := r.OfferAutovacuum(msg, occurredAt)
	require.True(t, ok)
	require.NotNil(t, log)

	assert.Equal(t, "db", log.Database)
	assert.Equal(t, "sch", log.Schema)
	assert.Equal(t, "tab", log.Table)
	assert.Equal(t, int64(1), log.IndexScans)
	assert.Equal(t, int64(2), log.PageRemoved)
	assert.Equal(t, int64(100), log.PageRemain)
	assert.Equal(t, int64(50), log.TupRemoved)
	assert.Equal(t, int64(10), log.TupRemain)
	assert.Equal(t, int64(10), log.PageHit)
	assert.Equal(t, int64(2), log.PageMiss)
	assert.Equal(t, int64(1), log.PageDirty)
	assert.InDelta(t, 0.5, log.ReadRate, 0.0001)
	assert.InDelta(t, 1.25, log.WriteRate, 0.0001)
}

func TestMatchSentinel(t *testing.T) {
	assert.Equal(t, SentinelSnapshotRequested, MatchSentinel("snapshot requested"))
	assert.Equal(t, SentinelMaintenanceRequested, MatchSentinel("maintenance requested"))
	assert.Equal(t, SentinelRestartRequested, MatchSentinel("restart requested"))
	assert.Equal(t, SentinelNone, MatchSentinel("something else"))
}
