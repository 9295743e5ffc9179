package recognizer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustCheckpointRecognizer(t *testing.T) *CheckpointRecognizer {
	t.Helper()
	r, err := NewCheckpointRecognizer(DefaultCheckpointStartingTemplate, DefaultCheckpointCompleteTemplate, nil)
	require.NoError(t, err)
	return r
}

func TestCheckpointPair(t *testing.T) {
	r := mustCheckpointRecognizer(t)
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	recognized := r.OfferStarting("checkpoint starting: time", start)
	require.True(t, recognized)

	msg := "checkpoint complete: wrote 42 buffers (1.6%); 0 transaction log file(s) added, 1 removed, 3 recycled; write=9.250 s, sync=0.130 s, total=9.400 s"
	log, ok := r.OfferComplete(msg)
	require.True(t, ok)

	assert.Equal(t, start, log.Start)
	assert.Equal(t, " time", log.Flags)
	assert.Equal(t, int64(42), log.NumBuffers)
	assert.Equal(t, int64(0), log.XlogAdded)
	assert.Equal(t, int64(1), log.XlogRemoved)
	assert.Equal(t, int64(3), log.XlogRecycled)
	assert.InDelta(t, 9.250, log.WriteDuration, 0.0001)
	assert.InDelta(t, 0.130, log.SyncDuration, 0.0001)
	assert.InDelta(t, 9.400, log.TotalDuration, 0.0001)
}

func TestCheckpointShutdownSuppressed(t *testing.T) {
	r := mustCheckpointRecognizer(t)
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	recognized := r.OfferStarting("checkpoint starting: time", start)
	require.True(t, recognized)

	recognized = r.OfferStarting("checkpoint starting: shutdown immediate", start.Add(time.Minute))
	require.True(t, recognized)

	msg := "checkpoint complete: wrote 1 buffers (0.1%); 0 transaction log file(s) added, 0 removed, 0 recycled; write=0.001 s, sync=0.001 s, total=0.002 s"
	_, ok := r.OfferComplete(msg)
	assert.False(t, ok, "pending slot must have been cleared by the shutdown checkpoint_starting")
}

func TestCheckpointCompleteWithoutPendingIsSwallowed(t *testing.T) {
	r := mustCheckpointRecognizer(t)
	msg := "checkpoint complete: wrote 1 buffers (0.1%); 0 transaction log file(s) added, 0 removed, 0 recycled; write=0.001 s, sync=0.001 s, total=0.002 s"
	_, ok := r.OfferComplete(msg)
	assert.False(t, ok)
}

func TestCheckpointSecondStartingReplacesFirst(t *testing.T) {
	r := mustCheckpointRecognizer(t)
	first := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	second := time.Date(2024, 1, 1, 10, 5, 0, 0, time.UTC)

	require.True(t, r.OfferStarting("checkpoint starting: time", first))
	require.True(t, r.OfferStarting("checkpoint starting: time", second))

	msg := "checkpoint complete: wrote 7 buffers (0.1%); 0 transaction log file(s) added, 0 removed, 0 recycled; write=1.000 s, sync=0.000 s, total=1.000 s"
	log, ok := r.OfferComplete(msg)
	require.True(t, ok)
	assert.Equal(t, second, log.Start, "the most recent starting must win")
}
