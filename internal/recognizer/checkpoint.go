package recognizer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Execer is the narrow slice of internal/repository/postgres.Connection
// that a queue item executor needs to issue an INSERT/UPDATE. Defining
// it here (rather than importing the repository package) keeps
// recognizer free of any dependency on the repository or writer
// packages.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// pendingCheckpoint is the single-slot cell holding an in-progress
// checkpoint_starting event until its matching checkpoint_complete
// arrives. A second "starting" before any "complete" silently replaces
// the pending slot, matching the source's own behavior (an
// unmatched-starting-followed-by-starting case the source leaves
// unresolved in one direction; replacing is the choice made here).
type pendingCheckpoint struct {
	startTime time.Time
	flags     string
}

// CheckpointRecognizer implements the checkpoint_starting /
// checkpoint_complete pair described for the LogTailer's recognizer
// pipeline. It is safe for concurrent use, though in practice only the
// single LogTailer goroutine calls it.
type CheckpointRecognizer struct {
	starting *Template
	complete *Template

	mu      sync.Mutex
	pending *pendingCheckpoint

	logger *slog.Logger
}

// NewCheckpointRecognizer compiles the two templates. The default
// patterns match the server's built-in English messages; a deployment
// with localized message templates passes its own via Config.
func NewCheckpointRecognizer(startingPattern, completePattern string, logger *slog.Logger) (*CheckpointRecognizer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	starting, err := Compile(startingPattern)
	if err != nil {
		return nil, err
	}
	complete, err := Compile(completePattern)
	if err != nil {
		return nil, err
	}
	return &CheckpointRecognizer{starting: starting, complete: complete, logger: logger}, nil
}

// DefaultCheckpointStartingTemplate and DefaultCheckpointCompleteTemplate
// are the stock English message shapes; Config may override both.
const (
	DefaultCheckpointStartingTemplate = "%s starting:%s"
	DefaultCheckpointCompleteTemplate = "checkpoint complete: wrote %d buffers (%f%%); %d transaction log file(s) added, %d removed, %d recycled; write=%f s, sync=%f s, total=%f s"
)

// CheckpointLog is the payload of a Checkpoint queue item.
type CheckpointLog struct {
	Start          time.Time
	Flags          string
	NumBuffers     int64
	XlogAdded      int64
	XlogRemoved    int64
	XlogRecycled   int64
	WriteDuration  float64
	SyncDuration   float64
	TotalDuration  float64
}

// OfferStarting processes a candidate checkpoint_starting line observed
// at occurredAt. It returns true if the line was recognized as a
// checkpoint_starting record (whether or not it ended up being kept),
// so the caller's recognizer chain can stop trying other recognizers.
func (c *CheckpointRecognizer) OfferStarting(message string, occurredAt time.Time) bool {
	groups, ok := c.starting.Match(message)
	if !ok {
		return false
	}
	kind, flags := groups[0], groups[1]
	if kind != "checkpoint" && kind != "restartpoint" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if strings.Contains(flags, "shutdown") {
		c.pending = nil
		return true
	}

	c.pending = &pendingCheckpoint{startTime: occurredAt, flags: flags}
	return true
}

// OfferComplete processes a candidate checkpoint_complete line. If a
// pending starting event matches, it returns the assembled
// CheckpointLog and clears the pending slot; if no pending event
// exists the line is recognized but silently swallowed (ok=false).
func (c *CheckpointRecognizer) OfferComplete(message string) (*CheckpointLog, bool) {
	groups, matched := c.complete.Match(message)
	if !matched {
		return nil, false
	}

	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	if pending == nil {
		return nil, false
	}

	numBuffers, err := ParseInt(groups[0])
	if err != nil {
		c.logger.Warn("checkpoint recognizer: unparsable buffer count", "error", err)
		return nil, false
	}
	// groups[1] is the percent-full figure; not carried onto the item.
	xlogAdded, err := ParseInt(groups[2])
	if err != nil {
		c.logger.Warn("checkpoint recognizer: unparsable xlog added", "error", err)
		return nil, false
	}
	xlogRemoved, err := ParseInt(groups[3])
	if err != nil {
		c.logger.Warn("checkpoint recognizer: unparsable xlog removed", "error", err)
		return nil, false
	}
	xlogRecycled, err := ParseInt(groups[4])
	if err != nil {
		c.logger.Warn("checkpoint recognizer: unparsable xlog recycled", "error", err)
		return nil, false
	}
	writeDuration, err := ParseFloat(groups[5])
	if err != nil {
		c.logger.Warn("checkpoint recognizer: unparsable write duration", "error", err)
		return nil, false
	}
	syncDuration, err := ParseFloat(groups[6])
	if err != nil {
		c.logger.Warn("checkpoint recognizer: unparsable sync duration", "error", err)
		return nil, false
	}
	totalDuration, err := ParseFloat(groups[7])
	if err != nil {
		c.logger.Warn("checkpoint recognizer: unparsable total duration", "error", err)
		return nil, false
	}

	return &CheckpointLog{
		Start:         pending.startTime,
		Flags:         pending.flags,
		NumBuffers:    numBuffers,
		XlogAdded:     xlogAdded,
		XlogRemoved:   xlogRemoved,
		XlogRecycled:  xlogRecycled,
		WriteDuration: writeDuration,
		SyncDuration:  syncDuration,
		TotalDuration: totalDuration,
	}, true
}

// Execute inserts the checkpoint event row: instid, start, flags,
// num_buffers, xlog_added, xlog_removed, xlog_recycled, write_duration,
// sync_duration, total_duration — the ten positional columns of
// statsrepo.checkpoint. There is no finish column.
func (c *CheckpointLog) Execute(ctx context.Context, conn interface{}, instanceID int64) error {
	e, ok := conn.(Execer)
	if !ok {
		return fmt.Errorf("recognizer: checkpoint executor requires a repository connection")
	}
	_, err := e.Exec(ctx,
		`INSERT INTO statsrepo.checkpoint(instid, start, flags, num_buffers, xlog_added, xlog_removed, xlog_recycled, write_duration, sync_duration, total_duration)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		instanceID, c.Start, c.Flags, c.NumBuffers, c.XlogAdded, c.XlogRemoved, c.XlogRecycled, c.WriteDuration, c.SyncDuration, c.TotalDuration)
	return err
}

// Release is a no-op: CheckpointLog holds no external resources.
func (c *CheckpointLog) Release() {}
