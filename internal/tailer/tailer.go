// Package tailer follows the PostgreSQL server's rotating CSV log
// files, reading each one sequentially through a single open handle and
// surviving rotation by scanning the log directory for the
// lexicographically-next file. No byte offset is saved or sought: a
// file closed after a corrupt record is not reopened, and the next call
// moves on to the next file once one appears.
package tailer

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/pgstatsinfo/agent/internal/logline"
)

// statCacheSize bounds the number of recently-seen log directory
// entries whose os.Stat result the Tailer remembers, so a directory
// that churns through many small files doesn't force a fresh stat
// every tick for names already classified as "not next yet".
const statCacheSize = 64

// ErrFilenameTemplateInvalid is returned by ValidateFilenameTemplate
// when the configured CSV filename template does not expand
// %Y %m %d %H %M %S in that order, which is required for lexicographic
// file-name order to equal chronological order.
var ErrFilenameTemplateInvalid = errors.New("tailer: filename template must expand %Y %m %d %H %M %S in order")

var strftimeOrder = []string{"%Y", "%m", "%d", "%H", "%M", "%S"}

// ValidateFilenameTemplate is called once at startup (the Supervisor's
// responsibility per the component design) to refuse running against a
// log_filename template that would break the tailer's rotation
// assumption.
func ValidateFilenameTemplate(template string) error {
	pos := -1
	for _, token := range strftimeOrder {
		idx := strings.Index(template, token)
		if idx == -1 || idx < pos {
			return ErrFilenameTemplateInvalid
		}
		pos = idx
	}
	return nil
}

// Tailer owns the currently open CSV file and its parse offset, and
// knows how to advance to the next file on rotation.
type Tailer struct {
	dir    string
	suffix string // ".csv"

	currentName string
	file        *os.File
	parser      *logline.Parser
	offset      int64

	shutdownSeen bool
	logger       *slog.Logger

	statCache *lru.Cache[string, os.FileInfo]
}

// New builds a Tailer rooted at dir, matching files with suffix
// (normally ".csv"). No file is open until the first call to Next.
func New(dir, suffix string, logger *slog.Logger) *Tailer {
	if logger == nil {
		logger = slog.Default()
	}
	cache, _ := lru.New[string, os.FileInfo](statCacheSize)
	return &Tailer{dir: dir, suffix: suffix, logger: logger, statCache: cache}
}

// statCached returns os.Stat(name) in dir, serving a cached result
// when the LRU still holds one for this name.
func (t *Tailer) statCached(name string) (os.FileInfo, error) {
	if info, ok := t.statCache.Get(name); ok {
		return info, nil
	}
	info, err := os.Stat(filepath.Join(t.dir, name))
	if err != nil {
		return nil, err
	}
	t.statCache.Add(name, info)
	return info, nil
}

// SetShutdownSeen tells the tailer the server's shutdown marker has
// been observed, so a missing next file is no longer treated as a
// transient "not rotated yet" condition worth retrying silently.
func (t *Tailer) SetShutdownSeen() {
	t.shutdownSeen = true
}

// Next returns the next parsed record, or (nil, nil) if nothing new is
// available yet (the caller should sleep and retry). A non-nil error
// other than that sentinel indicates a directory-scan failure.
func (t *Tailer) Next() (*logline.LogLine, error) {
	if t.file == nil {
		advanced, err := t.advance()
		if err != nil {
			return nil, err
		}
		if !advanced {
			return nil, nil
		}
	}

	line, err := t.parser.Next()
	if err == nil {
		return line, nil
	}
	if errors.Is(err, io.EOF) {
		// Short read at EOF: try to rotate. If rotation finds nothing,
		// leave the offset untouched for a retry next tick.
		advanced, advErr := t.advance()
		if advErr != nil {
			return nil, advErr
		}
		if !advanced {
			return nil, nil
		}
		return t.parser.Next()
	}

	t.logger.Warn("corrupt CSV record, closing file for re-open", "file", t.currentName, "error", err)
	t.closeCurrent()
	return nil, nil
}

// advance scans the directory for the lexicographically-next file and,
// if found, closes the current file (renaming its .log buddy) and
// opens the new one at offset 0. It returns false, nil when there is
// nothing newer yet.
func (t *Tailer) advance() (bool, error) {
	next, err := t.findNext()
	if err != nil {
		return false, err
	}
	if next == "" {
		return false, nil
	}
	t.statCache.Remove(next)

	if t.file != nil {
		t.rotateBuddyLog(t.currentName, next)
		t.closeCurrent()
	}

	f, err := os.Open(filepath.Join(t.dir, next))
	if err != nil {
		return false, fmt.Errorf("tailer: open %s: %w", next, err)
	}
	t.file = f
	t.parser = logline.NewParser(f)
	t.currentName = next
	t.offset = 0
	return true, nil
}

func (t *Tailer) findNext() (string, error) {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return "", fmt.Errorf("tailer: read dir %s: %w", t.dir, err)
	}

	var candidates []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, t.suffix) {
			continue
		}
		if name <= t.currentName {
			continue
		}
		// A future candidate usually reappears unchanged across several
		// ticks before it is finally chosen; statCached avoids re-statting
		// it every 200ms. A cached entry is not refreshed until the name is
		// chosen (or evicted), so a placeholder later replaced by a real
		// file of the same name keeps its first stat result until then.
		info, err := t.statCached(name)
		if err != nil || info.IsDir() {
			continue
		}
		candidates = append(candidates, name)
	}
	if len(candidates) == 0 {
		return "", nil
	}
	sort.Strings(candidates)
	return candidates[0], nil
}

// currentBuddyLog is the server's live plain-text log destination: a
// stable name the server keeps appending to until log rotation, at
// which point it (or a cooperating log collector) starts a fresh one.
// The tailer's job on CSV rotation is to retire the text-log file that
// corresponds to the CSV window just closed by giving it that window's
// own base name, so later tooling can locate "the text log for CSV
// file X" by name alone.
const currentBuddyLog = "current.log"

// rotateBuddyLog renames the live text-log buddy to the retiring CSV's
// own base name (extension replaced), on the way out of that CSV file.
func (t *Tailer) rotateBuddyLog(closing, _ string) {
	base := strings.TrimSuffix(closing, t.suffix)
	oldBuddy := filepath.Join(t.dir, currentBuddyLog)
	newBuddy := filepath.Join(t.dir, base+".log")
	if err := os.Rename(oldBuddy, newBuddy); err != nil && !os.IsNotExist(err) {
		t.logger.Warn("failed to rename buddy log file", "from", oldBuddy, "to", newBuddy, "error", err)
	}
}

func (t *Tailer) closeCurrent() {
	if t.file != nil {
		t.file.Close()
		t.file = nil
		t.parser = nil
	}
}

// CurrentName reports the base name of the file currently open, or the
// empty string if none is open.
func (t *Tailer) CurrentName() string {
	return t.currentName
}
