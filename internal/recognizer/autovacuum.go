package recognizer

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Default message templates for the two autovacuum worker log shapes.
// Both end in a trailing rusage string in MSG_RUSAGE format, parsed
// separately by parseRusage. The autovacuum shape additionally reports
// buffer and read/write-rate fields only present since the server
// started emitting them (9.2+); older servers' shorter message would
// need its own template, configured the same way.
const (
	DefaultAutovacuumTemplate = "automatic vacuum of table \"%s.%s.%s\": index scans: %d\n" +
		"pages: %d removed, %d remain\n" +
		"tuples: %d removed, %d remain\n" +
		"buffer usage: %d hits, %d misses, %d dirtied\n" +
		"avg read rate: %f MB/s, avg write rate: %f MB/s\n" +
		"system usage: %s"

	DefaultAutoanalyzeTemplate = "automatic analyze of table \"%s.%s.%s\" system usage: %s"

	// msgRusage is never localized by the server.
	msgRusage = "CPU %fs/%fu sec elapsed %f sec"
)

// Rusage is the parsed trailing "CPU Xs/Yu sec elapsed Z sec" suffix
// common to both autovacuum and autoanalyze messages.
type Rusage struct {
	SystemSeconds  float64
	UserSeconds    float64
	ElapsedSeconds float64
}

func parseRusage(tmpl *Template, s string) (Rusage, error) {
	groups, ok := tmpl.Match(s)
	if !ok {
		return Rusage{}, fmt.Errorf("recognizer: cannot parse rusage: %q", s)
	}
	sys, err := ParseFloat(groups[0])
	if err != nil {
		return Rusage{}, err
	}
	usr, err := ParseFloat(groups[1])
	if err != nil {
		return Rusage{}, err
	}
	elapsed, err := ParseFloat(groups[2])
	if err != nil {
		return Rusage{}, err
	}
	return Rusage{SystemSeconds: sys, UserSeconds: usr, ElapsedSeconds: elapsed}, nil
}

// AutovacuumLog is the payload of an Autovacuum queue item.
type AutovacuumLog struct {
	Finish      time.Time
	Database    string
	Schema      string
	Table       string
	IndexScans  int64
	PageRemoved int64
	PageRemain  int64
	TupRemoved  int64
	TupRemain   int64
	PageHit     int64
	PageMiss    int64
	PageDirty   int64
	ReadRate    float64
	WriteRate   float64
	Rusage      Rusage
}

// AutoanalyzeLog is the payload of an Autoanalyze queue item.
type AutoanalyzeLog struct {
	Finish   time.Time
	Database string
	Schema   string
	Table    string
	Rusage   Rusage
}

// VacuumRecognizer offers log lines to the autovacuum and autoanalyze
// templates and returns the matching payload, if any.
type VacuumRecognizer struct {
	autovacuum  *Template
	autoanalyze *Template
	rusage      *Template
	logger      *slog.Logger
}

func NewVacuumRecognizer(autovacuumPattern, autoanalyzePattern string, logger *slog.Logger) (*VacuumRecognizer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	av, err := Compile(autovacuumPattern)
	if err != nil {
		return nil, err
	}
	aa, err := Compile(autoanalyzePattern)
	if err != nil {
		return nil, err
	}
	ru, err := Compile(msgRusage)
	if err != nil {
		return nil, err
	}
	return &VacuumRecognizer{autovacuum: av, autoanalyze: aa, rusage: ru, logger: logger}, nil
}

// OfferAutovacuum matches message, reported at occurredAt, against the
// autovacuum template. The finish timestamp is occurredAt itself; the
// repository-side back-computation (finish − duration) happens at
// Execute time per the schema contract.
func (v *VacuumRecognizer) OfferAutovacuum(message string, occurredAt time.Time) (*AutovacuumLog, bool) {
	groups, ok := v.autovacuum.Match(message)
	if !ok {
		return nil, false
	}
	ru, err := parseRusage(v.rusage, groups[len(groups)-1])
	if err != nil {
		v.logger.Warn("cannot parse rusage", "error", err)
		return nil, true // recognized as autovacuum shape, but event dropped
	}

	ints := make([]int64, 8)
	for i, idx := range []int{3, 4, 5, 6, 7, 8, 9, 10} {
		n, err := ParseInt(groups[idx])
		if err != nil {
			v.logger.Warn("cannot parse autovacuum numeric field", "error", err)
			return nil, true
		}
		ints[i] = n
	}
	readRate, err := ParseFloat(groups[11])
	if err != nil {
		v.logger.Warn("cannot parse autovacuum read rate", "error", err)
		return nil, true
	}
	writeRate, err := ParseFloat(groups[12])
	if err != nil {
		v.logger.Warn("cannot parse autovacuum write rate", "error", err)
		return nil, true
	}

	return &AutovacuumLog{
		Finish:      occurredAt,
		Database:    groups[0],
		Schema:      groups[1],
		Table:       groups[2],
		IndexScans:  ints[0],
		PageRemoved: ints[1],
		PageRemain:  ints[2],
		TupRemoved:  ints[3],
		TupRemain:   ints[4],
		PageHit:     ints[5],
		PageMiss:    ints[6],
		PageDirty:   ints[7],
		ReadRate:    readRate,
		WriteRate:   writeRate,
		Rusage:      ru,
	}, true
}

// OfferAutoanalyze matches message against the autoanalyze template.
func (v *VacuumRecognizer) OfferAutoanalyze(message string, occurredAt time.Time) (*AutoanalyzeLog, bool) {
	groups, ok := v.autoanalyze.Match(message)
	if !ok {
		return nil, false
	}
	ru, err := parseRusage(v.rusage, groups[len(groups)-1])
	if err != nil {
		v.logger.Warn("cannot parse rusage", "error", err)
		return nil, true
	}
	return &AutoanalyzeLog{
		Finish:   occurredAt,
		Database: groups[0],
		Schema:   groups[1],
		Table:    groups[2],
		Rusage:   ru,
	}, true
}

// Execute inserts the autovacuum event row: instid, start (back-computed
// as the reported finish time minus the rusage elapsed duration),
// database, schema, table, index_scans, page_removed, page_remain,
// tup_removed, tup_remain, page_hit, page_miss, page_dirty, read_rate,
// write_rate, duration — the sixteen positional columns of
// statsrepo.autovacuum. There is no finish column; the raw elapsed
// duration is carried instead.
func (a *AutovacuumLog) Execute(ctx context.Context, conn interface{}, instanceID int64) error {
	e, ok := conn.(Execer)
	if !ok {
		return fmt.Errorf("recognizer: autovacuum executor requires a repository connection")
	}
	start := a.Finish.Add(-time.Duration(a.Rusage.ElapsedSeconds * float64(time.Second)))
	_, err := e.Exec(ctx,
		`INSERT INTO statsrepo.autovacuum(instid, start, database, schema, "table", index_scans,
		  page_removed, page_remain, tup_removed, tup_remain, page_hit, page_miss, page_dirty, read_rate, write_rate, duration)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		instanceID, start, a.Database, a.Schema, a.Table, a.IndexScans,
		a.PageRemoved, a.PageRemain, a.TupRemoved, a.TupRemain, a.PageHit, a.PageMiss, a.PageDirty, a.ReadRate, a.WriteRate, a.Rusage.ElapsedSeconds)
	return err
}

func (a *AutovacuumLog) Release() {}

// Execute inserts the autoanalyze event row: instid, start (back-computed
// from finish minus elapsed duration), database, schema, table,
// duration — the six positional columns of statsrepo.autoanalyze.
func (a *AutoanalyzeLog) Execute(ctx context.Context, conn interface{}, instanceID int64) error {
	e, ok := conn.(Execer)
	if !ok {
		return fmt.Errorf("recognizer: autoanalyze executor requires a repository connection")
	}
	start := a.Finish.Add(-time.Duration(a.Rusage.ElapsedSeconds * float64(time.Second)))
	_, err := e.Exec(ctx,
		`INSERT INTO statsrepo.autoanalyze(instid, start, database, schema, "table", duration) VALUES ($1,$2,$3,$4,$5,$6)`,
		instanceID, start, a.Database, a.Schema, a.Table, a.Rusage.ElapsedSeconds)
	return err
}

func (a *AutoanalyzeLog) Release() {}
