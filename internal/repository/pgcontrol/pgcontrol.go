// Package pgcontrol reads just enough of PostgreSQL's global/pg_control
// file to answer the one question the Supervisor needs before its
// first connection attempt: is the server in a state worth connecting
// to at all. It deliberately does not attempt to be a full
// pg_controldata reimplementation — only the leading fixed-size header
// (crc, version, catalog version, state) is read, which has been
// stable since the state enum was introduced.
package pgcontrol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// DBState mirrors catalog/pg_control.h's DBState enum. Values below
// are the ones that have been stable across the relevant server
// generations; an unrecognized value is treated as "not ready".
type DBState int32

const (
	DBStartup           DBState = 0
	DBShutdowned        DBState = 1
	DBShutdownedInRecovery DBState = 2
	DBShutdowning       DBState = 3
	DBInCrashRecovery   DBState = 4
	DBInArchiveRecovery DBState = 5
	DBInProduction      DBState = 6
)

func (s DBState) String() string {
	switch s {
	case DBStartup:
		return "starting up"
	case DBShutdowned:
		return "shut down"
	case DBShutdownedInRecovery:
		return "shut down in recovery"
	case DBShutdowning:
		return "shutting down"
	case DBInCrashRecovery:
		return "in crash recovery"
	case DBInArchiveRecovery:
		return "in archive recovery"
	case DBInProduction:
		return "in production"
	default:
		return "unknown"
	}
}

// controlFileName is the fixed relative path PostgreSQL keeps its
// control file at, under the data directory.
const controlFileName = "global/pg_control"

// headerLayout captures the byte offsets the fields of interest sit
// at in PG_CONTROL_VERSION 1300+ (PG 17) control files: an 8-byte CRC
// trailer aside, the leading fields are system_identifier (uint64),
// pg_control_version (uint32), catalog_version_no (uint32), then
// state (int32, 4-byte aligned after an 8-byte padding gap for the
// struct's alignment requirements on 64-bit platforms).
const (
	offSystemIdentifier = 0
	offControlVersion   = 8
	offCatalogVersion   = 12
	offState            = 16
)

// ErrNotFound is returned when the control file does not exist at the
// expected path.
var ErrNotFound = errors.New("pgcontrol: control file not found")

// ReadState reads the DBState field out of <dataDirectory>/global/pg_control.
func ReadState(dataDirectory string) (DBState, error) {
	path := filepath.Join(dataDirectory, controlFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return 0, fmt.Errorf("pgcontrol: read %s: %w", path, err)
	}
	if len(data) < offState+4 {
		return 0, fmt.Errorf("pgcontrol: %s is too short to be a control file (%d bytes)", path, len(data))
	}
	state := int32(binary.LittleEndian.Uint32(data[offState : offState+4]))
	return DBState(state), nil
}

// ReadyToConnect reports whether state is one the Supervisor is
// willing to start against: "in production" or "in archive recovery"
// (hot standby). Every other state — starting up, shutting down,
// crash recovery — means the server is not yet (or no longer) in a
// shape the agent's sampling functions can run against.
func ReadyToConnect(state DBState) bool {
	return state == DBInProduction || state == DBInArchiveRecovery
}
