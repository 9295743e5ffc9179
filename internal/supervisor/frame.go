package supervisor

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ReadFrames decodes the stdin configuration frame protocol: repeated
// records of `u32 name_len; name bytes; u32 value_len; value bytes`,
// little-endian, terminated by a record with name_len == 0. It returns
// the accumulated name/value pairs as a map, so arrival order is not
// kept (later duplicate keys overwrite earlier ones, mirroring a reload
// re-read of the same stream).
func ReadFrames(r io.Reader) (map[string]string, error) {
	out := make(map[string]string)
	for {
		nameLen, err := readU32(r)
		if err != nil {
			return nil, fmt.Errorf("supervisor: reading frame name length: %w", err)
		}
		if nameLen == 0 {
			return out, nil
		}
		name, err := readBytes(r, nameLen)
		if err != nil {
			return nil, fmt.Errorf("supervisor: reading frame name: %w", err)
		}
		valueLen, err := readU32(r)
		if err != nil {
			return nil, fmt.Errorf("supervisor: reading frame value length for %q: %w", name, err)
		}
		value, err := readBytes(r, valueLen)
		if err != nil {
			return nil, fmt.Errorf("supervisor: reading frame value for %q: %w", name, err)
		}
		out[string(name)] = string(value)
	}
}

func readU32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func readBytes(r io.Reader, n uint32) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// MandatoryFields lists the frame keys the Supervisor refuses to start
// without.
var MandatoryFields = []string{
	"instance_id",
	"postmaster_pid",
	"port",
	"share_path",
	"server_version_num",
	"server_version_string",
	"server_encoding",
	"data_directory",
	"log_directory",
}

// ValidateMandatory checks that every key in MandatoryFields is present
// in frames.
func ValidateMandatory(frames map[string]string) error {
	for _, key := range MandatoryFields {
		if _, ok := frames[key]; !ok {
			return fmt.Errorf("supervisor: missing mandatory config field %q", key)
		}
	}
	return nil
}

// KnownKeys is the full recognized key set (beyond the mandatory
// subset); frame names outside this set are rejected with a fatal
// error. GUC-style pg_statsinfo.* keys and the ':'-prefixed localized
// message template keys are matched by prefix rather than listed here.
var KnownKeys = map[string]bool{
	"instance_id":            true,
	"postmaster_pid":         true,
	"port":                   true,
	"share_path":             true,
	"prev_csv_name":          true,
	"server_version_num":     true,
	"server_version_string":  true,
	"server_encoding":        true,
	"data_directory":         true,
	"log_timezone":           true,
	"log_directory":          true,
	"log_error_verbosity":    true,
	"syslog_facility":        true,
	"syslog_ident":           true,
}

// IsKnownKey reports whether name is recognized: an exact KnownKeys
// match, a "pg_statsinfo." GUC option, or a ':'-prefixed message
// template key.
func IsKnownKey(name string) bool {
	if KnownKeys[name] {
		return true
	}
	if len(name) > 0 && name[0] == ':' {
		return true
	}
	const gucPrefix = "pg_statsinfo."
	if len(name) >= len(gucPrefix) && name[:len(gucPrefix)] == gucPrefix {
		return true
	}
	return false
}
