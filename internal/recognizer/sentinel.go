package recognizer

// Sentinel identifies a control-sentinel message shape: an exact text
// the server (or a superuser running statsinfo.snapshot()/maintenance())
// emits to request agent action out of band from its normal schedule.
type Sentinel int

const (
	SentinelNone Sentinel = iota
	SentinelSnapshotRequested
	SentinelMaintenanceRequested
	SentinelRestartRequested
)

const (
	msgSnapshotRequested    = "snapshot requested"
	msgMaintenanceRequested = "maintenance requested"
	msgRestartRequested     = "restart requested"
)

// MatchSentinel classifies message as one of the three control
// sentinels the LogTailer watches for. message must equal the fixed
// sentinel phrase exactly; the triggering comment/period travels in
// the record's Detail field, which the LogTailer reads itself.
func MatchSentinel(message string) Sentinel {
	switch message {
	case msgSnapshotRequested:
		return SentinelSnapshotRequested
	case msgMaintenanceRequested:
		return SentinelMaintenanceRequested
	case msgRestartRequested:
		return SentinelRestartRequested
	default:
		return SentinelNone
	}
}
