//go:build !windows

package logtailer

import "golang.org/x/sys/unix"

// setUmaskFromPermissionBits derives a creation umask from the
// configured text-log permission bits (e.g. 0640 means "world and
// others get nothing"), so the text log file is created with exactly
// those permissions regardless of the process's ambient umask.
func setUmaskFromPermissionBits(permBits int) int {
	return unix.Umask(^permBits & 0777)
}

func restoreUmask(old int) {
	unix.Umask(old)
}
