//go:build windows

package inspector

import (
	"golang.org/x/sys/windows"
)

// procStartUnix returns the creation time of pid as Unix seconds, or 0 if unknown.
func procStartUnix(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return 0
	}
	defer func() { _ = windows.CloseHandle(h) }()

	var creation, exit, kernel, user windows.Filetime
	if err := windows.GetProcessTimes(h, &creation, &exit, &kernel, &user); err != nil {
		return 0
	}
	// Filetime.Nanoseconds is relative to the Unix epoch.
	return creation.Nanoseconds() / 1e9
}
