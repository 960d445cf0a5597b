// Package platform identifies the host OS flavour and filesystems on which
// change notification is unreliable.
package platform

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

// Platform is the detected host.
type Platform string

const (
	MacOS   Platform = "macos"
	Linux   Platform = "linux"
	WSL1    Platform = "wsl1"
	WSL2    Platform = "wsl2"
	Windows Platform = "windows"
	Unknown Platform = "unknown"
)

var (
	detectOnce sync.Once
	detected   Platform
)

// Detect returns the current platform. The result is cached.
func Detect() Platform {
	detectOnce.Do(func() { detected = detect(runtime.GOOS, readProcVersion()) })
	return detected
}

func readProcVersion() string {
	b, err := os.ReadFile("/proc/version")
	if err != nil {
		return ""
	}
	return string(b)
}

func detect(goos, procVersion string) Platform {
	switch goos {
	case "darwin":
		return MacOS
	case "windows":
		return Windows
	case "linux":
	default:
		return Unknown
	}
	if os.Getenv("WSL_DISTRO_NAME") == "" && !strings.Contains(strings.ToLower(procVersion), "microsoft") {
		return Linux
	}
	// WSL2 kernels report "microsoft-standard"; WSL1 reports "Microsoft".
	if strings.Contains(procVersion, "microsoft-standard") {
		return WSL2
	}
	if strings.Contains(procVersion, "Microsoft") {
		return WSL1
	}
	if _, err := os.Stat("/run/WSL"); err == nil {
		return WSL2
	}
	return WSL1
}

// IsWSL reports whether the host is any WSL version.
func IsWSL() bool {
	p := Detect()
	return p == WSL1 || p == WSL2
}

func (p Platform) String() string {
	switch p {
	case MacOS:
		return "macOS"
	case Linux:
		return "Linux"
	case WSL1:
		return "WSL1"
	case WSL2:
		return "WSL2"
	case Windows:
		return "Windows"
	default:
		return "Unknown"
	}
}

// WatchWarning explains why file change events for path may never arrive,
// or returns "" when they should work. Only Linux mounts are inspected.
func WatchWarning(path string) string {
	if runtime.GOOS != "linux" {
		return ""
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return ""
	}
	mounts, err := os.ReadFile("/proc/mounts")
	if err != nil {
		return ""
	}
	return warningFor(fsTypeOf(string(mounts), abs))
}

// fsTypeOf returns the filesystem type of the longest mount point that
// contains path. mounts is in /proc/mounts format.
func fsTypeOf(mounts, path string) string {
	var best, fsType string
	for _, line := range strings.Split(mounts, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		mp := fields[1]
		// Later lines shadow earlier mounts on the same point.
		if !within(path, mp) || len(mp) < len(best) {
			continue
		}
		best, fsType = mp, fields[2]
	}
	return fsType
}

func within(path, mountPoint string) bool {
	if mountPoint == "/" {
		return strings.HasPrefix(path, "/")
	}
	return path == mountPoint || strings.HasPrefix(path, mountPoint+"/")
}

func warningFor(fsType string) string {
	switch {
	case fsType == "9p":
		return "config is on a 9p mount (WSL2 Windows drive); live reload will not see edits"
	case fsType == "nfs" || fsType == "nfs4":
		return "config is on an NFS mount; live reload may miss edits"
	case fsType == "cifs" || fsType == "smbfs" || fsType == "smb3":
		return "config is on a CIFS/SMB mount; live reload may miss edits"
	case strings.HasPrefix(fsType, "fuse.sshfs"):
		return "config is on an SSHFS mount; live reload will not see edits"
	}
	return ""
}
