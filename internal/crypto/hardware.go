package crypto

import (
	"runtime"

	"golang.org/x/sys/cpu"
)

// HasAESHardwareSupport checks if the CPU supports AES hardware acceleration.
// This uses CPU feature detection available in golang.org/x/sys/cpu.
func HasAESHardwareSupport() bool {
	switch runtime.GOARCH {
	case "amd64", "386":
		return cpu.X86.HasAES
	case "arm64":
		return cpu.ARM64.HasAES
	case "s390x":
		return cpu.S390X.HasAES
	default:
		return false
	}
}

// IsHardwareAccelerationEnabled reports whether hardware AES is both
// supported by the CPU and not disabled by the caller.
func IsHardwareAccelerationEnabled(disable bool) bool {
	if disable {
		return false
	}
	return HasAESHardwareSupport()
}

// GetHardwareAccelerationInfo returns information about hardware acceleration support,
// useful for inclusion in a self-check report or startup log line.
func GetHardwareAccelerationInfo(disableHardware bool) map[string]interface{} {
	return map[string]interface{}{
		"aes_hardware_support":         HasAESHardwareSupport(),
		"architecture":                 runtime.GOARCH,
		"goos":                         runtime.GOOS,
		"go_version":                   runtime.Version(),
		"hardware_acceleration_active": IsHardwareAccelerationEnabled(disableHardware),
	}
}
