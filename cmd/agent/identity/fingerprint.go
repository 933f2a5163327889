// Package identity establishes who this device is: the versioned
// hardware fingerprint submitted at registration and the enrollment
// state persisted once the control plane has answered.
package identity

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"warden/internal/crypto"
)

// Fingerprint derives the device fingerprint from stable hardware
// identifiers. Each collector falls back to the empty string when its
// source cannot be read, so the same machine always hashes the same
// regardless of which probes succeed.
func Fingerprint() string {
	return crypto.Fingerprint(
		machineID(),
		primaryMAC(),
		cpuID(),
		ramBytes(),
		rootDiskSerial(),
	)
}

func machineID() string {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if data, err := os.ReadFile(path); err == nil {
			if id := strings.TrimSpace(string(data)); id != "" {
				return id
			}
		}
	}
	return ""
}

func primaryMAC() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if len(iface.HardwareAddr) == 0 {
			continue
		}
		return iface.HardwareAddr.String()
	}
	return ""
}

func cpuID() string {
	data, err := os.ReadFile("/proc/cpuinfo")
	if err != nil {
		return ""
	}
	return parseCPUID(data)
}

// parseCPUID pulls the first model name out of /proc/cpuinfo, falling
// back to the Serial line ARM boards expose instead.
func parseCPUID(data []byte) string {
	serial := ""
	for _, line := range strings.Split(string(data), "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "model name" && value != "" {
			return value
		}
		if key == "Serial" && serial == "" {
			serial = value
		}
	}
	return serial
}

func ramBytes() string {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return ""
	}
	return parseMemTotal(data)
}

// parseMemTotal converts the MemTotal line of /proc/meminfo to a byte
// count string.
func parseMemTotal(data []byte) string {
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return ""
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return ""
		}
		return strconv.FormatInt(kb*1024, 10)
	}
	return ""
}

func rootDiskSerial() string {
	// Virtio and SATA devices expose the serial at different depths.
	for _, pattern := range []string{"/sys/block/*/serial", "/sys/block/*/device/serial"} {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		for _, path := range matches {
			name := filepath.Base(strings.TrimSuffix(path, "/device/serial"))
			if strings.HasPrefix(name, "loop") || strings.HasPrefix(name, "ram") {
				continue
			}
			if data, err := os.ReadFile(path); err == nil {
				if serial := strings.TrimSpace(string(data)); serial != "" {
					return serial
				}
			}
		}
	}
	return ""
}
