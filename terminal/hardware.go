// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package terminal derives and stores the identity of this POS terminal.
package terminal

import (
	"log/slog"
	"net"
	"runtime"
	"sort"
	"strings"

	"github.com/google/uuid"
)

var virtualPrefixes = []string{
	"lo", "docker", "veth", "br-", "virbr", "vmnet", "vboxnet", "tun", "tap", "utun", "zt", "wg", "vethernet",
}

// HardwareID returns a stable id for this machine: a name-based UUID (SHA-1,
// DNS namespace) of the first physical interface's MAC address. When no
// usable interface exists a random UUID is returned.
func HardwareID(logger *slog.Logger) string {
	if logger == nil {
		logger = slog.Default()
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		logger.Warn("Could not list network interfaces, using a random terminal id", "error", err)
		return uuid.NewString()
	}
	mac, ok := primaryMAC(ifaces)
	if !ok {
		logger.Warn("No physical network interface found, using a random terminal id")
		return uuid.NewString()
	}
	return HardwareIDFromMAC(mac)
}

// HardwareIDFromMAC hashes a MAC address into the terminal id. On Windows
// the address is rendered the way the OS reports it (upper-case, dashes) so
// ids stay the same as the ones registered by earlier clients.
func HardwareIDFromMAC(mac net.HardwareAddr) string {
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(formatMAC(mac, runtime.GOOS))).String()
}

func formatMAC(mac net.HardwareAddr, goos string) string {
	s := mac.String()
	if goos == "windows" {
		return strings.ToUpper(strings.ReplaceAll(s, ":", "-"))
	}
	return s
}

func primaryMAC(ifaces []net.Interface) (net.HardwareAddr, bool) {
	sorted := append([]net.Interface(nil), ifaces...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })
	for _, iface := range sorted {
		if iface.Flags&net.FlagLoopback != 0 || isVirtual(iface.Name) {
			continue
		}
		if len(iface.HardwareAddr) < 6 || isZeroMAC(iface.HardwareAddr) {
			continue
		}
		return iface.HardwareAddr, true
	}
	return nil, false
}

func isVirtual(name string) bool {
	lower := strings.ToLower(name)
	for _, p := range virtualPrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

func isZeroMAC(mac net.HardwareAddr) bool {
	for _, b := range mac {
		if b != 0 {
			return false
		}
	}
	return true
}
