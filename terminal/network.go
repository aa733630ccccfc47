// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package terminal

import (
	"bufio"
	"context"
	"encoding/hex"
	"io"
	"net"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/ModulabyAddsy/modula-pos/transport"
)

const probeTimeout = 3 * time.Second

// Fingerprint collects the gateway MAC and Wi-Fi SSID the terminal is
// attached to. Either field may be empty; probing never fails.
func Fingerprint(ctx context.Context) transport.NetworkFingerprint {
	return transport.NetworkFingerprint{
		GatewayMAC: gatewayMAC(),
		SSID:       currentSSID(ctx),
	}
}

func gatewayMAC() string {
	if runtime.GOOS != "linux" {
		if ifaces, err := net.Interfaces(); err == nil {
			if mac, ok := primaryMAC(ifaces); ok {
				return mac.String()
			}
		}
		return ""
	}
	route, err := os.Open("/proc/net/route")
	if err != nil {
		return ""
	}
	defer route.Close()
	gw := parseDefaultGateway(route)
	if gw == "" {
		return ""
	}
	arp, err := os.Open("/proc/net/arp")
	if err != nil {
		return ""
	}
	defer arp.Close()
	return lookupARP(arp, gw)
}

// parseDefaultGateway reads /proc/net/route and returns the default gateway
// as a dotted IPv4 address.
func parseDefaultGateway(r io.Reader) string {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 || fields[1] != "00000000" {
			continue
		}
		raw, err := hex.DecodeString(fields[2])
		if err != nil || len(raw) != 4 {
			continue
		}
		// The kernel prints the address in host (little-endian) order.
		return net.IPv4(raw[3], raw[2], raw[1], raw[0]).String()
	}
	return ""
}

// lookupARP finds the hardware address of ip in /proc/net/arp.
func lookupARP(r io.Reader, ip string) string {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) >= 4 && fields[0] == ip && fields[3] != "00:00:00:00:00:00" {
			return fields[3]
		}
	}
	return ""
}

func currentSSID(ctx context.Context) string {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	switch runtime.GOOS {
	case "windows":
		out, err := exec.CommandContext(ctx, "netsh", "wlan", "show", "interfaces").Output()
		if err != nil {
			return ""
		}
		return parseNetshSSID(string(out))
	case "linux":
		out, err := exec.CommandContext(ctx, "iwgetid", "-r").Output()
		if err != nil {
			return ""
		}
		return strings.TrimSpace(string(out))
	default:
		return ""
	}
}

// parseNetshSSID extracts the SSID from `netsh wlan show interfaces` output,
// ignoring the BSSID line.
func parseNetshSSID(out string) string {
	for _, line := range strings.Split(out, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if strings.TrimSpace(key) == "SSID" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
