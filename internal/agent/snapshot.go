package agent

import (
	"context"
	"net"
	"strings"

	"github.com/shirou/gopsutil/v3/host"
	psnet "github.com/shirou/gopsutil/v3/net"
	"golang.org/x/xerrors"
)

// HostInfo describes the workstation the agent runs on.
type HostInfo struct {
	MachineID   string
	MachineName string
	OSVersion   string
	IPAddress   string
}

// CollectHost reads host facts through gopsutil. The host ID becomes the
// machine ID; a missing ID falls back to the hostname.
func CollectHost(ctx context.Context) (HostInfo, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return HostInfo{}, xerrors.Errorf("host info: %w", err)
	}
	h := HostInfo{
		MachineID:   info.HostID,
		MachineName: info.Hostname,
		OSVersion:   strings.TrimSpace(info.Platform + " " + info.PlatformVersion),
	}
	if h.MachineID == "" {
		h.MachineID = info.Hostname
	}

	ifaces, err := psnet.InterfacesWithContext(ctx)
	if err != nil {
		return h, nil
	}
	h.IPAddress = primaryIPv4(ifaces)
	return h, nil
}

// primaryIPv4 returns the first non-loopback IPv4 address of an interface
// that is up.
func primaryIPv4(ifaces psnet.InterfaceStatList) string {
	for _, iface := range ifaces {
		if !hasFlag(iface.Flags, "up") || hasFlag(iface.Flags, "loopback") {
			continue
		}
		for _, a := range iface.Addrs {
			ip, _, err := net.ParseCIDR(a.Addr)
			if err != nil {
				ip = net.ParseIP(a.Addr)
			}
			if ip == nil || ip.IsLoopback() || ip.To4() == nil {
				continue
			}
			return ip.String()
		}
	}
	return ""
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}
