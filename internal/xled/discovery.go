package xled

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sort"
	"time"
)

// DiscoveryAddr is the LAN broadcast target the lights listen on.
const DiscoveryAddr = "255.255.255.255:5555"

const (
	defaultDiscoverTimeout = 3 * time.Second
	maxDiscoverPayload     = 512
)

// discoverProbe is the magic datagram the lights answer to.
var discoverProbe = []byte("\x01discover")

// DiscoveredDevice is one answer to a discovery broadcast.
type DiscoveredDevice struct {
	IP   string `json:"ip"`
	Name string `json:"name"`
}

// DiscoverOptions tune a discovery round. The zero value broadcasts on the
// local network for three seconds.
type DiscoverOptions struct {
	// Addr overrides the probe target, mainly for tests.
	Addr    string
	Timeout time.Duration
}

// Discover broadcasts a probe datagram and collects answers until the
// timeout or the context expires, whichever comes first. Duplicate answers
// from the same address fold into one entry.
func Discover(ctx context.Context, opts DiscoverOptions) ([]DiscoveredDevice, error) {
	addr := opts.Addr
	if addr == "" {
		addr = DiscoveryAddr
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultDiscoverTimeout
	}

	target, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve discovery target: %w", err)
	}

	lc := net.ListenConfig{Control: broadcastControl}
	pc, err := lc.ListenPacket(ctx, "udp4", ":0")
	if err != nil {
		return nil, fmt.Errorf("open discovery socket: %w", err)
	}
	defer pc.Close()

	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := pc.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("arm discovery deadline: %w", err)
	}

	if _, err := pc.WriteTo(discoverProbe, target); err != nil {
		return nil, fmt.Errorf("send discovery probe: %w", err)
	}

	stop := context.AfterFunc(ctx, func() { _ = pc.SetDeadline(time.Now()) })
	defer stop()

	seen := make(map[string]DiscoveredDevice)
	buf := make([]byte, maxDiscoverPayload)
	for {
		n, from, err := pc.ReadFrom(buf)
		if err != nil {
			break
		}
		device, ok := parseDiscoverAnswer(buf[:n], from)
		if !ok {
			continue
		}
		seen[device.IP] = device
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	devices := make([]DiscoveredDevice, 0, len(seen))
	for _, device := range seen {
		devices = append(devices, device)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].IP < devices[j].IP })
	return devices, nil
}

// parseDiscoverAnswer decodes a discovery datagram: four IP octets in
// reverse order, the literal "OK", then the device name up to a zero byte.
func parseDiscoverAnswer(payload []byte, from net.Addr) (DiscoveredDevice, bool) {
	if len(payload) < 7 || payload[4] != 'O' || payload[5] != 'K' {
		return DiscoveredDevice{}, false
	}
	ip := net.IPv4(payload[3], payload[2], payload[1], payload[0])
	name := payload[6:]
	if idx := bytes.IndexByte(name, 0); idx >= 0 {
		name = name[:idx]
	}
	device := DiscoveredDevice{IP: ip.String(), Name: string(name)}
	if device.IP == "0.0.0.0" {
		if udp, ok := from.(*net.UDPAddr); ok {
			device.IP = udp.IP.String()
		}
	}
	return device, true
}
