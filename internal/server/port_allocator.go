package server

import (
	"fmt"
	"net"
	"strings"

	"hostvisor/internal/domain"
	"hostvisor/internal/template"
)

// PortAllocator hands out host ports from the range stored in settings.
type PortAllocator struct {
	store     domain.SettingRepository
	available func(port int, protocol string) bool
}

func NewPortAllocator(store domain.SettingRepository) *PortAllocator {
	return &PortAllocator{store: store, available: isPortAvailable}
}

// Allocate picks a port for every requirement. Ports in used are skipped
// and the chosen ports are added to it.
func (a *PortAllocator) Allocate(reqs []template.PortRequirement, used map[int]bool) (map[string]int, error) {
	ports, _, err := a.Ensure(reqs, nil, used)
	return ports, err
}

// Ensure keeps each current port that is still free and reallocates the
// rest. changed reports whether any port differs from current.
func (a *PortAllocator) Ensure(reqs []template.PortRequirement, current map[string]int, used map[int]bool) (ports map[string]int, changed bool, err error) {
	if len(reqs) == 0 {
		return current, false, nil
	}

	start, end, err := a.store.GetPortRange()
	if err != nil {
		return nil, false, fmt.Errorf("error reading port range: %w", err)
	}

	ports = make(map[string]int, len(reqs))
	for _, req := range reqs {
		if port := current[req.Name]; port != 0 && !used[port] && a.available(port, protocolOf(req)) {
			ports[req.Name] = port
			used[port] = true
		}
	}
	for _, req := range reqs {
		if _, ok := ports[req.Name]; ok {
			continue
		}
		port, err := a.next(start, end, protocolOf(req), used)
		if err != nil {
			return nil, false, fmt.Errorf("port %s: %w", req.Name, err)
		}
		ports[req.Name] = port
		used[port] = true
		changed = true
	}
	return ports, changed, nil
}

func (a *PortAllocator) next(start, end int, protocol string, used map[int]bool) (int, error) {
	for port := start; port <= end; port++ {
		if used[port] {
			continue
		}
		if a.available(port, protocol) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w %d-%d", domain.ErrNoFreePort, start, end)
}

func protocolOf(req template.PortRequirement) string {
	if strings.EqualFold(req.Protocol, "udp") {
		return "udp"
	}
	return "tcp"
}

func isPortAvailable(port int, protocol string) bool {
	addr := fmt.Sprintf(":%d", port)
	if protocol == "udp" {
		conn, err := net.ListenPacket("udp", addr)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
