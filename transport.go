package canbus

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Transport moves raw frames over one adapter, socket or in-process channel.
// Implementations must be safe for one sender and one receiver goroutine and
// Send must return in bounded time.
type Transport interface {
	// Send transmits one frame.
	Send(ctx context.Context, frame *Frame) error
	// Recv waits up to timeout for a frame. It returns (nil, nil) when the
	// timeout expires; a negative timeout waits until ctx is done.
	Recv(ctx context.Context, timeout time.Duration) (*Frame, error)
	// SupportsFD reports whether CAN FD frames can be sent.
	SupportsFD() bool
	// SetFilters installs acceptance filters in hardware and reports whether
	// the transport applies them. Returning false makes the bus filter in software.
	SetFilters(filters []Filter) bool
	// Shutdown releases the transport.
	Shutdown() error
}

type TransportInfo struct {
	Name         string
	Description  string
	Capabilities TransportCapabilities
	New          func(context.Context, *Config) (Transport, error)
}

func (t *TransportInfo) String() string {
	return fmt.Sprintf("%s | %s, %s", t.Name, t.Description, t.Capabilities.String())
}

type TransportCapabilities struct {
	FD             bool
	HardwareFilter bool
	Timestamps     time.Duration // capture timestamp resolution, 0 if unknown
}

func (c *TransportCapabilities) String() string {
	return fmt.Sprintf("FD: %v, hardware filter: %v, timestamp resolution: %v", c.FD, c.HardwareFilter, c.Timestamps)
}

var (
	transportMu  sync.RWMutex
	transportMap = make(map[string]*TransportInfo)
)

// Register adds a transport to the registry. Transports call it from init().
func Register(info *TransportInfo) error {
	transportMu.Lock()
	defer transportMu.Unlock()
	key := strings.ToLower(info.Name)
	if _, found := transportMap[key]; found {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, info.Name)
	}
	transportMap[key] = info
	return nil
}

// NewTransport creates the transport named by cfg.Interface.
func NewTransport(ctx context.Context, cfg *Config) (Transport, error) {
	transportMu.RLock()
	info, found := transportMap[strings.ToLower(cfg.Interface)]
	transportMu.RUnlock()
	if !found {
		return nil, Unrecoverable(fmt.Errorf("%w %q", ErrUnknownTransport, cfg.Interface))
	}
	return info.New(ctx, cfg)
}

func ListTransportNames() []string {
	transportMu.RLock()
	defer transportMu.RUnlock()
	var out []string
	for _, t := range transportMap {
		out = append(out, t.Name)
	}
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i]) < strings.ToLower(out[j]) })
	return out
}

func ListTransports() []TransportInfo {
	transportMu.RLock()
	defer transportMu.RUnlock()
	var out []TransportInfo
	for _, t := range transportMap {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name) })
	return out
}
