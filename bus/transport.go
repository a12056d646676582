package bus

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Config selects and parameterises a transport driver.
type Config struct {
	Interface   string `yaml:"interface" json:"interface"`
	Channel     string `yaml:"channel" json:"channel"`
	Bitrate     int    `yaml:"bitrate" json:"bitrate"`
	FD          bool   `yaml:"fd" json:"fd"`
	DataBitrate int    `yaml:"data_bitrate" json:"data_bitrate"`
}

func (c Config) String() string {
	return fmt.Sprintf("%s:%s@%d", c.Interface, c.Channel, c.Bitrate)
}

// Transport is an open connection to one bus channel. Recv and Send may be
// called from different goroutines; Shutdown unblocks a pending Recv.
type Transport interface {
	// Recv waits up to timeout for a frame. ok is false when the timeout
	// elapsed without traffic.
	Recv(timeout time.Duration) (f Frame, ok bool, err error)
	Send(f Frame) error
	Shutdown() error
}

// Opener creates a transport for a driver.
type Opener func(cfg Config) (Transport, error)

var (
	ErrUnknownInterface = errors.New("bus: unsupported interface")
	ErrClosed           = errors.New("bus: transport closed")
)

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]Opener)
)

// Register makes a driver available under name. Drivers call it from init.
func Register(name string, open Opener) {
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers[strings.ToLower(name)] = open
}

// Drivers lists registered interface names.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	out := make([]string, 0, len(drivers))
	for k := range drivers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Open creates a transport using the driver named by cfg.Interface.
func Open(cfg Config) (Transport, error) {
	driversMu.RLock()
	open, ok := drivers[strings.ToLower(cfg.Interface)]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrUnknownInterface, cfg.Interface, Drivers())
	}
	return open(cfg)
}
