package loragw

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrBusy is returned by Open when the driver already holds the hardware.
	ErrBusy = errors.New("concentrator already open")
	// ErrUnknownDriver is returned by Open for an unregistered driver name.
	ErrUnknownDriver = errors.New("unknown concentrator driver")
	// ErrStarted is returned when configuration is attempted after Start.
	ErrStarted = errors.New("concentrator already started")
	// ErrNotStarted is returned by Receive/Transmit before Start.
	ErrNotStarted = errors.New("concentrator not started")
)

// Concentrator is the contract the relay needs from a packet concentrator
// driver. Configuration calls stage state and must all happen before Start;
// there is no way back from Start short of Close.
type Concentrator interface {
	ConfigureBoard(conf BoardConf) error
	ConfigureRFChain(radio Radio, conf RxRFConf) error
	ConfigureChannel(index uint8, conf ChannelConf) error
	Start() error

	// Receive never blocks. It returns nil when nothing is queued, otherwise
	// every packet accumulated since the previous call.
	Receive() ([]RxPacket, error)
	Transmit(pkt TxPacket) error
	Close() error
}

// OpenFunc acquires exclusive access to a concentrator.
type OpenFunc func(opts map[string]string) (Concentrator, error)

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]OpenFunc)
)

// Register makes a driver available under name. Hardware bindings call it
// from an init function. Registering the same name twice panics.
func Register(name string, open OpenFunc) {
	driversMu.Lock()
	defer driversMu.Unlock()

	if open == nil {
		panic("loragw: Register open func is nil")
	}
	if _, dup := drivers[name]; dup {
		panic("loragw: Register called twice for driver " + name)
	}
	drivers[name] = open
}

// Drivers returns the sorted list of registered driver names.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()

	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open opens the named driver.
func Open(name string, opts map[string]string) (Concentrator, error) {
	driversMu.RLock()
	open, ok := drivers[name]
	driversMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", ErrUnknownDriver, name, Drivers())
	}

	c, err := open(opts)
	if err != nil {
		return nil, fmt.Errorf("open %s concentrator: %w", name, err)
	}
	return c, nil
}
