// Package sim provides an in-memory concentrator. It stands in for the
// hardware driver in tests and when the relay runs without a radio board.
package sim

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/loragw-relay/pkg/loragw"
)

// DriverName is the registry name of the simulator.
const DriverName = "sim"

// Call records one Concentrator method invocation.
type Call struct {
	Op    string // "board", "rf", "channel", "start"
	Index int    // radio or channel index, -1 for board/start
	Conf  any
}

// Concentrator is a scripted loragw.Concentrator.
type Concentrator struct {
	mu sync.Mutex

	calls    []Call
	batches  [][]loragw.RxPacket
	sent     []loragw.TxPacket
	failures map[string]error
	started  bool
	closed   bool

	// synthetic uplink generation, disabled when interval is 0
	interval time.Duration
	nextGen  time.Time
	counter  uint32
	now      func() time.Time

	release func()
}

// New returns an idle simulator.
func New() *Concentrator {
	return &Concentrator{
		failures: make(map[string]error),
		now:      time.Now,
	}
}

var (
	openMu sync.Mutex
	isOpen bool
)

func init() {
	loragw.Register(DriverName, Open)
}

// Open is the registry entry point. Only one simulator may be open at a
// time, mirroring exclusive hardware access. Recognised options:
//
//	uplink_interval  Go duration; emit one synthetic packet per interval
func Open(opts map[string]string) (loragw.Concentrator, error) {
	openMu.Lock()
	defer openMu.Unlock()

	if isOpen {
		return nil, loragw.ErrBusy
	}

	c := New()
	if v := opts["uplink_interval"]; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("uplink_interval: %w", err)
		}
		c.GenerateEvery(d)
	}

	isOpen = true
	c.release = func() {
		openMu.Lock()
		isOpen = false
		openMu.Unlock()
	}
	return c, nil
}

// GenerateEvery makes Receive return one synthetic uplink each time d has
// elapsed since the previous one.
func (c *Concentrator) GenerateEvery(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interval = d
	c.nextGen = c.now().Add(d)
}

// Enqueue appends batches that successive Receive calls return, one batch per call.
func (c *Concentrator) Enqueue(batches ...[]loragw.RxPacket) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, batches...)
}

// FailOn makes every later call of op ("board", "rf", "channel", "start",
// "receive", "transmit") return err. A nil err clears the failure.
func (c *Concentrator) FailOn(op string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.failures, op)
		return
	}
	c.failures[op] = err
}

// Calls returns a copy of the recorded configuration/start calls.
func (c *Concentrator) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// Transmitted returns a copy of every packet passed to Transmit.
func (c *Concentrator) Transmitted() []loragw.TxPacket {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]loragw.TxPacket(nil), c.sent...)
}

// Started reports whether Start succeeded.
func (c *Concentrator) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

func (c *Concentrator) stage(op string, index int, conf any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.New("concentrator closed")
	}
	if c.started {
		return loragw.ErrStarted
	}
	if err := c.failures[op]; err != nil {
		return err
	}
	c.calls = append(c.calls, Call{Op: op, Index: index, Conf: conf})
	return nil
}

// ConfigureBoard implements loragw.Concentrator
func (c *Concentrator) ConfigureBoard(conf loragw.BoardConf) error {
	return c.stage("board", -1, conf)
}

// ConfigureRFChain implements loragw.Concentrator
func (c *Concentrator) ConfigureRFChain(radio loragw.Radio, conf loragw.RxRFConf) error {
	if int(radio) >= loragw.NumRadios {
		return fmt.Errorf("radio %s out of range", radio)
	}
	return c.stage("rf", int(radio), conf)
}

// ConfigureChannel implements loragw.Concentrator
func (c *Concentrator) ConfigureChannel(index uint8, conf loragw.ChannelConf) error {
	if conf == nil {
		return fmt.Errorf("channel %d: nil configuration", index)
	}
	return c.stage("channel", int(index), conf)
}

// Start implements loragw.Concentrator
func (c *Concentrator) Start() error {
	if err := c.stage("start", -1, nil); err != nil {
		return err
	}

	c.mu.Lock()
	c.started = true
	c.mu.Unlock()

	log.Debug().Str("driver", DriverName).Msg("模拟集中器已启动")
	return nil
}

// Receive implements loragw.Concentrator
func (c *Concentrator) Receive() ([]loragw.RxPacket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return nil, loragw.ErrNotStarted
	}
	if err := c.failures["receive"]; err != nil {
		return nil, err
	}

	if len(c.batches) > 0 {
		b := c.batches[0]
		c.batches = c.batches[1:]
		if len(b) == 0 {
			return nil, nil
		}
		return b, nil
	}

	if c.interval > 0 && !c.now().Before(c.nextGen) {
		c.nextGen = c.now().Add(c.interval)
		c.counter++
		return []loragw.RxPacket{c.synthetic()}, nil
	}
	return nil, nil
}

func (c *Concentrator) synthetic() loragw.RxPacket {
	payload := []byte("sim-" + strconv.FormatUint(uint64(c.counter), 10))
	return loragw.RxPacket{
		Freq:       902_300_000 + (c.counter%8)*200_000,
		IFChain:    uint8(c.counter % 8),
		Status:     loragw.CRCOK,
		CountUS:    uint32(c.now().UnixMicro()),
		RFChain:    0,
		Modulation: loragw.ModulationLoRa,
		Bandwidth:  loragw.BW125kHz,
		Datarate:   loragw.SF7,
		CodeRate:   loragw.CR4_5,
		RSSI:       -60,
		SNR:        9.5,
		SNRMin:     8,
		SNRMax:     11,
		Payload:    payload,
	}
}

// Transmit implements loragw.Concentrator
func (c *Concentrator) Transmit(pkt loragw.TxPacket) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return loragw.ErrNotStarted
	}
	if err := c.failures["transmit"]; err != nil {
		return err
	}
	c.sent = append(c.sent, pkt)
	return nil
}

// Close implements loragw.Concentrator
func (c *Concentrator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	if c.release != nil {
		c.release()
	}
	return nil
}
