package forwarder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/loragw-relay/internal/channelplan"
	"github.com/lorawan-server/loragw-relay/internal/metrics"
	"github.com/lorawan-server/loragw-relay/internal/transport"
	"github.com/lorawan-server/loragw-relay/pkg/loragw"
)

var (
	// ErrNotConfigured is returned by Run before Configure succeeded.
	ErrNotConfigured = errors.New("forwarder not configured")
	// ErrAlreadyConfigured is returned by a second Configure call.
	ErrAlreadyConfigured = errors.New("forwarder already configured")
)

// Transport is the UDP pair the loop reads TX requests from and publishes
// uplinks to. *transport.UDPPair implements it.
type Transport interface {
	LocalAddr() *net.UDPAddr
	PublishAddr() *net.UDPAddr
	Poll(buf []byte) ([]byte, error)
	Publish(b []byte) error
}

// Mirror is a secondary best-effort sink for forwarded packets.
type Mirror interface {
	PublishUplink(gatewayID loragw.EUI64, rxpk loragw.Rxpk) error
}

// DefaultMirrorQueue is the number of uplinks buffered for the mirror when
// Options.MirrorQueue is zero.
const DefaultMirrorQueue = 256

// readErrorBackoff pauses the loop after a listen read error that is
// neither a timeout nor a closed socket.
const readErrorBackoff = 50 * time.Millisecond

// Options tune the loop. The zero value is silent, has no mirror or
// metrics, and ignores TX requests.
type Options struct {
	PrintLevel      int
	Output          io.Writer
	GatewayID       loragw.EUI64
	TransmitEnabled bool
	Mirror          Mirror
	MirrorQueue     int
	Metrics         *metrics.Collector
	Now             func() time.Time
}

// Forwarder drains the concentrator and relays packets over UDP.
type Forwarder struct {
	conc    loragw.Concentrator
	tr      Transport
	opts    Options
	printer *Printer

	// listen-side receive buffer, owned by the loop and reused every poll
	buf []byte

	// uplinks waiting for the mirror worker; nil without a mirror
	mirrorQ chan loragw.Rxpk

	// sampled loggers for warnings that can repeat on every iteration
	readErrLog zerolog.Logger
	dropLog    zerolog.Logger

	configured atomic.Bool
	running    atomic.Bool
}

// New validates the transport addresses and returns an unconfigured forwarder.
func New(conc loragw.Concentrator, tr Transport, opts Options) (*Forwarder, error) {
	if conc == nil {
		return nil, errors.New("nil concentrator")
	}
	if tr == nil {
		return nil, errors.New("nil transport")
	}

	la, pa := tr.LocalAddr(), tr.PublishAddr()
	if la.IP.Equal(pa.IP) && la.Port == pa.Port {
		return nil, fmt.Errorf("%w: %s", transport.ErrSameAddress, la)
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}

	f := &Forwarder{
		conc:       conc,
		tr:         tr,
		opts:       opts,
		printer:    NewPrinter(opts.Output, opts.PrintLevel),
		buf:        make([]byte, transport.MaxDatagram),
		readErrLog: log.Sample(&zerolog.BurstSampler{Burst: 1, Period: 10 * time.Second}),
		dropLog:    log.Sample(&zerolog.BurstSampler{Burst: 1, Period: 10 * time.Second}),
	}
	if opts.Mirror != nil {
		size := opts.MirrorQueue
		if size <= 0 {
			size = DefaultMirrorQueue
		}
		f.mirrorQ = make(chan loragw.Rxpk, size)
	}
	return f, nil
}

// Configure applies the channel plan and starts the concentrator. Any
// failure is fatal: the concentrator is left unstarted and Run refuses to go.
func (f *Forwarder) Configure(plan channelplan.Plan) error {
	if !f.configured.CompareAndSwap(false, true) {
		return ErrAlreadyConfigured
	}

	if err := plan.Apply(f.conc); err != nil {
		f.configured.Store(false)
		return fmt.Errorf("apply channel plan: %w", err)
	}

	if err := f.conc.Start(); err != nil {
		f.configured.Store(false)
		return fmt.Errorf("start concentrator: %w", err)
	}

	f.running.Store(true)
	log.Info().
		Int("rfChains", len(plan.RFChains)).
		Int("channels", len(plan.Channels)).
		Msg("集中器已启动")
	return nil
}

// Running reports whether the forwarder has left the configuring state.
func (f *Forwarder) Running() bool {
	return f.running.Load()
}

// Run alternates between draining the concentrator and polling the listen
// endpoint until ctx is done or a fatal error occurs. ctx is checked once
// per iteration, so cancellation takes at most one poll interval.
//
// With a mirror configured, Run also owns the mirror worker. Run returns
// after the worker has handed the still queued uplinks to the mirror.
func (f *Forwarder) Run(ctx context.Context) error {
	if !f.running.Load() {
		return ErrNotConfigured
	}

	if f.mirrorQ != nil {
		stop, done := make(chan struct{}), make(chan struct{})
		go f.mirrorLoop(stop, done)
		defer func() {
			close(stop)
			<-done
		}()
	}

	log.Info().
		Str("listen", f.tr.LocalAddr().String()).
		Str("publish", f.tr.PublishAddr().String()).
		Msg("转发循环已启动")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := f.drain(); err != nil {
			return err
		}
		if err := f.poll(); err != nil {
			return err
		}
	}
}

// drain forwards every queued packet, batch by batch, until Receive reports
// an empty queue.
func (f *Forwarder) drain() error {
	for {
		pkts, err := f.conc.Receive()
		if err != nil {
			return fmt.Errorf("receive: %w", err)
		}
		if len(pkts) == 0 {
			return nil
		}

		f.opts.Metrics.Batch()
		now := f.opts.Now()
		for i := range pkts {
			if err := f.forward(&pkts[i], now); err != nil {
				return err
			}
		}
	}
}

func (f *Forwarder) forward(pkt *loragw.RxPacket, now time.Time) error {
	rxpk := loragw.NewRxpk(*pkt, now)

	data, err := json.Marshal(loragw.PushPayload{Rxpk: []loragw.Rxpk{rxpk}})
	if err != nil {
		return fmt.Errorf("encode rxpk: %w", err)
	}

	if err := f.tr.Publish(data); err != nil {
		return err
	}
	f.opts.Metrics.Forwarded(len(data))

	f.printer.Print(pkt)

	log.Debug().
		Uint32("freq", pkt.Freq).
		Uint8("chan", pkt.IFChain).
		Str("datr", rxpk.Datr.LoRa).
		Int("size", len(pkt.Payload)).
		Msg("上行数据已转发")

	if f.mirrorQ != nil {
		select {
		case f.mirrorQ <- rxpk:
		default:
			f.opts.Metrics.MirrorError()
			f.dropLog.Warn().Int("queue", cap(f.mirrorQ)).Msg("镜像队列已满，丢弃上行数据")
		}
	}
	return nil
}

// mirrorLoop publishes queued uplinks until stop is closed, then flushes
// whatever is still buffered.
func (f *Forwarder) mirrorLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case rxpk := <-f.mirrorQ:
			f.mirror(rxpk)
		case <-stop:
			for {
				select {
				case rxpk := <-f.mirrorQ:
					f.mirror(rxpk)
				default:
					return
				}
			}
		}
	}
}

func (f *Forwarder) mirror(rxpk loragw.Rxpk) {
	if err := f.opts.Mirror.PublishUplink(f.opts.GatewayID, rxpk); err != nil {
		f.opts.Metrics.MirrorError()
		log.Error().Err(err).Msg("镜像上行数据失败")
	}
}

// poll waits one interval for a TX request. Only a closed socket ends the
// loop; other read errors are logged at a sampled rate and the next drain
// follows after a short pause.
func (f *Forwarder) poll() error {
	data, err := f.tr.Poll(f.buf)
	switch {
	case err == nil:
	case errors.Is(err, transport.ErrPollTimeout):
		f.opts.Metrics.PollTimeout()
		return nil
	case errors.Is(err, net.ErrClosed):
		return fmt.Errorf("poll listen endpoint: %w", err)
	default:
		f.opts.Metrics.ReadError()
		f.readErrLog.Warn().Err(err).Msg("读取监听端口失败")
		time.Sleep(readErrorBackoff)
		return nil
	}

	f.handleTxRequest(data)
	return nil
}

func (f *Forwarder) handleTxRequest(data []byte) {
	log.Debug().
		Int("size", len(data)).
		Hex("data", data).
		Msg("收到下行请求")

	pkt, err := loragw.DecodeTxRequest(data)
	if err != nil {
		f.opts.Metrics.TxRequest(metrics.TxInvalid)
		log.Warn().Err(err).Int("size", len(data)).Msg("丢弃无效下行请求")
		return
	}

	if !f.opts.TransmitEnabled {
		f.opts.Metrics.TxRequest(metrics.TxIgnored)
		log.Info().
			Uint32("freq", pkt.Freq).
			Int("size", len(pkt.Payload)).
			Msg("发送已禁用，忽略下行请求")
		return
	}

	if err := f.conc.Transmit(pkt); err != nil {
		f.opts.Metrics.TxRequest(metrics.TxFailed)
		log.Error().Err(err).Uint32("freq", pkt.Freq).Msg("发送失败")
		return
	}

	f.opts.Metrics.TxRequest(metrics.TxTransmitted)
	log.Info().
		Uint32("freq", pkt.Freq).
		Bool("immediate", pkt.Immediate).
		Uint32("tmst", pkt.CountUS).
		Int("size", len(pkt.Payload)).
		Msg("下行请求已交给集中器")
}
