package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/loragw-relay/internal/channelplan"
	"github.com/lorawan-server/loragw-relay/internal/metrics"
	"github.com/lorawan-server/loragw-relay/internal/transport"
	"github.com/lorawan-server/loragw-relay/pkg/loragw"
	"github.com/lorawan-server/loragw-relay/pkg/loragw/sim"
)

type pollResult struct {
	data []byte
	err  error
}

// fakeTransport scripts Poll results and records the order of operations.
type fakeTransport struct {
	mu sync.Mutex

	local      *net.UDPAddr
	publish    *net.UDPAddr
	polls      []pollResult
	publishErr error
	afterPoll  func(n int)

	events    []string
	published [][]byte
	pollCount int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		local:   &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 31338},
		publish: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 31337},
	}
}

func (f *fakeTransport) LocalAddr() *net.UDPAddr   { return f.local }
func (f *fakeTransport) PublishAddr() *net.UDPAddr { return f.publish }

func (f *fakeTransport) Poll(buf []byte) ([]byte, error) {
	f.mu.Lock()
	f.events = append(f.events, "poll")
	f.pollCount++
	n := f.pollCount

	var res pollResult
	if len(f.polls) > 0 {
		res = f.polls[0]
		f.polls = f.polls[1:]
	} else {
		res.err = transport.ErrPollTimeout
	}
	hook := f.afterPoll
	f.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	if res.err != nil {
		return nil, res.err
	}
	return buf[:copy(buf, res.data)], nil
}

func (f *fakeTransport) Publish(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.events = append(f.events, "publish")
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, append([]byte(nil), b...))
	return nil
}

// fakeMirror records the gateway of every uplink it is handed. delay and
// block stand in for a slow or stalled broker.
type fakeMirror struct {
	err   error
	delay time.Duration
	block chan struct{}

	mu       sync.Mutex
	gateways []loragw.EUI64
}

func (m *fakeMirror) PublishUplink(id loragw.EUI64, _ loragw.Rxpk) error {
	if m.block != nil {
		<-m.block
	}
	time.Sleep(m.delay)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.gateways = append(m.gateways, id)
	return m.err
}

func (m *fakeMirror) received() []loragw.EUI64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]loragw.EUI64(nil), m.gateways...)
}

func packet(payload string) loragw.RxPacket {
	return loragw.RxPacket{
		Freq:       911_100_000,
		Status:     loragw.CRCOK,
		Modulation: loragw.ModulationLoRa,
		Bandwidth:  loragw.BW125kHz,
		Datarate:   loragw.SF10,
		CodeRate:   loragw.CR4_5,
		RSSI:       -100,
		SNR:        -3.5,
		Payload:    []byte(payload),
	}
}

// started returns a forwarder over a simulator that has been configured and
// started, and a context canceled after the stopAfter-th poll.
func started(t *testing.T, tr *fakeTransport, opts Options, stopAfter int) (*Forwarder, *sim.Concentrator, context.Context) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	tr.afterPoll = func(n int) {
		if n >= stopAfter {
			cancel()
		}
	}

	conc := sim.New()
	f, err := New(conc, tr, opts)
	require.NoError(t, err)
	require.NoError(t, f.Configure(channelplan.Default()))
	return f, conc, ctx
}

func payloads(t *testing.T, datagrams [][]byte) []string {
	t.Helper()
	var out []string
	for _, d := range datagrams {
		var body loragw.PushPayload
		require.NoError(t, json.Unmarshal(d, &body))
		require.Len(t, body.Rxpk, 1)
		out = append(out, body.Rxpk[0].Data)
	}
	return out
}

func TestNewRejectsSameAddress(t *testing.T) {
	tr := newFakeTransport()
	tr.publish = tr.local

	_, err := New(sim.New(), tr, Options{})
	assert.ErrorIs(t, err, transport.ErrSameAddress)
}

func TestRunBeforeConfigure(t *testing.T) {
	f, err := New(sim.New(), newFakeTransport(), Options{})
	require.NoError(t, err)

	assert.False(t, f.Running())
	assert.ErrorIs(t, f.Run(context.Background()), ErrNotConfigured)
}

func TestConfigureStartsAfterPlan(t *testing.T) {
	conc := sim.New()
	f, err := New(conc, newFakeTransport(), Options{})
	require.NoError(t, err)

	require.NoError(t, f.Configure(channelplan.Default()))
	assert.True(t, f.Running())
	assert.ErrorIs(t, f.Configure(channelplan.Default()), ErrAlreadyConfigured)

	calls := conc.Calls()
	require.Len(t, calls, 14)
	assert.Equal(t, "board", calls[0].Op)
	assert.Equal(t, "start", calls[13].Op)
}

func TestConfigureFailureIsFatal(t *testing.T) {
	boom := errors.New("radio calibration failed")

	for _, op := range []string{"board", "rf", "channel", "start"} {
		t.Run(op, func(t *testing.T) {
			conc := sim.New()
			conc.FailOn(op, boom)

			f, err := New(conc, newFakeTransport(), Options{})
			require.NoError(t, err)

			err = f.Configure(channelplan.Default())
			assert.ErrorIs(t, err, boom)
			assert.False(t, conc.Started())
			assert.False(t, f.Running())
			assert.ErrorIs(t, f.Run(context.Background()), ErrNotConfigured)
		})
	}
}

func TestDrainBatchBeforePoll(t *testing.T) {
	tr := newFakeTransport()
	f, conc, ctx := started(t, tr, Options{}, 1)
	conc.Enqueue([]loragw.RxPacket{packet("A"), packet("B")})

	err := f.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, []string{"publish", "publish", "poll"}, tr.events)
	assert.Equal(t, []string{"QQ==", "Qg=="}, payloads(t, tr.published))
}

func TestDrainContinuesUntilEmpty(t *testing.T) {
	tr := newFakeTransport()
	f, conc, ctx := started(t, tr, Options{}, 2)
	conc.Enqueue(
		[]loragw.RxPacket{packet("A"), packet("B")},
		[]loragw.RxPacket{packet("C")},
	)

	require.ErrorIs(t, f.Run(ctx), context.Canceled)

	assert.Equal(t, []string{"publish", "publish", "publish", "poll", "poll"}, tr.events)
	assert.Equal(t, []string{"QQ==", "Qg==", "Qw=="}, payloads(t, tr.published))
}

func TestEmptyReceiveGoesStraightToPoll(t *testing.T) {
	tr := newFakeTransport()
	f, _, ctx := started(t, tr, Options{}, 3)

	require.ErrorIs(t, f.Run(ctx), context.Canceled)

	assert.Equal(t, []string{"poll", "poll", "poll"}, tr.events)
	assert.Empty(t, tr.published)
}

func TestPublishFailureIsFatal(t *testing.T) {
	boom := errors.New("network unreachable")
	tr := newFakeTransport()
	tr.publishErr = boom
	f, conc, ctx := started(t, tr, Options{}, 100)
	conc.Enqueue([]loragw.RxPacket{packet("A"), packet("B")})

	err := f.Run(ctx)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"publish"}, tr.events)
}

func TestReceiveFailureIsFatal(t *testing.T) {
	boom := errors.New("usb disconnected")
	tr := newFakeTransport()
	f, conc, ctx := started(t, tr, Options{}, 100)
	conc.FailOn("receive", boom)

	err := f.Run(ctx)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, tr.events)
}

func TestPollErrors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.NewCollector(reg)
	require.NoError(t, err)

	tr := newFakeTransport()
	tr.polls = []pollResult{
		{err: errors.New("connection refused")},
		{err: transport.ErrPollTimeout},
		{err: net.ErrClosed},
	}
	f, _, ctx := started(t, tr, Options{Metrics: m}, 100)

	err = f.Run(ctx)
	assert.ErrorIs(t, err, net.ErrClosed)
	assert.Equal(t, 3, tr.pollCount)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReadErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PollTimeouts))
}

func TestRepeatedReadErrorsAreThrottled(t *testing.T) {
	var out bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&out)
	t.Cleanup(func() { log.Logger = prev })

	reg := prometheus.NewRegistry()
	m, err := metrics.NewCollector(reg)
	require.NoError(t, err)

	tr := newFakeTransport()
	for i := 0; i < 5; i++ {
		tr.polls = append(tr.polls, pollResult{err: errors.New("connection refused")})
	}
	tr.polls = append(tr.polls, pollResult{err: net.ErrClosed})
	f, _, ctx := started(t, tr, Options{Metrics: m}, 100)

	begin := time.Now()
	require.ErrorIs(t, f.Run(ctx), net.ErrClosed)

	assert.Equal(t, 6, tr.pollCount)
	assert.Equal(t, 5.0, testutil.ToFloat64(m.ReadErrors))
	assert.Equal(t, 1, bytes.Count(out.Bytes(), []byte("读取监听端口失败")))
	assert.GreaterOrEqual(t, time.Since(begin), 5*readErrorBackoff)
}

const txRequest = `{"txpk":{"imme":true,"freq":923.3,"rfch":0,"powe":20,"modu":"LORA","datr":"SF12BW500","codr":"4/5","ipol":true,"size":3,"data":"AQID"}}`

func TestTxRequestTransmitted(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.NewCollector(reg)
	require.NoError(t, err)

	tr := newFakeTransport()
	tr.polls = []pollResult{{data: []byte(txRequest)}}
	f, conc, ctx := started(t, tr, Options{TransmitEnabled: true, Metrics: m}, 2)

	require.ErrorIs(t, f.Run(ctx), context.Canceled)

	sent := conc.Transmitted()
	require.Len(t, sent, 1)
	assert.Equal(t, uint32(923_300_000), sent[0].Freq)
	assert.Equal(t, []byte{1, 2, 3}, sent[0].Payload)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TxRequests.WithLabelValues(metrics.TxTransmitted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PollTimeouts))
}

func TestTxRequestIgnoredWhenDisabled(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.NewCollector(reg)
	require.NoError(t, err)

	tr := newFakeTransport()
	tr.polls = []pollResult{{data: []byte(txRequest)}, {data: []byte("garbage")}}
	f, conc, ctx := started(t, tr, Options{Metrics: m}, 2)

	require.ErrorIs(t, f.Run(ctx), context.Canceled)

	assert.Empty(t, conc.Transmitted())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TxRequests.WithLabelValues(metrics.TxIgnored)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TxRequests.WithLabelValues(metrics.TxInvalid)))
}

func TestTransmitFailureIsNotFatal(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.NewCollector(reg)
	require.NoError(t, err)

	tr := newFakeTransport()
	tr.polls = []pollResult{{data: []byte(txRequest)}}
	f, conc, ctx := started(t, tr, Options{TransmitEnabled: true, Metrics: m}, 3)
	conc.FailOn("transmit", errors.New("tx busy"))

	require.ErrorIs(t, f.Run(ctx), context.Canceled)
	assert.Equal(t, 3, tr.pollCount)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TxRequests.WithLabelValues(metrics.TxFailed)))
}

func TestMetricsAndMirror(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.NewCollector(reg)
	require.NoError(t, err)

	gw := loragw.EUI64{1, 2, 3, 4, 5, 6, 7, 8}
	mirror := &fakeMirror{err: errors.New("nats: connection closed")}

	tr := newFakeTransport()
	f, conc, ctx := started(t, tr, Options{Metrics: m, Mirror: mirror, GatewayID: gw}, 1)
	conc.Enqueue([]loragw.RxPacket{packet("A"), packet("B")})

	require.ErrorIs(t, f.Run(ctx), context.Canceled)

	require.Len(t, tr.published, 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.UplinkPackets))
	assert.Equal(t, float64(len(tr.published[0])+len(tr.published[1])), testutil.ToFloat64(m.UplinkBytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DrainBatches))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.MirrorErrors))
	assert.Equal(t, []loragw.EUI64{gw, gw}, mirror.received())
}

func TestSlowMirrorDoesNotDelayLoop(t *testing.T) {
	mirror := &fakeMirror{delay: 100 * time.Millisecond}

	tr := newFakeTransport()
	f, conc, ctx := started(t, tr, Options{Mirror: mirror}, 1)
	conc.Enqueue([]loragw.RxPacket{packet("A"), packet("B"), packet("C"), packet("D"), packet("E")})

	var firstPoll time.Duration
	begin := time.Now()
	stop := tr.afterPoll
	tr.afterPoll = func(n int) {
		if n == 1 {
			firstPoll = time.Since(begin)
		}
		stop(n)
	}

	require.ErrorIs(t, f.Run(ctx), context.Canceled)

	assert.Equal(t, []string{"publish", "publish", "publish", "publish", "publish", "poll"}, tr.events)
	assert.Less(t, firstPoll, 100*time.Millisecond)
	assert.Len(t, mirror.received(), 5)
}

func TestMirrorQueueFullDropsUplink(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.NewCollector(reg)
	require.NoError(t, err)

	release := make(chan struct{})
	mirror := &fakeMirror{block: release}

	tr := newFakeTransport()
	f, conc, ctx := started(t, tr, Options{Mirror: mirror, MirrorQueue: 1, Metrics: m}, 1)
	conc.Enqueue([]loragw.RxPacket{packet("A"), packet("B"), packet("C"), packet("D")})

	stop := tr.afterPoll
	tr.afterPoll = func(n int) {
		if n == 1 {
			close(release)
		}
		stop(n)
	}

	require.ErrorIs(t, f.Run(ctx), context.Canceled)

	require.Len(t, tr.published, 4)
	dropped := testutil.ToFloat64(m.MirrorErrors)
	assert.GreaterOrEqual(t, dropped, 2.0)
	assert.Equal(t, 4, len(mirror.received())+int(dropped))
}

func TestPrintLevels(t *testing.T) {
	for _, level := range []int{0, 1, 2} {
		var out bytes.Buffer
		tr := newFakeTransport()
		f, conc, ctx := started(t, tr, Options{PrintLevel: level, Output: &out}, 1)
		conc.Enqueue([]loragw.RxPacket{packet("A")})

		require.ErrorIs(t, f.Run(ctx), context.Canceled)

		switch level {
		case 0:
			assert.Empty(t, out.String())
		case 1:
			assert.Contains(t, out.String(), "Freq:911100000")
			assert.Equal(t, 1, bytes.Count(bytes.TrimSpace(out.Bytes()), []byte("\n"))+1)
		case 2:
			assert.Contains(t, out.String(), `"Freq": 911100000`)
			assert.Greater(t, bytes.Count(out.Bytes(), []byte("\n")), 10)
		}
	}
}

// End-to-end over real loopback sockets.

func publishSink(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestEndToEndForwardsBatch(t *testing.T) {
	out := publishSink(t)
	tr, err := transport.Listen("127.0.0.1:0", out.LocalAddr().String(), 100*time.Millisecond)
	require.NoError(t, err)
	defer tr.Close()

	conc := sim.New()
	f, err := New(conc, tr, Options{})
	require.NoError(t, err)
	require.NoError(t, f.Configure(channelplan.Default()))
	conc.Enqueue([]loragw.RxPacket{packet("A"), packet("B")})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.Run(ctx) }()

	var got [][]byte
	buf := make([]byte, 2048)
	for i := 0; i < 2; i++ {
		require.NoError(t, out.SetReadDeadline(time.Now().Add(2*time.Second)))
		n, _, err := out.ReadFromUDP(buf)
		require.NoError(t, err)
		got = append(got, append([]byte(nil), buf[:n]...))
	}
	assert.Equal(t, []string{"QQ==", "Qg=="}, payloads(t, got))

	// nothing else follows
	require.NoError(t, out.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, _, err = out.ReadFromUDP(buf)
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestEndToEndIdleWindow(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.NewCollector(reg)
	require.NoError(t, err)

	out := publishSink(t)
	tr, err := transport.Listen("127.0.0.1:0", out.LocalAddr().String(), 100*time.Millisecond)
	require.NoError(t, err)
	defer tr.Close()

	f, err := New(sim.New(), tr, Options{Metrics: m})
	require.NoError(t, err)
	require.NoError(t, f.Configure(channelplan.Default()))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.Run(ctx) }()

	require.NoError(t, out.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err = out.ReadFromUDP(make([]byte, 64))
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded, "no datagram expected while idle")

	select {
	case err := <-errCh:
		t.Fatalf("Run exited while idle: %v", err)
	default:
	}
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.PollTimeouts), 5.0)

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
