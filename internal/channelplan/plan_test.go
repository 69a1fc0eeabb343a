package channelplan

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/loragw-relay/pkg/loragw"
	"github.com/lorawan-server/loragw-relay/pkg/loragw/sim"
)

// recorder logs configuration calls and fails the one named in failAt.
type recorder struct {
	calls  []string
	failAt string
	err    error
}

func (r *recorder) record(call string) error {
	r.calls = append(r.calls, call)
	if call == r.failAt {
		return r.err
	}
	return nil
}

func (r *recorder) ConfigureBoard(loragw.BoardConf) error {
	return r.record("board")
}

func (r *recorder) ConfigureRFChain(radio loragw.Radio, _ loragw.RxRFConf) error {
	return r.record(fmt.Sprintf("rf%d", radio))
}

func (r *recorder) ConfigureChannel(index uint8, _ loragw.ChannelConf) error {
	return r.record(fmt.Sprintf("ch%d", index))
}

func TestDefaultPlan(t *testing.T) {
	p := Default()
	require.NoError(t, p.Validate())

	assert.Equal(t, loragw.BoardConf{LorawanPublic: false, ClockSource: loragw.R1}, p.Board)
	require.Len(t, p.RFChains, 2)
	assert.Equal(t, uint32(911_500_000), p.RFChains[0].Conf.Freq)
	assert.True(t, p.RFChains[0].Conf.TxEnable)
	assert.Equal(t, uint32(126_000), p.RFChains[0].Conf.TxNotchFreq)
	assert.Equal(t, uint32(903_500_000), p.RFChains[1].Conf.Freq)
	assert.False(t, p.RFChains[1].Conf.TxEnable)

	require.Len(t, p.Channels, NumChannels)
	assert.Equal(t, loragw.Multirate{Radio: loragw.R0, Offset: -400_000}, p.Channels[0].Conf)
	assert.Equal(t, loragw.Multirate{Radio: loragw.R1, Offset: 200_000}, p.Channels[7].Conf)
	assert.Equal(t, loragw.Fixed{
		Radio:     loragw.R0,
		Offset:    300_000,
		Bandwidth: loragw.BW500kHz,
		Spreading: loragw.SF8,
	}, p.Channels[8].Conf)
	assert.Equal(t, loragw.Disabled{}, p.Channels[9].Conf)
}

func TestApplyOrder(t *testing.T) {
	r := &recorder{}
	require.NoError(t, Default().Apply(r))

	assert.Equal(t, []string{
		"board", "rf0", "rf1",
		"ch0", "ch1", "ch2", "ch3", "ch4", "ch5", "ch6", "ch7", "ch8", "ch9",
	}, r.calls)
}

func TestApplyToSimulator(t *testing.T) {
	c := sim.New()
	require.NoError(t, Default().Apply(c))

	calls := c.Calls()
	require.Len(t, calls, 13)
	assert.Equal(t, "board", calls[0].Op)
	for i := 0; i < 10; i++ {
		assert.Equal(t, "channel", calls[3+i].Op)
		assert.Equal(t, i, calls[3+i].Index)
	}
	assert.False(t, c.Started(), "Apply must not start the concentrator")
}

func TestApplyStopsAtFirstFailure(t *testing.T) {
	boom := errors.New("register write failed")

	tests := []struct {
		failAt    string
		wantCalls int
		stage     string
		index     int
	}{
		{failAt: "board", wantCalls: 1, stage: "board", index: -1},
		{failAt: "rf1", wantCalls: 3, stage: "rf_chain", index: 1},
		{failAt: "ch3", wantCalls: 7, stage: "channel", index: 3},
	}

	for _, tt := range tests {
		t.Run(tt.failAt, func(t *testing.T) {
			r := &recorder{failAt: tt.failAt, err: boom}
			err := Default().Apply(r)

			require.Error(t, err)
			assert.ErrorIs(t, err, boom)
			assert.Len(t, r.calls, tt.wantCalls)
			assert.Equal(t, tt.failAt, r.calls[len(r.calls)-1])

			var se *StageError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.stage, se.Stage)
			assert.Equal(t, tt.index, se.Index)
		})
	}
}

func TestValidateRejects(t *testing.T) {
	tests := map[string]func(p *Plan){
		"channels out of order": func(p *Plan) {
			p.Channels[1], p.Channels[2] = p.Channels[2], p.Channels[1]
		},
		"duplicate rf chain": func(p *Plan) {
			p.RFChains[1].Radio = loragw.R0
		},
		"rf chains out of order": func(p *Plan) {
			p.RFChains[0], p.RFChains[1] = p.RFChains[1], p.RFChains[0]
		},
		"channel index out of range": func(p *Plan) {
			p.Channels[9].Index = NumChannels
		},
		"channel on disabled radio": func(p *Plan) {
			p.RFChains[0].Conf.Enable = false
			p.Board.ClockSource = loragw.R1
		},
		"clock source disabled": func(p *Plan) {
			p.RFChains[1].Conf.Enable = false
			p.Channels = nil
		},
		"fixed without spreading": func(p *Plan) {
			p.Channels[8].Conf = loragw.Fixed{Radio: loragw.R0, Bandwidth: loragw.BW125kHz}
		},
		"nil channel conf": func(p *Plan) {
			p.Channels[9].Conf = nil
		},
		"radio out of range": func(p *Plan) {
			p.Channels[0].Conf = loragw.Multirate{Radio: loragw.Radio(5)}
		},
	}

	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			p := Default()
			mutate(&p)

			assert.ErrorIs(t, p.Validate(), ErrInvalidPlan)

			r := &recorder{}
			assert.ErrorIs(t, p.Apply(r), ErrInvalidPlan)
			assert.Empty(t, r.calls, "invalid plan must not reach the concentrator")
		})
	}
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "multirate R0-400000Hz", Describe(loragw.Multirate{Radio: loragw.R0, Offset: -400_000}))
	assert.Equal(t, "fixed R0+300000Hz SF8BW500", Describe(Default().Channels[8].Conf))
	assert.Equal(t, "disabled", Describe(loragw.Disabled{}))
}
