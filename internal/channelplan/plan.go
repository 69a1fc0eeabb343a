package channelplan

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/loragw-relay/pkg/loragw"
)

// NumChannels is the number of IF channels on the concentrator: 8 multi-SF,
// one LoRa service channel and one FSK channel.
const NumChannels = 10

// ErrInvalidPlan wraps all plan validation failures.
var ErrInvalidPlan = errors.New("invalid channel plan")

// Configurator is the subset of loragw.Concentrator that applies a plan.
type Configurator interface {
	ConfigureBoard(conf loragw.BoardConf) error
	ConfigureRFChain(radio loragw.Radio, conf loragw.RxRFConf) error
	ConfigureChannel(index uint8, conf loragw.ChannelConf) error
}

// RFChain pairs a radio with its front-end configuration.
type RFChain struct {
	Radio loragw.Radio
	Conf  loragw.RxRFConf
}

// Channel pairs an IF channel index with its demodulator configuration.
type Channel struct {
	Index uint8
	Conf  loragw.ChannelConf
}

// Plan is the full concentrator configuration applied before Start. It is
// built once and never modified afterwards.
type Plan struct {
	Board    loragw.BoardConf
	RFChains []RFChain
	Channels []Channel
}

// StageError reports which configuration step failed.
type StageError struct {
	Stage string // "board", "rf_chain" or "channel"
	Index int
	Err   error
}

func (e *StageError) Error() string {
	if e.Stage == "board" {
		return fmt.Sprintf("configure board: %v", e.Err)
	}
	return fmt.Sprintf("configure %s %d: %v", e.Stage, e.Index, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Default returns the deployment plan for the two-radio US915 board: radio 0
// at 911.5 MHz carries TX, radio 1 at 903.5 MHz supplies the clock.
func Default() Plan {
	return Plan{
		Board: loragw.BoardConf{
			LorawanPublic: false,
			ClockSource:   loragw.R1,
		},
		RFChains: []RFChain{
			{Radio: loragw.R0, Conf: loragw.RxRFConf{
				Enable:      true,
				Freq:        911_500_000,
				RSSIOffset:  -162.0,
				Type:        loragw.RadioTypeSX1257,
				TxEnable:    true,
				TxNotchFreq: 126_000,
			}},
			{Radio: loragw.R1, Conf: loragw.RxRFConf{
				Enable:      true,
				Freq:        903_500_000,
				RSSIOffset:  -162.0,
				Type:        loragw.RadioTypeSX1257,
				TxEnable:    false,
				TxNotchFreq: 0,
			}},
		},
		Channels: []Channel{
			// multi-SF channels
			{Index: 0, Conf: loragw.Multirate{Radio: loragw.R0, Offset: -400_000}},
			{Index: 1, Conf: loragw.Multirate{Radio: loragw.R0, Offset: -200_000}},
			{Index: 2, Conf: loragw.Multirate{Radio: loragw.R0, Offset: 0}},
			{Index: 3, Conf: loragw.Multirate{Radio: loragw.R0, Offset: 200_000}},
			{Index: 4, Conf: loragw.Multirate{Radio: loragw.R1, Offset: -400_000}},
			{Index: 5, Conf: loragw.Multirate{Radio: loragw.R1, Offset: -200_000}},
			{Index: 6, Conf: loragw.Multirate{Radio: loragw.R1, Offset: 0}},
			{Index: 7, Conf: loragw.Multirate{Radio: loragw.R1, Offset: 200_000}},
			// LoRa service channel
			{Index: 8, Conf: loragw.Fixed{
				Radio:     loragw.R0,
				Offset:    300_000,
				Bandwidth: loragw.BW500kHz,
				Spreading: loragw.SF8,
			}},
			// FSK
			{Index: 9, Conf: loragw.Disabled{}},
		},
	}
}

// Validate checks the ordering and cross-references Apply relies on.
func (p Plan) Validate() error {
	enabled := make(map[loragw.Radio]bool, len(p.RFChains))

	if int(p.Board.ClockSource) >= loragw.NumRadios {
		return fmt.Errorf("%w: clock source %s out of range", ErrInvalidPlan, p.Board.ClockSource)
	}

	for i, rf := range p.RFChains {
		if int(rf.Radio) >= loragw.NumRadios {
			return fmt.Errorf("%w: radio %s out of range", ErrInvalidPlan, rf.Radio)
		}
		if i > 0 && rf.Radio <= p.RFChains[i-1].Radio {
			return fmt.Errorf("%w: rf chains must be listed once each in ascending order", ErrInvalidPlan)
		}
		enabled[rf.Radio] = rf.Conf.Enable
	}

	if !enabled[p.Board.ClockSource] {
		return fmt.Errorf("%w: clock source %s is not an enabled rf chain", ErrInvalidPlan, p.Board.ClockSource)
	}

	for i, ch := range p.Channels {
		if ch.Index >= NumChannels {
			return fmt.Errorf("%w: channel %d out of range", ErrInvalidPlan, ch.Index)
		}
		if i > 0 && ch.Index <= p.Channels[i-1].Index {
			return fmt.Errorf("%w: channels must be listed once each in ascending order", ErrInvalidPlan)
		}
		if ch.Conf == nil {
			return fmt.Errorf("%w: channel %d has no configuration", ErrInvalidPlan, ch.Index)
		}
		if radio, ok := loragw.ChannelRadio(ch.Conf); ok && !enabled[radio] {
			return fmt.Errorf("%w: channel %d uses disabled radio %s", ErrInvalidPlan, ch.Index, radio)
		}
		if f, ok := ch.Conf.(loragw.Fixed); ok {
			if !f.Spreading.Valid() {
				return fmt.Errorf("%w: channel %d spreading factor %d", ErrInvalidPlan, ch.Index, f.Spreading)
			}
			if f.Bandwidth == loragw.BWUndefined {
				return fmt.Errorf("%w: channel %d has no bandwidth", ErrInvalidPlan, ch.Index)
			}
		}
	}

	return nil
}

// Apply configures c with board, then RF chains, then channels, in the order
// they appear in the plan. The first failure stops it; nothing is retried.
func (p Plan) Apply(c Configurator) error {
	if err := p.Validate(); err != nil {
		return err
	}

	if err := c.ConfigureBoard(p.Board); err != nil {
		return &StageError{Stage: "board", Index: -1, Err: err}
	}
	log.Debug().
		Bool("lorawanPublic", p.Board.LorawanPublic).
		Str("clockSource", p.Board.ClockSource.String()).
		Msg("板卡已配置")

	for _, rf := range p.RFChains {
		if err := c.ConfigureRFChain(rf.Radio, rf.Conf); err != nil {
			return &StageError{Stage: "rf_chain", Index: int(rf.Radio), Err: err}
		}
		log.Debug().
			Str("radio", rf.Radio.String()).
			Bool("enable", rf.Conf.Enable).
			Uint32("freq", rf.Conf.Freq).
			Str("type", rf.Conf.Type.String()).
			Bool("txEnable", rf.Conf.TxEnable).
			Msg("射频链已配置")
	}

	for _, ch := range p.Channels {
		if err := c.ConfigureChannel(ch.Index, ch.Conf); err != nil {
			return &StageError{Stage: "channel", Index: int(ch.Index), Err: err}
		}
		log.Debug().
			Uint8("channel", ch.Index).
			Str("conf", Describe(ch.Conf)).
			Msg("信道已配置")
	}

	return nil
}

// Describe renders a channel configuration for logs.
func Describe(c loragw.ChannelConf) string {
	switch v := c.(type) {
	case loragw.Multirate:
		return fmt.Sprintf("multirate %s%+dHz", v.Radio, v.Offset)
	case loragw.Fixed:
		return fmt.Sprintf("fixed %s%+dHz %s", v.Radio, v.Offset, loragw.FormatLoRaDataRate(v.Spreading, v.Bandwidth))
	case loragw.Disabled:
		return "disabled"
	}
	return fmt.Sprintf("%T", c)
}
