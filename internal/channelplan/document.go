package channelplan

import (
	"fmt"

	"github.com/lorawan-server/loragw-relay/pkg/loragw"
)

// Document is the YAML form of a Plan, used by the channel_plan config section.
type Document struct {
	Board    BoardDocument     `yaml:"board"`
	RFChains []RFChainDocument `yaml:"rf_chains"`
	Channels []ChannelDocument `yaml:"channels"`
}

// BoardDocument board 配置
type BoardDocument struct {
	LorawanPublic bool  `yaml:"lorawan_public"`
	ClockSource   uint8 `yaml:"clock_source"`
}

// RFChainDocument 射频链配置
type RFChainDocument struct {
	Radio       uint8   `yaml:"radio"`
	Enable      bool    `yaml:"enable"`
	Freq        uint32  `yaml:"freq"`
	RSSIOffset  float32 `yaml:"rssi_offset"`
	Type        string  `yaml:"type"`
	TxEnable    bool    `yaml:"tx_enable"`
	TxNotchFreq uint32  `yaml:"tx_notch_freq"`
}

// ChannelDocument IF 信道配置
type ChannelDocument struct {
	Index     uint8  `yaml:"index"`
	Mode      string `yaml:"mode"` // multirate | fixed | disabled
	Radio     uint8  `yaml:"radio"`
	Offset    int32  `yaml:"offset"`
	Bandwidth int    `yaml:"bandwidth"` // kHz, fixed only
	Spreading uint8  `yaml:"spreading"` // fixed only
}

// Plan converts the document and validates the result.
func (d Document) Plan() (Plan, error) {
	p := Plan{
		Board: loragw.BoardConf{
			LorawanPublic: d.Board.LorawanPublic,
			ClockSource:   loragw.Radio(d.Board.ClockSource),
		},
	}

	for _, rf := range d.RFChains {
		typ, err := loragw.ParseRadioType(rf.Type)
		if err != nil {
			return Plan{}, fmt.Errorf("%w: rf chain %d: %v", ErrInvalidPlan, rf.Radio, err)
		}
		p.RFChains = append(p.RFChains, RFChain{
			Radio: loragw.Radio(rf.Radio),
			Conf: loragw.RxRFConf{
				Enable:      rf.Enable,
				Freq:        rf.Freq,
				RSSIOffset:  rf.RSSIOffset,
				Type:        typ,
				TxEnable:    rf.TxEnable,
				TxNotchFreq: rf.TxNotchFreq,
			},
		})
	}

	for _, ch := range d.Channels {
		var conf loragw.ChannelConf
		switch ch.Mode {
		case "multirate":
			conf = loragw.Multirate{Radio: loragw.Radio(ch.Radio), Offset: ch.Offset}
		case "fixed":
			bw, err := loragw.ParseBandwidth(ch.Bandwidth)
			if err != nil {
				return Plan{}, fmt.Errorf("%w: channel %d: %v", ErrInvalidPlan, ch.Index, err)
			}
			conf = loragw.Fixed{
				Radio:     loragw.Radio(ch.Radio),
				Offset:    ch.Offset,
				Bandwidth: bw,
				Spreading: loragw.Spreading(ch.Spreading),
			}
		case "disabled", "":
			conf = loragw.Disabled{}
		default:
			return Plan{}, fmt.Errorf("%w: channel %d: unknown mode %q", ErrInvalidPlan, ch.Index, ch.Mode)
		}
		p.Channels = append(p.Channels, Channel{Index: ch.Index, Conf: conf})
	}

	if err := p.Validate(); err != nil {
		return Plan{}, err
	}
	return p, nil
}
