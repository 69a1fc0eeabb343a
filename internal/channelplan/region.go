package channelplan

import (
	"fmt"
	"strings"

	"github.com/lorawan-server/loragw-relay/pkg/loragw"
)

// Region names accepted by ForRegion.
const (
	RegionEU868 = "EU868"
	RegionUS915 = "US915"
	RegionCN470 = "CN470"
)

const channelSpacing = 200_000

// 子频段数量
var subBands = map[string]int{
	RegionUS915: 8,  // 902.3-914.9 MHz, 8 x 8 channels
	RegionCN470: 12, // 470.3-489.3 MHz, 12 x 8 channels
}

// Regions lists the supported region presets.
func Regions() []string {
	return []string{RegionCN470, RegionEU868, RegionUS915}
}

// ForRegion returns the public LoRaWAN plan for a region. subBand selects
// which block of eight uplink channels to listen on for US915 (1-8) and
// CN470 (1-12); zero means the first one. EU868 has no sub-bands.
func ForRegion(name string, subBand int) (Plan, error) {
	name = strings.ToUpper(name)
	if name == "CN470_510" {
		name = RegionCN470
	}

	if name == RegionEU868 {
		if subBand > 1 {
			return Plan{}, fmt.Errorf("%w: %s has no sub-band %d", ErrInvalidPlan, name, subBand)
		}
		return eu868(), nil
	}

	n, ok := subBands[name]
	if !ok {
		return Plan{}, fmt.Errorf("%w: unknown region %q", ErrInvalidPlan, name)
	}
	if subBand == 0 {
		subBand = 1
	}
	if subBand < 0 || subBand > n {
		return Plan{}, fmt.Errorf("%w: %s sub-band %d out of range 1-%d", ErrInvalidPlan, name, subBand, n)
	}

	switch name {
	case RegionUS915:
		// 第一个上行信道 902.3 MHz, 每个子频段 1.6 MHz
		first := uint32(902_300_000 + (subBand-1)*8*channelSpacing)
		p := eightChannel(first, loragw.RadioTypeSX1257, -166.0)
		p.Channels = append(p.Channels,
			Channel{Index: 8, Conf: loragw.Fixed{
				Radio:     loragw.R0,
				Offset:    300_000,
				Bandwidth: loragw.BW500kHz,
				Spreading: loragw.SF8,
			}},
			Channel{Index: 9, Conf: loragw.Disabled{}},
		)
		return p, nil
	default:
		// CN470 上行 470.3 MHz 起, 200 kHz 间隔
		first := uint32(470_300_000 + (subBand-1)*8*channelSpacing)
		p := eightChannel(first, loragw.RadioTypeSX1255, -176.0)
		p.Channels = append(p.Channels,
			Channel{Index: 8, Conf: loragw.Disabled{}},
			Channel{Index: 9, Conf: loragw.Disabled{}},
		)
		return p, nil
	}
}

// eightChannel spreads eight uplink channels starting at first over both
// radios: four on radio 0 (TX) and four on radio 1 (clock).
func eightChannel(first uint32, typ loragw.RadioType, rssiOffset float32) Plan {
	p := Plan{
		Board: loragw.BoardConf{LorawanPublic: true, ClockSource: loragw.R1},
		RFChains: []RFChain{
			{Radio: loragw.R0, Conf: loragw.RxRFConf{
				Enable:     true,
				Freq:       first + 400_000,
				RSSIOffset: rssiOffset,
				Type:       typ,
				TxEnable:   true,
			}},
			{Radio: loragw.R1, Conf: loragw.RxRFConf{
				Enable:     true,
				Freq:       first + 1_100_000,
				RSSIOffset: rssiOffset,
				Type:       typ,
			}},
		},
	}

	for i, off := range []int32{-400_000, -200_000, 0, 200_000} {
		p.Channels = append(p.Channels, Channel{Index: uint8(i), Conf: loragw.Multirate{Radio: loragw.R0, Offset: off}})
	}
	for i, off := range []int32{-300_000, -100_000, 100_000, 300_000} {
		p.Channels = append(p.Channels, Channel{Index: uint8(4 + i), Conf: loragw.Multirate{Radio: loragw.R1, Offset: off}})
	}
	return p
}

// eu868 places the three mandatory channels (868.1, 868.3, 868.5 MHz) on
// radio 1 and five more from 867.1 MHz on radio 0.
func eu868() Plan {
	return Plan{
		Board: loragw.BoardConf{LorawanPublic: true, ClockSource: loragw.R1},
		RFChains: []RFChain{
			{Radio: loragw.R0, Conf: loragw.RxRFConf{
				Enable:      true,
				Freq:        867_500_000,
				RSSIOffset:  -166.0,
				Type:        loragw.RadioTypeSX1257,
				TxEnable:    true,
				TxNotchFreq: 129_000,
			}},
			{Radio: loragw.R1, Conf: loragw.RxRFConf{
				Enable:     true,
				Freq:       868_500_000,
				RSSIOffset: -166.0,
				Type:       loragw.RadioTypeSX1257,
			}},
		},
		Channels: []Channel{
			{Index: 0, Conf: loragw.Multirate{Radio: loragw.R1, Offset: -400_000}},
			{Index: 1, Conf: loragw.Multirate{Radio: loragw.R1, Offset: -200_000}},
			{Index: 2, Conf: loragw.Multirate{Radio: loragw.R1, Offset: 0}},
			{Index: 3, Conf: loragw.Multirate{Radio: loragw.R0, Offset: -400_000}},
			{Index: 4, Conf: loragw.Multirate{Radio: loragw.R0, Offset: -200_000}},
			{Index: 5, Conf: loragw.Multirate{Radio: loragw.R0, Offset: 0}},
			{Index: 6, Conf: loragw.Multirate{Radio: loragw.R0, Offset: 200_000}},
			{Index: 7, Conf: loragw.Multirate{Radio: loragw.R0, Offset: 400_000}},
			{Index: 8, Conf: loragw.Fixed{
				Radio:     loragw.R1,
				Offset:    -200_000,
				Bandwidth: loragw.BW250kHz,
				Spreading: loragw.SF7,
			}},
			{Index: 9, Conf: loragw.Disabled{}},
		},
	}
}

// UplinkFrequencies returns the centre frequency of every enabled IF channel
// in index order.
func (p Plan) UplinkFrequencies() []uint32 {
	centre := make(map[loragw.Radio]uint32, len(p.RFChains))
	for _, rf := range p.RFChains {
		centre[rf.Radio] = rf.Conf.Freq
	}

	var out []uint32
	for _, ch := range p.Channels {
		var off int32
		switch c := ch.Conf.(type) {
		case loragw.Multirate:
			off = c.Offset
		case loragw.Fixed:
			off = c.Offset
		default:
			continue
		}
		radio, _ := loragw.ChannelRadio(ch.Conf)
		out = append(out, uint32(int64(centre[radio])+int64(off)))
	}
	return out
}
