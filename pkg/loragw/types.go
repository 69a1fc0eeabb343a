package loragw

import "fmt"

// Radio identifies one of the concentrator's physical RF chains.
type Radio uint8

const (
	R0 Radio = iota
	R1
)

// NumRadios is the number of RF chains on a SX1301 reference board
const NumRadios = 2

// String returns "R0" / "R1"
func (r Radio) String() string {
	return fmt.Sprintf("R%d", uint8(r))
}

// RadioType is the RF front-end chip fitted on a chain.
type RadioType int

const (
	RadioTypeNone RadioType = iota
	RadioTypeSX1255
	RadioTypeSX1257
	RadioTypeSX1272
	RadioTypeSX1276
	RadioTypeSX1250
)

var radioTypeNames = map[RadioType]string{
	RadioTypeNone:   "NONE",
	RadioTypeSX1255: "SX1255",
	RadioTypeSX1257: "SX1257",
	RadioTypeSX1272: "SX1272",
	RadioTypeSX1276: "SX1276",
	RadioTypeSX1250: "SX1250",
}

func (t RadioType) String() string {
	if s, ok := radioTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("RadioType(%d)", int(t))
}

// ParseRadioType parses a chip name such as "SX1257".
func ParseRadioType(s string) (RadioType, error) {
	for t, name := range radioTypeNames {
		if name == s {
			return t, nil
		}
	}
	return RadioTypeNone, fmt.Errorf("unknown radio type %q", s)
}

// Bandwidth LoRa 信道带宽
type Bandwidth uint32

const (
	BWUndefined Bandwidth = 0
	BW125kHz    Bandwidth = 125000
	BW250kHz    Bandwidth = 250000
	BW500kHz    Bandwidth = 500000
)

// KHz returns the bandwidth in kHz as used in Semtech datr strings.
func (b Bandwidth) KHz() int {
	return int(b / 1000)
}

// ParseBandwidth accepts 125, 250 or 500 (kHz).
func ParseBandwidth(khz int) (Bandwidth, error) {
	switch khz {
	case 125:
		return BW125kHz, nil
	case 250:
		return BW250kHz, nil
	case 500:
		return BW500kHz, nil
	}
	return BWUndefined, fmt.Errorf("unsupported bandwidth %dkHz", khz)
}

// Spreading LoRa 扩频因子
type Spreading uint8

const (
	SFUndefined Spreading = 0
	SF7         Spreading = 7
	SF8         Spreading = 8
	SF9         Spreading = 9
	SF10        Spreading = 10
	SF11        Spreading = 11
	SF12        Spreading = 12
)

// Valid reports whether s is one of SF7..SF12.
func (s Spreading) Valid() bool {
	return s >= SF7 && s <= SF12
}

// Modulation of a received or transmitted packet.
type Modulation string

const (
	ModulationLoRa Modulation = "LORA"
	ModulationFSK  Modulation = "FSK"
)

// CodeRate LoRa ECC 编码率
type CodeRate string

const (
	CR4_5 CodeRate = "4/5"
	CR4_6 CodeRate = "4/6"
	CR4_7 CodeRate = "4/7"
	CR4_8 CodeRate = "4/8"
	CROff CodeRate = "OFF"
)

// CRCStatus of a received packet, encoded like the Semtech "stat" field.
type CRCStatus int

const (
	CRCNone CRCStatus = 0
	CRCOK   CRCStatus = 1
	CRCBad  CRCStatus = -1
)

// BoardConf is applied once, before any RF chain or channel.
type BoardConf struct {
	LorawanPublic bool
	ClockSource   Radio
}

// RxRFConf configures one RF chain.
type RxRFConf struct {
	Enable      bool
	Freq        uint32 // center frequency, Hz
	RSSIOffset  float32
	Type        RadioType
	TxEnable    bool
	TxNotchFreq uint32 // Hz, 0 when unused
}

// ChannelConf configures one IF demodulation channel. It is one of
// Multirate, Fixed or Disabled.
type ChannelConf interface {
	isChannelConf()
}

// Multirate is a multi-SF channel at Offset Hz from its radio's center frequency.
type Multirate struct {
	Radio  Radio
	Offset int32
}

// Fixed is a single-datarate LoRa channel.
type Fixed struct {
	Radio     Radio
	Offset    int32
	Bandwidth Bandwidth
	Spreading Spreading
}

// Disabled turns the channel off.
type Disabled struct{}

func (Multirate) isChannelConf() {}
func (Fixed) isChannelConf()     {}
func (Disabled) isChannelConf()  {}

// ChannelRadio returns the radio a channel is attached to, and false for Disabled.
func ChannelRadio(c ChannelConf) (Radio, bool) {
	switch v := c.(type) {
	case Multirate:
		return v.Radio, true
	case Fixed:
		return v.Radio, true
	}
	return 0, false
}

// RxPacket is one packet as handed over by the driver. The relay never
// modifies it.
type RxPacket struct {
	Freq        uint32 // Hz
	IFChain     uint8
	Status      CRCStatus
	CountUS     uint32 // internal concentrator counter at RX end
	RFChain     uint8
	Modulation  Modulation
	Bandwidth   Bandwidth
	Datarate    Spreading // FSK packets carry the bitrate in FSKDatarate instead
	FSKDatarate uint32
	CodeRate    CodeRate
	RSSI        float32
	SNR         float32
	SNRMin      float32
	SNRMax      float32
	CRC         uint16
	Payload     []byte
}

// TxPacket is a downlink request for the concentrator.
type TxPacket struct {
	Immediate   bool
	CountUS     uint32
	Freq        uint32
	RFChain     uint8
	Power       int8
	Modulation  Modulation
	Bandwidth   Bandwidth
	Datarate    Spreading
	FSKDatarate uint32
	CodeRate    CodeRate
	InvertPol   bool
	Preamble    uint16
	NoCRC       bool
	Payload     []byte
}
