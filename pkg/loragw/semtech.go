package loragw

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidTxRequest wraps every TX request decoding failure.
var ErrInvalidTxRequest = errors.New("invalid tx request")

// compactTime is the Semtech "time" layout: ISO 8601 compact, microsecond precision
const compactTime = "2006-01-02T15:04:05.000000Z"

// DataRate is the Semtech "datr" field: a string such as "SF8BW500" for LoRa,
// a bitrate number for FSK.
type DataRate struct {
	LoRa string
	FSK  uint32
}

// MarshalJSON implements json.Marshaler
func (d DataRate) MarshalJSON() ([]byte, error) {
	if d.LoRa != "" {
		return json.Marshal(d.LoRa)
	}
	return json.Marshal(d.FSK)
}

// UnmarshalJSON implements json.Unmarshaler
func (d *DataRate) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &d.LoRa)
	}
	return json.Unmarshal(data, &d.FSK)
}

// FormatLoRaDataRate returns the datr identifier, e.g. "SF8BW500".
func FormatLoRaDataRate(sf Spreading, bw Bandwidth) string {
	return fmt.Sprintf("SF%dBW%d", sf, bw.KHz())
}

// ParseLoRaDataRate parses a datr identifier such as "SF12BW125".
func ParseLoRaDataRate(s string) (Spreading, Bandwidth, error) {
	rest, ok := strings.CutPrefix(s, "SF")
	if !ok {
		return SFUndefined, BWUndefined, fmt.Errorf("datr %q: missing SF prefix", s)
	}
	sfStr, bwStr, ok := strings.Cut(rest, "BW")
	if !ok {
		return SFUndefined, BWUndefined, fmt.Errorf("datr %q: missing BW", s)
	}

	sf, err := strconv.Atoi(sfStr)
	if err != nil || !Spreading(sf).Valid() {
		return SFUndefined, BWUndefined, fmt.Errorf("datr %q: bad spreading factor", s)
	}
	khz, err := strconv.Atoi(bwStr)
	if err != nil {
		return SFUndefined, BWUndefined, fmt.Errorf("datr %q: bad bandwidth", s)
	}
	bw, err := ParseBandwidth(khz)
	if err != nil {
		return SFUndefined, BWUndefined, fmt.Errorf("datr %q: %w", s, err)
	}
	return Spreading(sf), bw, nil
}

// Rxpk is one received packet in Semtech packet-forwarder JSON.
type Rxpk struct {
	Time string   `json:"time"`           // UTC time of pkt RX, us precision
	Tmst uint32   `json:"tmst"`           // internal timestamp of "RX finished" event
	Freq float64  `json:"freq"`           // MHz, Hz precision
	Chan uint8    `json:"chan"`           // concentrator IF channel
	RFCh uint8    `json:"rfch"`           // concentrator RF chain
	Stat int      `json:"stat"`           // CRC status: 1 = OK, -1 = fail, 0 = no CRC
	Modu string   `json:"modu"`           // "LORA" or "FSK"
	Datr DataRate `json:"datr"`           // "SF8BW500" or FSK bitrate
	Codr string   `json:"codr,omitempty"` // ECC coding rate, LoRa only
	RSSI int      `json:"rssi"`           // dBm
	LSNR *float64 `json:"lsnr,omitempty"` // dB, LoRa only
	Size int      `json:"size"`           // payload size in bytes
	Data string   `json:"data"`           // base64 payload
}

// PushPayload is the JSON body of an uplink datagram.
type PushPayload struct {
	Rxpk []Rxpk `json:"rxpk"`
}

// NewRxpk converts a driver packet into its Semtech representation.
// now is the host time used for the "time" field.
func NewRxpk(p RxPacket, now time.Time) Rxpk {
	r := Rxpk{
		Time: now.UTC().Format(compactTime),
		Tmst: p.CountUS,
		Freq: float64(p.Freq) / 1e6,
		Chan: p.IFChain,
		RFCh: p.RFChain,
		Stat: int(p.Status),
		Modu: string(p.Modulation),
		RSSI: int(math.Round(float64(p.RSSI))),
		Size: len(p.Payload),
		Data: base64.StdEncoding.EncodeToString(p.Payload),
	}

	if p.Modulation == ModulationFSK {
		r.Datr = DataRate{FSK: p.FSKDatarate}
		return r
	}

	r.Datr = DataRate{LoRa: FormatLoRaDataRate(p.Datarate, p.Bandwidth)}
	r.Codr = string(p.CodeRate)
	snr := math.Round(float64(p.SNR)*10) / 10
	r.LSNR = &snr
	return r
}

// MarshalUplink returns the datagram body for a single received packet.
func MarshalUplink(p RxPacket, now time.Time) ([]byte, error) {
	return json.Marshal(PushPayload{Rxpk: []Rxpk{NewRxpk(p, now)}})
}

// Txpk is a downlink request in Semtech packet-forwarder JSON.
type Txpk struct {
	Imme bool     `json:"imme"`           // send immediately, ignoring tmst
	Tmst *uint32  `json:"tmst,omitempty"` // send at this concentrator counter value
	Freq float64  `json:"freq"`           // MHz
	RFCh uint8    `json:"rfch"`           // RF chain used for TX
	Powe int8     `json:"powe,omitempty"` // dBm
	Modu string   `json:"modu"`           // "LORA" or "FSK"
	Datr DataRate `json:"datr"`
	Codr string   `json:"codr,omitempty"`
	IPol bool     `json:"ipol,omitempty"`
	Prea uint16   `json:"prea,omitempty"`
	Size int      `json:"size"`
	Data string   `json:"data"`
	NCRC bool     `json:"ncrc,omitempty"`
}

// TxRequest is the JSON body of a downlink datagram.
type TxRequest struct {
	Txpk *Txpk `json:"txpk"`
}

// DecodeTxRequest parses and validates a {"txpk":{...}} datagram.
func DecodeTxRequest(data []byte) (TxPacket, error) {
	var req TxRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return TxPacket{}, fmt.Errorf("%w: %v", ErrInvalidTxRequest, err)
	}
	if req.Txpk == nil {
		return TxPacket{}, fmt.Errorf("%w: missing txpk", ErrInvalidTxRequest)
	}
	t := req.Txpk

	payload, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(t.Data, "="))
	if err != nil {
		return TxPacket{}, fmt.Errorf("%w: data: %v", ErrInvalidTxRequest, err)
	}
	if t.Size != 0 && t.Size != len(payload) {
		return TxPacket{}, fmt.Errorf("%w: size %d does not match payload length %d", ErrInvalidTxRequest, t.Size, len(payload))
	}
	if t.Freq <= 0 {
		return TxPacket{}, fmt.Errorf("%w: missing freq", ErrInvalidTxRequest)
	}
	if !t.Imme && t.Tmst == nil {
		return TxPacket{}, fmt.Errorf("%w: neither imme nor tmst set", ErrInvalidTxRequest)
	}

	pkt := TxPacket{
		Immediate: t.Imme,
		Freq:      uint32(math.Round(t.Freq * 1e6)),
		RFChain:   t.RFCh,
		Power:     t.Powe,
		CodeRate:  CodeRate(t.Codr),
		InvertPol: t.IPol,
		Preamble:  t.Prea,
		NoCRC:     t.NCRC,
		Payload:   payload,
	}
	if t.Tmst != nil {
		pkt.CountUS = *t.Tmst
	}

	switch Modulation(t.Modu) {
	case ModulationLoRa:
		sf, bw, err := ParseLoRaDataRate(t.Datr.LoRa)
		if err != nil {
			return TxPacket{}, fmt.Errorf("%w: %v", ErrInvalidTxRequest, err)
		}
		pkt.Modulation = ModulationLoRa
		pkt.Datarate = sf
		pkt.Bandwidth = bw
	case ModulationFSK:
		if t.Datr.FSK == 0 {
			return TxPacket{}, fmt.Errorf("%w: FSK datr must be a bitrate", ErrInvalidTxRequest)
		}
		pkt.Modulation = ModulationFSK
		pkt.FSKDatarate = t.Datr.FSK
	default:
		return TxPacket{}, fmt.Errorf("%w: unknown modulation %q", ErrInvalidTxRequest, t.Modu)
	}

	return pkt, nil
}
