package forwarder

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/lorawan-server/loragw-relay/pkg/loragw"
)

// Printer writes received packets for a human watching the console.
// Level 0 prints nothing, 1 one line per packet, 2 and up indented JSON.
type Printer struct {
	w     io.Writer
	level int
}

// NewPrinter returns a printer; a nil writer disables printing.
func NewPrinter(w io.Writer, level int) *Printer {
	if w == nil {
		level = 0
	}
	return &Printer{w: w, level: level}
}

// Print writes pkt at the configured level.
func (p *Printer) Print(pkt *loragw.RxPacket) {
	switch {
	case p.level <= 0:
		return
	case p.level == 1:
		fmt.Fprintf(p.w, "%+v\n\n", *pkt)
	default:
		b, err := json.MarshalIndent(pkt, "", "    ")
		if err != nil {
			fmt.Fprintf(p.w, "%#v\n\n", *pkt)
			return
		}
		fmt.Fprintf(p.w, "%s\n\n", b)
	}
}
