// Package mirror republishes forwarded uplinks to message brokers next to
// the primary UDP publish endpoint.
package mirror

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/loragw-relay/pkg/loragw"
)

// Mirror is implemented by every broker publisher.
type Mirror interface {
	PublishUplink(gatewayID loragw.EUI64, rxpk loragw.Rxpk) error
}

// Uplink is the envelope published for every forwarded packet.
type Uplink struct {
	GatewayID loragw.EUI64 `json:"gatewayID"`
	UplinkID  uuid.UUID    `json:"uplinkID"`
	Rxpk      loragw.Rxpk  `json:"rxpk"`
	Timestamp int64        `json:"timestamp"`
}

func newUplink(gatewayID loragw.EUI64, rxpk loragw.Rxpk, now time.Time) Uplink {
	return Uplink{
		GatewayID: gatewayID,
		UplinkID:  uuid.New(),
		Rxpk:      rxpk,
		Timestamp: now.Unix(),
	}
}

// Multi publishes to every mirror in turn. One failing mirror does not stop
// the others.
type Multi []Mirror

// PublishUplink implements Mirror.
func (m Multi) PublishUplink(gatewayID loragw.EUI64, rxpk loragw.Rxpk) error {
	var errs []error
	for _, mm := range m {
		if err := mm.PublishUplink(gatewayID, rxpk); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
