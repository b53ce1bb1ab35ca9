package goble

import (
	"github.com/go-ble/ble"

	"github.com/strydelabs/stridelink/internal/transport"
)

// bleAdvertisement wraps ble.Advertisement to implement transport.Advertisement.
type bleAdvertisement struct {
	adv ble.Advertisement
}

func newAdvertisement(adv ble.Advertisement) transport.Advertisement {
	return &bleAdvertisement{adv: adv}
}

func (a *bleAdvertisement) ID() string                { return a.adv.Addr().String() }
func (a *bleAdvertisement) LocalName() string         { return a.adv.LocalName() }
func (a *bleAdvertisement) RSSI() int                 { return a.adv.RSSI() }
func (a *bleAdvertisement) ManufacturerData() []byte  { return a.adv.ManufacturerData() }
func (a *bleAdvertisement) Connectable() bool         { return a.adv.Connectable() }

func (a *bleAdvertisement) Services() []string {
	bleServices := a.adv.Services()
	result := make([]string, len(bleServices))
	for i, svc := range bleServices {
		result[i] = transport.NormalizeUUID(svc.String())
	}
	return result
}
