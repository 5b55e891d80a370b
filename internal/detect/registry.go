package detect

import (
	"time"

	"github.com/nerv-lab/tachikoma/internal/adapter"
	"github.com/nerv-lab/tachikoma/internal/adapter/asus"
	"github.com/nerv-lab/tachikoma/internal/adapter/netgear"
	"github.com/nerv-lab/tachikoma/internal/adapter/openwrt"
	"github.com/nerv-lab/tachikoma/internal/adapter/pfsense"
	"github.com/nerv-lab/tachikoma/internal/adapter/tplink"
	"github.com/nerv-lab/tachikoma/internal/adapter/unifi"
)

// DefaultRegistry wires the concrete vendor adapters in detection
// priority order. Strong fingerprints (UniFi's API shape, pfSense's
// banner) go first; the generic LuCI endpoint probes last because
// countless firmwares ship something at /cgi-bin.
func DefaultRegistry(commandTimeout time.Duration, snmpCommunity string) *adapter.Registry {
	r := adapter.NewRegistry()
	r.Register(unifi.New(commandTimeout))
	r.Register(pfsense.New(commandTimeout))
	r.Register(tplink.New(commandTimeout))
	r.Register(netgear.New(commandTimeout, snmpCommunity))
	r.Register(asus.New(commandTimeout))
	r.Register(openwrt.New(commandTimeout))
	return r
}
