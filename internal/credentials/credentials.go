// Package credentials resolves authentication material for router
// targets. Adapters never read the environment or config themselves;
// they receive a read-only view from the provider at dispatch time, so
// rotation takes effect on the next command without re-detection.
package credentials

import (
	"sync"

	"github.com/nerv-lab/tachikoma/internal/router"
)

// Provider resolves credentials for a target.
type Provider interface {
	// Resolve returns the credentials to use for the target. Returns a
	// CredentialsMissing error when nothing is configured for the
	// target's vendor.
	Resolve(target router.Target) (router.Credentials, error)
}

// Static maps vendors (and optional per-target overrides) to
// credentials. Safe for concurrent use; Update and SetOverride rotate
// material in place.
type Static struct {
	mu        sync.RWMutex
	byVendor  map[router.Vendor]router.Credentials
	byAddress map[string]router.Credentials // keyed by target address
}

// NewStatic builds a provider from per-vendor credentials.
func NewStatic(byVendor map[router.Vendor]router.Credentials) *Static {
	cp := &Static{
		byVendor:  make(map[router.Vendor]router.Credentials, len(byVendor)),
		byAddress: make(map[string]router.Credentials),
	}
	for v, c := range byVendor {
		cp.byVendor[v] = c
	}
	return cp
}

// Resolve prefers a per-address override, then the vendor default.
func (p *Static) Resolve(target router.Target) (router.Credentials, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if c, ok := p.byAddress[target.Address]; ok && !c.Empty() {
		return c, nil
	}
	if c, ok := p.byVendor[target.Vendor]; ok && !c.Empty() {
		return c, nil
	}
	return router.Credentials{}, router.Errorf(router.ErrCredentialsMissing,
		"no credentials configured for %s (%s)", target.Address, target.Vendor)
}

// Update replaces the credentials for a vendor. Commands already in
// flight keep the view they resolved; the next Resolve sees the new
// material.
func (p *Static) Update(vendor router.Vendor, creds router.Credentials) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byVendor[vendor] = creds
}

// SetOverride pins credentials for one address, shadowing the vendor
// default. An empty Credentials clears the override.
func (p *Static) SetOverride(address string, creds router.Credentials) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if creds.Empty() {
		delete(p.byAddress, address)
		return
	}
	p.byAddress[address] = creds
}
