package credentials

import (
	"testing"

	"github.com/nerv-lab/tachikoma/internal/router"
)

func TestResolveVendorDefault(t *testing.T) {
	p := NewStatic(map[router.Vendor]router.Credentials{
		router.VendorPfSense: {APIKey: "k1"},
	})
	target := router.Target{Address: "192.168.50.1", Vendor: router.VendorPfSense}

	creds, err := p.Resolve(target)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if creds.APIKey != "k1" {
		t.Errorf("wrong credentials: %+v", creds.Redacted())
	}
}

func TestResolveMissing(t *testing.T) {
	p := NewStatic(nil)
	_, err := p.Resolve(router.Target{Address: "10.0.0.1", Vendor: router.VendorASUS})
	if router.KindOf(err) != router.ErrCredentialsMissing {
		t.Fatalf("expected CredentialsMissing, got %v", err)
	}
}

func TestOverrideShadowsVendorDefault(t *testing.T) {
	p := NewStatic(map[router.Vendor]router.Credentials{
		router.VendorUniFi: {Username: "admin", Password: "default"},
	})
	p.SetOverride("192.168.1.1", router.Credentials{Username: "site-admin", Password: "site"})

	creds, _ := p.Resolve(router.Target{Address: "192.168.1.1", Vendor: router.VendorUniFi})
	if creds.Username != "site-admin" {
		t.Errorf("override not applied: %+v", creds.Redacted())
	}

	creds, _ = p.Resolve(router.Target{Address: "192.168.1.2", Vendor: router.VendorUniFi})
	if creds.Username != "admin" {
		t.Errorf("other addresses should keep the default: %+v", creds.Redacted())
	}

	p.SetOverride("192.168.1.1", router.Credentials{})
	creds, _ = p.Resolve(router.Target{Address: "192.168.1.1", Vendor: router.VendorUniFi})
	if creds.Username != "admin" {
		t.Error("clearing the override should restore the default")
	}
}

func TestRotationVisibleOnNextResolve(t *testing.T) {
	p := NewStatic(map[router.Vendor]router.Credentials{
		router.VendorOpenWRT: {Username: "root", Password: "old"},
	})
	target := router.Target{Address: "192.168.1.1", Vendor: router.VendorOpenWRT}

	before, _ := p.Resolve(target)
	p.Update(router.VendorOpenWRT, router.Credentials{Username: "root", Password: "new"})
	after, _ := p.Resolve(target)

	if before.Password != "old" || after.Password != "new" {
		t.Error("rotation should apply to subsequent resolves only")
	}
}
