// Package router defines the normalized command/result model shared by the
// detector, the dispatcher, and every vendor adapter. Adapters translate
// vendor-specific wire shapes into these types so callers never see a
// vendor API.
package router

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// Vendor identifies a router vendor/firmware family.
type Vendor string

const (
	VendorUniFi   Vendor = "unifi"
	VendorASUS    Vendor = "asus"
	VendorNetgear Vendor = "netgear"
	VendorPfSense Vendor = "pfsense"
	VendorOpenWRT Vendor = "openwrt"
	VendorTPLink  Vendor = "tplink"
	VendorUnknown Vendor = "unknown"
)

// Known reports whether the vendor is a concrete, supported kind.
func (v Vendor) Known() bool {
	switch v {
	case VendorUniFi, VendorASUS, VendorNetgear, VendorPfSense, VendorOpenWRT, VendorTPLink:
		return true
	}
	return false
}

// ParseVendor normalizes a user-supplied vendor name. Empty input means
// "no hint" and maps to VendorUnknown without error.
func ParseVendor(s string) (Vendor, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return VendorUnknown, nil
	case "unifi", "ubiquiti", "edgerouter":
		return VendorUniFi, nil
	case "asus":
		return VendorASUS, nil
	case "netgear":
		return VendorNetgear, nil
	case "pfsense":
		return VendorPfSense, nil
	case "openwrt", "dd-wrt", "luci":
		return VendorOpenWRT, nil
	case "tplink", "tp-link":
		return VendorTPLink, nil
	case "auto", "unknown":
		return VendorUnknown, nil
	}
	return VendorUnknown, fmt.Errorf("unrecognized vendor %q", s)
}

// Transport is the protocol family an adapter speaks.
type Transport string

const (
	TransportREST Transport = "rest"
	TransportSSH  Transport = "ssh"
	TransportRPC  Transport = "rpc"
)

// Target is one resolved router: a network address plus the vendor kind
// the detector identified there. Targets are cached per address for the
// process lifetime.
type Target struct {
	Address string `json:"address"` // host or IP, no port
	Port    int    `json:"port,omitempty"`
	Vendor  Vendor `json:"vendor"`
}

// Key returns the cache/lock key for the target. Two commands against the
// same key are serialized by the dispatcher.
func (t Target) Key() string {
	return strings.ToLower(strings.TrimSpace(t.Address))
}

// HostPort joins the target address with its port, falling back to def
// when no explicit port was configured.
func (t Target) HostPort(def int) string {
	port := t.Port
	if port == 0 {
		port = def
	}
	return net.JoinHostPort(t.Address, fmt.Sprintf("%d", port))
}

// Credentials is the read-only view adapters receive from the credential
// provider. Adapters never read ambient configuration themselves.
type Credentials struct {
	Username           string
	Password           string
	APIKey             string
	SSHKeyPath         string
	SSHPort            int
	InsecureSkipVerify bool // routers commonly ship self-signed certs
}

// Empty reports whether no usable authentication material is present.
func (c Credentials) Empty() bool {
	return c.Username == "" && c.Password == "" && c.APIKey == "" && c.SSHKeyPath == ""
}

// Redacted returns a loggable description with all secret material masked.
func (c Credentials) Redacted() string {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "[REDACTED]"
	}
	return fmt.Sprintf("user=%s password=%s api_key=%s ssh_key=%s",
		c.Username, mask(c.Password), mask(c.APIKey), c.SSHKeyPath)
}

// ConfigSnapshot is an opaque, backend-specific capture of a router's
// configuration. Immutable once stored; referenced by ID for restore.
type ConfigSnapshot struct {
	ID        string    `json:"id"`
	Target    string    `json:"target"`
	Vendor    Vendor    `json:"vendor"`
	TakenAt   time.Time `json:"taken_at"`
	CommandID string    `json:"command_id,omitempty"` // mutating command that triggered it
	Encrypted bool      `json:"encrypted"`
	Format    string    `json:"format,omitempty"` // vendor hint, e.g. "nvram", "unifi-unf"
	Data      []byte    `json:"-"`
}
