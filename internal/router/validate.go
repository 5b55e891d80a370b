package router

import (
	"net"
	"net/netip"
	"strings"
)

// Validate checks a command's parameters before any adapter or snapshot
// work happens. A failure here never reaches the device.
func Validate(cmd Command) *Error {
	switch cmd.Kind {
	case CreateReservation:
		if err := validMAC(cmd.String(ParamMAC)); err != nil {
			return err
		}
		return validIP(cmd.String(ParamIP), ParamIP)
	case DeleteReservation:
		return validMAC(cmd.String(ParamMAC))
	case CreatePortForward:
		if cmd.String(ParamName) == "" {
			return Errorf(ErrValidationFailed, "port forward requires a name")
		}
		if err := validPort(cmd.Int(ParamExternalPort), ParamExternalPort); err != nil {
			return err
		}
		if err := validPort(cmd.Int(ParamInternalPort), ParamInternalPort); err != nil {
			return err
		}
		if err := validIP(cmd.String(ParamInternalIP), ParamInternalIP); err != nil {
			return err
		}
		return validProtocol(cmd.String(ParamProtocol))
	case DeletePortForward:
		if cmd.String(ParamName) == "" {
			return Errorf(ErrValidationFailed, "port forward requires a name")
		}
		return nil
	case SetFirewallRule:
		if cmd.String(ParamName) == "" {
			return Errorf(ErrValidationFailed, "firewall rule requires a name")
		}
		if err := validProtocol(cmd.String(ParamProtocol)); err != nil {
			return err
		}
		if err := validDirection(cmd.String(ParamDirection)); err != nil {
			return err
		}
		switch strings.ToLower(cmd.String(ParamAction)) {
		case "allow", "block":
			return nil
		default:
			return Errorf(ErrValidationFailed, "firewall action must be allow or block, got %q", cmd.String(ParamAction))
		}
	case RestoreConfig:
		if cmd.String(ParamSnapshotID) == "" {
			return Errorf(ErrValidationFailed, "restore requires a snapshot id")
		}
		return nil
	case ListReservations, ListPortForwards, GetStatus, GetBandwidth, BackupConfig:
		return nil
	default:
		return Errorf(ErrValidationFailed, "unknown command kind %q", cmd.Kind)
	}
}

// NormalizeMAC lowercases and colon-separates a MAC address. Input must
// already have passed validMAC.
func NormalizeMAC(s string) string {
	hw, err := net.ParseMAC(strings.TrimSpace(s))
	if err != nil {
		return strings.ToLower(strings.TrimSpace(s))
	}
	return strings.ToLower(hw.String())
}

func validMAC(s string) *Error {
	s = strings.TrimSpace(s)
	if s == "" {
		return Errorf(ErrValidationFailed, "mac address is required")
	}
	hw, err := net.ParseMAC(s)
	if err != nil || len(hw) != 6 {
		return Errorf(ErrValidationFailed, "malformed mac address %q", s)
	}
	return nil
}

func validIP(s, field string) *Error {
	s = strings.TrimSpace(s)
	if s == "" {
		return Errorf(ErrValidationFailed, "%s is required", field)
	}
	addr, err := netip.ParseAddr(s)
	if err != nil || !addr.Is4() {
		return Errorf(ErrValidationFailed, "malformed IPv4 address %q for %s", s, field)
	}
	return nil
}

func validPort(p int, field string) *Error {
	if p < 1 || p > 65535 {
		return Errorf(ErrValidationFailed, "%s must be 1-65535, got %d", field, p)
	}
	return nil
}

func validProtocol(s string) *Error {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tcp", "udp", "both":
		return nil
	default:
		return Errorf(ErrValidationFailed, "protocol must be tcp, udp, or both, got %q", s)
	}
}

func validDirection(s string) *Error {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "in", "out":
		return nil
	default:
		return Errorf(ErrValidationFailed, "direction must be in or out, got %q", s)
	}
}
