package router

import "testing"

func TestValidateCreateReservation(t *testing.T) {
	cmd := Command{
		Kind: CreateReservation,
		Params: map[string]any{
			ParamMAC: "aa:bb:cc:dd:ee:10",
			ParamIP:  "192.168.50.10",
		},
	}
	if err := Validate(cmd); err != nil {
		t.Fatalf("valid reservation rejected: %v", err)
	}
}

func TestValidateMalformedMAC(t *testing.T) {
	cmd := Command{
		Kind: CreateReservation,
		Params: map[string]any{
			ParamMAC: "zz:zz",
			ParamIP:  "192.168.50.10",
		},
	}
	err := Validate(cmd)
	if err == nil {
		t.Fatal("expected validation failure for malformed mac")
	}
	if err.Kind != ErrValidationFailed {
		t.Errorf("expected %s, got %s", ErrValidationFailed, err.Kind)
	}
}

func TestValidatePortForward(t *testing.T) {
	base := map[string]any{
		ParamName:         "portainer",
		ParamExternalPort: 9000,
		ParamInternalIP:   "192.168.50.10",
		ParamInternalPort: 9000,
		ParamProtocol:     "tcp",
	}
	cmd := Command{Kind: CreatePortForward, Params: base}
	if err := Validate(cmd); err != nil {
		t.Fatalf("valid port forward rejected: %v", err)
	}

	bad := map[string]any{}
	for k, v := range base {
		bad[k] = v
	}
	bad[ParamExternalPort] = 70000
	if err := Validate(Command{Kind: CreatePortForward, Params: bad}); err == nil {
		t.Error("expected failure for out-of-range port")
	}

	bad[ParamExternalPort] = 9000
	bad[ParamProtocol] = "icmp"
	if err := Validate(Command{Kind: CreatePortForward, Params: bad}); err == nil {
		t.Error("expected failure for bad protocol")
	}
}

func TestValidateFirewallRule(t *testing.T) {
	cmd := Command{
		Kind: SetFirewallRule,
		Params: map[string]any{
			ParamName:      "block-guest",
			ParamProtocol:  "both",
			ParamDirection: "in",
			ParamAction:    "block",
		},
	}
	if err := Validate(cmd); err != nil {
		t.Fatalf("valid firewall rule rejected: %v", err)
	}

	cmd.Params[ParamDirection] = "sideways"
	if err := Validate(cmd); err == nil {
		t.Error("expected failure for bad direction")
	}
}

func TestValidateReadsNeedNoParams(t *testing.T) {
	for _, kind := range []CommandKind{ListReservations, ListPortForwards, GetStatus, GetBandwidth, BackupConfig} {
		if err := Validate(Command{Kind: kind}); err != nil {
			t.Errorf("%s: unexpected error %v", kind, err)
		}
	}
}

func TestNormalizeMAC(t *testing.T) {
	if got := NormalizeMAC("AA-BB-CC-DD-EE-10"); got != "aa:bb:cc:dd:ee:10" {
		t.Errorf("normalize: got %q", got)
	}
}

func TestMutatingKinds(t *testing.T) {
	if !CreateReservation.Mutating() {
		t.Error("create_reservation should be mutating")
	}
	if GetStatus.Mutating() {
		t.Error("get_status should not be mutating")
	}
	if !RestoreConfig.Mutating() {
		t.Error("restore_config should be mutating")
	}
}
