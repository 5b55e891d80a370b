package openwrt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/nerv-lab/tachikoma/internal/router"
)

const testToken = "0123456789abcdef0123456789abcdef"

// fakeLuCI emulates rpc/auth and rpc/sys exec against an in-memory uci
// model of dhcp host sections.
type fakeLuCI struct {
	hosts    []map[string]string // each: mac, ip, name
	executed []string
}

func (f *fakeLuCI) exec(cmd string) string {
	f.executed = append(f.executed, cmd)
	// Compound scripts run left to right.
	for _, part := range strings.Split(cmd, " && ") {
		f.execOne(strings.TrimSpace(part))
	}
	if cmd == "uci show dhcp" {
		var b strings.Builder
		for i, h := range f.hosts {
			fmt.Fprintf(&b, "dhcp.@host[%d]=host\n", i)
			fmt.Fprintf(&b, "dhcp.@host[%d].mac='%s'\n", i, h["mac"])
			fmt.Fprintf(&b, "dhcp.@host[%d].ip='%s'\n", i, h["ip"])
			fmt.Fprintf(&b, "dhcp.@host[%d].name='%s'\n", i, h["name"])
		}
		return b.String()
	}
	return ""
}

func (f *fakeLuCI) execOne(cmd string) {
	switch {
	case cmd == "uci add dhcp host":
		f.hosts = append(f.hosts, map[string]string{})
	case strings.HasPrefix(cmd, "uci set dhcp.@host["):
		rest := strings.TrimPrefix(cmd, "uci set dhcp.@host[")
		idxStr, assign, _ := strings.Cut(rest, "].")
		key, value, _ := strings.Cut(assign, "=")
		idx := len(f.hosts) - 1
		if idxStr != "-1" {
			idx, _ = strconv.Atoi(idxStr)
		}
		if idx >= 0 && idx < len(f.hosts) {
			f.hosts[idx][key] = strings.Trim(value, "'")
		}
	case strings.HasPrefix(cmd, "uci delete dhcp.@host["):
		idxStr := strings.TrimSuffix(strings.TrimPrefix(cmd, "uci delete dhcp.@host["), "]")
		if idx, err := strconv.Atoi(idxStr); err == nil && idx < len(f.hosts) {
			f.hosts = append(f.hosts[:idx], f.hosts[idx+1:]...)
		}
	}
}

func (f *fakeLuCI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/cgi-bin/luci/rpc/auth", func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if len(req.Params) == 2 && req.Params[1] == "secret" {
			_ = json.NewEncoder(w).Encode(map[string]any{"id": 1, "result": testToken})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": 1, "result": nil})
	})
	mux.HandleFunc("/cgi-bin/luci/rpc/sys", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("auth") != testToken {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		var req rpcRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		cmd, _ := req.Params[0].(string)
		_ = json.NewEncoder(w).Encode(map[string]any{"id": 1, "result": f.exec(cmd)})
	})
	return mux
}

func newTestSetup(t *testing.T) (*Adapter, *fakeLuCI, router.Target, router.Credentials) {
	t.Helper()
	luci := &fakeLuCI{}
	srv := httptest.NewServer(luci.handler())
	t.Cleanup(srv.Close)

	u, _ := url.Parse(srv.URL)
	port, _ := strconv.Atoi(u.Port())
	target := router.Target{Address: u.Hostname(), Port: port, Vendor: router.VendorOpenWRT}
	return New(5 * time.Second), luci, target, router.Credentials{Username: "root", Password: "secret"}
}

func TestCreateReservation(t *testing.T) {
	a, luci, target, creds := newTestSetup(t)

	cmd := router.Command{Kind: router.CreateReservation, Params: map[string]any{
		"mac": "AA:BB:CC:DD:EE:30", "ip": "192.168.1.30", "hostname": "camera",
	}}
	res, err := a.Execute(context.Background(), target, creds, cmd)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Payload["changed"] != true {
		t.Errorf("expected changed=true: %+v", res.Payload)
	}
	if len(luci.hosts) != 1 || luci.hosts[0]["mac"] != "aa:bb:cc:dd:ee:30" {
		t.Errorf("uci state wrong: %+v", luci.hosts)
	}

	// Commit and dnsmasq restart must follow the mutation.
	joined := strings.Join(luci.executed, "\n")
	if !strings.Contains(joined, "uci commit dhcp") || !strings.Contains(joined, "dnsmasq restart") {
		t.Errorf("missing commit/restart in: %s", joined)
	}
}

func TestCreateReservationIdempotent(t *testing.T) {
	a, luci, target, creds := newTestSetup(t)
	luci.hosts = []map[string]string{{"mac": "aa:bb:cc:dd:ee:30", "ip": "192.168.1.30", "name": "camera"}}

	cmd := router.Command{Kind: router.CreateReservation, Params: map[string]any{
		"mac": "aa:bb:cc:dd:ee:30", "ip": "192.168.1.30",
	}}
	res, err := a.Execute(context.Background(), target, creds, cmd)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Payload["changed"] != false || len(luci.hosts) != 1 {
		t.Errorf("expected no-op: %+v hosts=%d", res.Payload, len(luci.hosts))
	}
}

func TestDeleteReservation(t *testing.T) {
	a, luci, target, creds := newTestSetup(t)
	luci.hosts = []map[string]string{{"mac": "aa:bb:cc:dd:ee:30", "ip": "192.168.1.30", "name": "camera"}}

	cmd := router.Command{Kind: router.DeleteReservation, Params: map[string]any{"mac": "AA:BB:CC:DD:EE:30"}}
	if _, err := a.Execute(context.Background(), target, creds, cmd); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(luci.hosts) != 0 {
		t.Errorf("host not deleted: %+v", luci.hosts)
	}
}

func TestBadLogin(t *testing.T) {
	a, _, target, _ := newTestSetup(t)
	creds := router.Credentials{Username: "root", Password: "wrong"}
	_, err := a.Execute(context.Background(), target, creds, router.Command{Kind: router.ListReservations})
	if router.KindOf(err) != router.ErrAuthenticationFailed {
		t.Fatalf("expected AuthenticationFailed, got %v", err)
	}
}

func TestParseUCIShow(t *testing.T) {
	out := `firewall.@redirect[0]=redirect
firewall.@redirect[0].name='web'
firewall.@redirect[0].src_dport='9000'
firewall.@redirect[0].dest_ip='192.168.1.10'
firewall.@redirect[0].dest_port='9000'
firewall.@redirect[0].proto='tcp'
firewall.cfg0dc2=zone
firewall.cfg0dc2.name='lan'`

	sections := parseUCIShow(out)
	if len(sections) != 2 {
		t.Fatalf("expected 2 sections, got %d", len(sections))
	}
	if sections[0].Type != "redirect" || sections[0].Options["dest_ip"] != "192.168.1.10" {
		t.Errorf("redirect section wrong: %+v", sections[0])
	}
	if sections[1].Type != "zone" || sections[1].Options["name"] != "lan" {
		t.Errorf("zone section wrong: %+v", sections[1])
	}
}
