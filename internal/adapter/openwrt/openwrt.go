/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package openwrt drives OpenWrt through the LuCI JSON-RPC bridge. All
// state changes go through uci; the rpc/sys exec endpoint runs the
// commands after a token login against rpc/auth.
package openwrt

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/nerv-lab/tachikoma/internal/adapter"
	"github.com/nerv-lab/tachikoma/internal/router"
)

const defaultPort = 80

// Adapter implements the OpenWrt backend.
type Adapter struct {
	timeout time.Duration
}

// New builds an OpenWrt adapter.
func New(timeout time.Duration) *Adapter {
	return &Adapter{timeout: timeout}
}

func (a *Adapter) Vendor() router.Vendor       { return router.VendorOpenWRT }
func (a *Adapter) Transport() router.Transport { return router.TransportRPC }

type rpcRequest struct {
	ID     int    `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

type rpcResponse struct {
	ID     int             `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

// session is an authenticated RPC connection to one router.
type session struct {
	client *adapter.HTTPClient
	token  string
}

// Probe checks for the LuCI endpoint.
func (a *Adapter) Probe(ctx context.Context, address string) adapter.ProbeResult {
	client := adapter.NewHTTPClient("http://"+address, true, a.timeout)
	status, _, body, err := client.GetRaw(ctx, "/cgi-bin/luci")
	if err != nil {
		return adapter.ProbeResult{}
	}
	if status == 200 || status == 302 || status == 403 {
		if strings.Contains(strings.ToLower(string(body)), "luci") || status != 200 {
			return adapter.ProbeResult{Match: true, Confidence: 0.8, Evidence: "luci cgi endpoint"}
		}
	}
	return adapter.ProbeResult{}
}

func (a *Adapter) login(ctx context.Context, target router.Target, creds router.Credentials) (*session, error) {
	if creds.Username == "" || creds.Password == "" {
		return nil, router.Errorf(router.ErrCredentialsMissing, "openwrt needs username and password")
	}
	client := adapter.NewHTTPClient("http://"+target.HostPort(defaultPort), creds.InsecureSkipVerify, a.timeout)

	var resp rpcResponse
	err := client.PostJSON(ctx, "/cgi-bin/luci/rpc/auth", rpcRequest{
		ID: 1, Method: "login", Params: []any{creds.Username, creds.Password},
	}, &resp)
	if err != nil {
		return nil, err
	}
	var token string
	if err := json.Unmarshal(resp.Result, &token); err != nil || token == "" {
		return nil, router.Errorf(router.ErrAuthenticationFailed, "luci rejected login")
	}
	return &session{client: client, token: token}, nil
}

// exec runs a shell command through rpc/sys and returns its output.
func (s *session) exec(ctx context.Context, cmd string) (string, error) {
	var resp rpcResponse
	err := s.client.PostJSON(ctx, "/cgi-bin/luci/rpc/sys?auth="+s.token, rpcRequest{
		ID: 1, Method: "exec", Params: []any{cmd},
	}, &resp)
	if err != nil {
		return "", err
	}
	if len(resp.Error) > 0 && string(resp.Error) != "null" {
		return "", router.Errorf(router.ErrTransient, "rpc exec failed: %s", string(resp.Error))
	}
	var out string
	if err := json.Unmarshal(resp.Result, &out); err != nil {
		return "", router.E(router.ErrValidationFailed, "decode rpc result", err)
	}
	return out, nil
}

// Execute implements adapter.Adapter.
func (a *Adapter) Execute(ctx context.Context, target router.Target, creds router.Credentials, cmd router.Command) (*router.CommandResult, error) {
	s, err := a.login(ctx, target, creds)
	if err != nil {
		return nil, err
	}

	switch cmd.Kind {
	case router.CreateReservation:
		return a.createReservation(ctx, s, cmd)
	case router.DeleteReservation:
		return a.deleteReservation(ctx, s, cmd)
	case router.ListReservations:
		return a.listReservations(ctx, s)
	case router.CreatePortForward:
		return a.createPortForward(ctx, s, cmd)
	case router.DeletePortForward:
		return a.deletePortForward(ctx, s, cmd)
	case router.ListPortForwards:
		return a.listPortForwards(ctx, s)
	case router.SetFirewallRule:
		return a.setFirewallRule(ctx, s, cmd)
	case router.GetStatus:
		return a.getStatus(ctx, s)
	case router.GetBandwidth:
		return a.getBandwidth(ctx, s)
	default:
		return nil, adapter.Unsupported(a.Vendor(), cmd.Kind)
	}
}

// uciSection is one parsed "uci show" section.
type uciSection struct {
	Ref     string // dhcp.@host[0] or firewall.cfg0dc2
	Type    string
	Options map[string]string
}

var uciSectionRe = regexp.MustCompile(`^([\w-]+\.[\w@\[\]-]+)=(\w+)$`)

// parseUCIShow groups "uci show <package>" output into sections.
func parseUCIShow(out string) []uciSection {
	var sections []uciSection
	index := make(map[string]int)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		// Section declaration: pkg.ref=type
		if m := uciSectionRe.FindStringSubmatch(line); m != nil {
			index[m[1]] = len(sections)
			sections = append(sections, uciSection{Ref: m[1], Type: m[2], Options: map[string]string{}})
			continue
		}
		// Option line: pkg.ref.option='value'
		eq := strings.Index(line, "=")
		if eq < 0 {
			continue
		}
		key, value := line[:eq], strings.Trim(line[eq+1:], "'")
		dot := strings.LastIndex(key, ".")
		if dot < 0 {
			continue
		}
		ref, opt := key[:dot], key[dot+1:]
		if i, ok := index[ref]; ok {
			sections[i].Options[opt] = value
		}
	}
	return sections
}

func (a *Adapter) showSections(ctx context.Context, s *session, pkg, typ string) ([]uciSection, error) {
	out, err := s.exec(ctx, "uci show "+pkg)
	if err != nil {
		return nil, err
	}
	var filtered []uciSection
	for _, sec := range parseUCIShow(out) {
		if sec.Type == typ {
			filtered = append(filtered, sec)
		}
	}
	return filtered, nil
}

func (a *Adapter) commit(ctx context.Context, s *session, pkg, initScript string) error {
	if _, err := s.exec(ctx, "uci commit "+pkg); err != nil {
		return err
	}
	_, err := s.exec(ctx, "/etc/init.d/"+initScript+" restart")
	return err
}

func (a *Adapter) createReservation(ctx context.Context, s *session, cmd router.Command) (*router.CommandResult, error) {
	mac := strings.ToLower(cmd.String(router.ParamMAC))
	ip := cmd.String(router.ParamIP)
	name := cmd.String(router.ParamHostname)
	if name == "" {
		name = "device"
	}

	hosts, err := a.showSections(ctx, s, "dhcp", "host")
	if err != nil {
		return nil, err
	}
	for _, h := range hosts {
		if !strings.EqualFold(h.Options["mac"], mac) {
			continue
		}
		if h.Options["ip"] == ip {
			return adapter.OK(map[string]any{"mac": mac, "ip": ip, "changed": false}), nil
		}
		if _, err := s.exec(ctx, fmt.Sprintf("uci set %s.ip='%s'", h.Ref, ip)); err != nil {
			return nil, err
		}
		if err := a.commit(ctx, s, "dhcp", "dnsmasq"); err != nil {
			return nil, err
		}
		return adapter.OK(map[string]any{"mac": mac, "ip": ip, "changed": true}), nil
	}

	script := strings.Join([]string{
		"uci add dhcp host",
		fmt.Sprintf("uci set dhcp.@host[-1].mac='%s'", mac),
		fmt.Sprintf("uci set dhcp.@host[-1].ip='%s'", ip),
		fmt.Sprintf("uci set dhcp.@host[-1].name='%s'", name),
	}, " && ")
	if _, err := s.exec(ctx, script); err != nil {
		return nil, err
	}
	if err := a.commit(ctx, s, "dhcp", "dnsmasq"); err != nil {
		return nil, err
	}
	return adapter.OK(map[string]any{"mac": mac, "ip": ip, "changed": true}), nil
}

func (a *Adapter) deleteReservation(ctx context.Context, s *session, cmd router.Command) (*router.CommandResult, error) {
	mac := strings.ToLower(cmd.String(router.ParamMAC))

	hosts, err := a.showSections(ctx, s, "dhcp", "host")
	if err != nil {
		return nil, err
	}
	for _, h := range hosts {
		if strings.EqualFold(h.Options["mac"], mac) {
			if _, err := s.exec(ctx, "uci delete "+h.Ref); err != nil {
				return nil, err
			}
			if err := a.commit(ctx, s, "dhcp", "dnsmasq"); err != nil {
				return nil, err
			}
			return adapter.OK(map[string]any{"mac": mac, "changed": true}), nil
		}
	}
	return adapter.OK(map[string]any{"mac": mac, "changed": false}), nil
}

func (a *Adapter) listReservations(ctx context.Context, s *session) (*router.CommandResult, error) {
	hosts, err := a.showSections(ctx, s, "dhcp", "host")
	if err != nil {
		return nil, err
	}
	reservations := make([]map[string]any, 0, len(hosts))
	for _, h := range hosts {
		reservations = append(reservations, map[string]any{
			"mac":      strings.ToLower(h.Options["mac"]),
			"ip":       h.Options["ip"],
			"hostname": h.Options["name"],
		})
	}
	return adapter.OK(map[string]any{"reservations": reservations}), nil
}

func owrtProto(p string) string {
	switch strings.ToLower(p) {
	case "udp":
		return "udp"
	case "both":
		return "tcp udp"
	default:
		return "tcp"
	}
}

func (a *Adapter) createPortForward(ctx context.Context, s *session, cmd router.Command) (*router.CommandResult, error) {
	name := cmd.String(router.ParamName)
	extPort := strconv.Itoa(cmd.Int(router.ParamExternalPort))
	intIP := cmd.String(router.ParamInternalIP)
	intPort := strconv.Itoa(cmd.Int(router.ParamInternalPort))
	proto := owrtProto(cmd.String(router.ParamProtocol))

	redirects, err := a.showSections(ctx, s, "firewall", "redirect")
	if err != nil {
		return nil, err
	}
	for _, r := range redirects {
		if r.Options["name"] != name {
			continue
		}
		if r.Options["src_dport"] == extPort && r.Options["dest_ip"] == intIP &&
			r.Options["dest_port"] == intPort && r.Options["proto"] == proto {
			return adapter.OK(map[string]any{"name": name, "changed": false}), nil
		}
		script := strings.Join([]string{
			fmt.Sprintf("uci set %s.src_dport='%s'", r.Ref, extPort),
			fmt.Sprintf("uci set %s.dest_ip='%s'", r.Ref, intIP),
			fmt.Sprintf("uci set %s.dest_port='%s'", r.Ref, intPort),
			fmt.Sprintf("uci set %s.proto='%s'", r.Ref, proto),
		}, " && ")
		if _, err := s.exec(ctx, script); err != nil {
			return nil, err
		}
		if err := a.commit(ctx, s, "firewall", "firewall"); err != nil {
			return nil, err
		}
		return adapter.OK(map[string]any{"name": name, "changed": true}), nil
	}

	script := strings.Join([]string{
		"uci add firewall redirect",
		fmt.Sprintf("uci set firewall.@redirect[-1].name='%s'", name),
		"uci set firewall.@redirect[-1].src='wan'",
		"uci set firewall.@redirect[-1].dest='lan'",
		fmt.Sprintf("uci set firewall.@redirect[-1].proto='%s'", proto),
		fmt.Sprintf("uci set firewall.@redirect[-1].src_dport='%s'", extPort),
		fmt.Sprintf("uci set firewall.@redirect[-1].dest_ip='%s'", intIP),
		fmt.Sprintf("uci set firewall.@redirect[-1].dest_port='%s'", intPort),
		"uci set firewall.@redirect[-1].target='DNAT'",
	}, " && ")
	if _, err := s.exec(ctx, script); err != nil {
		return nil, err
	}
	if err := a.commit(ctx, s, "firewall", "firewall"); err != nil {
		return nil, err
	}
	return adapter.OK(map[string]any{"name": name, "changed": true}), nil
}

func (a *Adapter) deletePortForward(ctx context.Context, s *session, cmd router.Command) (*router.CommandResult, error) {
	name := cmd.String(router.ParamName)

	redirects, err := a.showSections(ctx, s, "firewall", "redirect")
	if err != nil {
		return nil, err
	}
	for _, r := range redirects {
		if r.Options["name"] == name {
			if _, err := s.exec(ctx, "uci delete "+r.Ref); err != nil {
				return nil, err
			}
			if err := a.commit(ctx, s, "firewall", "firewall"); err != nil {
				return nil, err
			}
			return adapter.OK(map[string]any{"name": name, "changed": true}), nil
		}
	}
	return adapter.OK(map[string]any{"name": name, "changed": false}), nil
}

func (a *Adapter) listPortForwards(ctx context.Context, s *session) (*router.CommandResult, error) {
	redirects, err := a.showSections(ctx, s, "firewall", "redirect")
	if err != nil {
		return nil, err
	}
	forwards := make([]map[string]any, 0, len(redirects))
	for _, r := range redirects {
		forwards = append(forwards, map[string]any{
			"name":          r.Options["name"],
			"external_port": r.Options["src_dport"],
			"internal_ip":   r.Options["dest_ip"],
			"internal_port": r.Options["dest_port"],
			"protocol":      r.Options["proto"],
		})
	}
	return adapter.OK(map[string]any{"port_forwards": forwards}), nil
}

func (a *Adapter) setFirewallRule(ctx context.Context, s *session, cmd router.Command) (*router.CommandResult, error) {
	name := cmd.String(router.ParamName)
	target := "REJECT"
	if cmd.String(router.ParamAction) == "allow" {
		target = "ACCEPT"
	}
	src, dest := "wan", "lan"
	if cmd.String(router.ParamDirection) == "out" {
		src, dest = "lan", "wan"
	}
	script := strings.Join([]string{
		"uci add firewall rule",
		fmt.Sprintf("uci set firewall.@rule[-1].name='%s'", name),
		fmt.Sprintf("uci set firewall.@rule[-1].src='%s'", src),
		fmt.Sprintf("uci set firewall.@rule[-1].dest='%s'", dest),
		fmt.Sprintf("uci set firewall.@rule[-1].proto='%s'", owrtProto(cmd.String(router.ParamProtocol))),
		fmt.Sprintf("uci set firewall.@rule[-1].target='%s'", target),
	}, " && ")
	if _, err := s.exec(ctx, script); err != nil {
		return nil, err
	}
	if err := a.commit(ctx, s, "firewall", "firewall"); err != nil {
		return nil, err
	}
	return adapter.OK(map[string]any{"name": name, "action": cmd.String(router.ParamAction)}), nil
}

func (a *Adapter) getStatus(ctx context.Context, s *session) (*router.CommandResult, error) {
	out, err := s.exec(ctx, "ubus call system board")
	if err != nil {
		return nil, err
	}
	var board struct {
		Model   string `json:"model"`
		Release struct {
			Version string `json:"version"`
		} `json:"release"`
	}
	_ = json.Unmarshal([]byte(out), &board)

	uptime := int64(0)
	if up, err := s.exec(ctx, "cat /proc/uptime"); err == nil {
		if fields := strings.Fields(up); len(fields) > 0 {
			if f, err := strconv.ParseFloat(fields[0], 64); err == nil {
				uptime = int64(f)
			}
		}
	}
	return adapter.OK(map[string]any{
		"model": board.Model, "version": board.Release.Version, "uptime": uptime,
	}), nil
}

func (a *Adapter) getBandwidth(ctx context.Context, s *session) (*router.CommandResult, error) {
	out, err := s.exec(ctx, "ubus call network.interface.wan status")
	if err != nil {
		return nil, err
	}
	var status struct {
		L3Device string `json:"l3_device"`
	}
	_ = json.Unmarshal([]byte(out), &status)
	dev := status.L3Device
	if dev == "" {
		dev = "eth0"
	}

	counters, err := s.exec(ctx, fmt.Sprintf(
		"cat /sys/class/net/%s/statistics/rx_bytes /sys/class/net/%s/statistics/tx_bytes", dev, dev))
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(counters)
	if len(fields) < 2 {
		return nil, router.Errorf(router.ErrTransient, "unexpected counters for %s", dev)
	}
	rx, _ := strconv.ParseInt(fields[0], 10, 64)
	tx, _ := strconv.ParseInt(fields[1], 10, 64)
	return adapter.OK(map[string]any{"interface": dev, "rx_bytes": rx, "tx_bytes": tx}), nil
}

// Snapshot captures the full uci export.
func (a *Adapter) Snapshot(ctx context.Context, target router.Target, creds router.Credentials) (*router.ConfigSnapshot, error) {
	s, err := a.login(ctx, target, creds)
	if err != nil {
		return nil, err
	}
	out, err := s.exec(ctx, "uci export")
	if err != nil {
		return nil, router.E(router.ErrBackupFailed, "uci export failed", err)
	}
	if strings.TrimSpace(out) == "" {
		return nil, router.Errorf(router.ErrBackupFailed, "empty uci export")
	}
	return &router.ConfigSnapshot{
		Target:  target.Address,
		Vendor:  a.Vendor(),
		TakenAt: time.Now().UTC(),
		Format:  "uci-export",
		Data:    []byte(out),
	}, nil
}

// Restore imports a uci export and restarts the affected services.
func (a *Adapter) Restore(ctx context.Context, target router.Target, creds router.Credentials, snap *router.ConfigSnapshot) error {
	if snap.Vendor != a.Vendor() || snap.Format != "uci-export" {
		return router.Errorf(router.ErrSnapshotIncompatible, "snapshot %s is %s/%s, not uci-export", snap.ID, snap.Vendor, snap.Format)
	}
	if strings.Contains(string(snap.Data), "TACHIKOMA_UCI_EOF") {
		return router.Errorf(router.ErrSnapshotIncompatible, "snapshot contains the import delimiter")
	}
	s, err := a.login(ctx, target, creds)
	if err != nil {
		return err
	}
	script := "uci import <<'TACHIKOMA_UCI_EOF'\n" + string(snap.Data) + "\nTACHIKOMA_UCI_EOF"
	if _, err := s.exec(ctx, script); err != nil {
		return err
	}
	if _, err := s.exec(ctx, "uci commit"); err != nil {
		return err
	}
	if _, err := s.exec(ctx, "/etc/init.d/dnsmasq restart"); err != nil {
		return err
	}
	_, err = s.exec(ctx, "/etc/init.d/firewall restart")
	return err
}
