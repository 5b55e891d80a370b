/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package asus manages ASUSWRT routers over SSH. State lives in nvram:
// dhcp_staticlist carries DHCP reservations, vts_rulelist carries port
// forwards. Probing uses the stock web UI fingerprint, no login needed.
package asus

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nerv-lab/tachikoma/internal/adapter"
	"github.com/nerv-lab/tachikoma/internal/router"
)

// runner abstracts the SSH session for tests.
type runner interface {
	Run(ctx context.Context, cmd string) (string, error)
	Close()
}

// Adapter implements the ASUSWRT backend.
type Adapter struct {
	timeout time.Duration

	// newRunner is swapped in tests.
	newRunner func(target router.Target, creds router.Credentials) (runner, error)
}

// New builds an ASUS adapter.
func New(timeout time.Duration) *Adapter {
	a := &Adapter{timeout: timeout}
	a.newRunner = func(target router.Target, creds router.Credentials) (runner, error) {
		return adapter.NewSSHRunner(target, creds, a.timeout)
	}
	return a
}

func (a *Adapter) Vendor() router.Vendor       { return router.VendorASUS }
func (a *Adapter) Transport() router.Transport { return router.TransportSSH }

// Probe fetches the stock login page over HTTP.
func (a *Adapter) Probe(ctx context.Context, address string) adapter.ProbeResult {
	client := adapter.NewHTTPClient("http://"+address, true, a.timeout)
	_, _, body, err := client.GetRaw(ctx, "/Main_Login.asp")
	if err != nil {
		return adapter.ProbeResult{}
	}
	lower := strings.ToLower(string(body))
	if strings.Contains(lower, "asus") || strings.Contains(lower, "rt-") {
		return adapter.ProbeResult{Match: true, Confidence: 0.9, Evidence: "asuswrt login page"}
	}
	return adapter.ProbeResult{}
}

// staticEntry is one dhcp_staticlist record. Firmware variants append
// extra fields after IP; they are preserved verbatim on rewrite.
type staticEntry struct {
	MAC   string
	IP    string
	Extra []string
}

func parseStaticList(raw string) []staticEntry {
	var entries []staticEntry
	for _, chunk := range strings.Split(strings.TrimSpace(raw), "<") {
		if chunk == "" {
			continue
		}
		fields := strings.Split(chunk, ">")
		if len(fields) < 2 {
			continue
		}
		e := staticEntry{MAC: strings.ToLower(fields[0]), IP: fields[1]}
		if len(fields) > 2 {
			e.Extra = fields[2:]
		}
		entries = append(entries, e)
	}
	return entries
}

func formatStaticList(entries []staticEntry) string {
	var b strings.Builder
	for _, e := range entries {
		b.WriteString("<")
		b.WriteString(strings.ToUpper(e.MAC))
		b.WriteString(">")
		b.WriteString(e.IP)
		for _, x := range e.Extra {
			b.WriteString(">")
			b.WriteString(x)
		}
	}
	return b.String()
}

// vtsRule is one vts_rulelist record: name>extport>intip>intport>proto.
type vtsRule struct {
	Name    string
	ExtPort string
	IntIP   string
	IntPort string
	Proto   string
}

func parseVTSList(raw string) []vtsRule {
	var rules []vtsRule
	for _, chunk := range strings.Split(strings.TrimSpace(raw), "<") {
		if chunk == "" {
			continue
		}
		fields := strings.Split(chunk, ">")
		if len(fields) < 5 {
			continue
		}
		rules = append(rules, vtsRule{
			Name: fields[0], ExtPort: fields[1], IntIP: fields[2],
			IntPort: fields[3], Proto: strings.ToUpper(fields[4]),
		})
	}
	return rules
}

func formatVTSList(rules []vtsRule) string {
	var b strings.Builder
	for _, r := range rules {
		fmt.Fprintf(&b, "<%s>%s>%s>%s>%s", r.Name, r.ExtPort, r.IntIP, r.IntPort, r.Proto)
	}
	return b.String()
}

// Execute implements adapter.Adapter.
func (a *Adapter) Execute(ctx context.Context, target router.Target, creds router.Credentials, cmd router.Command) (*router.CommandResult, error) {
	run, err := a.newRunner(target, creds)
	if err != nil {
		return nil, err
	}
	defer run.Close()

	switch cmd.Kind {
	case router.CreateReservation:
		return a.createReservation(ctx, run, cmd)
	case router.DeleteReservation:
		return a.deleteReservation(ctx, run, cmd)
	case router.ListReservations:
		return a.listReservations(ctx, run)
	case router.CreatePortForward:
		return a.createPortForward(ctx, run, cmd)
	case router.DeletePortForward:
		return a.deletePortForward(ctx, run, cmd)
	case router.ListPortForwards:
		return a.listPortForwards(ctx, run)
	case router.SetFirewallRule:
		return a.setFirewallRule(ctx, run, cmd)
	case router.GetStatus:
		return a.getStatus(ctx, run)
	case router.GetBandwidth:
		return a.getBandwidth(ctx, run)
	default:
		return nil, adapter.Unsupported(a.Vendor(), cmd.Kind)
	}
}

func (a *Adapter) nvramGet(ctx context.Context, run runner, key string) (string, error) {
	out, err := run.Run(ctx, "nvram get "+key)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (a *Adapter) nvramSet(ctx context.Context, run runner, key, value string) error {
	// Values contain <> separators; single quotes keep the shell out.
	if strings.ContainsRune(value, '\'') {
		return router.Errorf(router.ErrValidationFailed, "nvram value for %s contains a quote", key)
	}
	_, err := run.Run(ctx, fmt.Sprintf("nvram set %s='%s'", key, value))
	return err
}

func (a *Adapter) commitAndRestart(ctx context.Context, run runner, service string) error {
	if _, err := run.Run(ctx, "nvram commit"); err != nil {
		return err
	}
	_, err := run.Run(ctx, "service "+service)
	return err
}

func (a *Adapter) createReservation(ctx context.Context, run runner, cmd router.Command) (*router.CommandResult, error) {
	mac := strings.ToLower(cmd.String(router.ParamMAC))
	ip := cmd.String(router.ParamIP)

	raw, err := a.nvramGet(ctx, run, "dhcp_staticlist")
	if err != nil {
		return nil, err
	}
	entries := parseStaticList(raw)
	for i, e := range entries {
		if e.MAC != mac {
			continue
		}
		if e.IP == ip {
			return adapter.OK(map[string]any{"mac": mac, "ip": ip, "changed": false}), nil
		}
		entries[i].IP = ip
		if err := a.nvramSet(ctx, run, "dhcp_staticlist", formatStaticList(entries)); err != nil {
			return nil, err
		}
		if err := a.commitAndRestart(ctx, run, "restart_dnsmasq"); err != nil {
			return nil, err
		}
		return adapter.OK(map[string]any{"mac": mac, "ip": ip, "changed": true}), nil
	}

	entries = append(entries, staticEntry{MAC: mac, IP: ip})
	if err := a.nvramSet(ctx, run, "dhcp_staticlist", formatStaticList(entries)); err != nil {
		return nil, err
	}
	if err := a.commitAndRestart(ctx, run, "restart_dnsmasq"); err != nil {
		return nil, err
	}
	return adapter.OK(map[string]any{"mac": mac, "ip": ip, "changed": true}), nil
}

func (a *Adapter) deleteReservation(ctx context.Context, run runner, cmd router.Command) (*router.CommandResult, error) {
	mac := strings.ToLower(cmd.String(router.ParamMAC))

	raw, err := a.nvramGet(ctx, run, "dhcp_staticlist")
	if err != nil {
		return nil, err
	}
	entries := parseStaticList(raw)
	kept := entries[:0]
	for _, e := range entries {
		if e.MAC != mac {
			kept = append(kept, e)
		}
	}
	if len(kept) == len(entries) {
		return adapter.OK(map[string]any{"mac": mac, "changed": false}), nil
	}
	if err := a.nvramSet(ctx, run, "dhcp_staticlist", formatStaticList(kept)); err != nil {
		return nil, err
	}
	if err := a.commitAndRestart(ctx, run, "restart_dnsmasq"); err != nil {
		return nil, err
	}
	return adapter.OK(map[string]any{"mac": mac, "changed": true}), nil
}

func (a *Adapter) listReservations(ctx context.Context, run runner) (*router.CommandResult, error) {
	raw, err := a.nvramGet(ctx, run, "dhcp_staticlist")
	if err != nil {
		return nil, err
	}
	reservations := make([]map[string]any, 0)
	for _, e := range parseStaticList(raw) {
		r := map[string]any{"mac": e.MAC, "ip": e.IP}
		if len(e.Extra) > 0 {
			r["hostname"] = e.Extra[len(e.Extra)-1]
		}
		reservations = append(reservations, r)
	}
	return adapter.OK(map[string]any{"reservations": reservations}), nil
}

func asusProto(p string) string {
	switch strings.ToLower(p) {
	case "udp":
		return "UDP"
	case "both":
		return "BOTH"
	default:
		return "TCP"
	}
}

func (a *Adapter) createPortForward(ctx context.Context, run runner, cmd router.Command) (*router.CommandResult, error) {
	want := vtsRule{
		Name:    cmd.String(router.ParamName),
		ExtPort: strconv.Itoa(cmd.Int(router.ParamExternalPort)),
		IntIP:   cmd.String(router.ParamInternalIP),
		IntPort: strconv.Itoa(cmd.Int(router.ParamInternalPort)),
		Proto:   asusProto(cmd.String(router.ParamProtocol)),
	}

	raw, err := a.nvramGet(ctx, run, "vts_rulelist")
	if err != nil {
		return nil, err
	}
	rules := parseVTSList(raw)
	for i, r := range rules {
		if r.Name != want.Name {
			continue
		}
		if r == want {
			return adapter.OK(map[string]any{"name": want.Name, "changed": false}), nil
		}
		rules[i] = want
		return a.writeVTS(ctx, run, rules, want.Name)
	}
	rules = append(rules, want)
	return a.writeVTS(ctx, run, rules, want.Name)
}

func (a *Adapter) writeVTS(ctx context.Context, run runner, rules []vtsRule, name string) (*router.CommandResult, error) {
	if err := a.nvramSet(ctx, run, "vts_rulelist", formatVTSList(rules)); err != nil {
		return nil, err
	}
	if _, err := run.Run(ctx, "nvram set vts_enable_x=1"); err != nil {
		return nil, err
	}
	if err := a.commitAndRestart(ctx, run, "restart_firewall"); err != nil {
		return nil, err
	}
	return adapter.OK(map[string]any{"name": name, "changed": true}), nil
}

func (a *Adapter) deletePortForward(ctx context.Context, run runner, cmd router.Command) (*router.CommandResult, error) {
	name := cmd.String(router.ParamName)

	raw, err := a.nvramGet(ctx, run, "vts_rulelist")
	if err != nil {
		return nil, err
	}
	rules := parseVTSList(raw)
	kept := rules[:0]
	for _, r := range rules {
		if r.Name != name {
			kept = append(kept, r)
		}
	}
	if len(kept) == len(rules) {
		return adapter.OK(map[string]any{"name": name, "changed": false}), nil
	}
	if err := a.nvramSet(ctx, run, "vts_rulelist", formatVTSList(kept)); err != nil {
		return nil, err
	}
	if err := a.commitAndRestart(ctx, run, "restart_firewall"); err != nil {
		return nil, err
	}
	return adapter.OK(map[string]any{"name": name, "changed": true}), nil
}

func (a *Adapter) listPortForwards(ctx context.Context, run runner) (*router.CommandResult, error) {
	raw, err := a.nvramGet(ctx, run, "vts_rulelist")
	if err != nil {
		return nil, err
	}
	forwards := make([]map[string]any, 0)
	for _, r := range parseVTSList(raw) {
		forwards = append(forwards, map[string]any{
			"name":          r.Name,
			"external_port": r.ExtPort,
			"internal_ip":   r.IntIP,
			"internal_port": r.IntPort,
			"protocol":      strings.ToLower(r.Proto),
		})
	}
	return adapter.OK(map[string]any{"port_forwards": forwards}), nil
}

func (a *Adapter) setFirewallRule(ctx context.Context, run runner, cmd router.Command) (*router.CommandResult, error) {
	name := cmd.String(router.ParamName)
	proto := strings.ToLower(cmd.String(router.ParamProtocol))
	chain := "FORWARD"
	targetAction := "DROP"
	if cmd.String(router.ParamAction) == "allow" {
		targetAction = "ACCEPT"
	}
	iface := "-i"
	if cmd.String(router.ParamDirection) == "out" {
		iface = "-o"
	}
	wanIf, err := a.nvramGet(ctx, run, "wan0_ifname")
	if err != nil {
		return nil, err
	}
	if wanIf == "" {
		wanIf = "eth0"
	}

	// Replace any previous rule with the same comment tag, then insert.
	tag := "tachikoma:" + name
	_, _ = run.Run(ctx, fmt.Sprintf("iptables -D %s %s %s -p %s -m comment --comment '%s' -j %s 2>/dev/null",
		chain, iface, wanIf, proto, tag, "DROP"))
	_, _ = run.Run(ctx, fmt.Sprintf("iptables -D %s %s %s -p %s -m comment --comment '%s' -j %s 2>/dev/null",
		chain, iface, wanIf, proto, tag, "ACCEPT"))
	if _, err := run.Run(ctx, fmt.Sprintf("iptables -I %s %s %s -p %s -m comment --comment '%s' -j %s",
		chain, iface, wanIf, proto, tag, targetAction)); err != nil {
		return nil, err
	}
	return adapter.OK(map[string]any{"name": name, "action": cmd.String(router.ParamAction)}), nil
}

func (a *Adapter) getStatus(ctx context.Context, run runner) (*router.CommandResult, error) {
	model, err := a.nvramGet(ctx, run, "productid")
	if err != nil {
		return nil, err
	}
	version, _ := a.nvramGet(ctx, run, "buildno")
	wanIP, _ := a.nvramGet(ctx, run, "wan0_ipaddr")

	uptime := int64(0)
	if out, err := run.Run(ctx, "cat /proc/uptime"); err == nil {
		if fields := strings.Fields(out); len(fields) > 0 {
			if f, err := strconv.ParseFloat(fields[0], 64); err == nil {
				uptime = int64(f)
			}
		}
	}
	return adapter.OK(map[string]any{
		"model": model, "version": version, "uptime": uptime, "wan_ip": wanIP,
	}), nil
}

func (a *Adapter) getBandwidth(ctx context.Context, run runner) (*router.CommandResult, error) {
	wanIf, err := a.nvramGet(ctx, run, "wan0_ifname")
	if err != nil {
		return nil, err
	}
	if wanIf == "" {
		wanIf = "eth0"
	}
	out, err := run.Run(ctx, fmt.Sprintf(
		"cat /sys/class/net/%s/statistics/rx_bytes /sys/class/net/%s/statistics/tx_bytes", wanIf, wanIf))
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(out)
	if len(fields) < 2 {
		return nil, router.Errorf(router.ErrTransient, "unexpected interface counters for %s", wanIf)
	}
	rx, _ := strconv.ParseInt(fields[0], 10, 64)
	tx, _ := strconv.ParseInt(fields[1], 10, 64)
	return adapter.OK(map[string]any{
		"interface": wanIf, "rx_bytes": rx, "tx_bytes": tx,
	}), nil
}

// Snapshot dumps the full nvram state. Restore only replays the keys
// this layer manages; feeding a whole foreign dump back into nvram could
// brick wireless calibration data.
func (a *Adapter) Snapshot(ctx context.Context, target router.Target, creds router.Credentials) (*router.ConfigSnapshot, error) {
	run, err := a.newRunner(target, creds)
	if err != nil {
		return nil, err
	}
	defer run.Close()

	out, err := run.Run(ctx, "nvram show")
	if err != nil {
		return nil, router.E(router.ErrBackupFailed, "nvram show failed", err)
	}
	return &router.ConfigSnapshot{
		Target:  target.Address,
		Vendor:  a.Vendor(),
		TakenAt: time.Now().UTC(),
		Format:  "nvram",
		Data:    []byte(out),
	}, nil
}

// managedKeys are the nvram variables Restore is allowed to write.
var managedKeys = map[string]bool{
	"dhcp_staticlist": true,
	"vts_rulelist":    true,
	"vts_enable_x":    true,
}

// Restore replays managed keys from an nvram dump.
func (a *Adapter) Restore(ctx context.Context, target router.Target, creds router.Credentials, snap *router.ConfigSnapshot) error {
	if snap.Vendor != a.Vendor() || snap.Format != "nvram" {
		return router.Errorf(router.ErrSnapshotIncompatible, "snapshot %s is %s/%s, not asus nvram", snap.ID, snap.Vendor, snap.Format)
	}
	run, err := a.newRunner(target, creds)
	if err != nil {
		return err
	}
	defer run.Close()

	restored := 0
	for _, line := range strings.Split(string(snap.Data), "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok || !managedKeys[key] {
			continue
		}
		if err := a.nvramSet(ctx, run, key, value); err != nil {
			return err
		}
		restored++
	}
	if restored == 0 {
		return router.Errorf(router.ErrSnapshotIncompatible, "snapshot %s carries no restorable keys", snap.ID)
	}
	if err := a.commitAndRestart(ctx, run, "restart_dnsmasq"); err != nil {
		return err
	}
	_, err = run.Run(ctx, "service restart_firewall")
	return err
}
