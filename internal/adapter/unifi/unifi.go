/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package unifi speaks the UniFi controller REST API. DHCP reservations
// are fixed-IP user entries; port forwards and firewall rules are rest
// collections under the site.
package unifi

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nerv-lab/tachikoma/internal/adapter"
	"github.com/nerv-lab/tachikoma/internal/router"
)

const (
	defaultPort = 8443
	site        = "default"
)

// Adapter implements the UniFi backend.
type Adapter struct {
	timeout time.Duration
}

// New builds a UniFi adapter with the given per-call HTTP timeout.
func New(timeout time.Duration) *Adapter {
	return &Adapter{timeout: timeout}
}

func (a *Adapter) Vendor() router.Vendor       { return router.VendorUniFi }
func (a *Adapter) Transport() router.Transport { return router.TransportREST }

// envelope is the controller's uniform response shape.
type envelope struct {
	Meta struct {
		RC  string `json:"rc"`
		Msg string `json:"msg"`
	} `json:"meta"`
	Data []json.RawMessage `json:"data"`
}

type user struct {
	ID         string `json:"_id,omitempty"`
	MAC        string `json:"mac"`
	Name       string `json:"name,omitempty"`
	UseFixedIP bool   `json:"use_fixedip"`
	FixedIP    string `json:"fixed_ip,omitempty"`
}

type portForward struct {
	ID       string `json:"_id,omitempty"`
	Name     string `json:"name"`
	Enabled  bool   `json:"enabled"`
	DstPort  string `json:"dst_port"`
	Fwd      string `json:"fwd"`
	FwdPort  string `json:"fwd_port"`
	Proto    string `json:"proto"`
	PfwdIntf string `json:"pfwd_interface,omitempty"`
}

type firewallRule struct {
	ID       string `json:"_id,omitempty"`
	Name     string `json:"name"`
	Ruleset  string `json:"ruleset"`
	Action   string `json:"action"`
	Enabled  bool   `json:"enabled"`
	Protocol string `json:"protocol,omitempty"`
}

// Probe checks the controller health endpoint and Server header. The
// health endpoint answers 401 to anonymous callers, which is itself a
// fingerprint.
func (a *Adapter) Probe(ctx context.Context, address string) adapter.ProbeResult {
	client := a.client(router.Target{Address: address}, true)

	status, headers, _, err := client.GetRaw(ctx, fmt.Sprintf("/api/s/%s/stat/health", site))
	if err == nil {
		if strings.Contains(strings.ToLower(headers.Get("Server")), "unifi") {
			return adapter.ProbeResult{Match: true, Confidence: 0.95, Evidence: "unifi server header on stat/health"}
		}
		if status == 200 || status == 401 {
			// Right path exists; confirm with the login page.
			if _, _, body, err := client.GetRaw(ctx, "/manage/account/login"); err == nil &&
				strings.Contains(strings.ToLower(string(body)), "unifi") {
				return adapter.ProbeResult{Match: true, Confidence: 0.85, Evidence: "unifi login page"}
			}
		}
	}
	return adapter.ProbeResult{}
}

func (a *Adapter) client(target router.Target, insecure bool) *adapter.HTTPClient {
	return adapter.NewHTTPClient("https://"+target.HostPort(defaultPort), insecure, a.timeout)
}

// login opens an authenticated session. The controller keeps session
// state in a cookie, carried by the client's jar.
func (a *Adapter) login(ctx context.Context, target router.Target, creds router.Credentials) (*adapter.HTTPClient, error) {
	if creds.Username == "" || creds.Password == "" {
		return nil, router.Errorf(router.ErrCredentialsMissing, "unifi needs username and password")
	}
	client := a.client(target, creds.InsecureSkipVerify)

	err := client.PostJSON(ctx, "/api/login", map[string]string{
		"username": creds.Username,
		"password": creds.Password,
	}, nil)
	if err != nil {
		// The controller answers 400 to bad credentials, not 401.
		if router.KindOf(err) == router.ErrValidationFailed {
			return nil, router.E(router.ErrAuthenticationFailed, "controller rejected login", err, "op:unifi.login")
		}
		return nil, err
	}
	return client, nil
}

func (a *Adapter) sitePath(suffix string) string {
	return fmt.Sprintf("/api/s/%s/%s", site, suffix)
}

func (a *Adapter) listUsers(ctx context.Context, client *adapter.HTTPClient) ([]user, error) {
	var env envelope
	if err := client.GetJSON(ctx, a.sitePath("rest/user"), &env); err != nil {
		return nil, err
	}
	users := make([]user, 0, len(env.Data))
	for _, raw := range env.Data {
		var u user
		if err := json.Unmarshal(raw, &u); err == nil {
			users = append(users, u)
		}
	}
	return users, nil
}

func (a *Adapter) listPortForwards(ctx context.Context, client *adapter.HTTPClient) ([]portForward, error) {
	var env envelope
	if err := client.GetJSON(ctx, a.sitePath("rest/portforward"), &env); err != nil {
		return nil, err
	}
	rules := make([]portForward, 0, len(env.Data))
	for _, raw := range env.Data {
		var pf portForward
		if err := json.Unmarshal(raw, &pf); err == nil {
			rules = append(rules, pf)
		}
	}
	return rules, nil
}

// Execute implements adapter.Adapter.
func (a *Adapter) Execute(ctx context.Context, target router.Target, creds router.Credentials, cmd router.Command) (*router.CommandResult, error) {
	client, err := a.login(ctx, target, creds)
	if err != nil {
		return nil, err
	}

	switch cmd.Kind {
	case router.CreateReservation:
		return a.createReservation(ctx, client, cmd)
	case router.DeleteReservation:
		return a.deleteReservation(ctx, client, cmd)
	case router.ListReservations:
		return a.listReservations(ctx, client)
	case router.CreatePortForward:
		return a.createPortForward(ctx, client, cmd)
	case router.DeletePortForward:
		return a.deletePortForward(ctx, client, cmd)
	case router.ListPortForwards:
		return a.listForwardsResult(ctx, client)
	case router.SetFirewallRule:
		return a.setFirewallRule(ctx, client, cmd)
	case router.GetStatus:
		return a.getStatus(ctx, client)
	case router.GetBandwidth:
		return a.getBandwidth(ctx, client)
	default:
		return nil, adapter.Unsupported(a.Vendor(), cmd.Kind)
	}
}

func (a *Adapter) createReservation(ctx context.Context, client *adapter.HTTPClient, cmd router.Command) (*router.CommandResult, error) {
	mac := strings.ToLower(cmd.String(router.ParamMAC))
	ip := cmd.String(router.ParamIP)
	name := cmd.String(router.ParamHostname)
	if name == "" {
		suffix := mac
		if len(mac) >= 5 {
			suffix = mac[len(mac)-5:]
		}
		name = "device-" + strings.ReplaceAll(suffix, ":", "")
	}

	users, err := a.listUsers(ctx, client)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		if !strings.EqualFold(u.MAC, mac) {
			continue
		}
		if u.UseFixedIP && u.FixedIP == ip {
			return adapter.OK(map[string]any{"mac": mac, "ip": ip, "changed": false}), nil
		}
		// Known client: flip it to the requested fixed IP.
		err := client.PutJSON(ctx, a.sitePath("rest/user/"+u.ID), user{
			MAC: mac, Name: name, UseFixedIP: true, FixedIP: ip,
		}, nil)
		if err != nil {
			return nil, err
		}
		return adapter.OK(map[string]any{"mac": mac, "ip": ip, "changed": true}), nil
	}

	err = client.PostJSON(ctx, a.sitePath("rest/user"), user{
		MAC: mac, Name: name, UseFixedIP: true, FixedIP: ip,
	}, nil)
	if err != nil {
		return nil, err
	}
	return adapter.OK(map[string]any{"mac": mac, "ip": ip, "changed": true}), nil
}

func (a *Adapter) deleteReservation(ctx context.Context, client *adapter.HTTPClient, cmd router.Command) (*router.CommandResult, error) {
	mac := strings.ToLower(cmd.String(router.ParamMAC))

	users, err := a.listUsers(ctx, client)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		if strings.EqualFold(u.MAC, mac) && u.UseFixedIP {
			err := client.PutJSON(ctx, a.sitePath("rest/user/"+u.ID), user{
				MAC: mac, Name: u.Name, UseFixedIP: false,
			}, nil)
			if err != nil {
				return nil, err
			}
			return adapter.OK(map[string]any{"mac": mac, "changed": true}), nil
		}
	}
	// Absent already: deleting is idempotent.
	return adapter.OK(map[string]any{"mac": mac, "changed": false}), nil
}

func (a *Adapter) listReservations(ctx context.Context, client *adapter.HTTPClient) (*router.CommandResult, error) {
	users, err := a.listUsers(ctx, client)
	if err != nil {
		return nil, err
	}
	reservations := make([]map[string]any, 0)
	for _, u := range users {
		if !u.UseFixedIP {
			continue
		}
		reservations = append(reservations, map[string]any{
			"mac": strings.ToLower(u.MAC), "ip": u.FixedIP, "hostname": u.Name,
		})
	}
	return adapter.OK(map[string]any{"reservations": reservations}), nil
}

func (a *Adapter) createPortForward(ctx context.Context, client *adapter.HTTPClient, cmd router.Command) (*router.CommandResult, error) {
	want := portForward{
		Name:    cmd.String(router.ParamName),
		Enabled: true,
		DstPort: strconv.Itoa(cmd.Int(router.ParamExternalPort)),
		Fwd:     cmd.String(router.ParamInternalIP),
		FwdPort: strconv.Itoa(cmd.Int(router.ParamInternalPort)),
		Proto:   normalizeProto(cmd.String(router.ParamProtocol)),
	}

	rules, err := a.listPortForwards(ctx, client)
	if err != nil {
		return nil, err
	}
	for _, r := range rules {
		if r.Name != want.Name {
			continue
		}
		if r.DstPort == want.DstPort && r.Fwd == want.Fwd && r.FwdPort == want.FwdPort && r.Proto == want.Proto {
			return adapter.OK(map[string]any{"name": want.Name, "changed": false}), nil
		}
		want.ID = r.ID
		if err := client.PutJSON(ctx, a.sitePath("rest/portforward/"+r.ID), want, nil); err != nil {
			return nil, err
		}
		return adapter.OK(map[string]any{"name": want.Name, "changed": true}), nil
	}

	if err := client.PostJSON(ctx, a.sitePath("rest/portforward"), want, nil); err != nil {
		return nil, err
	}
	return adapter.OK(map[string]any{"name": want.Name, "changed": true}), nil
}

func (a *Adapter) deletePortForward(ctx context.Context, client *adapter.HTTPClient, cmd router.Command) (*router.CommandResult, error) {
	name := cmd.String(router.ParamName)

	rules, err := a.listPortForwards(ctx, client)
	if err != nil {
		return nil, err
	}
	for _, r := range rules {
		if r.Name == name {
			if err := client.DeleteJSON(ctx, a.sitePath("rest/portforward/"+r.ID), nil); err != nil {
				return nil, err
			}
			return adapter.OK(map[string]any{"name": name, "changed": true}), nil
		}
	}
	return adapter.OK(map[string]any{"name": name, "changed": false}), nil
}

func (a *Adapter) listForwardsResult(ctx context.Context, client *adapter.HTTPClient) (*router.CommandResult, error) {
	rules, err := a.listPortForwards(ctx, client)
	if err != nil {
		return nil, err
	}
	forwards := make([]map[string]any, 0, len(rules))
	for _, r := range rules {
		forwards = append(forwards, map[string]any{
			"name":          r.Name,
			"enabled":       r.Enabled,
			"external_port": r.DstPort,
			"internal_ip":   r.Fwd,
			"internal_port": r.FwdPort,
			"protocol":      r.Proto,
		})
	}
	return adapter.OK(map[string]any{"port_forwards": forwards}), nil
}

func (a *Adapter) setFirewallRule(ctx context.Context, client *adapter.HTTPClient, cmd router.Command) (*router.CommandResult, error) {
	ruleset := "WAN_IN"
	if cmd.String(router.ParamDirection) == "out" {
		ruleset = "WAN_OUT"
	}
	action := "drop"
	if cmd.String(router.ParamAction) == "allow" {
		action = "accept"
	}
	rule := firewallRule{
		Name:     cmd.String(router.ParamName),
		Ruleset:  ruleset,
		Action:   action,
		Enabled:  true,
		Protocol: normalizeProto(cmd.String(router.ParamProtocol)),
	}
	if err := client.PostJSON(ctx, a.sitePath("rest/firewallrule"), rule, nil); err != nil {
		return nil, err
	}
	return adapter.OK(map[string]any{"name": rule.Name, "action": cmd.String(router.ParamAction)}), nil
}

func (a *Adapter) getStatus(ctx context.Context, client *adapter.HTTPClient) (*router.CommandResult, error) {
	var env envelope
	if err := client.GetJSON(ctx, a.sitePath("stat/sysinfo"), &env); err != nil {
		return nil, err
	}
	var info struct {
		ModelName string `json:"model_name"`
		Version   string `json:"version"`
		Uptime    int64  `json:"uptime"`
		WANIP     string `json:"wan_ip"`
	}
	if len(env.Data) > 0 {
		_ = json.Unmarshal(env.Data[0], &info)
	}
	return adapter.OK(map[string]any{
		"model":   info.ModelName,
		"version": info.Version,
		"uptime":  info.Uptime,
		"wan_ip":  info.WANIP,
	}), nil
}

func (a *Adapter) getBandwidth(ctx context.Context, client *adapter.HTTPClient) (*router.CommandResult, error) {
	var env envelope
	if err := client.GetJSON(ctx, a.sitePath("stat/health"), &env); err != nil {
		return nil, err
	}
	for _, raw := range env.Data {
		var sub struct {
			Subsystem string  `json:"subsystem"`
			TxBytesR  float64 `json:"tx_bytes-r"`
			RxBytesR  float64 `json:"rx_bytes-r"`
		}
		if err := json.Unmarshal(raw, &sub); err != nil || sub.Subsystem != "wan" {
			continue
		}
		return adapter.OK(map[string]any{
			"rx_bytes_per_sec": sub.RxBytesR,
			"tx_bytes_per_sec": sub.TxBytesR,
		}), nil
	}
	return nil, router.Errorf(router.ErrUnsupportedOperation, "controller reports no wan subsystem")
}

// snapshotDoc is the portable capture of the state this layer manages.
type snapshotDoc struct {
	Users        []user        `json:"users"`
	PortForwards []portForward `json:"port_forwards"`
}

// Snapshot captures the fixed-IP users and port forward rules.
func (a *Adapter) Snapshot(ctx context.Context, target router.Target, creds router.Credentials) (*router.ConfigSnapshot, error) {
	client, err := a.login(ctx, target, creds)
	if err != nil {
		return nil, err
	}
	users, err := a.listUsers(ctx, client)
	if err != nil {
		return nil, err
	}
	forwards, err := a.listPortForwards(ctx, client)
	if err != nil {
		return nil, err
	}

	doc := snapshotDoc{PortForwards: forwards}
	for _, u := range users {
		if u.UseFixedIP {
			doc.Users = append(doc.Users, u)
		}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, router.E(router.ErrBackupFailed, "encode snapshot", err)
	}
	return &router.ConfigSnapshot{
		Target:  target.Address,
		Vendor:  a.Vendor(),
		TakenAt: time.Now().UTC(),
		Format:  "unifi-json",
		Data:    data,
	}, nil
}

// Restore replays the captured reservations and port forwards.
func (a *Adapter) Restore(ctx context.Context, target router.Target, creds router.Credentials, snap *router.ConfigSnapshot) error {
	if snap.Vendor != a.Vendor() || snap.Format != "unifi-json" {
		return router.Errorf(router.ErrSnapshotIncompatible, "snapshot %s is %s/%s, not unifi-json", snap.ID, snap.Vendor, snap.Format)
	}
	var doc snapshotDoc
	if err := json.Unmarshal(snap.Data, &doc); err != nil {
		return router.E(router.ErrSnapshotIncompatible, "decode snapshot", err)
	}

	client, err := a.login(ctx, target, creds)
	if err != nil {
		return err
	}
	for _, u := range doc.Users {
		cmd := router.Command{Kind: router.CreateReservation, Params: map[string]any{
			router.ParamMAC: u.MAC, router.ParamIP: u.FixedIP, router.ParamHostname: u.Name,
		}}
		if _, err := a.createReservation(ctx, client, cmd); err != nil {
			return err
		}
	}
	for _, pf := range doc.PortForwards {
		extPort, _ := strconv.Atoi(pf.DstPort)
		intPort, _ := strconv.Atoi(pf.FwdPort)
		cmd := router.Command{Kind: router.CreatePortForward, Params: map[string]any{
			router.ParamName:         pf.Name,
			router.ParamExternalPort: extPort,
			router.ParamInternalIP:   pf.Fwd,
			router.ParamInternalPort: intPort,
			router.ParamProtocol:     pf.Proto,
		}}
		if _, err := a.createPortForward(ctx, client, cmd); err != nil {
			return err
		}
	}
	return nil
}

func normalizeProto(p string) string {
	switch strings.ToLower(p) {
	case "udp":
		return "udp"
	case "both", "tcp_udp", "":
		return "tcp_udp"
	default:
		return "tcp"
	}
}
