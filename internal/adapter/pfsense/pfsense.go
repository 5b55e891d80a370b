/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package pfsense drives the pfSense REST API (v2). Authentication is an
// API key header or HTTP basic auth; mutations are followed by an apply
// call so pending changes take effect immediately.
package pfsense

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nerv-lab/tachikoma/internal/adapter"
	"github.com/nerv-lab/tachikoma/internal/router"
)

const defaultPort = 443

// Adapter implements the pfSense backend.
type Adapter struct {
	timeout time.Duration
}

// New builds a pfSense adapter.
func New(timeout time.Duration) *Adapter {
	return &Adapter{timeout: timeout}
}

func (a *Adapter) Vendor() router.Vendor       { return router.VendorPfSense }
func (a *Adapter) Transport() router.Transport { return router.TransportREST }

// apiResponse is the uniform envelope of the v2 API.
type apiResponse struct {
	Code    int             `json:"code"`
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type staticMapping struct {
	ID       int    `json:"id,omitempty"`
	ParentID string `json:"parent_id"`
	MAC      string `json:"mac"`
	IPAddr   string `json:"ipaddr"`
	Hostname string `json:"hostname,omitempty"`
}

type natForward struct {
	ID        int    `json:"id,omitempty"`
	Interface string `json:"interface"`
	Protocol  string `json:"protocol"`
	DstPort   string `json:"destination_port"`
	Target    string `json:"target"`
	LocalPort string `json:"local_port"`
	Descr     string `json:"descr"`
}

// Probe fetches the login page; pfSense names itself in the body.
func (a *Adapter) Probe(ctx context.Context, address string) adapter.ProbeResult {
	client := adapter.NewHTTPClient("https://"+address, true, a.timeout)
	_, _, body, err := client.GetRaw(ctx, "/")
	if err != nil {
		return adapter.ProbeResult{}
	}
	if strings.Contains(strings.ToLower(string(body)), "pfsense") {
		return adapter.ProbeResult{Match: true, Confidence: 0.9, Evidence: "pfsense login page"}
	}
	return adapter.ProbeResult{}
}

func (a *Adapter) client(target router.Target, creds router.Credentials) (*adapter.HTTPClient, error) {
	client := adapter.NewHTTPClient("https://"+target.HostPort(defaultPort), creds.InsecureSkipVerify, a.timeout)
	switch {
	case creds.APIKey != "":
		client.SetHeader("X-API-Key", creds.APIKey)
	case creds.Username != "" && creds.Password != "":
		token := base64.StdEncoding.EncodeToString([]byte(creds.Username + ":" + creds.Password))
		client.SetHeader("Authorization", "Basic "+token)
	default:
		return nil, router.Errorf(router.ErrCredentialsMissing, "pfsense needs an api key or username+password")
	}
	return client, nil
}

// Execute implements adapter.Adapter.
func (a *Adapter) Execute(ctx context.Context, target router.Target, creds router.Credentials, cmd router.Command) (*router.CommandResult, error) {
	client, err := a.client(target, creds)
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

func (a *Adapter) listMappings(ctx context.Context, client *adapter.HTTPClient) ([]staticMapping, error) {
	var resp apiResponse
	if err := client.GetJSON(ctx, "/api/v2/services/dhcp_server/static_mappings?parent_id=lan", &resp); err != nil {
		return nil, err
	}
	var mappings []staticMapping
	if err := json.Unmarshal(resp.Data, &mappings); err != nil {
		return nil, router.E(router.ErrValidationFailed, "decode static mappings", err)
	}
	return mappings, nil
}

func (a *Adapter) apply(ctx context.Context, client *adapter.HTTPClient) error {
	return client.PostJSON(ctx, "/api/v2/firewall/apply", map[string]any{}, nil)
}

func (a *Adapter) createReservation(ctx context.Context, client *adapter.HTTPClient, cmd router.Command) (*router.CommandResult, error) {
	mac := strings.ToLower(cmd.String(router.ParamMAC))
	ip := cmd.String(router.ParamIP)

	mappings, err := a.listMappings(ctx, client)
	if err != nil {
		return nil, err
	}
	for _, m := range mappings {
		if strings.EqualFold(m.MAC, mac) {
			if m.IPAddr == ip {
				return adapter.OK(map[string]any{"mac": mac, "ip": ip, "changed": false}), nil
			}
			m.IPAddr = ip
			if err := client.PutJSON(ctx, "/api/v2/services/dhcp_server/static_mapping", m, nil); err != nil {
				return nil, err
			}
			return adapter.OK(map[string]any{"mac": mac, "ip": ip, "changed": true}), nil
		}
	}

	body := staticMapping{ParentID: "lan", MAC: mac, IPAddr: ip, Hostname: cmd.String(router.ParamHostname)}
	if err := client.PostJSON(ctx, "/api/v2/services/dhcp_server/static_mapping", body, nil); err != nil {
		return nil, err
	}
	return adapter.OK(map[string]any{"mac": mac, "ip": ip, "changed": true}), nil
}

func (a *Adapter) deleteReservation(ctx context.Context, client *adapter.HTTPClient, cmd router.Command) (*router.CommandResult, error) {
	mac := strings.ToLower(cmd.String(router.ParamMAC))

	mappings, err := a.listMappings(ctx, client)
	if err != nil {
		return nil, err
	}
	for _, m := range mappings {
		if strings.EqualFold(m.MAC, mac) {
			path := fmt.Sprintf("/api/v2/services/dhcp_server/static_mapping?parent_id=lan&id=%d", m.ID)
			if err := client.DeleteJSON(ctx, path, nil); err != nil {
				return nil, err
			}
			return adapter.OK(map[string]any{"mac": mac, "changed": true}), nil
		}
	}
	return adapter.OK(map[string]any{"mac": mac, "changed": false}), nil
}

func (a *Adapter) listReservations(ctx context.Context, client *adapter.HTTPClient) (*router.CommandResult, error) {
	mappings, err := a.listMappings(ctx, client)
	if err != nil {
		return nil, err
	}
	reservations := make([]map[string]any, 0, len(mappings))
	for _, m := range mappings {
		reservations = append(reservations, map[string]any{
			"mac": strings.ToLower(m.MAC), "ip": m.IPAddr, "hostname": m.Hostname,
		})
	}
	return adapter.OK(map[string]any{"reservations": reservations}), nil
}

func (a *Adapter) listNATForwards(ctx context.Context, client *adapter.HTTPClient) ([]natForward, error) {
	var resp apiResponse
	if err := client.GetJSON(ctx, "/api/v2/firewall/nat/port_forwards", &resp); err != nil {
		return nil, err
	}
	var forwards []natForward
	if err := json.Unmarshal(resp.Data, &forwards); err != nil {
		return nil, router.E(router.ErrValidationFailed, "decode port forwards", err)
	}
	return forwards, nil
}

func pfProto(p string) string {
	switch strings.ToLower(p) {
	case "udp":
		return "udp"
	case "both":
		return "tcp/udp"
	default:
		return "tcp"
	}
}

func (a *Adapter) createPortForward(ctx context.Context, client *adapter.HTTPClient, cmd router.Command) (*router.CommandResult, error) {
	want := natForward{
		Interface: "wan",
		Protocol:  pfProto(cmd.String(router.ParamProtocol)),
		DstPort:   fmt.Sprintf("%d", cmd.Int(router.ParamExternalPort)),
		Target:    cmd.String(router.ParamInternalIP),
		LocalPort: fmt.Sprintf("%d", cmd.Int(router.ParamInternalPort)),
		Descr:     cmd.String(router.ParamName),
	}

	forwards, err := a.listNATForwards(ctx, client)
	if err != nil {
		return nil, err
	}
	for _, f := range forwards {
		if f.Descr != want.Descr {
			continue
		}
		if f.DstPort == want.DstPort && f.Target == want.Target && f.LocalPort == want.LocalPort && f.Protocol == want.Protocol {
			return adapter.OK(map[string]any{"name": want.Descr, "changed": false}), nil
		}
		want.ID = f.ID
		if err := client.PutJSON(ctx, "/api/v2/firewall/nat/port_forward", want, nil); err != nil {
			return nil, err
		}
		if err := a.apply(ctx, client); err != nil {
			return nil, err
		}
		return adapter.OK(map[string]any{"name": want.Descr, "changed": true}), nil
	}

	if err := client.PostJSON(ctx, "/api/v2/firewall/nat/port_forward", want, nil); err != nil {
		return nil, err
	}
	if err := a.apply(ctx, client); err != nil {
		return nil, err
	}
	return adapter.OK(map[string]any{"name": want.Descr, "changed": true}), nil
}

func (a *Adapter) deletePortForward(ctx context.Context, client *adapter.HTTPClient, cmd router.Command) (*router.CommandResult, error) {
	name := cmd.String(router.ParamName)

	forwards, err := a.listNATForwards(ctx, client)
	if err != nil {
		return nil, err
	}
	for _, f := range forwards {
		if f.Descr == name {
			if err := client.DeleteJSON(ctx, fmt.Sprintf("/api/v2/firewall/nat/port_forward?id=%d", f.ID), nil); err != nil {
				return nil, err
			}
			if err := a.apply(ctx, client); err != nil {
				return nil, err
			}
			return adapter.OK(map[string]any{"name": name, "changed": true}), nil
		}
	}
	return adapter.OK(map[string]any{"name": name, "changed": false}), nil
}

func (a *Adapter) listForwardsResult(ctx context.Context, client *adapter.HTTPClient) (*router.CommandResult, error) {
	forwards, err := a.listNATForwards(ctx, client)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(forwards))
	for _, f := range forwards {
		out = append(out, map[string]any{
			"name":          f.Descr,
			"external_port": f.DstPort,
			"internal_ip":   f.Target,
			"internal_port": f.LocalPort,
			"protocol":      f.Protocol,
		})
	}
	return adapter.OK(map[string]any{"port_forwards": out}), nil
}

func (a *Adapter) setFirewallRule(ctx context.Context, client *adapter.HTTPClient, cmd router.Command) (*router.CommandResult, error) {
	ruleType := "block"
	if cmd.String(router.ParamAction) == "allow" {
		ruleType = "pass"
	}
	direction := "in"
	if cmd.String(router.ParamDirection) == "out" {
		direction = "out"
	}
	body := map[string]any{
		"type":      ruleType,
		"interface": []string{"wan"},
		"ipprotocol": "inet",
		"protocol":  pfProto(cmd.String(router.ParamProtocol)),
		"direction": direction,
		"descr":     cmd.String(router.ParamName),
	}
	if err := client.PostJSON(ctx, "/api/v2/firewall/rule", body, nil); err != nil {
		return nil, err
	}
	if err := a.apply(ctx, client); err != nil {
		return nil, err
	}
	return adapter.OK(map[string]any{"name": cmd.String(router.ParamName), "action": cmd.String(router.ParamAction)}), nil
}

func (a *Adapter) getStatus(ctx context.Context, client *adapter.HTTPClient) (*router.CommandResult, error) {
	var resp apiResponse
	if err := client.GetJSON(ctx, "/api/v2/status/system", &resp); err != nil {
		return nil, err
	}
	var sys struct {
		Hostname string  `json:"hostname"`
		Platform string  `json:"platform"`
		Version  string  `json:"version"`
		Uptime   float64 `json:"uptime"`
	}
	_ = json.Unmarshal(resp.Data, &sys)
	return adapter.OK(map[string]any{
		"model":   sys.Platform,
		"version": sys.Version,
		"uptime":  int64(sys.Uptime),
		"name":    sys.Hostname,
	}), nil
}

func (a *Adapter) getBandwidth(ctx context.Context, client *adapter.HTTPClient) (*router.CommandResult, error) {
	var resp apiResponse
	if err := client.GetJSON(ctx, "/api/v2/status/interfaces", &resp); err != nil {
		return nil, err
	}
	var ifaces []struct {
		Name     string `json:"name"`
		Descr    string `json:"descr"`
		InBytes  int64  `json:"inbytes"`
		OutBytes int64  `json:"outbytes"`
	}
	if err := json.Unmarshal(resp.Data, &ifaces); err != nil {
		return nil, router.E(router.ErrValidationFailed, "decode interfaces", err)
	}
	for _, ifc := range ifaces {
		if strings.EqualFold(ifc.Name, "wan") || strings.EqualFold(ifc.Descr, "wan") {
			return adapter.OK(map[string]any{
				"interface": ifc.Name, "rx_bytes": ifc.InBytes, "tx_bytes": ifc.OutBytes,
			}), nil
		}
	}
	return nil, router.Errorf(router.ErrUnsupportedOperation, "no wan interface reported")
}

// Snapshot pulls the whole configuration document.
func (a *Adapter) Snapshot(ctx context.Context, target router.Target, creds router.Credentials) (*router.ConfigSnapshot, error) {
	client, err := a.client(target, creds)
	if err != nil {
		return nil, err
	}
	var resp apiResponse
	if err := client.GetJSON(ctx, "/api/v2/diagnostics/config", &resp); err != nil {
		return nil, router.E(router.ErrBackupFailed, "fetch config", err)
	}
	if len(resp.Data) == 0 {
		return nil, router.Errorf(router.ErrBackupFailed, "empty config document")
	}
	return &router.ConfigSnapshot{
		Target:  target.Address,
		Vendor:  a.Vendor(),
		TakenAt: time.Now().UTC(),
		Format:  "pfsense-config",
		Data:    resp.Data,
	}, nil
}

// Restore uploads a configuration document captured by Snapshot.
func (a *Adapter) Restore(ctx context.Context, target router.Target, creds router.Credentials, snap *router.ConfigSnapshot) error {
	if snap.Vendor != a.Vendor() || snap.Format != "pfsense-config" {
		return router.Errorf(router.ErrSnapshotIncompatible, "snapshot %s is %s/%s, not pfsense-config", snap.ID, snap.Vendor, snap.Format)
	}
	client, err := a.client(target, creds)
	if err != nil {
		return err
	}
	var doc json.RawMessage = snap.Data
	if err := client.PostJSON(ctx, "/api/v2/diagnostics/config", doc, nil); err != nil {
		return err
	}
	return a.apply(ctx, client)
}
