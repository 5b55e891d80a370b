/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package tplink drives the legacy TP-Link web UI (the /userRpm pages).
// The firmware has no API: state is read by scraping the JavaScript
// arrays the pages embed and written through the same GET endpoints the
// UI's forms submit to. The narrow surface means several operations are
// structurally unsupported here.
package tplink

import (
	"context"
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/nerv-lab/tachikoma/internal/adapter"
	"github.com/nerv-lab/tachikoma/internal/router"
)

const defaultPort = 80

// Adapter implements the TP-Link backend.
type Adapter struct {
	timeout time.Duration
}

// New builds a TP-Link adapter.
func New(timeout time.Duration) *Adapter {
	return &Adapter{timeout: timeout}
}

func (a *Adapter) Vendor() router.Vendor       { return router.VendorTPLink }
func (a *Adapter) Transport() router.Transport { return router.TransportREST }

// Probe checks for the legacy login page.
func (a *Adapter) Probe(ctx context.Context, address string) adapter.ProbeResult {
	client := adapter.NewHTTPClient("http://"+address, true, a.timeout)
	status, _, body, err := client.GetRaw(ctx, "/userRpm/LoginRpm.htm")
	if err != nil {
		return adapter.ProbeResult{}
	}
	lower := strings.ToLower(string(body))
	if status == 200 && (strings.Contains(lower, "tp-link") || strings.Contains(lower, "tplink")) {
		return adapter.ProbeResult{Match: true, Confidence: 0.9, Evidence: "tp-link login page"}
	}
	if status == 200 || status == 401 {
		return adapter.ProbeResult{Match: true, Confidence: 0.6, Evidence: "userRpm endpoint present"}
	}
	return adapter.ProbeResult{}
}

func (a *Adapter) client(target router.Target, creds router.Credentials) (*adapter.HTTPClient, error) {
	if creds.Username == "" || creds.Password == "" {
		return nil, router.Errorf(router.ErrCredentialsMissing, "tplink needs username and password")
	}
	client := adapter.NewHTTPClient("http://"+target.HostPort(defaultPort), creds.InsecureSkipVerify, a.timeout)
	token := base64.StdEncoding.EncodeToString([]byte(creds.Username + ":" + creds.Password))
	client.SetHeader("Authorization", "Basic "+token)
	client.SetHeader("Referer", "http://"+target.HostPort(defaultPort)+"/userRpm/Index.htm")
	return client, nil
}

// page fetches a /userRpm page and classifies auth failures; the legacy
// UI answers 401 with the right realm.
func (a *Adapter) page(ctx context.Context, client *adapter.HTTPClient, path string) (string, error) {
	status, _, body, err := client.GetRaw(ctx, path)
	if err != nil {
		return "", err
	}
	if e := router.ClassifyHTTPStatus(status); e != nil {
		e.Op = "tplink " + path
		return "", e
	}
	return string(body), nil
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
		return a.listPortForwards(ctx, client)
	case router.GetStatus:
		return a.getStatus(ctx, client)
	default:
		// No firewall rule page, no traffic counters, no restore path.
		return nil, adapter.Unsupported(a.Vendor(), cmd.Kind)
	}
}

// tpMAC converts aa:bb:cc:dd:ee:ff to the dashed uppercase form the UI
// expects.
func tpMAC(mac string) string {
	return strings.ToUpper(strings.ReplaceAll(mac, ":", "-"))
}

func fromTPMAC(mac string) string {
	return strings.ToLower(strings.ReplaceAll(mac, "-", ":"))
}

var quotedRe = regexp.MustCompile(`"([^"]*)"`)

// parseArray extracts the quoted strings of `var <name> = new Array(...)`.
func parseArray(page, name string) []string {
	re := regexp.MustCompile(`(?s)var\s+` + name + `\s*=\s*new\s+Array\s*\((.*?)\)\s*;`)
	m := re.FindStringSubmatch(page)
	if m == nil {
		return nil
	}
	var out []string
	for _, q := range quotedRe.FindAllStringSubmatch(m[1], -1) {
		out = append(out, q[1])
	}
	return out
}

func (a *Adapter) fetchReservations(ctx context.Context, client *adapter.HTTPClient) ([][2]string, error) {
	page, err := a.page(ctx, client, "/userRpm/FixMapCfgRpm.htm")
	if err != nil {
		return nil, err
	}
	fields := parseArray(page, "staticList")
	var out [][2]string
	for i := 0; i+1 < len(fields); i += 2 {
		out = append(out, [2]string{fromTPMAC(fields[i]), fields[i+1]})
	}
	return out, nil
}

func (a *Adapter) createReservation(ctx context.Context, client *adapter.HTTPClient, cmd router.Command) (*router.CommandResult, error) {
	mac := strings.ToLower(cmd.String(router.ParamMAC))
	ip := cmd.String(router.ParamIP)

	existing, err := a.fetchReservations(ctx, client)
	if err != nil {
		return nil, err
	}
	for _, e := range existing {
		if e[0] == mac && e[1] == ip {
			return adapter.OK(map[string]any{"mac": mac, "ip": ip, "changed": false}), nil
		}
	}

	path := fmt.Sprintf("/userRpm/FixMapCfgRpm.htm?Mac=%s&Ip=%s&State=1&Save=Save", tpMAC(mac), ip)
	if _, err := a.page(ctx, client, path); err != nil {
		return nil, err
	}
	return adapter.OK(map[string]any{"mac": mac, "ip": ip, "changed": true}), nil
}

func (a *Adapter) deleteReservation(ctx context.Context, client *adapter.HTTPClient, cmd router.Command) (*router.CommandResult, error) {
	mac := strings.ToLower(cmd.String(router.ParamMAC))

	existing, err := a.fetchReservations(ctx, client)
	if err != nil {
		return nil, err
	}
	for i, e := range existing {
		if e[0] == mac {
			// Entry indexes are 1-based in the UI.
			if _, err := a.page(ctx, client, fmt.Sprintf("/userRpm/FixMapCfgRpm.htm?Del=%d", i+1)); err != nil {
				return nil, err
			}
			return adapter.OK(map[string]any{"mac": mac, "changed": true}), nil
		}
	}
	return adapter.OK(map[string]any{"mac": mac, "changed": false}), nil
}

func (a *Adapter) listReservations(ctx context.Context, client *adapter.HTTPClient) (*router.CommandResult, error) {
	existing, err := a.fetchReservations(ctx, client)
	if err != nil {
		return nil, err
	}
	reservations := make([]map[string]any, 0, len(existing))
	for _, e := range existing {
		reservations = append(reservations, map[string]any{"mac": e[0], "ip": e[1]})
	}
	return adapter.OK(map[string]any{"reservations": reservations}), nil
}

func tpProtoCode(p string) int {
	switch strings.ToLower(p) {
	case "udp":
		return 2
	case "both":
		return 3
	default:
		return 1
	}
}

type virtualServer struct {
	ExtPort string
	IP      string
	IntPort string
	Proto   string
}

func (a *Adapter) fetchVirtualServers(ctx context.Context, client *adapter.HTTPClient) ([]virtualServer, error) {
	page, err := a.page(ctx, client, "/userRpm/VirtualServerRpm.htm")
	if err != nil {
		return nil, err
	}
	fields := parseArray(page, "virServerList")
	var out []virtualServer
	for i := 0; i+3 < len(fields); i += 4 {
		out = append(out, virtualServer{
			ExtPort: fields[i], IP: fields[i+1], IntPort: fields[i+2], Proto: fields[i+3],
		})
	}
	return out, nil
}

func (a *Adapter) createPortForward(ctx context.Context, client *adapter.HTTPClient, cmd router.Command) (*router.CommandResult, error) {
	extPort := cmd.Int(router.ParamExternalPort)
	ip := cmd.String(router.ParamInternalIP)
	intPort := cmd.Int(router.ParamInternalPort)

	existing, err := a.fetchVirtualServers(ctx, client)
	if err != nil {
		return nil, err
	}
	for _, v := range existing {
		if v.ExtPort == fmt.Sprint(extPort) && v.IP == ip && v.IntPort == fmt.Sprint(intPort) {
			return adapter.OK(map[string]any{"external_port": extPort, "changed": false}), nil
		}
	}

	path := fmt.Sprintf("/userRpm/VirtualServerRpm.htm?ExPort=%d&Ip=%s&InPort=%d&Protocol=%d&State=1&Save=Save",
		extPort, ip, intPort, tpProtoCode(cmd.String(router.ParamProtocol)))
	if _, err := a.page(ctx, client, path); err != nil {
		return nil, err
	}
	return adapter.OK(map[string]any{"external_port": extPort, "changed": true}), nil
}

// deletePortForward matches by external port: the legacy firmware keeps
// no rule names.
func (a *Adapter) deletePortForward(ctx context.Context, client *adapter.HTTPClient, cmd router.Command) (*router.CommandResult, error) {
	extPort := cmd.Int(router.ParamExternalPort)
	if extPort == 0 {
		return nil, router.Errorf(router.ErrValidationFailed, "tplink identifies forwards by external_port")
	}

	existing, err := a.fetchVirtualServers(ctx, client)
	if err != nil {
		return nil, err
	}
	for i, v := range existing {
		if v.ExtPort == fmt.Sprint(extPort) {
			if _, err := a.page(ctx, client, fmt.Sprintf("/userRpm/VirtualServerRpm.htm?Del=%d", i+1)); err != nil {
				return nil, err
			}
			return adapter.OK(map[string]any{"external_port": extPort, "changed": true}), nil
		}
	}
	return adapter.OK(map[string]any{"external_port": extPort, "changed": false}), nil
}

func (a *Adapter) listPortForwards(ctx context.Context, client *adapter.HTTPClient) (*router.CommandResult, error) {
	existing, err := a.fetchVirtualServers(ctx, client)
	if err != nil {
		return nil, err
	}
	forwards := make([]map[string]any, 0, len(existing))
	for _, v := range existing {
		proto := "tcp"
		switch v.Proto {
		case "2":
			proto = "udp"
		case "3":
			proto = "both"
		}
		forwards = append(forwards, map[string]any{
			"external_port": v.ExtPort,
			"internal_ip":   v.IP,
			"internal_port": v.IntPort,
			"protocol":      proto,
		})
	}
	return adapter.OK(map[string]any{"port_forwards": forwards}), nil
}

var (
	modelRe   = regexp.MustCompile(`TL-[A-Z0-9]+[A-Z0-9-]*`)
	versionRe = regexp.MustCompile(`(\d+\.\d+\.\d+)\s+Build\s+(\w+)`)
)

func (a *Adapter) getStatus(ctx context.Context, client *adapter.HTTPClient) (*router.CommandResult, error) {
	page, err := a.page(ctx, client, "/userRpm/StatusRpm.htm")
	if err != nil {
		return nil, err
	}
	payload := map[string]any{"model": "", "version": ""}
	if m := modelRe.FindString(page); m != "" {
		payload["model"] = m
	}
	if m := versionRe.FindStringSubmatch(page); m != nil {
		payload["version"] = m[1] + " Build " + m[2]
	}
	return adapter.OK(payload), nil
}

// Snapshot downloads the binary config export.
func (a *Adapter) Snapshot(ctx context.Context, target router.Target, creds router.Credentials) (*router.ConfigSnapshot, error) {
	client, err := a.client(target, creds)
	if err != nil {
		return nil, err
	}
	status, _, data, err := client.GetRaw(ctx, "/userRpm/config.bin")
	if err != nil {
		return nil, router.E(router.ErrBackupFailed, "download config.bin", err)
	}
	if e := router.ClassifyHTTPStatus(status); e != nil {
		e.Op = "tplink snapshot"
		return nil, router.E(router.ErrBackupFailed, "config download refused", e)
	}
	if len(data) == 0 {
		return nil, router.Errorf(router.ErrBackupFailed, "empty config export")
	}
	return &router.ConfigSnapshot{
		Target:  target.Address,
		Vendor:  a.Vendor(),
		TakenAt: time.Now().UTC(),
		Format:  "tplink-bin",
		Data:    data,
	}, nil
}

// Restore is not available: uploading config.bin reboots the router
// mid-request and the UI offers no way to confirm the outcome.
func (a *Adapter) Restore(ctx context.Context, target router.Target, creds router.Credentials, snap *router.ConfigSnapshot) error {
	return router.Errorf(router.ErrUnsupportedOperation, "tplink does not support automated restore")
}
