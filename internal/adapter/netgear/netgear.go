/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package netgear manages Netgear routers through their SOAP management
// service. Mutations are bracketed by ConfigurationStarted and
// ConfigurationFinished calls; WAN byte counters come from SNMP because
// the SOAP surface has no traffic endpoint.
package netgear

import (
	"context"
	"encoding/base64"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/nerv-lab/tachikoma/internal/adapter"
	"github.com/nerv-lab/tachikoma/internal/router"
)

const (
	soapPort  = 5000
	sessionID = "58DEE6006A88A967E89A"
)

// IF-MIB byte counters.
const (
	oidIfInOctets  = "1.3.6.1.2.1.2.2.1.10"
	oidIfOutOctets = "1.3.6.1.2.1.2.2.1.16"
)

// Adapter implements the Netgear backend.
type Adapter struct {
	timeout   time.Duration
	community string
}

// New builds a Netgear adapter. community is the SNMP read community for
// bandwidth counters.
func New(timeout time.Duration, community string) *Adapter {
	if community == "" {
		community = "public"
	}
	return &Adapter{timeout: timeout, community: community}
}

func (a *Adapter) Vendor() router.Vendor       { return router.VendorNetgear }
func (a *Adapter) Transport() router.Transport { return router.TransportREST }

// Probe checks the admin UI front page and the classic setup.cgi.
func (a *Adapter) Probe(ctx context.Context, address string) adapter.ProbeResult {
	client := adapter.NewHTTPClient("http://"+address, true, a.timeout)
	if _, headers, body, err := client.GetRaw(ctx, "/"); err == nil {
		lower := strings.ToLower(string(body) + headers.Get("WWW-Authenticate"))
		if strings.Contains(lower, "netgear") {
			return adapter.ProbeResult{Match: true, Confidence: 0.9, Evidence: "netgear banner"}
		}
	}
	if status, headers, _, err := client.GetRaw(ctx, "/setup.cgi"); err == nil {
		if status == 401 && strings.Contains(strings.ToLower(headers.Get("WWW-Authenticate")), "netgear") {
			return adapter.ProbeResult{Match: true, Confidence: 0.85, Evidence: "setup.cgi auth realm"}
		}
	}
	return adapter.ProbeResult{}
}

// soapSession wraps authenticated SOAP calls against one router.
type soapSession struct {
	client *adapter.HTTPClient
}

const envelopeTemplate = `<?xml version="1.0" encoding="utf-8"?>
<SOAP-ENV:Envelope xmlns:SOAP-ENV="http://schemas.xmlsoap.org/soap/envelope/">
<SOAP-ENV:Header>
<SessionID>%s</SessionID>
</SOAP-ENV:Header>
<SOAP-ENV:Body>
<M1:%s xmlns:M1="urn:NETGEAR-ROUTER:service:%s:1">
%s</M1:%s>
</SOAP-ENV:Body>
</SOAP-ENV:Envelope>`

var responseCodeRe = regexp.MustCompile(`<ResponseCode>\s*(\d+)\s*</ResponseCode>`)

// xmlTag extracts the text of the first occurrence of tag in body.
func xmlTag(body, tag string) string {
	re := regexp.MustCompile(`<` + tag + `>\s*(.*?)\s*</` + tag + `>`)
	if m := re.FindStringSubmatch(body); m != nil {
		return m[1]
	}
	return ""
}

// call issues one SOAP action and returns the response body.
func (s *soapSession) call(ctx context.Context, service, action, args string) (string, error) {
	body := fmt.Sprintf(envelopeTemplate, sessionID, action, service, args, action)

	s.client.SetHeader("SOAPAction", fmt.Sprintf("urn:NETGEAR-ROUTER:service:%s:1#%s", service, action))
	s.client.SetHeader("Content-Type", `text/xml; charset="utf-8"`)

	status, data, err := s.client.PostRaw(ctx, "/soap/server_sa/", []byte(body))
	if err != nil {
		return "", err
	}
	if e := router.ClassifyHTTPStatus(status); e != nil {
		e.Op = "netgear." + action
		return "", e
	}

	resp := string(data)
	if m := responseCodeRe.FindStringSubmatch(resp); m != nil {
		switch m[1] {
		case "000", "0":
			return resp, nil
		case "401":
			return "", router.Errorf(router.ErrAuthenticationFailed, "router rejected soap credentials")
		default:
			return "", router.Errorf(router.ErrValidationFailed, "soap %s answered code %s", action, m[1])
		}
	}
	return resp, nil
}

func (a *Adapter) login(ctx context.Context, target router.Target, creds router.Credentials) (*soapSession, error) {
	if creds.Username == "" || creds.Password == "" {
		return nil, router.Errorf(router.ErrCredentialsMissing, "netgear needs username and password")
	}
	port := target.Port
	if port == 0 {
		port = soapPort
	}
	client := adapter.NewHTTPClient(fmt.Sprintf("http://%s:%d", target.Address, port), creds.InsecureSkipVerify, a.timeout)
	s := &soapSession{client: client}

	args := fmt.Sprintf("<NewUsername>%s</NewUsername>\n<NewPassword>%s</NewPassword>\n",
		xmlEscape(creds.Username), xmlEscape(creds.Password))
	if _, err := s.call(ctx, "ParentalControl", "Authenticate", args); err != nil {
		return nil, err
	}
	return s, nil
}

func xmlEscape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;", "'", "&apos;")
	return r.Replace(s)
}

// configure brackets fn with ConfigurationStarted/Finished so the router
// applies the change atomically.
func (s *soapSession) configure(ctx context.Context, fn func() error) error {
	args := fmt.Sprintf("<NewSessionID>%s</NewSessionID>\n", sessionID)
	if _, err := s.call(ctx, "DeviceConfig", "ConfigurationStarted", args); err != nil {
		return err
	}
	if err := fn(); err != nil {
		// Best effort unlock; the original failure wins.
		_, _ = s.call(ctx, "DeviceConfig", "ConfigurationFinished", "<NewStatus>ChangesApplied</NewStatus>\n")
		return err
	}
	_, err := s.call(ctx, "DeviceConfig", "ConfigurationFinished", "<NewStatus>ChangesApplied</NewStatus>\n")
	return err
}

// Execute implements adapter.Adapter.
func (a *Adapter) Execute(ctx context.Context, target router.Target, creds router.Credentials, cmd router.Command) (*router.CommandResult, error) {
	// Bandwidth never touches SOAP.
	if cmd.Kind == router.GetBandwidth {
		return a.getBandwidth(ctx, target)
	}

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
	case router.GetStatus:
		return a.getStatus(ctx, s)
	default:
		return nil, adapter.Unsupported(a.Vendor(), cmd.Kind)
	}
}

type reservation struct {
	MAC      string
	IP       string
	Hostname string
}

func (a *Adapter) fetchReservations(ctx context.Context, s *soapSession) ([]reservation, error) {
	resp, err := s.call(ctx, "LANConfig", "GetDHCPReservations", "")
	if err != nil {
		return nil, err
	}
	var out []reservation
	for _, block := range regexp.MustCompile(`(?s)<Reservation>(.*?)</Reservation>`).FindAllStringSubmatch(resp, -1) {
		out = append(out, reservation{
			MAC:      strings.ToLower(xmlTag(block[1], "MACAddress")),
			IP:       xmlTag(block[1], "IPAddress"),
			Hostname: xmlTag(block[1], "DeviceName"),
		})
	}
	return out, nil
}

func (a *Adapter) createReservation(ctx context.Context, s *soapSession, cmd router.Command) (*router.CommandResult, error) {
	mac := strings.ToLower(cmd.String(router.ParamMAC))
	ip := cmd.String(router.ParamIP)

	existing, err := a.fetchReservations(ctx, s)
	if err != nil {
		return nil, err
	}
	for _, r := range existing {
		if r.MAC == mac && r.IP == ip {
			return adapter.OK(map[string]any{"mac": mac, "ip": ip, "changed": false}), nil
		}
	}

	args := fmt.Sprintf("<MACAddress>%s</MACAddress>\n<IPAddress>%s</IPAddress>\n<DeviceName>%s</DeviceName>\n",
		strings.ToUpper(mac), ip, xmlEscape(cmd.String(router.ParamHostname)))
	err = s.configure(ctx, func() error {
		_, err := s.call(ctx, "LANConfig", "SetDHCPReservation", args)
		return err
	})
	if err != nil {
		return nil, err
	}
	return adapter.OK(map[string]any{"mac": mac, "ip": ip, "changed": true}), nil
}

func (a *Adapter) deleteReservation(ctx context.Context, s *soapSession, cmd router.Command) (*router.CommandResult, error) {
	mac := strings.ToLower(cmd.String(router.ParamMAC))

	existing, err := a.fetchReservations(ctx, s)
	if err != nil {
		return nil, err
	}
	found := false
	for _, r := range existing {
		if r.MAC == mac {
			found = true
			break
		}
	}
	if !found {
		return adapter.OK(map[string]any{"mac": mac, "changed": false}), nil
	}

	args := fmt.Sprintf("<MACAddress>%s</MACAddress>\n", strings.ToUpper(mac))
	err = s.configure(ctx, func() error {
		_, err := s.call(ctx, "LANConfig", "DeleteDHCPReservation", args)
		return err
	})
	if err != nil {
		return nil, err
	}
	return adapter.OK(map[string]any{"mac": mac, "changed": true}), nil
}

func (a *Adapter) listReservations(ctx context.Context, s *soapSession) (*router.CommandResult, error) {
	existing, err := a.fetchReservations(ctx, s)
	if err != nil {
		return nil, err
	}
	reservations := make([]map[string]any, 0, len(existing))
	for _, r := range existing {
		reservations = append(reservations, map[string]any{
			"mac": r.MAC, "ip": r.IP, "hostname": r.Hostname,
		})
	}
	return adapter.OK(map[string]any{"reservations": reservations}), nil
}

func ngProto(p string) string {
	switch strings.ToLower(p) {
	case "udp":
		return "UDP"
	case "both":
		return "TCP/UDP"
	default:
		return "TCP"
	}
}

func (a *Adapter) createPortForward(ctx context.Context, s *soapSession, cmd router.Command) (*router.CommandResult, error) {
	name := cmd.String(router.ParamName)

	existing, err := a.fetchPortMappings(ctx, s)
	if err != nil {
		return nil, err
	}
	for _, e := range existing {
		if e["external_port"] == cmd.Int(router.ParamExternalPort) &&
			e["internal_ip"] == cmd.String(router.ParamInternalIP) &&
			e["internal_port"] == cmd.Int(router.ParamInternalPort) &&
			e["protocol"] == strings.ToLower(ngProto(cmd.String(router.ParamProtocol))) {
			return adapter.OK(map[string]any{"name": e["name"], "changed": false}), nil
		}
	}

	args := fmt.Sprintf(
		"<NewPortMappingDescription>%s</NewPortMappingDescription>\n"+
			"<NewExternalPort>%d</NewExternalPort>\n"+
			"<NewInternalPort>%d</NewInternalPort>\n"+
			"<NewInternalClient>%s</NewInternalClient>\n"+
			"<NewProtocol>%s</NewProtocol>\n"+
			"<NewEnabled>1</NewEnabled>\n",
		xmlEscape(name),
		cmd.Int(router.ParamExternalPort),
		cmd.Int(router.ParamInternalPort),
		cmd.String(router.ParamInternalIP),
		ngProto(cmd.String(router.ParamProtocol)))

	err = s.configure(ctx, func() error {
		_, err := s.call(ctx, "WANIPConnection", "AddPortMapping", args)
		return err
	})
	if err != nil {
		return nil, err
	}
	return adapter.OK(map[string]any{"name": name, "changed": true}), nil
}

func (a *Adapter) deletePortForward(ctx context.Context, s *soapSession, cmd router.Command) (*router.CommandResult, error) {
	name := cmd.String(router.ParamName)

	entries, err := a.fetchPortMappings(ctx, s)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e["name"] != name {
			continue
		}
		args := fmt.Sprintf("<NewExternalPort>%v</NewExternalPort>\n<NewProtocol>%v</NewProtocol>\n",
			e["external_port"], strings.ToUpper(fmt.Sprintf("%v", e["protocol"])))
		err := s.configure(ctx, func() error {
			_, err := s.call(ctx, "WANIPConnection", "DeletePortMapping", args)
			return err
		})
		if err != nil {
			return nil, err
		}
		return adapter.OK(map[string]any{"name": name, "changed": true}), nil
	}
	return adapter.OK(map[string]any{"name": name, "changed": false}), nil
}

func (a *Adapter) fetchPortMappings(ctx context.Context, s *soapSession) ([]map[string]any, error) {
	var entries []map[string]any
	for index := 0; index < 64; index++ {
		args := fmt.Sprintf("<NewPortMappingIndex>%d</NewPortMappingIndex>\n", index)
		resp, err := s.call(ctx, "WANIPConnection", "GetGenericPortMappingEntry", args)
		if err != nil {
			if router.KindOf(err) == router.ErrValidationFailed {
				break // past the last entry
			}
			return nil, err
		}
		extPort, _ := strconv.Atoi(xmlTag(resp, "NewExternalPort"))
		intPort, _ := strconv.Atoi(xmlTag(resp, "NewInternalPort"))
		entries = append(entries, map[string]any{
			"name":          xmlTag(resp, "NewPortMappingDescription"),
			"external_port": extPort,
			"internal_ip":   xmlTag(resp, "NewInternalClient"),
			"internal_port": intPort,
			"protocol":      strings.ToLower(xmlTag(resp, "NewProtocol")),
		})
	}
	return entries, nil
}

func (a *Adapter) listPortForwards(ctx context.Context, s *soapSession) (*router.CommandResult, error) {
	entries, err := a.fetchPortMappings(ctx, s)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []map[string]any{}
	}
	return adapter.OK(map[string]any{"port_forwards": entries}), nil
}

func (a *Adapter) getStatus(ctx context.Context, s *soapSession) (*router.CommandResult, error) {
	resp, err := s.call(ctx, "DeviceInfo", "GetInfo", "")
	if err != nil {
		return nil, err
	}
	return adapter.OK(map[string]any{
		"model":   xmlTag(resp, "ModelName"),
		"version": xmlTag(resp, "Firmwareversion"),
		"serial":  xmlTag(resp, "SerialNumber"),
	}), nil
}

// getBandwidth sums the IF-MIB byte counters over SNMP.
func (a *Adapter) getBandwidth(ctx context.Context, target router.Target) (*router.CommandResult, error) {
	snmp := &gosnmp.GoSNMP{
		Target:    target.Address,
		Port:      161,
		Community: a.community,
		Version:   gosnmp.Version2c,
		Timeout:   a.timeout,
		Retries:   1,
		Context:   ctx,
	}
	if err := snmp.Connect(); err != nil {
		return nil, router.E(router.ErrTransient, "snmp connect failed", err)
	}
	defer snmp.Conn.Close()

	sum := func(oid string) (int64, error) {
		pdus, err := snmp.WalkAll(oid)
		if err != nil {
			return 0, router.E(router.ErrTransient, "snmp walk failed", err)
		}
		var total int64
		for _, pdu := range pdus {
			total += gosnmp.ToBigInt(pdu.Value).Int64()
		}
		return total, nil
	}

	rx, err := sum(oidIfInOctets)
	if err != nil {
		return nil, err
	}
	tx, err := sum(oidIfOutOctets)
	if err != nil {
		return nil, err
	}
	return adapter.OK(map[string]any{"rx_bytes": rx, "tx_bytes": tx, "source": "snmp"}), nil
}

// Snapshot pulls the router's configuration blob over SOAP.
func (a *Adapter) Snapshot(ctx context.Context, target router.Target, creds router.Credentials) (*router.ConfigSnapshot, error) {
	s, err := a.login(ctx, target, creds)
	if err != nil {
		return nil, err
	}
	resp, err := s.call(ctx, "DeviceConfig", "GetConfigInfo", "")
	if err != nil {
		return nil, router.E(router.ErrBackupFailed, "soap GetConfigInfo failed", err)
	}
	blob := xmlTag(resp, "ConfigFile")
	if blob == "" {
		return nil, router.Errorf(router.ErrBackupFailed, "router returned no config blob")
	}
	data, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		// Some firmware returns the blob unencoded.
		data = []byte(blob)
	}
	return &router.ConfigSnapshot{
		Target:  target.Address,
		Vendor:  a.Vendor(),
		TakenAt: time.Now().UTC(),
		Format:  "netgear-cfg",
		Data:    data,
	}, nil
}

// Restore is not available: the SOAP surface has no config upload and
// the web UI path requires a reboot handshake this layer cannot verify.
func (a *Adapter) Restore(ctx context.Context, target router.Target, creds router.Credentials, snap *router.ConfigSnapshot) error {
	return router.Errorf(router.ErrUnsupportedOperation, "netgear does not support automated restore")
}
