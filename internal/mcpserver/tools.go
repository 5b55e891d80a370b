package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nerv-lab/tachikoma/internal/audit"
	"github.com/nerv-lab/tachikoma/internal/router"
)

// actorMCP tags audit entries produced through this surface.
const actorMCP = "mcp"

type targetInput struct {
	Address string `json:"address" jsonschema:"router address (host or host:port)"`
	Vendor  string `json:"vendor,omitempty" jsonschema:"optional vendor hint: unifi, asus, netgear, pfsense, openwrt, tplink"`
}

type detectInput struct {
	Address string `json:"address" jsonschema:"router address to probe"`
	Force   bool   `json:"force,omitempty" jsonschema:"bypass the detection cache and probe again"`
}

type reservationInput struct {
	targetInput
	MAC      string `json:"mac" jsonschema:"client MAC address"`
	IP       string `json:"ip,omitempty" jsonschema:"IPv4 address to reserve (required for add)"`
	Hostname string `json:"hostname,omitempty" jsonschema:"optional client hostname"`
	NoBackup bool   `json:"no_backup,omitempty" jsonschema:"skip the pre-change configuration backup"`
}

type portForwardInput struct {
	targetInput
	Name         string `json:"name" jsonschema:"rule name"`
	ExternalPort int    `json:"external_port,omitempty" jsonschema:"WAN-side port (required for add)"`
	InternalIP   string `json:"internal_ip,omitempty" jsonschema:"LAN destination IPv4 (required for add)"`
	InternalPort int    `json:"internal_port,omitempty" jsonschema:"LAN destination port (required for add)"`
	Protocol     string `json:"protocol,omitempty" jsonschema:"tcp, udp, or both"`
	NoBackup     bool   `json:"no_backup,omitempty" jsonschema:"skip the pre-change configuration backup"`
}

type firewallRuleInput struct {
	targetInput
	Name      string `json:"name" jsonschema:"rule name"`
	Action    string `json:"action" jsonschema:"allow or block"`
	Protocol  string `json:"protocol" jsonschema:"tcp, udp, or both"`
	Direction string `json:"direction" jsonschema:"in or out"`
	NoBackup  bool   `json:"no_backup,omitempty" jsonschema:"skip the pre-change configuration backup"`
}

type restoreInput struct {
	targetInput
	SnapshotID string `json:"snapshot_id" jsonschema:"snapshot to restore, from backup_config or list_backups"`
}

type searchAuditInput struct {
	Target string `json:"target,omitempty" jsonschema:"optional router address filter"`
	Kind   string `json:"kind,omitempty" jsonschema:"optional command kind filter, e.g. create_reservation"`
	Status string `json:"status,omitempty" jsonschema:"optional status filter: ok, error, denied"`
	Since  string `json:"since,omitempty" jsonschema:"optional ISO-8601 timestamp filter"`
	Limit  int    `json:"limit,omitempty" jsonschema:"optional limit (default 50)"`
}

func (s *MCPServer) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "detect_router",
		Description: "Identify the vendor/firmware of a router at an address",
	}, s.handleDetect)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "add_dhcp_reservation",
		Description: "Pin a client MAC to a fixed IP on the router's DHCP server",
	}, s.handleAddReservation)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "remove_dhcp_reservation",
		Description: "Remove a DHCP reservation by client MAC",
	}, s.handleRemoveReservation)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "list_dhcp_reservations",
		Description: "List the router's DHCP reservations",
	}, s.handleListReservations)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "add_port_forward",
		Description: "Create a port forwarding rule from a WAN port to a LAN host",
	}, s.handleAddPortForward)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "remove_port_forward",
		Description: "Delete a port forwarding rule by name",
	}, s.handleRemovePortForward)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "list_port_forwards",
		Description: "List the router's port forwarding rules",
	}, s.handleListPortForwards)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "set_firewall_rule",
		Description: "Create or replace a named allow/block firewall rule",
	}, s.handleSetFirewallRule)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "network_status",
		Description: "Get router model, firmware, WAN state, and uptime",
	}, s.handleNetworkStatus)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "bandwidth_usage",
		Description: "Get WAN traffic counters/rates from the router",
	}, s.handleBandwidth)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "backup_config",
		Description: "Capture the router's configuration as a restorable snapshot",
	}, s.handleBackup)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "restore_config",
		Description: "Restore a previously captured configuration snapshot",
	}, s.handleRestore)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "list_backups",
		Description: "List stored configuration snapshots for a router",
	}, s.handleListBackups)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "search_audit",
		Description: "Search the command audit trail",
	}, s.handleSearchAudit)
}

func (s *MCPServer) hint(vendor string) (router.Vendor, error) {
	v, err := router.ParseVendor(vendor)
	if err != nil {
		return router.VendorUnknown, fmt.Errorf("vendor: %w", err)
	}
	return v, nil
}

// run dispatches one command and converts the result for MCP. Failures
// come back as tool errors with the typed kind up front so an agent can
// branch on it.
func (s *MCPServer) run(ctx context.Context, address, vendor string, cmd router.Command) (*mcp.CallToolResult, any, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, nil, fmt.Errorf("address is required")
	}
	hint, err := s.hint(vendor)
	if err != nil {
		return nil, nil, err
	}
	cmd.Actor = actorMCP

	result := s.dispatcher.Dispatch(ctx, address, hint, cmd)
	if !result.OK {
		return nil, nil, fmt.Errorf("%s: %s", result.Err.Kind, result.Err.Msg)
	}

	payload := map[string]any{
		"ok":      true,
		"backend": result.Backend,
	}
	for k, v := range result.Payload {
		payload[k] = v
	}
	return jsonToolResult(payload)
}

func (s *MCPServer) handleDetect(ctx context.Context, _ *mcp.CallToolRequest, input detectInput) (*mcp.CallToolResult, any, error) {
	address := strings.TrimSpace(input.Address)
	if address == "" {
		return nil, nil, fmt.Errorf("address is required")
	}
	target, err := s.detector.Detect(ctx, address, router.VendorUnknown, input.Force)
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(map[string]any{"address": target.Address, "vendor": target.Vendor})
}

func (s *MCPServer) handleAddReservation(ctx context.Context, _ *mcp.CallToolRequest, input reservationInput) (*mcp.CallToolResult, any, error) {
	return s.run(ctx, input.Address, input.Vendor, router.Command{
		Kind:     router.CreateReservation,
		NoBackup: input.NoBackup,
		Params: map[string]any{
			router.ParamMAC:      input.MAC,
			router.ParamIP:       input.IP,
			router.ParamHostname: input.Hostname,
		},
	})
}

func (s *MCPServer) handleRemoveReservation(ctx context.Context, _ *mcp.CallToolRequest, input reservationInput) (*mcp.CallToolResult, any, error) {
	return s.run(ctx, input.Address, input.Vendor, router.Command{
		Kind:     router.DeleteReservation,
		NoBackup: input.NoBackup,
		Params:   map[string]any{router.ParamMAC: input.MAC},
	})
}

func (s *MCPServer) handleListReservations(ctx context.Context, _ *mcp.CallToolRequest, input targetInput) (*mcp.CallToolResult, any, error) {
	return s.run(ctx, input.Address, input.Vendor, router.Command{Kind: router.ListReservations})
}

func (s *MCPServer) handleAddPortForward(ctx context.Context, _ *mcp.CallToolRequest, input portForwardInput) (*mcp.CallToolResult, any, error) {
	return s.run(ctx, input.Address, input.Vendor, router.Command{
		Kind:     router.CreatePortForward,
		NoBackup: input.NoBackup,
		Params: map[string]any{
			router.ParamName:         input.Name,
			router.ParamExternalPort: input.ExternalPort,
			router.ParamInternalIP:   input.InternalIP,
			router.ParamInternalPort: input.InternalPort,
			router.ParamProtocol:     input.Protocol,
		},
	})
}

func (s *MCPServer) handleRemovePortForward(ctx context.Context, _ *mcp.CallToolRequest, input portForwardInput) (*mcp.CallToolResult, any, error) {
	params := map[string]any{router.ParamName: input.Name}
	if input.ExternalPort > 0 {
		params[router.ParamExternalPort] = input.ExternalPort
	}
	return s.run(ctx, input.Address, input.Vendor, router.Command{
		Kind:     router.DeletePortForward,
		NoBackup: input.NoBackup,
		Params:   params,
	})
}

func (s *MCPServer) handleListPortForwards(ctx context.Context, _ *mcp.CallToolRequest, input targetInput) (*mcp.CallToolResult, any, error) {
	return s.run(ctx, input.Address, input.Vendor, router.Command{Kind: router.ListPortForwards})
}

func (s *MCPServer) handleSetFirewallRule(ctx context.Context, _ *mcp.CallToolRequest, input firewallRuleInput) (*mcp.CallToolResult, any, error) {
	return s.run(ctx, input.Address, input.Vendor, router.Command{
		Kind:     router.SetFirewallRule,
		NoBackup: input.NoBackup,
		Params: map[string]any{
			router.ParamName:      input.Name,
			router.ParamAction:    input.Action,
			router.ParamProtocol:  input.Protocol,
			router.ParamDirection: input.Direction,
		},
	})
}

func (s *MCPServer) handleNetworkStatus(ctx context.Context, _ *mcp.CallToolRequest, input targetInput) (*mcp.CallToolResult, any, error) {
	return s.run(ctx, input.Address, input.Vendor, router.Command{Kind: router.GetStatus})
}

func (s *MCPServer) handleBandwidth(ctx context.Context, _ *mcp.CallToolRequest, input targetInput) (*mcp.CallToolResult, any, error) {
	return s.run(ctx, input.Address, input.Vendor, router.Command{Kind: router.GetBandwidth})
}

func (s *MCPServer) handleBackup(ctx context.Context, _ *mcp.CallToolRequest, input targetInput) (*mcp.CallToolResult, any, error) {
	return s.run(ctx, input.Address, input.Vendor, router.Command{Kind: router.BackupConfig})
}

func (s *MCPServer) handleRestore(ctx context.Context, _ *mcp.CallToolRequest, input restoreInput) (*mcp.CallToolResult, any, error) {
	return s.run(ctx, input.Address, input.Vendor, router.Command{
		Kind:   router.RestoreConfig,
		Params: map[string]any{router.ParamSnapshotID: input.SnapshotID},
	})
}

func (s *MCPServer) handleListBackups(ctx context.Context, _ *mcp.CallToolRequest, input targetInput) (*mcp.CallToolResult, any, error) {
	if s.snapshots == nil {
		return nil, nil, fmt.Errorf("snapshot store unavailable")
	}
	list, err := s.snapshots.ListFor(strings.ToLower(strings.TrimSpace(input.Address)))
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(list)
}

func (s *MCPServer) handleSearchAudit(ctx context.Context, _ *mcp.CallToolRequest, input searchAuditInput) (*mcp.CallToolResult, any, error) {
	if s.auditSink == nil {
		return nil, nil, fmt.Errorf("audit sink unavailable")
	}
	f := audit.Filter{
		Target: strings.TrimSpace(input.Target),
		Kind:   router.CommandKind(strings.TrimSpace(input.Kind)),
		Status: strings.TrimSpace(input.Status),
		Limit:  input.Limit,
	}
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if input.Since != "" {
		since, err := time.Parse(time.RFC3339, input.Since)
		if err != nil {
			return nil, nil, fmt.Errorf("since: %w", err)
		}
		f.Since = since
	}

	entries := make([]audit.Entry, 0, f.Limit)
	for e := range s.auditSink.Query(f) {
		entries = append(entries, e)
	}
	return jsonToolResult(entries)
}

func jsonToolResult(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, nil, err
	}
	return textToolResult(string(data)), nil, nil
}

func textToolResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}
