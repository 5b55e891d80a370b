package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/nerv-lab/tachikoma/internal/adapter"
	"github.com/nerv-lab/tachikoma/internal/audit"
	"github.com/nerv-lab/tachikoma/internal/config"
	"github.com/nerv-lab/tachikoma/internal/credentials"
	"github.com/nerv-lab/tachikoma/internal/detect"
	"github.com/nerv-lab/tachikoma/internal/dispatch"
	"github.com/nerv-lab/tachikoma/internal/router"
	"github.com/nerv-lab/tachikoma/internal/snapshot"
)

// fakeBackend answers every command with a canned payload so the tool
// surface can be exercised without a device.
type fakeBackend struct{}

func (fakeBackend) Vendor() router.Vendor       { return router.VendorUniFi }
func (fakeBackend) Transport() router.Transport { return router.TransportREST }

func (fakeBackend) Probe(ctx context.Context, address string) adapter.ProbeResult {
	return adapter.ProbeResult{Match: true, Confidence: 1, Evidence: "test"}
}

func (fakeBackend) Execute(ctx context.Context, target router.Target, creds router.Credentials, cmd router.Command) (*router.CommandResult, error) {
	switch cmd.Kind {
	case router.GetStatus:
		return adapter.OK(map[string]any{"model": "TestRouter", "firmware": "1.0"}), nil
	case router.ListReservations:
		return adapter.OK(map[string]any{"reservations": []map[string]any{
			{"mac": "aa:bb:cc:dd:ee:ff", "ip": "192.168.1.50"},
		}}), nil
	default:
		return adapter.OK(map[string]any{"changed": true}), nil
	}
}

func (fakeBackend) Snapshot(ctx context.Context, target router.Target, creds router.Credentials) (*router.ConfigSnapshot, error) {
	return &router.ConfigSnapshot{Format: "test", Data: []byte("cfg")}, nil
}

func (fakeBackend) Restore(ctx context.Context, target router.Target, creds router.Credentials, snap *router.ConfigSnapshot) error {
	return nil
}

func newTestMCPServer(t *testing.T) (*MCPServer, *audit.Log, *snapshot.Store) {
	t.Helper()

	reg := adapter.NewRegistry()
	reg.Register(fakeBackend{})
	det := detect.New(reg, detect.Options{})
	store, err := snapshot.NewStore(t.TempDir(), "")
	if err != nil {
		t.Fatal(err)
	}
	log := audit.NewLog(0)

	d := dispatch.New(dispatch.Options{
		Registry: reg,
		Detector: det,
		Credentials: credentials.NewStatic(map[router.Vendor]router.Credentials{
			router.VendorUniFi: {Username: "admin", Password: "pw"},
		}),
		Snapshots: store,
		Audit:     log,
		Retry:     config.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond, Multiplier: 2, MaxBackoff: time.Millisecond},
	})

	return New(d, det, store, log, zap.NewNop()), log, store
}

func connectClient(t *testing.T, srv *MCPServer) *mcp.ClientSession {
	t.Helper()

	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	runCtx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.server.Run(runCtx, serverTransport)
	}()

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "test"}, nil)
	session, err := client.Connect(context.Background(), clientTransport, nil)
	if err != nil {
		cancel()
		t.Fatalf("connect client: %v", err)
	}

	t.Cleanup(func() {
		_ = session.Close()
		cancel()
		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, context.Canceled) {
				t.Logf("mcp server run exited with: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Log("timed out waiting for mcp server shutdown")
		}
	})

	return session
}

func decodeToolJSON(t *testing.T, result *mcp.CallToolResult, out any) {
	t.Helper()
	if result == nil || len(result.Content) == 0 {
		t.Fatalf("empty tool result: %#v", result)
	}
	text, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("expected text content, got %T", result.Content[0])
	}
	if err := json.Unmarshal([]byte(text.Text), out); err != nil {
		t.Fatalf("decode tool result %q: %v", text.Text, err)
	}
}

func TestHandlerServesSSE(t *testing.T) {
	srv, _, _ := newTestMCPServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect sse: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("expected an event stream, got %q (status %d)", ct, resp.StatusCode)
	}
}

func TestToolsRegistered(t *testing.T) {
	srv, _, _ := newTestMCPServer(t)
	session := connectClient(t, srv)

	result, err := session.ListTools(context.Background(), &mcp.ListToolsParams{})
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}

	names := make([]string, 0, len(result.Tools))
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
	}
	sort.Strings(names)

	expected := []string{
		"add_dhcp_reservation",
		"add_port_forward",
		"backup_config",
		"bandwidth_usage",
		"detect_router",
		"list_backups",
		"list_dhcp_reservations",
		"list_port_forwards",
		"network_status",
		"remove_dhcp_reservation",
		"remove_port_forward",
		"restore_config",
		"search_audit",
		"set_firewall_rule",
	}
	if len(names) != len(expected) {
		t.Fatalf("expected %d tools, got %d: %v", len(expected), len(names), names)
	}
	for i := range expected {
		if names[i] != expected[i] {
			t.Fatalf("unexpected tool list: got %v want %v", names, expected)
		}
	}
}

func TestNetworkStatusTool(t *testing.T) {
	srv, _, _ := newTestMCPServer(t)
	session := connectClient(t, srv)

	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name: "network_status",
		Arguments: map[string]any{
			"address": "192.168.1.1",
			"vendor":  "unifi",
		},
	})
	if err != nil {
		t.Fatalf("call network_status: %v", err)
	}

	var payload map[string]any
	decodeToolJSON(t, result, &payload)
	if payload["backend"] != "unifi" || payload["model"] != "TestRouter" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestAddReservationAudited(t *testing.T) {
	srv, log, _ := newTestMCPServer(t)
	session := connectClient(t, srv)

	_, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name: "add_dhcp_reservation",
		Arguments: map[string]any{
			"address": "192.168.1.1",
			"vendor":  "unifi",
			"mac":     "aa:bb:cc:dd:ee:ff",
			"ip":      "192.168.1.50",
		},
	})
	if err != nil {
		t.Fatalf("call add_dhcp_reservation: %v", err)
	}

	var entries []audit.Entry
	for e := range log.Query(audit.Filter{Kind: router.CreateReservation}) {
		entries = append(entries, e)
	}
	if len(entries) != 1 || entries[0].Actor != "mcp" || entries[0].Status != audit.StatusOK {
		t.Fatalf("expected one ok mcp audit entry, got %+v", entries)
	}
}

func TestInvalidMACIsToolError(t *testing.T) {
	srv, _, _ := newTestMCPServer(t)
	session := connectClient(t, srv)

	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name: "add_dhcp_reservation",
		Arguments: map[string]any{
			"address": "192.168.1.1",
			"vendor":  "unifi",
			"mac":     "not-a-mac",
			"ip":      "192.168.1.50",
		},
	})
	if err == nil && (result == nil || !result.IsError) {
		t.Fatal("malformed MAC must surface as a tool error")
	}
}

func TestBackupThenListBackups(t *testing.T) {
	srv, _, _ := newTestMCPServer(t)
	session := connectClient(t, srv)
	ctx := context.Background()

	backup, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      "backup_config",
		Arguments: map[string]any{"address": "192.168.1.1", "vendor": "unifi"},
	})
	if err != nil {
		t.Fatalf("call backup_config: %v", err)
	}
	var payload map[string]any
	decodeToolJSON(t, backup, &payload)
	id, _ := payload["snapshot_id"].(string)
	if id == "" {
		t.Fatalf("backup payload missing snapshot_id: %+v", payload)
	}

	list, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      "list_backups",
		Arguments: map[string]any{"address": "192.168.1.1"},
	})
	if err != nil {
		t.Fatalf("call list_backups: %v", err)
	}
	var snaps []router.ConfigSnapshot
	decodeToolJSON(t, list, &snaps)
	if len(snaps) != 1 || snaps[0].ID != id {
		t.Fatalf("expected the stored snapshot, got %+v", snaps)
	}
}

func TestSearchAuditTool(t *testing.T) {
	srv, log, _ := newTestMCPServer(t)
	_ = log.Record(audit.Entry{Target: "192.168.1.1", Kind: router.GetStatus, Status: audit.StatusOK, Actor: "cli"})
	_ = log.Record(audit.Entry{Target: "10.0.0.1", Kind: router.GetStatus, Status: audit.StatusError, Actor: "cli"})

	session := connectClient(t, srv)
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name: "search_audit",
		Arguments: map[string]any{
			"target": "192.168.1.1",
			"limit":  10,
		},
	})
	if err != nil {
		t.Fatalf("call search_audit: %v", err)
	}

	var entries []audit.Entry
	decodeToolJSON(t, result, &entries)
	if len(entries) != 1 || entries[0].Target != "192.168.1.1" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}
