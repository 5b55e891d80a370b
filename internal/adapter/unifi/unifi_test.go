package unifi

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

// fakeController emulates the controller endpoints this adapter touches.
type fakeController struct {
	users    []user
	forwards []portForward
	loggedIn bool
	nextID   int
}

func (f *fakeController) id() string {
	f.nextID++
	return fmt.Sprintf("id-%d", f.nextID)
}

func (f *fakeController) handler() http.Handler {
	mux := http.NewServeMux()

	writeEnv := func(w http.ResponseWriter, items any) {
		data, _ := json.Marshal(items)
		var raw []json.RawMessage
		_ = json.Unmarshal(data, &raw)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"meta": map[string]string{"rc": "ok"},
			"data": raw,
		})
	}

	mux.HandleFunc("/api/login", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["password"] != "ubnt" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.loggedIn = true
		writeEnv(w, []user{})
	})

	mux.HandleFunc("/api/s/default/rest/user", func(w http.ResponseWriter, r *http.Request) {
		if !f.loggedIn {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.Method {
		case http.MethodGet:
			writeEnv(w, f.users)
		case http.MethodPost:
			var u user
			_ = json.NewDecoder(r.Body).Decode(&u)
			u.ID = f.id()
			f.users = append(f.users, u)
			writeEnv(w, []user{u})
		}
	})
	mux.HandleFunc("/api/s/default/rest/user/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/api/s/default/rest/user/")
		var u user
		_ = json.NewDecoder(r.Body).Decode(&u)
		for i := range f.users {
			if f.users[i].ID == id {
				u.ID = id
				f.users[i] = u
				writeEnv(w, []user{u})
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)
	})

	mux.HandleFunc("/api/s/default/rest/portforward", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeEnv(w, f.forwards)
		case http.MethodPost:
			var pf portForward
			_ = json.NewDecoder(r.Body).Decode(&pf)
			pf.ID = f.id()
			f.forwards = append(f.forwards, pf)
			writeEnv(w, []portForward{pf})
		}
	})
	mux.HandleFunc("/api/s/default/rest/portforward/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/api/s/default/rest/portforward/")
		for i := range f.forwards {
			if f.forwards[i].ID != id {
				continue
			}
			if r.Method == http.MethodDelete {
				f.forwards = append(f.forwards[:i], f.forwards[i+1:]...)
			}
			writeEnv(w, []portForward{})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})

	mux.HandleFunc("/api/s/default/stat/sysinfo", func(w http.ResponseWriter, r *http.Request) {
		writeEnv(w, []map[string]any{{
			"model_name": "UDM-Pro", "version": "7.5.176", "uptime": 86400, "wan_ip": "203.0.113.9",
		}})
	})

	return mux
}

// testTarget converts the httptest server URL into a Target the adapter
// dials directly.
func testTarget(t *testing.T, srv *httptest.Server) router.Target {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(u.Port())
	return router.Target{Address: u.Hostname(), Port: port, Vendor: router.VendorUniFi}
}

func newTestSetup(t *testing.T) (*Adapter, *fakeController, router.Target, router.Credentials) {
	t.Helper()
	fc := &fakeController{}
	srv := httptest.NewTLSServer(fc.handler())
	t.Cleanup(srv.Close)
	creds := router.Credentials{Username: "admin", Password: "ubnt", InsecureSkipVerify: true}
	return New(5 * time.Second), fc, testTarget(t, srv), creds
}

func TestCreateReservation(t *testing.T) {
	a, fc, target, creds := newTestSetup(t)

	cmd := router.Command{Kind: router.CreateReservation, Params: map[string]any{
		"mac": "AA:BB:CC:DD:EE:10", "ip": "192.168.1.50", "hostname": "nas",
	}}
	res, err := a.Execute(context.Background(), target, creds, cmd)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.OK || res.Payload["changed"] != true {
		t.Errorf("unexpected result: %+v", res)
	}
	if len(fc.users) != 1 || fc.users[0].MAC != "aa:bb:cc:dd:ee:10" || !fc.users[0].UseFixedIP {
		t.Errorf("controller state wrong: %+v", fc.users)
	}

	// Same command again is a no-op, not a duplicate.
	res, err = a.Execute(context.Background(), target, creds, cmd)
	if err != nil {
		t.Fatalf("repeat Execute: %v", err)
	}
	if res.Payload["changed"] != false || len(fc.users) != 1 {
		t.Errorf("create should be idempotent: %+v users=%d", res.Payload, len(fc.users))
	}
}

func TestCreateReservationShortMACDefaultName(t *testing.T) {
	a, fc, target, creds := newTestSetup(t)

	// A degenerate MAC (replayed from foreign data) must not panic while
	// deriving the default hostname.
	cmd := router.Command{Kind: router.CreateReservation, Params: map[string]any{
		"mac": "ee", "ip": "192.168.1.51",
	}}
	res, err := a.Execute(context.Background(), target, creds, cmd)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.OK || len(fc.users) != 1 || fc.users[0].Name != "device-ee" {
		t.Errorf("unexpected state: %+v users=%+v", res.Payload, fc.users)
	}
}

func TestDeleteReservationIdempotent(t *testing.T) {
	a, _, target, creds := newTestSetup(t)

	cmd := router.Command{Kind: router.DeleteReservation, Params: map[string]any{"mac": "aa:bb:cc:dd:ee:99"}}
	res, err := a.Execute(context.Background(), target, creds, cmd)
	if err != nil {
		t.Fatalf("deleting an absent reservation should succeed: %v", err)
	}
	if res.Payload["changed"] != false {
		t.Errorf("expected changed=false, got %+v", res.Payload)
	}
}

func TestPortForwardLifecycle(t *testing.T) {
	a, fc, target, creds := newTestSetup(t)
	ctx := context.Background()

	create := router.Command{Kind: router.CreatePortForward, Params: map[string]any{
		"name": "plex", "external_port": 32400, "internal_ip": "192.168.1.50",
		"internal_port": 32400, "protocol": "tcp",
	}}
	if _, err := a.Execute(ctx, target, creds, create); err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(fc.forwards) != 1 || fc.forwards[0].DstPort != "32400" {
		t.Fatalf("controller state wrong: %+v", fc.forwards)
	}

	res, err := a.Execute(ctx, target, creds, router.Command{Kind: router.ListPortForwards})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	forwards := res.Payload["port_forwards"].([]map[string]any)
	if len(forwards) != 1 || forwards[0]["name"] != "plex" {
		t.Errorf("list payload wrong: %+v", forwards)
	}

	del := router.Command{Kind: router.DeletePortForward, Params: map[string]any{"name": "plex"}}
	if _, err := a.Execute(ctx, target, creds, del); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(fc.forwards) != 0 {
		t.Errorf("rule not removed: %+v", fc.forwards)
	}
}

func TestBadCredentialsClassified(t *testing.T) {
	a, _, target, _ := newTestSetup(t)
	bad := router.Credentials{Username: "admin", Password: "wrong", InsecureSkipVerify: true}

	_, err := a.Execute(context.Background(), target, bad, router.Command{Kind: router.GetStatus})
	if router.KindOf(err) != router.ErrAuthenticationFailed {
		t.Fatalf("expected AuthenticationFailed, got %v", err)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	a, fc, target, creds := newTestSetup(t)
	ctx := context.Background()
	fc.users = []user{{ID: "u1", MAC: "aa:bb:cc:dd:ee:10", Name: "nas", UseFixedIP: true, FixedIP: "192.168.1.50"}}
	fc.forwards = []portForward{{ID: "p1", Name: "plex", Enabled: true, DstPort: "32400", Fwd: "192.168.1.50", FwdPort: "32400", Proto: "tcp"}}

	snap, err := a.Snapshot(ctx, target, creds)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Vendor != router.VendorUniFi || len(snap.Data) == 0 {
		t.Fatalf("bad snapshot: %+v", snap)
	}

	// Wipe state, then restore.
	fc.users = nil
	fc.forwards = nil
	if err := a.Restore(ctx, target, creds, snap); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if len(fc.users) != 1 || len(fc.forwards) != 1 {
		t.Errorf("restore incomplete: users=%d forwards=%d", len(fc.users), len(fc.forwards))
	}
}

func TestRestoreRejectsForeignSnapshot(t *testing.T) {
	a, _, target, creds := newTestSetup(t)
	snap := &router.ConfigSnapshot{Vendor: router.VendorASUS, Format: "nvram", Data: []byte("x")}
	err := a.Restore(context.Background(), target, creds, snap)
	if router.KindOf(err) != router.ErrSnapshotIncompatible {
		t.Fatalf("expected SnapshotIncompatible, got %v", err)
	}
}
