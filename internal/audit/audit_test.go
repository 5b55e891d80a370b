package audit

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/nerv-lab/tachikoma/internal/router"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func entry(target string, kind router.CommandKind, status string, ts time.Time) Entry {
	return Entry{
		Timestamp: ts,
		Target:    target,
		Vendor:    router.VendorUniFi,
		Kind:      kind,
		Params:    "mac=aa:bb:cc:dd:ee:ff",
		Status:    status,
		Attempts:  1,
		Actor:     "mcp",
	}
}

func collect(seq func(func(Entry) bool)) []Entry {
	var out []Entry
	for e := range seq {
		out = append(out, e)
	}
	return out
}

func TestStoreRecordAndQuery(t *testing.T) {
	s := openStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := s.Record(entry("192.168.1.1", router.CreateReservation, StatusOK, base)); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := s.Record(entry("192.168.1.1", router.DeleteReservation, StatusError, base.Add(time.Minute))); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := s.Record(entry("10.0.0.1", router.CreateReservation, StatusOK, base.Add(2*time.Minute))); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got := collect(s.Query(Filter{Target: "192.168.1.1"}))
	if len(got) != 2 {
		t.Fatalf("expected 2 entries for target, got %d", len(got))
	}
	if got[0].Kind != router.CreateReservation || got[1].Kind != router.DeleteReservation {
		t.Errorf("entries not oldest-first: %v, %v", got[0].Kind, got[1].Kind)
	}
	if got[0].ID == "" {
		t.Error("entry was not assigned an id")
	}
}

func TestStoreQueryIsRestartable(t *testing.T) {
	s := openStore(t)
	for i := 0; i < 3; i++ {
		if err := s.Record(entry("r", router.GetStatus, StatusOK, time.Now().Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatal(err)
		}
	}
	seq := s.Query(Filter{Target: "r"})
	first := collect(seq)
	second := collect(seq)
	if len(first) != 3 || len(second) != 3 {
		t.Errorf("sequence not restartable: %d then %d", len(first), len(second))
	}
}

func TestStoreQueryFilters(t *testing.T) {
	s := openStore(t)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s.Record(entry("r", router.CreateReservation, StatusOK, base))
	s.Record(entry("r", router.CreateReservation, StatusError, base.Add(time.Hour)))
	s.Record(entry("r", router.CreatePortForward, StatusOK, base.Add(2*time.Hour)))

	if got := collect(s.Query(Filter{Status: StatusError})); len(got) != 1 {
		t.Errorf("status filter: expected 1, got %d", len(got))
	}
	if got := collect(s.Query(Filter{Kind: router.CreatePortForward})); len(got) != 1 {
		t.Errorf("kind filter: expected 1, got %d", len(got))
	}
	if got := collect(s.Query(Filter{Since: base.Add(30 * time.Minute)})); len(got) != 2 {
		t.Errorf("since filter: expected 2, got %d", len(got))
	}
	if got := collect(s.Query(Filter{Until: base.Add(30 * time.Minute)})); len(got) != 1 {
		t.Errorf("until filter: expected 1, got %d", len(got))
	}
	if got := collect(s.Query(Filter{Limit: 2})); len(got) != 2 {
		t.Errorf("limit: expected 2, got %d", len(got))
	}
}

func TestStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.db")
	s, err := NewStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Record(entry("r", router.GetStatus, StatusOK, time.Now())); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s2, err := NewStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	n, err := s2.Count()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 persisted entry after reopen, got %d", n)
	}
}

func TestLogBounded(t *testing.T) {
	l := NewLog(2)
	for i := 0; i < 5; i++ {
		l.Record(entry("r", router.GetStatus, StatusOK, time.Now()))
	}
	if got := collect(l.Query(Filter{})); len(got) != 2 {
		t.Errorf("ring should hold 2 entries, got %d", len(got))
	}
}

func TestLogFilterAndOrder(t *testing.T) {
	l := NewLog(0)
	base := time.Now().UTC()
	l.Record(entry("a", router.CreateReservation, StatusOK, base))
	l.Record(entry("b", router.CreateReservation, StatusOK, base.Add(time.Second)))
	l.Record(entry("a", router.DeleteReservation, StatusError, base.Add(2*time.Second)))

	got := collect(l.Query(Filter{Target: "a"}))
	if len(got) != 2 {
		t.Fatalf("expected 2, got %d", len(got))
	}
	if got[0].Status != StatusOK || got[1].Status != StatusError {
		t.Error("entries not oldest-first")
	}
}
