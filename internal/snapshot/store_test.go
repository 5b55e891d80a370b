package snapshot

import (
	"bytes"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nerv-lab/tachikoma/internal/router"
)

func newStore(t *testing.T, keyHex string) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), keyHex)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func testSnap(target string, takenAt time.Time) *router.ConfigSnapshot {
	return &router.ConfigSnapshot{
		Target:  target,
		Vendor:  router.VendorPfSense,
		TakenAt: takenAt,
		Format:  "pfsense-config",
		Data:    []byte(`{"system":{"hostname":"fw"}}`),
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newStore(t, "")
	snap := testSnap("192.168.50.1", time.Now().UTC())

	id, err := s.Save(snap)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := s.Load(id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !bytes.Equal(loaded.Data, snap.Data) || loaded.Vendor != router.VendorPfSense {
		t.Errorf("round trip mismatch: %+v", loaded)
	}
}

func TestEncryptedAtRest(t *testing.T) {
	key := hex.EncodeToString(bytes.Repeat([]byte{0x42}, 32))
	s := newStore(t, key)
	snap := testSnap("192.168.50.1", time.Now().UTC())

	id, err := s.Save(snap)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	// The on-disk blob must not contain the plaintext.
	raw, err := os.ReadFile(filepath.Join(s.dir, id+".bin"))
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(raw, []byte("hostname")) {
		t.Error("blob stored in cleartext despite encryption key")
	}

	loaded, err := s.Load(id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !bytes.Contains(loaded.Data, []byte("hostname")) {
		t.Error("decryption failed")
	}
}

func TestLoadEncryptedWithoutKey(t *testing.T) {
	key := hex.EncodeToString(bytes.Repeat([]byte{0x42}, 32))
	dir := t.TempDir()
	enc, err := NewStore(dir, key)
	if err != nil {
		t.Fatal(err)
	}
	id, err := enc.Save(testSnap("10.0.0.1", time.Now()))
	if err != nil {
		t.Fatal(err)
	}

	plain, err := NewStore(dir, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := plain.Load(id); router.KindOf(err) != router.ErrBackupFailed {
		t.Fatalf("expected BackupFailed, got %v", err)
	}
}

func TestBadKeyRejected(t *testing.T) {
	if _, err := NewStore(t.TempDir(), "deadbeef"); router.KindOf(err) != router.ErrConfigurationInvalid {
		t.Fatalf("short key should be rejected, got %v", err)
	}
}

func TestListForNewestFirst(t *testing.T) {
	s := newStore(t, "")
	now := time.Now().UTC()
	for i, age := range []time.Duration{48 * time.Hour, 2 * time.Hour, 24 * time.Hour} {
		snap := testSnap("192.168.50.1", now.Add(-age))
		if _, err := s.Save(snap); err != nil {
			t.Fatalf("Save #%d: %v", i, err)
		}
	}
	if _, err := s.Save(testSnap("10.0.0.1", now)); err != nil {
		t.Fatal(err)
	}

	list, err := s.ListFor("192.168.50.1")
	if err != nil {
		t.Fatalf("ListFor: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 snapshots, got %d", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i].TakenAt.After(list[i-1].TakenAt) {
			t.Errorf("not newest-first at %d", i)
		}
	}
	if len(list[0].Data) != 0 {
		t.Error("ListFor must not load blobs")
	}
}

func TestPruneKeepsNewestPerTarget(t *testing.T) {
	s := newStore(t, "")
	now := time.Now().UTC()

	// Target A: two old snapshots. Target B: one old, one fresh.
	oldA1, _ := s.Save(testSnap("a", now.Add(-100*24*time.Hour)))
	oldA2, _ := s.Save(testSnap("a", now.Add(-90*24*time.Hour)))
	oldB, _ := s.Save(testSnap("b", now.Add(-90*24*time.Hour)))
	freshB, _ := s.Save(testSnap("b", now))

	removed, err := s.Prune(30 * 24 * time.Hour)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 2 {
		t.Errorf("expected 2 removed, got %d", removed)
	}

	// Newest of A survives even though it is past the cutoff.
	if _, err := s.Load(oldA2); err != nil {
		t.Errorf("newest snapshot of target a must survive: %v", err)
	}
	if _, err := s.Load(oldA1); err == nil {
		t.Error("older snapshot of target a should be gone")
	}
	if _, err := s.Load(oldB); err == nil {
		t.Error("old snapshot of target b should be gone")
	}
	if _, err := s.Load(freshB); err != nil {
		t.Errorf("fresh snapshot must survive: %v", err)
	}
}

func TestPrunerRunsOnSchedule(t *testing.T) {
	s := newStore(t, "")
	p, err := NewPruner(s, "* * * * *", 30, nil, nil)
	if err != nil {
		t.Fatalf("NewPruner: %v", err)
	}
	p.Start()
	p.Stop()
}
