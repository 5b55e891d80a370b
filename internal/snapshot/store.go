/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package snapshot stores pre-mutation configuration captures on disk.
// Each snapshot is a blob file plus a JSON sidecar with its metadata;
// blobs are optionally sealed with AES-256-GCM. Snapshots are immutable
// once written.
package snapshot

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nerv-lab/tachikoma/internal/router"
)

// Store persists snapshots under one directory.
type Store struct {
	dir string
	key []byte // nil means plaintext blobs
}

// NewStore opens (creating if needed) a snapshot directory. keyHex, when
// non-empty, must decode to a 32-byte AES key.
func NewStore(dir, keyHex string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, router.E(router.ErrConfigurationInvalid, fmt.Sprintf("create snapshot dir: %v", err), err)
	}
	var key []byte
	if keyHex != "" {
		decoded, err := hex.DecodeString(keyHex)
		if err != nil || len(decoded) != 32 {
			return nil, router.Errorf(router.ErrConfigurationInvalid, "backup key must be 64 hex chars (32 bytes)")
		}
		key = decoded
	}
	return &Store{dir: dir, key: key}, nil
}

// Encrypting reports whether blobs are sealed at rest.
func (s *Store) Encrypting() bool { return s.key != nil }

func (s *Store) blobPath(id string) string { return filepath.Join(s.dir, id+".bin") }
func (s *Store) metaPath(id string) string { return filepath.Join(s.dir, id+".json") }

// Save writes the snapshot and returns its assigned ID.
func (s *Store) Save(snap *router.ConfigSnapshot) (string, error) {
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	if strings.ContainsAny(snap.ID, "/\\") {
		return "", router.Errorf(router.ErrBackupFailed, "invalid snapshot id %q", snap.ID)
	}
	if snap.TakenAt.IsZero() {
		snap.TakenAt = time.Now().UTC()
	}

	blob := snap.Data
	if s.key != nil {
		sealed, err := s.seal(blob)
		if err != nil {
			return "", err
		}
		blob = sealed
		snap.Encrypted = true
	}

	if err := os.WriteFile(s.blobPath(snap.ID), blob, 0o600); err != nil {
		return "", router.E(router.ErrBackupFailed, fmt.Sprintf("write blob: %v", err), err)
	}
	meta, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", router.E(router.ErrBackupFailed, "encode metadata", err)
	}
	if err := os.WriteFile(s.metaPath(snap.ID), meta, 0o600); err != nil {
		// Orphan blob is useless without its sidecar.
		_ = os.Remove(s.blobPath(snap.ID))
		return "", router.E(router.ErrBackupFailed, fmt.Sprintf("write metadata: %v", err), err)
	}
	return snap.ID, nil
}

// Load reads a snapshot, decrypting the blob when sealed.
func (s *Store) Load(id string) (*router.ConfigSnapshot, error) {
	if strings.ContainsAny(id, "/\\") {
		return nil, router.Errorf(router.ErrBackupFailed, "invalid snapshot id %q", id)
	}
	meta, err := os.ReadFile(s.metaPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, router.Errorf(router.ErrBackupFailed, "snapshot %s not found", id)
		}
		return nil, router.E(router.ErrBackupFailed, fmt.Sprintf("read metadata: %v", err), err)
	}
	var snap router.ConfigSnapshot
	if err := json.Unmarshal(meta, &snap); err != nil {
		return nil, router.E(router.ErrBackupFailed, "decode metadata", err)
	}

	blob, err := os.ReadFile(s.blobPath(id))
	if err != nil {
		return nil, router.E(router.ErrBackupFailed, fmt.Sprintf("read blob: %v", err), err)
	}
	if snap.Encrypted {
		if s.key == nil {
			return nil, router.Errorf(router.ErrBackupFailed, "snapshot %s is encrypted but no key is configured", id)
		}
		blob, err = s.open(blob)
		if err != nil {
			return nil, err
		}
	}
	snap.Data = blob
	return &snap, nil
}

// ListFor returns metadata (no blobs) for one target, newest first. An
// empty target lists everything.
func (s *Store) ListFor(target string) ([]router.ConfigSnapshot, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, router.E(router.ErrBackupFailed, fmt.Sprintf("read snapshot dir: %v", err), err)
	}
	var out []router.ConfigSnapshot
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		meta, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			continue
		}
		var snap router.ConfigSnapshot
		if err := json.Unmarshal(meta, &snap); err != nil {
			continue
		}
		if target != "" && snap.Target != target {
			continue
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TakenAt.After(out[j].TakenAt) })
	return out, nil
}

// Delete removes a snapshot and its sidecar.
func (s *Store) Delete(id string) error {
	if strings.ContainsAny(id, "/\\") {
		return router.Errorf(router.ErrBackupFailed, "invalid snapshot id %q", id)
	}
	if err := os.Remove(s.metaPath(id)); err != nil && !os.IsNotExist(err) {
		return router.E(router.ErrBackupFailed, fmt.Sprintf("remove metadata: %v", err), err)
	}
	if err := os.Remove(s.blobPath(id)); err != nil && !os.IsNotExist(err) {
		return router.E(router.ErrBackupFailed, fmt.Sprintf("remove blob: %v", err), err)
	}
	return nil
}

// Prune deletes snapshots older than maxAge, always keeping the newest
// snapshot of every target regardless of age.
func (s *Store) Prune(maxAge time.Duration) (int, error) {
	all, err := s.ListFor("")
	if err != nil {
		return 0, err
	}
	newest := make(map[string]string) // target -> snapshot id
	for _, snap := range all {        // already newest-first
		if _, ok := newest[snap.Target]; !ok {
			newest[snap.Target] = snap.ID
		}
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, snap := range all {
		if snap.TakenAt.After(cutoff) {
			continue
		}
		if newest[snap.Target] == snap.ID {
			continue
		}
		if err := s.Delete(snap.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// seal encrypts with AES-256-GCM; the nonce is prepended to the output.
func (s *Store) seal(plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, router.E(router.ErrBackupFailed, "init cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, router.E(router.ErrBackupFailed, "init gcm", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, router.E(router.ErrBackupFailed, "generate nonce", err)
	}
	return gcm.Seal(nonce, nonce, plain, nil), nil
}

func (s *Store) open(sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, router.E(router.ErrBackupFailed, "init cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, router.E(router.ErrBackupFailed, "init gcm", err)
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, router.Errorf(router.ErrBackupFailed, "sealed blob too short")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, router.E(router.ErrBackupFailed, "decrypt blob (wrong key?)", err)
	}
	return plain, nil
}
