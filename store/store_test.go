package store

import (
	"bytes"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomyedwab/hatch/bundle"
)

func validArchive(t *testing.T, name string) []byte {
	t.Helper()
	m := bundle.Manifest{
		Name:   name,
		Routes: []bundle.Route{{Method: "GET", Path: "/", Handler: bundle.KindTemplate, Target: "index.html"}},
	}
	data, err := bundle.Build(m, nil, map[string][]byte{"index.html": []byte("hello " + name)})
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	return data
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	data := validArchive(t, "app")

	hash, err := s.Put(data)
	if err != nil {
		t.Fatalf("Put returned error: %v", err)
	}
	if hash != bundle.Hash(data) {
		t.Errorf("hash = %q, want %q", hash, bundle.Hash(data))
	}

	got, err := s.Get(hash)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("Get returned different bytes than Put stored")
	}
}

func TestPutIdempotent(t *testing.T) {
	s := newTestStore(t)
	data := validArchive(t, "app")

	first, err := s.Put(data)
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.Put(data)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("Put returned different hashes for identical content: %q vs %q", first, second)
	}

	hashes, err := s.Hashes()
	if err != nil {
		t.Fatal(err)
	}
	if len(hashes) != 1 {
		t.Errorf("store holds %d archives, want 1", len(hashes))
	}
}

func TestPutRejectsCorruptArchive(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Put([]byte("not an archive")); !errors.Is(err, bundle.ErrCorruptArchive) {
		t.Errorf("err = %v, want ErrCorruptArchive", err)
	}
	hashes, err := s.Hashes()
	if err != nil {
		t.Fatal(err)
	}
	if len(hashes) != 0 {
		t.Error("corrupt archive must not be stored")
	}
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Get("deadbeef"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSweepHonorsGracePeriod(t *testing.T) {
	s := newTestStore(t)
	keep := validArchive(t, "keep")
	retire := validArchive(t, "retire")

	keepHash, err := s.Put(keep)
	if err != nil {
		t.Fatal(err)
	}
	retireHash, err := s.Put(retire)
	if err != nil {
		t.Fatal(err)
	}

	referenced := map[string]bool{keepHash: true}

	// First sweep only starts the grace clock for the unreferenced archive.
	removed, err := s.Sweep(referenced, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 0 {
		t.Errorf("first sweep removed %v, want nothing", removed)
	}

	// Second sweep with zero grace removes it.
	removed, err = s.Sweep(referenced, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 1 || removed[0] != retireHash {
		t.Errorf("removed = %v, want [%s]", removed, retireHash)
	}

	if _, err := s.Get(retireHash); !errors.Is(err, ErrNotFound) {
		t.Errorf("retired archive still readable: err = %v", err)
	}
	if _, err := s.Get(keepHash); err != nil {
		t.Errorf("referenced archive was removed: %v", err)
	}
}

func TestSweepReferencedResetsClock(t *testing.T) {
	s := newTestStore(t)
	data := validArchive(t, "app")
	hash, err := s.Put(data)
	if err != nil {
		t.Fatal(err)
	}

	// Unreferenced once, then referenced again before grace expires: the
	// clock must reset.
	if _, err := s.Sweep(nil, time.Hour); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Sweep(map[string]bool{hash: true}, 0); err != nil {
		t.Fatal(err)
	}
	removed, err := s.Sweep(nil, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 0 {
		t.Errorf("sweep removed %v immediately after re-reference", removed)
	}
	if _, err := os.Stat(s.path(hash)); err != nil {
		t.Errorf("archive missing after sweeps: %v", err)
	}
}
