package blobstore

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestKeyForURL(t *testing.T) {
	a := KeyForURL("https://city.gov/doc.pdf")
	b := KeyForURL("https://city.gov/doc.pdf")
	if a != b {
		t.Fatal("KeyForURL not deterministic")
	}
	if !strings.HasPrefix(a, "raw/") || len(a) != len("raw/ab/")+64 {
		t.Errorf("KeyForURL() = %q", a)
	}
	if a == KeyForURL("https://city.gov/other.pdf") {
		t.Error("different URLs share a key")
	}
}

func TestFSStore_PutGet(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore() error = %v", err)
	}
	ctx := context.Background()
	key := KeyForURL("https://city.gov/doc.pdf")

	path, err := s.Put(ctx, key, []byte("%PDF-1.4 body"), "application/pdf")
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if !strings.HasSuffix(path, key[len("raw/ab/"):]) {
		t.Errorf("Put() path = %q", path)
	}

	got, err := s.Get(ctx, key)
	if err != nil || string(got) != "%PDF-1.4 body" {
		t.Fatalf("Get() = %q, %v", got, err)
	}

	if _, err := s.Put(ctx, key, []byte("v2"), ""); err != nil {
		t.Fatalf("overwrite error = %v", err)
	}
	got, _ = s.Get(ctx, key)
	if string(got) != "v2" {
		t.Errorf("Get() after overwrite = %q", got)
	}

	if _, err := s.Get(ctx, "raw/00/missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := s.Put(ctx, "../escape", []byte("x"), ""); err == nil {
		t.Error("Put() accepted a path traversal key")
	}
}
