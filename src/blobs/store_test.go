package blobs

import (
	"bytes"
	"os"
	"testing"
)

func testStore(t *testing.T, store Store) {
	data := []byte(`{"id":"node-1-1700000000000","data":"payload"}`)

	digest, err := store.Put(data)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if want := Digest(data); digest != want {
		t.Fatalf("digest %s, want %s", digest, want)
	}

	got, err := store.Get(digest)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("blob mismatch: %s", got)
	}

	ok, err := store.Has(digest)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if !ok {
		t.Fatal("stored blob not reported by Has")
	}

	// Storing the same bytes again yields the same digest.
	again, err := store.Put(data)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if again != digest {
		t.Fatalf("digest changed on re-put: %s != %s", again, digest)
	}

	if _, err := store.Get("0000000000000000000000000000000000000000000000000000000000000000"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInmemStore(t *testing.T) {
	store := NewInmemStore()
	defer store.Close()

	testStore(t, store)
}

func TestBadgerStore(t *testing.T) {
	dir, err := os.MkdirTemp("", "badger")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer os.RemoveAll(dir)

	store, err := NewBadgerStore(dir)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer store.Close()

	testStore(t, store)
}

func TestInmemStoreCopies(t *testing.T) {
	store := NewInmemStore()
	defer store.Close()

	data := []byte("mutable")
	digest, err := store.Put(data)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	data[0] = 'X'

	got, err := store.Get(digest)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if string(got) != "mutable" {
		t.Fatalf("store aliased caller bytes: %s", got)
	}
}
