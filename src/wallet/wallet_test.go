package wallet

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSignVerify(t *testing.T) {
	w, err := Generate()
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	data := []byte("ledger entry bytes")

	sig, err := w.Sign(data)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	if !Verify(w.PublicKeyBytes(), data, sig) {
		t.Fatal("signature did not verify")
	}

	if Verify(w.PublicKeyBytes(), []byte("other bytes"), sig) {
		t.Fatal("signature verified against wrong data")
	}

	other, _ := Generate()
	if Verify(other.PublicKeyBytes(), data, sig) {
		t.Fatal("signature verified against wrong key")
	}
}

func TestNodeIDStable(t *testing.T) {
	w, err := Generate()
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	if w.NodeID() == "" {
		t.Fatal("empty node ID")
	}
	if w.NodeID() != w.NodeID() {
		t.Fatal("node ID not stable")
	}
}

func TestKeyfileRoundTrip(t *testing.T) {
	dir, err := os.MkdirTemp("", "wallet")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer os.RemoveAll(dir)

	kf := NewKeyfile(filepath.Join(dir, "priv_key"))

	w, err := Generate()
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	if err := kf.WriteWallet(w); err != nil {
		t.Fatalf("err: %v", err)
	}

	read, err := kf.ReadWallet()
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	if read.PublicKeyHex() != w.PublicKeyHex() {
		t.Fatalf("keys differ after round trip")
	}
	if read.NodeID() != w.NodeID() {
		t.Fatalf("node IDs differ after round trip")
	}
}

func TestKeyfilePermissions(t *testing.T) {
	dir, err := os.MkdirTemp("", "wallet")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer os.RemoveAll(dir)

	file := filepath.Join(dir, "priv_key")
	kf := NewKeyfile(file)

	w, _ := Generate()
	if err := kf.WriteWallet(w); err != nil {
		t.Fatalf("err: %v", err)
	}

	if err := os.Chmod(file, 0644); err != nil {
		t.Fatalf("err: %v", err)
	}

	if _, err := kf.ReadWallet(); err == nil {
		t.Fatal("expected permission error on world-readable keyfile")
	}
}
