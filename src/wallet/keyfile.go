package wallet

import (
	"encoding/hex"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"
)

// Keyfile reads and writes a wallet key from an unencrypted, unformatted
// file holding the hex dump of the key's D value.
type Keyfile struct {
	l    sync.Mutex
	path string
}

// NewKeyfile instantiates a Keyfile with an underlying file.
func NewKeyfile(keyfile string) *Keyfile {
	return &Keyfile{path: keyfile}
}

// checkFileInfo verifies that the file exists and has user permissions only.
func (k *Keyfile) checkFileInfo() error {
	info, err := os.Stat(k.path)
	if err != nil {
		return err
	}

	perm := info.Mode().Perm()

	// reject any permissions for 'groups' and 'others'
	var nonUserMask os.FileMode = (1 << 6) - 1
	if perm&nonUserMask != 0 {
		return fmt.Errorf("keyfile permissions should exclude 'groups' and 'others'. Got %o", perm)
	}

	return nil
}

// ReadWallet loads the wallet from the underlying file.
func (k *Keyfile) ReadWallet() (*Wallet, error) {
	k.l.Lock()
	defer k.l.Unlock()

	if err := k.checkFileInfo(); err != nil {
		return nil, err
	}

	buf, err := os.ReadFile(k.path)
	if err != nil {
		return nil, err
	}

	d, err := hex.DecodeString(strings.TrimSpace(string(buf)))
	if err != nil {
		return nil, err
	}

	key, err := parsePrivateKey(d)
	if err != nil {
		return nil, err
	}

	return FromPrivateKey(key), nil
}

// WriteWallet writes the hex dump of the key's D value to the underlying
// file, creating parent directories as needed.
func (k *Keyfile) WriteWallet(w *Wallet) error {
	k.l.Lock()
	defer k.l.Unlock()

	rawKey := hex.EncodeToString(dumpPrivateKey(w.PrivateKey()))

	if err := os.MkdirAll(path.Dir(k.path), 0700); err != nil {
		return err
	}

	return os.WriteFile(k.path, []byte(rawKey), 0600)
}
