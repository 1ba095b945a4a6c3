package authtoken

import (
	"crypto/rsa"
	"fmt"
	"os"
	"sync"

	"github.com/golang-jwt/jwt/v5"
)

// KeyPaths points at the four PEM files: one RSA keypair per token class.
// Access and refresh tokens are never signed or verified with the same pair,
// so compromise of one signing key cannot forge the other token class.
type KeyPaths struct {
	AccessPrivate  string
	AccessPublic   string
	RefreshPrivate string
	RefreshPublic  string
}

// Keypairs holds the parsed keys. Reads and reloads are guarded so the
// watcher can swap keys under live traffic.
type Keypairs struct {
	paths KeyPaths

	mu          sync.RWMutex
	accessPriv  *rsa.PrivateKey
	accessPub   *rsa.PublicKey
	refreshPriv *rsa.PrivateKey
	refreshPub  *rsa.PublicKey
}

// LoadKeypairs reads and parses all four PEM files.
func LoadKeypairs(paths KeyPaths) (*Keypairs, error) {
	k := &Keypairs{paths: paths}
	if err := k.Reload(); err != nil {
		return nil, err
	}
	return k, nil
}

// KeypairsFromPEM builds Keypairs from in-memory PEM blocks. Used by tests
// and by embedders that manage key material themselves.
func KeypairsFromPEM(accessPriv, accessPub, refreshPriv, refreshPub []byte) (*Keypairs, error) {
	k := &Keypairs{}
	if err := k.set(accessPriv, accessPub, refreshPriv, refreshPub); err != nil {
		return nil, err
	}
	return k, nil
}

// Reload re-reads the PEM files the Keypairs was loaded from. On any error
// the previously loaded keys stay in effect.
func (k *Keypairs) Reload() error {
	if k.paths == (KeyPaths{}) {
		return fmt.Errorf("keypairs not backed by files")
	}
	read := func(path string) ([]byte, error) {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read key %s: %w", path, err)
		}
		return b, nil
	}
	aPriv, err := read(k.paths.AccessPrivate)
	if err != nil {
		return err
	}
	aPub, err := read(k.paths.AccessPublic)
	if err != nil {
		return err
	}
	rPriv, err := read(k.paths.RefreshPrivate)
	if err != nil {
		return err
	}
	rPub, err := read(k.paths.RefreshPublic)
	if err != nil {
		return err
	}
	return k.set(aPriv, aPub, rPriv, rPub)
}

func (k *Keypairs) set(accessPriv, accessPub, refreshPriv, refreshPub []byte) error {
	aPriv, err := jwt.ParseRSAPrivateKeyFromPEM(accessPriv)
	if err != nil {
		return fmt.Errorf("parse access private key: %w", err)
	}
	aPub, err := jwt.ParseRSAPublicKeyFromPEM(accessPub)
	if err != nil {
		return fmt.Errorf("parse access public key: %w", err)
	}
	rPriv, err := jwt.ParseRSAPrivateKeyFromPEM(refreshPriv)
	if err != nil {
		return fmt.Errorf("parse refresh private key: %w", err)
	}
	rPub, err := jwt.ParseRSAPublicKeyFromPEM(refreshPub)
	if err != nil {
		return fmt.Errorf("parse refresh public key: %w", err)
	}
	k.mu.Lock()
	k.accessPriv, k.accessPub = aPriv, aPub
	k.refreshPriv, k.refreshPub = rPriv, rPub
	k.mu.Unlock()
	return nil
}

func (k *Keypairs) accessKeys() (*rsa.PrivateKey, *rsa.PublicKey) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.accessPriv, k.accessPub
}

func (k *Keypairs) refreshKeys() (*rsa.PrivateKey, *rsa.PublicKey) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.refreshPriv, k.refreshPub
}
