package securestate

import (
	"fmt"

	"github.com/99designs/keyring"

	"ecliptix-core/internal/cryptoprim"
)

// KeyringProvider implements KeyProvider against the OS-native credential
// store (macOS Keychain, Windows Credential Manager, Secret Service / KWallet
// on Linux, with an encrypted-file fallback).
type KeyringProvider struct {
	ring keyring.Keyring
}

// NewKeyringProvider opens the platform keyring under appName, namespacing
// every key it stores so two installs on the same machine never collide.
func NewKeyringProvider(appName string) (*KeyringProvider, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName:             appName,
		KeychainName:            appName,
		KWalletAppID:            appName,
		KWalletFolder:           appName,
		WinCredPrefix:           appName,
		LibSecretCollectionName: appName,
		AllowedBackends: []keyring.BackendType{
			keyring.SecretServiceBackend,
			keyring.KeychainBackend,
			keyring.WinCredBackend,
			keyring.KWalletBackend,
			keyring.FileBackend,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("securestate: open keyring: %w", err)
	}
	return &KeyringProvider{ring: ring}, nil
}

func encKeyName(connectID string) string  { return "ecliptix_key_" + connectID }
func hmacKeyName(connectID string) string { return "ecliptix_hmac_" + connectID }

// StoreKey saves the container encryption key for connectID.
func (p *KeyringProvider) StoreKey(connectID string, key []byte) error {
	return p.ring.Set(keyring.Item{Key: encKeyName(connectID), Data: key})
}

// LoadKey retrieves the container encryption key for connectID, or nil if
// none has been stored yet.
func (p *KeyringProvider) LoadKey(connectID string) ([]byte, error) {
	item, err := p.ring.Get(encKeyName(connectID))
	if err == keyring.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("securestate: keyring get: %w", err)
	}
	return item.Data, nil
}

// DeleteKey removes the stored encryption key for connectID.
func (p *KeyringProvider) DeleteKey(connectID string) error {
	if err := p.ring.Remove(encKeyName(connectID)); err != nil && err != keyring.ErrKeyNotFound {
		return fmt.Errorf("securestate: keyring remove: %w", err)
	}
	return nil
}

// GetOrCreateHMACKey returns the outer-integrity HMAC key for connectID,
// minting and persisting a fresh random one on first use.
func (p *KeyringProvider) GetOrCreateHMACKey(connectID string) ([]byte, error) {
	item, err := p.ring.Get(hmacKeyName(connectID))
	if err == nil {
		return item.Data, nil
	}
	if err != keyring.ErrKeyNotFound {
		return nil, fmt.Errorf("securestate: keyring get hmac key: %w", err)
	}
	key, rerr := cryptoprim.Random(cryptoprim.AESKeySize)
	if rerr != nil {
		return nil, rerr
	}
	if serr := p.ring.Set(keyring.Item{Key: hmacKeyName(connectID), Data: key}); serr != nil {
		return nil, fmt.Errorf("securestate: keyring set hmac key: %w", serr)
	}
	return key, nil
}
