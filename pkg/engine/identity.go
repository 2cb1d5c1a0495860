package engine

import (
	"fmt"

	"github.com/shdchub/shdc/pkg/crypto/classical"
	"github.com/shdchub/shdc/pkg/crypto/keystore"
)

// LoadOrCreateIdentity loads the Ed25519 signing identity persisted in
// store, generating and persisting a fresh one on first run. Both the
// hub and sensor binaries call this once at startup.
func LoadOrCreateIdentity(store *keystore.Store) (*classical.Ed25519Keypair, error) {
	priv, err := store.Get(keystore.DeviceIdentityKeyID())
	if err == nil {
		pub, err := store.Get(keystore.DeviceIdentityPublicKeyID())
		if err != nil {
			return nil, fmt.Errorf("engine: device identity private key present but public key missing: %w", err)
		}
		return &classical.Ed25519Keypair{PublicKey: pub, PrivateKey: priv}, nil
	}

	identity, err := classical.GenerateEd25519Keypair()
	if err != nil {
		return nil, fmt.Errorf("engine: failed to generate device identity: %w", err)
	}
	if err := store.Put(keystore.DeviceIdentityKeyID(), identity.PrivateKey, 0); err != nil {
		return nil, fmt.Errorf("engine: failed to persist device identity: %w", err)
	}
	if err := store.Put(keystore.DeviceIdentityPublicKeyID(), identity.PublicKey, 0); err != nil {
		return nil, fmt.Errorf("engine: failed to persist device identity public key: %w", err)
	}
	return identity, nil
}
