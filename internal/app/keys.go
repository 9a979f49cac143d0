package app

import (
	"errors"
	"fmt"
	"os"

	"efv-go/internal/secret"
)

// Environment variables holding the database secrets. A value of 64 hex
// characters is used as the raw key, anything else as a passphrase.
const (
	EnvVaultKey = "EFV_VAULT_KEY"
	EnvIndexKey = "EFV_INDEX_KEY"
)

// DBKeys are the keys of the key store and the metadata index.
type DBKeys struct {
	Vault *secret.Key
	Index *secret.Key
}

// Close zeroes both keys.
func (k *DBKeys) Close() {
	if k == nil {
		return
	}
	if k.Vault != nil {
		k.Vault.Close()
	}
	if k.Index != nil {
		k.Index.Close()
	}
}

// KeysFromSecrets turns the two database secrets into keys. Passphrases
// are salted with the vault id and the database name, so one passphrase
// yields distinct keys. An empty indexSecret reuses vaultSecret.
func KeysFromSecrets(vaultID, vaultSecret, indexSecret string) (*DBKeys, error) {
	if vaultSecret == "" {
		return nil, errors.New("vault database secret is empty")
	}
	if indexSecret == "" {
		indexSecret = vaultSecret
	}

	vk, err := secret.ParseKey(vaultSecret, vaultID+":vault")
	if err != nil {
		return nil, fmt.Errorf("vault database key: %w", err)
	}
	ik, err := secret.ParseKey(indexSecret, vaultID+":index")
	if err != nil {
		vk.Close()
		return nil, fmt.Errorf("index database key: %w", err)
	}
	return &DBKeys{Vault: vk, Index: ik}, nil
}

// KeysFromEnv reads the database secrets from the environment. ok is false
// when EFV_VAULT_KEY is unset; the caller should prompt instead.
func KeysFromEnv(vaultID string) (keys *DBKeys, ok bool, err error) {
	vs := os.Getenv(EnvVaultKey)
	if vs == "" {
		return nil, false, nil
	}
	keys, err = KeysFromSecrets(vaultID, vs, os.Getenv(EnvIndexKey))
	if err != nil {
		return nil, true, err
	}
	return keys, true, nil
}
