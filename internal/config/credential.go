package config

import (
	"fmt"
	"strings"

	"github.com/99designs/keyring"
)

const (
	serviceName   = "mailshift"
	keyringPrefix = "keyring:"
)

// openKeyring is replaced in tests.
var openKeyring = func() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/mailshift/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("mailshift-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// GetSecret retrieves a secret by key from the system keyring.
func GetSecret(key string) (string, error) {
	ring, err := openKeyring()
	if err != nil {
		return "", err
	}
	item, err := ring.Get(key)
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}
	return string(item.Data), nil
}

// SetSecret stores a secret by key in the system keyring.
func SetSecret(key, value string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}
	if err := ring.Set(keyring.Item{Key: key, Data: []byte(value)}); err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}
	return nil
}

// ResolveSecrets replaces keyring:<name> passwords with the stored value.
func (c *Config) ResolveSecrets() error {
	for _, e := range []*Endpoint{&c.Source, &c.Destination} {
		name, ok := strings.CutPrefix(e.Password, keyringPrefix)
		if !ok {
			continue
		}
		secret, err := GetSecret(strings.TrimSpace(name))
		if err != nil {
			return err
		}
		e.Password = secret
	}
	return nil
}
