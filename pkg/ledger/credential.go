package ledger

import (
	"encoding/json"
	"fmt"
	"os"
)

// Credential is the on disk form of a key.
type Credential struct {
	Address    string `json:"address"`
	PrivateKey string `json:"privateKey"`
}

// SaveCredential writes the key to path, readable by the owner
// only.
func SaveCredential(path string, k *Key) error {
	b, err := json.MarshalIndent(Credential{Address: k.Address(), PrivateKey: k.Hex()}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0600)
}

// LoadCredential reads a key written by SaveCredential.
func LoadCredential(path string) (*Key, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var c Credential
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("invalid credential file %s: %w", path, err)
	}

	k, err := KeyFromHex(c.PrivateKey)
	if err != nil {
		return nil, err
	}

	if c.Address != "" && c.Address != k.Address() {
		return nil, fmt.Errorf("credential file %s: address does not match key", path)
	}
	return k, nil
}
