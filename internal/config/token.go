package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
)

const tokenKey = "api.token"

// EnsureAPIToken returns the bearer token for the management API, generating
// and persisting one on first use. STDKEEP_API_TOKEN overrides the stored
// value.
func EnsureAPIToken() (string, error) {
	return ensureAPIToken(newFileBackend())
}

func ensureAPIToken(b ConfigBackend) (string, error) {
	if env := os.Getenv("STDKEEP_API_TOKEN"); env != "" {
		return env, nil
	}

	token, ok, err := b.GetString(tokenKey)
	if err != nil {
		return "", fmt.Errorf("reading API token: %w", err)
	}
	if ok && token != "" {
		return token, nil
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating API token: %w", err)
	}
	token = hex.EncodeToString(buf)

	if err := b.SetString(tokenKey, token); err != nil {
		return "", fmt.Errorf("persisting API token: %w", err)
	}
	return token, nil
}
