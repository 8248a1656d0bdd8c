package apppool

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// GenerateConnectPassword produces a fresh PASSENGER_CONNECT_PASSWORD:
// a random hex secret. apppoold's serve command generates one per
// server and passes it to every spawned worker in its environment.
// Unlike a challenge-response handshake this is a static value; nothing
// in this module compares it with what a worker sends back.
func GenerateConnectPassword() (string, error) {
	secret := make([]byte, 24)
	if _, err := rand.Read(secret); err != nil {
		return "", fmt.Errorf("generate connect password: %w", err)
	}
	return hex.EncodeToString(secret), nil
}

// SecretFromString derives a stable secret from an operator-supplied
// string, for deployments that pin PASSENGER_CONNECT_PASSWORD via config
// instead of generating one per spawn.
func SecretFromString(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}
