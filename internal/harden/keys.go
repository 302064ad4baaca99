package harden

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

// generateDeploymentKeyPair creates the ed25519 key pair the hardened
// deployment user authenticates with, distinct from the cloud-provider key
// pair ensure_key_pair manages: this one never leaves the local workspace
// and the VM, so it is never handed to the cloud API.
func generateDeploymentKeyPair(path string) error {
	if _, err := os.Stat(path); err == nil {
		if data, readErr := os.ReadFile(path); readErr == nil {
			if _, parseErr := ssh.ParsePrivateKey(data); parseErr == nil {
				return nil // well-formed key already present, reuse it
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generating ed25519 key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		return fmt.Errorf("marshaling private key: %w", err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return err
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return fmt.Errorf("deriving public key: %w", err)
	}
	return os.WriteFile(path+".pub", ssh.MarshalAuthorizedKey(sshPub), 0o644)
}

func readPublicKey(privateKeyPath string) ([]byte, error) {
	return os.ReadFile(privateKeyPath + ".pub")
}
