package gcpcloud

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"

	"github.com/iamdavid-vaughan/deploysub/internal/cloud"
)

// EnsureKeyPair generates (or reuses) the local RSA key pair that
// EnsureVM later publishes through per-instance ssh-keys metadata;
// unlike EC2, GCE has no separate key-pair resource to register
// against, so there is nothing to adopt or describe on the cloud side.
func (c *Client) EnsureKeyPair(ctx context.Context, spec cloud.KeyPairSpec) (*cloud.KeyPairDescriptor, error) {
	if data, readErr := os.ReadFile(spec.LocalPrivatePath); readErr == nil {
		if _, parseErr := ssh.ParsePrivateKey(data); parseErr == nil {
			return &cloud.KeyPairDescriptor{Name: spec.Name, Outcome: cloud.Existed}, nil
		}
	}

	c.log.Note(fmt.Sprintf("generating new local key pair at %s", spec.LocalPrivatePath))
	if err := generateRSAKeyPair(spec.LocalPrivatePath); err != nil {
		return nil, fmt.Errorf("generating local key pair: %w", err)
	}
	return &cloud.KeyPairDescriptor{Name: spec.Name, Outcome: cloud.Created}, nil
}

func (c *Client) DescribeKeyPair(ctx context.Context, name string) (*cloud.KeyPairDescriptor, error) {
	return &cloud.KeyPairDescriptor{Name: name, Outcome: cloud.Existed}, nil
}

// DeleteKeyPair is a no-op: nothing was registered cloud-side to remove.
func (c *Client) DeleteKeyPair(ctx context.Context, name string) error {
	return nil
}

func generateRSAKeyPair(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	priv, err := rsa.GenerateKey(rand.Reader, 4096)
	if err != nil {
		return err
	}

	privFile, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer privFile.Close()

	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)}
	if err := pem.Encode(privFile, block); err != nil {
		return err
	}

	pub, err := ssh.NewPublicKey(&priv.PublicKey)
	if err != nil {
		return err
	}
	return os.WriteFile(path+".pub", ssh.MarshalAuthorizedKey(pub), 0o644)
}
