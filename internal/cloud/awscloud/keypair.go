package awscloud

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"golang.org/x/crypto/ssh"

	"github.com/iamdavid-vaughan/deploysub/internal/cloud"
)

// EnsureKeyPair generates an RSA 4096 key pair if no well-formed local file
// exists, then publishes the public half to EC2, reusing it (reported as
// Existed) rather than recreating when the cloud side already has a key
// pair under this name.
func (c *Client) EnsureKeyPair(ctx context.Context, spec cloud.KeyPairSpec) (*cloud.KeyPairDescriptor, error) {
	existing, err := c.DescribeKeyPair(ctx, spec.Name)
	if err != nil {
		return nil, err
	}

	localWellFormed := false
	if data, readErr := os.ReadFile(spec.LocalPrivatePath); readErr == nil {
		if _, parseErr := ssh.ParsePrivateKey(data); parseErr == nil {
			localWellFormed = true
		}
	}

	if existing != nil {
		c.log.Note(fmt.Sprintf("key pair %s already present in EC2", spec.Name))
		existing.Outcome = cloud.Existed
		return existing, nil
	}

	if !localWellFormed {
		c.log.Note(fmt.Sprintf("generating new local key pair at %s", spec.LocalPrivatePath))
		if err := generateRSAKeyPair(spec.LocalPrivatePath); err != nil {
			return nil, fmt.Errorf("generating local key pair: %w", err)
		}
	} else {
		c.log.Note(fmt.Sprintf("reusing well-formed local key pair at %s", spec.LocalPrivatePath))
	}

	pubBytes, err := os.ReadFile(spec.LocalPrivatePath + ".pub")
	if err != nil {
		return nil, fmt.Errorf("reading public key: %w", err)
	}

	out, err := c.ec2.ImportKeyPair(ctx, &ec2.ImportKeyPairInput{
		KeyName:           aws.String(spec.Name),
		PublicKeyMaterial: pubBytes,
		TagSpecifications: []types.TagSpecification{managedTags(types.ResourceTypeKeyPair, spec.Name)},
	})
	if err != nil {
		if isAlreadyExists(err) {
			c.log.Note(fmt.Sprintf("key pair %s appeared concurrently, adopting", spec.Name))
			adopted, descErr := c.DescribeKeyPair(ctx, spec.Name)
			if descErr != nil || adopted == nil {
				return nil, fmt.Errorf("import key pair reported already-exists but describe failed: %w", descErr)
			}
			adopted.Outcome = cloud.Adopted
			return adopted, nil
		}
		return nil, fmt.Errorf("importing key pair %s: %w", spec.Name, err)
	}

	return &cloud.KeyPairDescriptor{
		Name:        spec.Name,
		ProviderID:  aws.ToString(out.KeyPairId),
		Fingerprint: aws.ToString(out.KeyFingerprint),
		Outcome:     cloud.Created,
	}, nil
}

func (c *Client) DescribeKeyPair(ctx context.Context, name string) (*cloud.KeyPairDescriptor, error) {
	out, err := c.ec2.DescribeKeyPairs(ctx, &ec2.DescribeKeyPairsInput{KeyNames: []string{name}})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("describing key pair %s: %w", name, err)
	}
	if len(out.KeyPairs) == 0 {
		return nil, nil
	}
	kp := out.KeyPairs[0]
	return &cloud.KeyPairDescriptor{
		Name:        aws.ToString(kp.KeyName),
		ProviderID:  aws.ToString(kp.KeyPairId),
		Fingerprint: aws.ToString(kp.KeyFingerprint),
	}, nil
}

func (c *Client) DeleteKeyPair(ctx context.Context, name string) error {
	_, err := c.ec2.DeleteKeyPair(ctx, &ec2.DeleteKeyPairInput{KeyName: aws.String(name)})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("deleting key pair %s: %w", name, err)
	}
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
