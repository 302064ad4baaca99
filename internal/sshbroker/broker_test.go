package sshbroker

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/iamdavid-vaughan/deploysub/internal/logging"
	"github.com/iamdavid-vaughan/deploysub/internal/model"
)

// startEchoSSHServer starts a minimal in-process SSH server accepting the
// given client public key. It answers "whoami" with "tester", drains stdin
// for "cat ..." commands, and exits 0 for every command. It exists purely so the Broker can be tested
// end to end without a real host.
func startEchoSSHServer(t *testing.T, authorizedKey ssh.PublicKey) (addr string, stop func()) {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating host key: %v", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}

	config := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), authorizedKey.Marshal()) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unauthorized key")
		},
	}
	config.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go handleConn(conn, config)
		}
	}()

	return listener.Addr().String(), func() { listener.Close() }
}

func handleConn(conn net.Conn, config *ssh.ServerConfig) {
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "only session supported")
			continue
		}
		channel, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go func(ch ssh.Channel, reqs <-chan *ssh.Request) {
			defer ch.Close()
			for req := range reqs {
				switch req.Type {
				case "exec":
					cmd := string(req.Payload[4:])
					req.Reply(true, nil)
					switch {
					case cmd == "whoami":
						io.WriteString(ch, "tester\n")
					case len(cmd) >= 4 && cmd[:4] == "cat ":
						io.Copy(io.Discard, ch)
					}
					ch.SendRequest("exit-status", false, []byte{0, 0, 0, 0})
					return
				default:
					req.Reply(false, nil)
				}
			}
		}(channel, requests)
	}
}

func writeTempPrivateKey(t *testing.T, block *pem.Block) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "id_test")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create key file: %v", err)
	}
	defer f.Close()
	if err := pem.Encode(f, block); err != nil {
		t.Fatalf("encode key: %v", err)
	}
	return path
}

func TestConnectExecRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("new public key: %v", err)
	}

	keyBlock, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("marshal private key: %v", err)
	}
	keyPath := writeTempPrivateKey(t, keyBlock)

	addrStr, stop := startEchoSSHServer(t, sshPub)
	defer stop()

	host, portStr, err := net.SplitHostPort(addrStr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	var port int
	fmt.Sscanf(portStr, "%d", &port)

	var buf bytes.Buffer
	log := logging.New(&buf, "test", false)
	broker := New(log)
	broker.MaxAttempts = 1

	identity := model.ConnectionIdentity{Host: host, Port: port, Username: "tester", CredentialRef: keyPath}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := broker.Connect(ctx, identity); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer broker.Close()

	res, err := broker.Exec(ctx, "whoami")
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.Stdout != "tester\n" {
		t.Fatalf("expected stdout 'tester\\n', got %q", res.Stdout)
	}
	if res.ExitCode != 0 {
		t.Fatalf("expected exit 0, got %d", res.ExitCode)
	}

	if !broker.Test(ctx, identity) {
		t.Fatalf("expected Test() to succeed against the live identity")
	}
}

func TestSwitchIdentityFailureLeavesOldSessionIntact(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("new public key: %v", err)
	}
	keyBlock, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("marshal private key: %v", err)
	}
	keyPath := writeTempPrivateKey(t, keyBlock)

	addrStr, stop := startEchoSSHServer(t, sshPub)
	defer stop()
	host, portStr, _ := net.SplitHostPort(addrStr)
	var port int
	fmt.Sscanf(portStr, "%d", &port)

	var buf bytes.Buffer
	log := logging.New(&buf, "test", false)
	broker := New(log)
	broker.MaxAttempts = 1

	goodIdentity := model.ConnectionIdentity{Host: host, Port: port, Username: "tester", CredentialRef: keyPath}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := broker.Connect(ctx, goodIdentity); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer broker.Close()

	badIdentity := model.ConnectionIdentity{Host: host, Port: port + 1, Username: "tester", CredentialRef: keyPath}
	if err := broker.SwitchIdentity(ctx, badIdentity); err == nil {
		t.Fatalf("expected SwitchIdentity to an unreachable port to fail")
	}

	if broker.Identity() != goodIdentity {
		t.Fatalf("expected identity to remain %+v after failed switch, got %+v", goodIdentity, broker.Identity())
	}
	if !broker.Connected() {
		t.Fatalf("expected broker to remain connected to the old identity after a failed switch")
	}
	if _, err := broker.Exec(ctx, "whoami"); err != nil {
		t.Fatalf("expected old session to still work after failed switch: %v", err)
	}
}
