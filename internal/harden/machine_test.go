package harden

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/iamdavid-vaughan/deploysub/internal/cloud"
	"github.com/iamdavid-vaughan/deploysub/internal/logging"
	"github.com/iamdavid-vaughan/deploysub/internal/model"
	"github.com/iamdavid-vaughan/deploysub/internal/sshbroker"
)

// alwaysSucceedServer accepts any client key and answers every exec request
// with exit 0 and empty stdout, simulating a host that already satisfies
// every detect check this package's remote operations issue.
func alwaysSucceedServer(t *testing.T) (addr string, stop func()) {
	t.Helper()
	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}

	config := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			return &ssh.Permissions{}, nil
		},
	}
	config.AddHostKey(signer)

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
			go acceptSession(conn, config)
		}
	}()
	return listener.Addr().String(), func() { listener.Close() }
}

func acceptSession(conn net.Conn, config *ssh.ServerConfig) {
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
					req.Reply(true, nil)
					io.Copy(io.Discard, ch)
					ch.SendRequest("exit-status", false, []byte{0, 0, 0, 0})
					return
				default:
					req.Reply(false, nil)
				}
			}
		}(channel, requests)
	}
}

// fakeManager implements only the two cloud.Manager methods the hardening
// machine calls; the rest panic if exercised, so a missing call shows up
// immediately in test output.
type fakeManager struct {
	cloud.Manager
	opened, closed []int32
}

func (f *fakeManager) OpenFirewallPort(ctx context.Context, groupID string, port int32) error {
	f.opened = append(f.opened, port)
	return nil
}

func (f *fakeManager) CloseFirewallPort(ctx context.Context, groupID string, port int32) error {
	f.closed = append(f.closed, port)
	return nil
}

func mustPort(t *testing.T, addr string) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	return port
}

func TestMachineRunCompletesAllStepsAgainstFakeHost(t *testing.T) {
	addr, stop := alwaysSucceedServer(t)
	defer stop()
	host, portStr, _ := net.SplitHostPort(addr)
	var startPort int
	fmt.Sscanf(portStr, "%d", &startPort)

	var buf bytes.Buffer
	log := logging.New(&buf, "test", false)
	broker := sshbroker.New(log)
	broker.MaxAttempts = 1

	startIdentity := model.ConnectionIdentity{Host: host, Port: startPort, Username: "ubuntu", CredentialRef: filepath.Join(t.TempDir(), "start-key")}
	if err := generateStartKeyForTest(startIdentity.CredentialRef); err != nil {
		t.Fatalf("generating start key: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := broker.Connect(ctx, startIdentity); err != nil {
		t.Fatalf("initial connect: %v", err)
	}
	defer broker.Close()

	mgr := &fakeManager{}
	cfg := Config{
		DeploymentUser:      "deployer",
		CustomPort:          startPort, // the fake server answers on the same port for every identity
		AppPort:             8080,
		FirewallGroupID:     "sg-test",
		PasswordAuthEnabled: false,
		KeyPath:             filepath.Join(t.TempDir(), "deploy-key"),
	}
	state := model.NewHardeningState()

	saveCalls := 0
	save := func(ctx context.Context, s *model.HardeningState) error {
		saveCalls++
		return nil
	}

	m := New(broker, mgr, log, cfg, state, save)

	terminalIdentity := model.ConnectionIdentity{Host: host, Port: startPort, Username: "deployer", CredentialRef: cfg.KeyPath}
	if err := m.Run(ctx, startIdentity, terminalIdentity); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !state.IsDone(model.StepHardened) {
		t.Fatalf("expected machine to reach hardened state")
	}
	if saveCalls == 0 {
		t.Fatalf("expected Persist to be called at least once")
	}
	if len(mgr.opened) != 1 || mgr.opened[0] != int32(startPort) {
		t.Fatalf("expected custom port to be opened once, got %v", mgr.opened)
	}
	if len(mgr.closed) != 1 || mgr.closed[0] != 22 {
		t.Fatalf("expected port 22 to be closed once, got %v", mgr.closed)
	}
}

func generateStartKeyForTest(path string) error {
	return generateDeploymentKeyPair(path)
}
