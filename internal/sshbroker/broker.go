// Package sshbroker opens, holds, retries, and swaps authenticated shell
// sessions to the deployment host, and refuses to exec on a stale
// session once the identity has changed underneath it. It dials with
// golang.org/x/crypto/ssh, holds a mutable connection identity rather
// than a fixed host/port/user, and retries with backoff while logging
// every command it runs.
package sshbroker

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/iamdavid-vaughan/deploysub/internal/errs"
	"github.com/iamdavid-vaughan/deploysub/internal/logging"
	"github.com/iamdavid-vaughan/deploysub/internal/model"
)

// CommandResult is the outcome of one exec.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Broker holds at most one live *ssh.Client at a time, bound to the
// identity last passed to Connect or SwitchIdentity.
type Broker struct {
	log      *logging.Logger
	client   *ssh.Client
	identity model.ConnectionIdentity
	// secrets holds credential material (DNS provider tokens, API keys)
	// that Exec redacts out of whatever it logs, so a command embedding one
	// never writes it to the session log verbatim.
	secrets []string
	// MaxAttempts, BaseBackoff and MaxBackoff implement the retry policy
	// (default 5 attempts, 2s base, 30s cap).
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// ReachableDeadline bounds the "waiting for host to become reachable"
	// inner loop run right after VM launch.
	ReachableDeadline time.Duration
}

// New creates a Broker with the default retry policy. secrets, if any, are
// redacted from every command and command result the Broker logs.
func New(log *logging.Logger, secrets ...string) *Broker {
	return &Broker{
		log:               log,
		secrets:           secrets,
		MaxAttempts:       5,
		BaseBackoff:       2 * time.Second,
		MaxBackoff:        30 * time.Second,
		ReachableDeadline: 5 * time.Minute,
	}
}

// Identity returns the identity currently bound to the live session, if any.
func (b *Broker) Identity() model.ConnectionIdentity { return b.identity }

// Connected reports whether a live session is held.
func (b *Broker) Connected() bool { return b.client != nil }

// Connect dials and authenticates with identity, retrying with exponential
// backoff up to MaxAttempts. The Broker's bound identity is only updated on
// success: a failed Connect leaves any previously-held session untouched.
func (b *Broker) Connect(ctx context.Context, identity model.ConnectionIdentity) error {
	signer, err := loadSigner(identity.CredentialRef)
	if err != nil {
		return fmt.Errorf("loading private key %s: %w", identity.CredentialRef, err)
	}

	cfg := &ssh.ClientConfig{
		User:            identity.Username,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}
	addr := fmt.Sprintf("%s:%d", identity.Host, identity.Port)

	var lastErr error
	backoff := b.BaseBackoff
	for attempt := 1; attempt <= b.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return errs.Connectivity(addr, ctx.Err())
		}
		b.log.Note(fmt.Sprintf("connecting to %s@%s (attempt %d/%d)", identity.Username, addr, attempt, b.MaxAttempts))

		var dialer net.Dialer
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			var sshConn ssh.Conn
			var chans <-chan ssh.NewChannel
			var reqs <-chan *ssh.Request
			sshConn, chans, reqs, err = ssh.NewClientConn(conn, addr, cfg)
			if err == nil {
				b.client = ssh.NewClient(sshConn, chans, reqs)
				b.identity = identity
				b.log.Status(fmt.Sprintf("connected to %s as %s", addr, identity.Username))
				return nil
			}
			conn.Close()
		}
		lastErr = err
		if attempt == b.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return errs.Connectivity(addr, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > b.MaxBackoff {
			backoff = b.MaxBackoff
		}
	}
	return errs.Connectivity(addr, lastErr)
}

// WaitReachable polls Connect until it succeeds or ReachableDeadline elapses,
// used right after VM launch while sshd is still starting up.
func (b *Broker) WaitReachable(ctx context.Context, identity model.ConnectionIdentity) error {
	deadline := time.Now().Add(b.ReachableDeadline)
	var lastErr error
	for time.Now().Before(deadline) {
		if err := b.Connect(ctx, identity); err == nil {
			return nil
		} else {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			return errs.Connectivity(identity.Host, ctx.Err())
		case <-time.After(b.BaseBackoff):
		}
	}
	return errs.Connectivity(identity.Host, fmt.Errorf("host did not become reachable within %s: %w", b.ReachableDeadline, lastErr))
}

// Close disconnects the current session, if any.
func (b *Broker) Close() error {
	if b.client == nil {
		return nil
	}
	err := b.client.Close()
	b.client = nil
	return err
}

// SwitchIdentity disconnects the old session and connects with new. On
// failure the old session is left untouched and the bound identity is
// unchanged: the caller must not advance hardening state.
func (b *Broker) SwitchIdentity(ctx context.Context, newIdentity model.ConnectionIdentity) error {
	old := b.client
	oldIdentity := b.identity
	b.client = nil // force Connect to treat this as a fresh dial
	if err := b.Connect(ctx, newIdentity); err != nil {
		// restore the old session so the caller still has a working broker
		b.client = old
		b.identity = oldIdentity
		return err
	}
	if old != nil {
		old.Close()
	}
	return nil
}

// Test attempts a one-shot `whoami` against identity on its own short-lived
// connection, without disturbing the Broker's currently bound session.
// Used by the hardening state machine's stale-local-state recovery
// to discover which of the start/terminal identities is actually live.
func (b *Broker) Test(ctx context.Context, identity model.ConnectionIdentity) bool {
	probe := New(b.log)
	probe.MaxAttempts = 1
	ctx, cancel := context.WithTimeout(ctx, 8*time.Second)
	defer cancel()
	if err := probe.Connect(ctx, identity); err != nil {
		return false
	}
	defer probe.Close()
	res, err := probe.Exec(ctx, "whoami")
	return err == nil && res.ExitCode == 0
}

// Exec runs command over the currently bound session and logs the result
// per the Broker's command-log contract. It refuses to run
// on a stale session: if Connected() is false, it returns an error rather
// than silently reusing a previous (possibly disconnected) client.
func (b *Broker) Exec(ctx context.Context, command string) (CommandResult, error) {
	if b.client == nil {
		return CommandResult{}, fmt.Errorf("exec refused: no live session (identity changed or never connected)")
	}
	session, err := b.client.NewSession()
	if err != nil {
		return CommandResult{}, fmt.Errorf("opening ssh session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	b.log.Command(b.identity.Username, logging.Redact(command, b.secrets...))
	start := time.Now()

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	var runErr error
	select {
	case runErr = <-done:
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return CommandResult{}, ctx.Err()
	}

	dur := time.Since(start)
	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*ssh.ExitError); ok {
			exitCode = exitErr.ExitStatus()
		} else {
			exitCode = -1
		}
	}
	result := CommandResult{ExitCode: exitCode, Stdout: stdout.String(), Stderr: stderr.String(), Duration: dur}
	b.log.CommandResult(exitCode, dur, logging.Redact(result.Stdout, b.secrets...), logging.Redact(result.Stderr, b.secrets...))
	return result, nil
}

// Upload writes content to remotePath via a staging path and atomic rename.
func (b *Broker) Upload(ctx context.Context, content []byte, remotePath string, mode string) error {
	if b.client == nil {
		return fmt.Errorf("upload refused: no live session")
	}
	stagingPath := remotePath + ".upload-tmp"
	session, err := b.client.NewSession()
	if err != nil {
		return fmt.Errorf("opening ssh session: %w", err)
	}
	defer session.Close()

	stdin, err := session.StdinPipe()
	if err != nil {
		return fmt.Errorf("opening stdin pipe: %w", err)
	}

	cmd := fmt.Sprintf("cat > %s && chmod %s %s && mv -f %s %s",
		shQuote(stagingPath), mode, shQuote(stagingPath), shQuote(stagingPath), shQuote(remotePath))

	if err := session.Start(cmd); err != nil {
		return fmt.Errorf("starting upload command: %w", err)
	}
	if _, err := stdin.Write(content); err != nil {
		stdin.Close()
		return fmt.Errorf("writing upload content: %w", err)
	}
	stdin.Close()

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("upload to %s failed: %w", remotePath, err)
		}
		return nil
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return ctx.Err()
	}
}

func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "'\"'\"'") + "'"
}

func loadSigner(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(data)
}

// DefaultKeyPath returns the conventional local path for a project's
// generated deployment key, under the user's SSH directory.
func DefaultKeyPath(projectName, keyName string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".ssh", fmt.Sprintf("%s-%s", projectName, keyName)), nil
}
