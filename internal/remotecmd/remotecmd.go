// Package remotecmd is a set of idempotent remote operations, each
// phrased as a detect-then-apply shell transaction so it is safe under
// at-least-once execution. Every operation is a versioned template
// rendered with typed variables rather than a shell heredoc embedded in
// source, so the rendering itself is unit-testable without a running
// host.
package remotecmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/iamdavid-vaughan/deploysub/internal/errs"
	"github.com/iamdavid-vaughan/deploysub/internal/sshbroker"
)

// Runner is the narrow interface remotecmd needs from the SSH Session
// Broker, so operations can be unit tested against a fake.
type Runner interface {
	Exec(ctx context.Context, command string) (sshbroker.CommandResult, error)
	Upload(ctx context.Context, content []byte, remotePath string, mode string) error
}

// Op is one idempotent remote operation: Detect reports whether the target
// state already holds (in which case Apply is skipped); Apply performs the
// state-changing shell transaction.
type Op struct {
	Name   string
	Detect string // shell snippet; exit 0 means "already in target state"
	Apply  string // shell snippet; only run when Detect exits non-zero
}

// Run executes op against r: detect first, skip apply on success, else
// apply and surface a RemoteCommandError carrying the failing command,
// exit code and stderr tail.
func Run(ctx context.Context, r Runner, op Op) error {
	if op.Detect != "" {
		res, err := r.Exec(ctx, op.Detect)
		if err == nil && res.ExitCode == 0 {
			return nil // already in target state
		}
	}
	res, err := r.Exec(ctx, op.Apply)
	if err != nil {
		return fmt.Errorf("running %s: %w", op.Name, err)
	}
	if res.ExitCode != 0 {
		return errs.RemoteCommand(op.Name, res.ExitCode, tail(res.Stderr, 20))
	}
	return nil
}

func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// InstallPackages installs named packages via the distribution's package
// manager, skipping any already installed. The package manager is apt for
// both ubuntu22 and debian12 (the two operating systems this spec supports).
func InstallPackages(ctx context.Context, r Runner, names ...string) error {
	if len(names) == 0 {
		return nil
	}
	joined := strings.Join(names, " ")
	return Run(ctx, r, Op{
		Name:   "install_packages:" + joined,
		Detect: fmt.Sprintf("dpkg -s %s >/dev/null 2>&1", joined),
		Apply: fmt.Sprintf(
			"export DEBIAN_FRONTEND=noninteractive && sudo apt-get update -qq && sudo apt-get install -y -qq %s",
			joined),
	})
}

func firstWord(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

// WriteFile writes content to path with the given mode and owner,
// idempotently: it is a no-op if a file with identical content and mode
// already exists there.
func WriteFile(ctx context.Context, r Runner, path, mode, owner string, content []byte) error {
	hash := shellChecksum(content)
	detect := fmt.Sprintf(
		`test -f %s && [ "$(sha256sum %s | cut -d" " -f1)" = "%s" ] && stat -c '%%a' %s | grep -q '^%s$'`,
		shQuote(path), shQuote(path), hash, shQuote(path), mode)

	res, err := r.Exec(ctx, detect)
	alreadyWritten := err == nil && res.ExitCode == 0

	if !alreadyWritten {
		if err := r.Upload(ctx, content, path, mode); err != nil {
			return fmt.Errorf("write_file %s: %w", path, err)
		}
	}
	if owner != "" {
		res, err := r.Exec(ctx, fmt.Sprintf("sudo chown %s %s", shQuote(owner), shQuote(path)))
		if err != nil {
			return fmt.Errorf("write_file %s: chown: %w", path, err)
		}
		if res.ExitCode != 0 {
			return errs.RemoteCommand("write_file:chown", res.ExitCode, tail(res.Stderr, 20))
		}
	}
	return nil
}

// AppendOnce appends content to path only if marker is not already present,
// matching the append_once semantics exactly.
func AppendOnce(ctx context.Context, r Runner, path, marker, content string) error {
	return Run(ctx, r, Op{
		Name:   "append_once:" + path,
		Detect: fmt.Sprintf("grep -qF %s %s 2>/dev/null", shQuote(marker), shQuote(path)),
		Apply:  fmt.Sprintf("printf '%%s\\n' %s | sudo tee -a %s >/dev/null", shQuote(content), shQuote(path)),
	})
}

// EnableService enables and starts a systemd unit, skipping if already active.
func EnableService(ctx context.Context, r Runner, name string) error {
	return Run(ctx, r, Op{
		Name:   "enable_service:" + name,
		Detect: fmt.Sprintf("systemctl is-active --quiet %s", shQuote(name)),
		Apply:  fmt.Sprintf("sudo systemctl enable --now %s", shQuote(name)),
	})
}

// ReloadService reloads (not restarts) a systemd unit. Used by the
// hardening state machine when rewriting sshd_config, so the current
// session is never dropped mid-change.
func ReloadService(ctx context.Context, r Runner, name string) error {
	res, err := r.Exec(ctx, fmt.Sprintf("sudo systemctl reload %s", shQuote(name)))
	if err != nil {
		return fmt.Errorf("reloading %s: %w", name, err)
	}
	if res.ExitCode != 0 {
		return errs.RemoteCommand("reload_service:"+name, res.ExitCode, tail(res.Stderr, 20))
	}
	return nil
}

func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "'\"'\"'") + "'"
}

func shellChecksum(content []byte) string {
	// Matches `sha256sum` output; computed client-side with the stdlib so
	// WriteFile's detect step can compare against it without re-uploading.
	return sha256Hex(content)
}
