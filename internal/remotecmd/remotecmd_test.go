package remotecmd

import (
	"context"
	"strings"
	"testing"

	"github.com/iamdavid-vaughan/deploysub/internal/sshbroker"
)

// fakeRunner records every command and returns canned results keyed by a
// substring match.
type fakeRunner struct {
	responses map[string]sshbroker.CommandResult
	commands  []string
	uploads   map[string][]byte
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{responses: map[string]sshbroker.CommandResult{}, uploads: map[string][]byte{}}
}

func (f *fakeRunner) Exec(ctx context.Context, command string) (sshbroker.CommandResult, error) {
	f.commands = append(f.commands, command)
	for substr, res := range f.responses {
		if strings.Contains(command, substr) {
			return res, nil
		}
	}
	return sshbroker.CommandResult{ExitCode: 1, Stderr: "no canned response"}, nil
}

func (f *fakeRunner) Upload(ctx context.Context, content []byte, remotePath string, mode string) error {
	f.uploads[remotePath] = content
	return nil
}

func TestInstallPackagesSkipsWhenAlreadyInstalled(t *testing.T) {
	r := newFakeRunner()
	r.responses["dpkg -s"] = sshbroker.CommandResult{ExitCode: 0}

	if err := InstallPackages(context.Background(), r, "nginx"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, cmd := range r.commands {
		if strings.Contains(cmd, "apt-get install") {
			t.Fatalf("expected apply step to be skipped, but ran: %s", cmd)
		}
	}
}

func TestInstallPackagesAppliesWhenMissing(t *testing.T) {
	r := newFakeRunner()
	r.responses["dpkg -s"] = sshbroker.CommandResult{ExitCode: 1}
	r.responses["apt-get install"] = sshbroker.CommandResult{ExitCode: 0}

	if err := InstallPackages(context.Background(), r, "nginx"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	found := false
	for _, cmd := range r.commands {
		if strings.Contains(cmd, "apt-get install") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected apply step to run when package missing")
	}
}

func TestRunSurfacesRemoteCommandError(t *testing.T) {
	r := newFakeRunner()
	r.responses["detect"] = sshbroker.CommandResult{ExitCode: 1}
	r.responses["apply"] = sshbroker.CommandResult{ExitCode: 2, Stderr: "boom"}

	err := Run(context.Background(), r, Op{Name: "test-op", Detect: "detect-thing", Apply: "apply-thing"})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestAppendOnceSkipsWhenMarkerPresent(t *testing.T) {
	r := newFakeRunner()
	r.responses["grep -qF"] = sshbroker.CommandResult{ExitCode: 0}

	if err := AppendOnce(context.Background(), r, "/etc/hosts", "# marker", "1.2.3.4 host"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, cmd := range r.commands {
		if strings.Contains(cmd, "tee -a") {
			t.Fatalf("expected apply to be skipped when marker present")
		}
	}
}

func TestRenderTemplateSshdConfig(t *testing.T) {
	out, err := RenderTemplate("sshd_config", map[string]any{"Port": 2847, "PasswordAuthEnabled": false})
	if err != nil {
		t.Fatalf("RenderTemplate: %v", err)
	}
	s := string(out)
	if !strings.Contains(s, "Port 2847") {
		t.Fatalf("expected rendered config to contain custom port, got:\n%s", s)
	}
	if !strings.Contains(s, "PermitRootLogin no") {
		t.Fatalf("expected PermitRootLogin no in rendered config")
	}
	if !strings.Contains(s, "PasswordAuthentication no") {
		t.Fatalf("expected PasswordAuthentication no when disabled, got:\n%s", s)
	}
}

func TestRenderTemplateUFWRulesOrdering(t *testing.T) {
	out, err := RenderTemplate("ufw_rules", map[string]any{"CurrentPort": 2847, "AppPort": 8080})
	if err != nil {
		t.Fatalf("RenderTemplate: %v", err)
	}
	s := string(out)
	allowIdx := strings.Index(s, "allow 2847")
	denyIdx := strings.Index(s, "default deny")
	enableIdx := strings.Index(s, "--force enable")
	if !(allowIdx < denyIdx && denyIdx < enableIdx) {
		t.Fatalf("expected allow-current-port, then default-deny, then enable, got:\n%s", s)
	}
}
