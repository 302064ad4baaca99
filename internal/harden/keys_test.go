package harden

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/iamdavid-vaughan/deploysub/internal/model"
)

func TestGenerateDeploymentKeyPairReusesWellFormedKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deploy-key")

	if err := generateDeploymentKeyPair(path); err != nil {
		t.Fatalf("first generate: %v", err)
	}
	first, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading generated key: %v", err)
	}

	if err := generateDeploymentKeyPair(path); err != nil {
		t.Fatalf("second generate: %v", err)
	}
	second, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading key after second call: %v", err)
	}

	if string(first) != string(second) {
		t.Fatalf("expected generateDeploymentKeyPair to reuse the well-formed existing key")
	}

	if info, err := os.Stat(path); err != nil || info.Mode().Perm() != 0o600 {
		t.Fatalf("expected private key to be mode 0600, got %v (err %v)", info, err)
	}
}

func TestReadPublicKeyRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deploy-key")
	if err := generateDeploymentKeyPair(path); err != nil {
		t.Fatalf("generate: %v", err)
	}
	pub, err := readPublicKey(path)
	if err != nil {
		t.Fatalf("readPublicKey: %v", err)
	}
	if len(pub) == 0 {
		t.Fatalf("expected non-empty public key")
	}
}

func TestIsWarningOnlyStep(t *testing.T) {
	warnSteps := []model.HardeningStep{model.StepIPSEnabled, model.StepAutoUpdatesEnabled}
	for _, s := range warnSteps {
		if !isWarningOnlyStep(s) {
			t.Fatalf("expected %s to be warning-only", s)
		}
	}
	fatalSteps := []model.HardeningStep{model.StepUserCreated, model.StepDaemonReconfigured, model.StepFirewallOldPortClosed}
	for _, s := range fatalSteps {
		if isWarningOnlyStep(s) {
			t.Fatalf("expected %s to be fatal, not warning-only", s)
		}
	}
}
