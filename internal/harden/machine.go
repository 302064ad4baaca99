// Package harden implements the Security Hardening State Machine (section
// 4.7): it turns a stock VM into a hardened host while keeping at least
// one working connection identity at every point in the sequence.
package harden

import (
	"context"
	"fmt"
	"time"

	"github.com/iamdavid-vaughan/deploysub/internal/cloud"
	"github.com/iamdavid-vaughan/deploysub/internal/errs"
	"github.com/iamdavid-vaughan/deploysub/internal/logging"
	"github.com/iamdavid-vaughan/deploysub/internal/model"
	"github.com/iamdavid-vaughan/deploysub/internal/remotecmd"
	"github.com/iamdavid-vaughan/deploysub/internal/sshbroker"
)

// Config is everything the machine needs to know to drive one project's
// transition from the stock identity to the hardened identity.
type Config struct {
	DeploymentUser    string
	CustomPort        int
	AppPort           int32 // 0 when the project declares no application port
	FirewallGroupID   string
	PasswordAuthEnabled bool
	KeyPath           string // where the new deployment key pair is written locally
}

// Persist is called after every successfully completed step, so the Phase
// Orchestrator can fsync the Deployment State before the next step begins.
// Checkpoints are monotone: a step once recorded done is never re-run.
type Persist func(ctx context.Context, state *model.HardeningState) error

// Machine drives a fixed transition sequence over a single SSH session
// broker.
type Machine struct {
	broker *sshbroker.Broker
	cloud  cloud.Manager
	log    *logging.Logger
	cfg    Config
	state  *model.HardeningState
	save   Persist
}

func New(broker *sshbroker.Broker, mgr cloud.Manager, log *logging.Logger, cfg Config, state *model.HardeningState, save Persist) *Machine {
	return &Machine{broker: broker, cloud: mgr, log: log, cfg: cfg, state: state, save: save}
}

// Run drives the machine from its current checkpoint (state.NextIncomplete())
// through StepHardened. It is safe to call repeatedly: completed steps are
// skipped.
func (m *Machine) Run(ctx context.Context, startIdentity, terminalIdentity model.ConnectionIdentity) error {
	m.state.StartIdentity = startIdentity
	m.state.TerminalIdentity = terminalIdentity

	if err := m.resumeConnection(ctx, startIdentity, terminalIdentity); err != nil {
		return err
	}

	steps := []struct {
		step model.HardeningStep
		run  func(context.Context) error
	}{
		{model.StepKeyGenerated, m.stepKeyGenerated},
		{model.StepUserCreated, m.stepUserCreated},
		{model.StepNewIdentityVerified22, m.stepNewIdentityVerified22},
		{model.StepFirewallNewPortOpen, m.stepFirewallNewPortOpen},
		{model.StepDaemonReconfigured, m.stepDaemonReconfigured},
		{model.StepNewIdentityVerifiedCustom, m.stepNewIdentityVerifiedCustom},
		{model.StepFirewallOldPortClosed, m.stepFirewallOldPortClosed},
		{model.StepHostFirewallEnabled, m.stepHostFirewallEnabled},
		{model.StepIPSEnabled, m.stepIPSEnabled},
		{model.StepAutoUpdatesEnabled, m.stepAutoUpdatesEnabled},
	}

	for _, s := range steps {
		if m.state.IsDone(s.step) {
			continue
		}
		if err := s.run(ctx); err != nil {
			if isWarningOnlyStep(s.step) {
				m.log.Warning(fmt.Sprintf("%s failed (non-fatal): %v", s.step, err))
				continue
			}
			return err
		}
		m.state.Complete(s.step)
		if err := m.save(ctx, m.state); err != nil {
			return fmt.Errorf("persisting checkpoint after %s: %w", s.step, err)
		}
	}

	m.state.Complete(model.StepHardened)
	return m.save(ctx, m.state)
}

func isWarningOnlyStep(s model.HardeningStep) bool {
	return s == model.StepIPSEnabled || s == model.StepAutoUpdatesEnabled
}

// resumeConnection implements the stale-local-state edge case: on resume,
// test both the start and terminal identities and bind the broker to
// whichever one actually works.
func (m *Machine) resumeConnection(ctx context.Context, start, terminal model.ConnectionIdentity) error {
	if m.broker.Connected() {
		return nil
	}
	if m.broker.Test(ctx, terminal) {
		return m.broker.Connect(ctx, terminal)
	}
	if m.broker.Test(ctx, start) {
		return m.broker.Connect(ctx, start)
	}
	return errs.RecoveryRequired(start.Host, fmt.Errorf("neither start nor terminal identity is reachable"))
}

func (m *Machine) stepKeyGenerated(ctx context.Context) error {
	return generateDeploymentKeyPair(m.cfg.KeyPath)
}

func (m *Machine) stepUserCreated(ctx context.Context) error {
	pub, err := readPublicKey(m.cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("reading generated public key: %w", err)
	}

	cmds := []remotecmd.Op{
		{
			Name:   "create_deployment_user",
			Detect: fmt.Sprintf("id -u %s >/dev/null 2>&1", m.cfg.DeploymentUser),
			Apply:  fmt.Sprintf("sudo useradd -m -s /bin/bash %s", m.cfg.DeploymentUser),
		},
		{
			Name:   "sudoers_snippet",
			Detect: fmt.Sprintf("test -f /etc/sudoers.d/90-%s", m.cfg.DeploymentUser),
			Apply: fmt.Sprintf("printf '%%s\\n' %q | sudo tee /etc/sudoers.d/90-%s >/dev/null && sudo chmod 440 /etc/sudoers.d/90-%s",
				fmt.Sprintf("%s ALL=(ALL) NOPASSWD:ALL", m.cfg.DeploymentUser), m.cfg.DeploymentUser, m.cfg.DeploymentUser),
		},
		{
			Name:   "authorized_keys_dir",
			Detect: fmt.Sprintf("test -d /home/%s/.ssh", m.cfg.DeploymentUser),
			Apply: fmt.Sprintf("sudo mkdir -p /home/%s/.ssh && sudo chown %s:%s /home/%s/.ssh && sudo chmod 700 /home/%s/.ssh",
				m.cfg.DeploymentUser, m.cfg.DeploymentUser, m.cfg.DeploymentUser, m.cfg.DeploymentUser, m.cfg.DeploymentUser),
		},
		{
			Name: "authorized_keys_install",
			Detect: fmt.Sprintf("grep -qF %q /home/%s/.ssh/authorized_keys 2>/dev/null", string(pub), m.cfg.DeploymentUser),
			Apply: fmt.Sprintf("printf '%%s\\n' %q | sudo tee /home/%s/.ssh/authorized_keys >/dev/null && sudo chown %s:%s /home/%s/.ssh/authorized_keys && sudo chmod 600 /home/%s/.ssh/authorized_keys",
				string(pub), m.cfg.DeploymentUser, m.cfg.DeploymentUser, m.cfg.DeploymentUser, m.cfg.DeploymentUser, m.cfg.DeploymentUser),
		},
		{
			Name:   "app_logs_dirs",
			Detect: fmt.Sprintf("test -d /home/%s/app && test -d /home/%s/logs", m.cfg.DeploymentUser, m.cfg.DeploymentUser),
			Apply: fmt.Sprintf("sudo mkdir -p /home/%s/app /home/%s/logs && sudo chown -R %s:%s /home/%s/app /home/%s/logs",
				m.cfg.DeploymentUser, m.cfg.DeploymentUser, m.cfg.DeploymentUser, m.cfg.DeploymentUser, m.cfg.DeploymentUser, m.cfg.DeploymentUser),
		},
	}

	for _, op := range cmds {
		if err := remotecmd.Run(ctx, m.broker, op); err != nil {
			return fmt.Errorf("%s: %w", op.Name, err)
		}
	}
	return nil
}

func (m *Machine) stepNewIdentityVerified22(ctx context.Context) error {
	identity := model.ConnectionIdentity{Host: m.state.StartIdentity.Host, Port: 22, Username: m.cfg.DeploymentUser, CredentialRef: m.cfg.KeyPath}
	if !m.broker.Test(ctx, identity) {
		return errs.HardeningInvariant("new_identity_verified_22", "new identity failed verification on port 22")
	}
	return nil
}

func (m *Machine) stepFirewallNewPortOpen(ctx context.Context) error {
	return m.cloud.OpenFirewallPort(ctx, m.cfg.FirewallGroupID, int32(m.cfg.CustomPort))
}

const sshdConfigPath = "/etc/ssh/sshd_config"

func (m *Machine) stepDaemonReconfigured(ctx context.Context) error {
	ts := time.Now().UTC().Format("20060102150405")
	backupPath := fmt.Sprintf("%s.backup.%s", sshdConfigPath, ts)

	backupOp := remotecmd.Op{
		Name:   "backup_sshd_config",
		Detect: fmt.Sprintf("test -f %s", backupPath),
		Apply:  fmt.Sprintf("sudo cp %s %s", sshdConfigPath, backupPath),
	}
	if err := remotecmd.Run(ctx, m.broker, backupOp); err != nil {
		return fmt.Errorf("backing up sshd_config: %w", err)
	}

	vars := map[string]any{"Port": m.cfg.CustomPort, "PasswordAuthEnabled": m.cfg.PasswordAuthEnabled}
	if err := remotecmd.RenderAndWrite(ctx, m.broker, "sshd_config", vars, sshdConfigPath, "0644", "root:root"); err != nil {
		return fmt.Errorf("writing new sshd_config: %w", err)
	}

	if err := remotecmd.ReloadService(ctx, m.broker, "ssh"); err != nil {
		m.revertSSHDConfig(ctx, backupPath)
		return fmt.Errorf("reloading ssh after config change: %w", err)
	}

	terminal := model.ConnectionIdentity{Host: m.state.StartIdentity.Host, Port: m.cfg.CustomPort, Username: m.cfg.DeploymentUser, CredentialRef: m.cfg.KeyPath}
	if !m.broker.Test(ctx, terminal) {
		m.revertSSHDConfig(ctx, backupPath)
		return errs.HardeningInvariant("daemon_reconfigured", "new identity did not verify on custom port after reconfigure; reverted")
	}

	return nil
}

// revertSSHDConfig restores the pre-change sshd_config over the still-open
// port-22 session and reloads again. Best-effort: a failure here is
// logged, not returned, since the caller is already propagating the
// original failure.
func (m *Machine) revertSSHDConfig(ctx context.Context, backupPath string) {
	restoreOp := remotecmd.Op{
		Name:   "restore_sshd_config",
		Detect: "false", // always apply when called
		Apply:  fmt.Sprintf("sudo cp %s %s", backupPath, sshdConfigPath),
	}
	if err := remotecmd.Run(ctx, m.broker, restoreOp); err != nil {
		m.log.Error(fmt.Sprintf("failed to restore sshd_config from %s: %v", backupPath, err))
		return
	}
	if err := remotecmd.ReloadService(ctx, m.broker, "ssh"); err != nil {
		m.log.Error(fmt.Sprintf("failed to reload ssh after reverting sshd_config: %v", err))
	}
}

func (m *Machine) stepNewIdentityVerifiedCustom(ctx context.Context) error {
	terminal := m.state.TerminalIdentity
	terminal.Port = m.cfg.CustomPort
	terminal.Username = m.cfg.DeploymentUser
	terminal.CredentialRef = m.cfg.KeyPath

	if !m.broker.Test(ctx, terminal) {
		return errs.HardeningInvariant("two_identity_window", "new identity not verified on custom port before closing old port")
	}

	// The broker's bound identity only changes after a successful connect
	// using the new identity, so a failed switch leaves port 22 usable.
	if err := m.broker.SwitchIdentity(ctx, terminal); err != nil {
		return fmt.Errorf("switching broker identity: %w", err)
	}
	return nil
}

func (m *Machine) stepFirewallOldPortClosed(ctx context.Context) error {
	return m.cloud.CloseFirewallPort(ctx, m.cfg.FirewallGroupID, 22)
}

// stepHostFirewallEnabled applies the rendered ufw script, which itself
// encodes the fixed allow-then-deny-then-enable order that guards
// against a self-lockout.
func (m *Machine) stepHostFirewallEnabled(ctx context.Context) error {
	vars := map[string]any{"CurrentPort": m.cfg.CustomPort, "AppPort": m.cfg.AppPort}
	scriptPath := "/tmp/deploysub-ufw-apply.sh"
	if err := remotecmd.RenderAndWrite(ctx, m.broker, "ufw_rules", vars, scriptPath, "0700", "root:root"); err != nil {
		return fmt.Errorf("writing ufw apply script: %w", err)
	}
	res, err := m.broker.Exec(ctx, fmt.Sprintf("sudo sh %s", scriptPath))
	if err != nil {
		return fmt.Errorf("running ufw apply script: %w", err)
	}
	if res.ExitCode != 0 {
		return errs.RemoteCommand("host_firewall_enabled", res.ExitCode, res.Stderr)
	}
	return nil
}

func (m *Machine) stepIPSEnabled(ctx context.Context) error {
	if err := remotecmd.InstallPackages(ctx, m.broker, "fail2ban"); err != nil {
		return err
	}
	vars := map[string]any{"Port": m.cfg.CustomPort}
	if err := remotecmd.RenderAndWrite(ctx, m.broker, "fail2ban_sshd", vars, "/etc/fail2ban/jail.d/sshd.local", "0644", "root:root"); err != nil {
		return err
	}
	return remotecmd.Run(ctx, m.broker, remotecmd.Op{
		Name:   "restart_fail2ban",
		Detect: "false",
		Apply:  "sudo systemctl restart fail2ban",
	})
}

func (m *Machine) stepAutoUpdatesEnabled(ctx context.Context) error {
	if err := remotecmd.InstallPackages(ctx, m.broker, "unattended-upgrades"); err != nil {
		return err
	}
	if err := remotecmd.RenderAndWrite(ctx, m.broker, "unattended_upgrades", nil, "/etc/apt/apt.conf.d/51deploysub-unattended-upgrades", "0644", "root:root"); err != nil {
		return err
	}
	return remotecmd.EnableService(ctx, m.broker, "unattended-upgrades")
}
