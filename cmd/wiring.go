package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/iamdavid-vaughan/deploysub/internal/cloud"
	"github.com/iamdavid-vaughan/deploysub/internal/cloud/awscloud"
	"github.com/iamdavid-vaughan/deploysub/internal/cloud/gcpcloud"
	"github.com/iamdavid-vaughan/deploysub/internal/config"
	"github.com/iamdavid-vaughan/deploysub/internal/dns"
	"github.com/iamdavid-vaughan/deploysub/internal/dns/cloudflare"
	"github.com/iamdavid-vaughan/deploysub/internal/dns/route53"
	"github.com/iamdavid-vaughan/deploysub/internal/errs"
	"github.com/iamdavid-vaughan/deploysub/internal/ledger"
	"github.com/iamdavid-vaughan/deploysub/internal/logging"
	"github.com/iamdavid-vaughan/deploysub/internal/model"
	"github.com/iamdavid-vaughan/deploysub/internal/orchestrator"
	"github.com/iamdavid-vaughan/deploysub/internal/preflight"
	"github.com/iamdavid-vaughan/deploysub/internal/registry"
	"github.com/iamdavid-vaughan/deploysub/internal/sshbroker"
)

// loadConfig reads and parses the configuration document named by
// --config, selecting the decoder from its file extension.
func loadConfig(path string) (*config.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading configuration %s: %w", path, err)
	}
	isJSON := filepath.Ext(path) == ".json"
	return config.Parse(data, isJSON)
}

// buildOrchestrator wires one Orchestrator from the resolved
// configuration and CLI flags: the cloud.Manager for the chosen
// provider, the DNS driver for the declared provider (if any), the SSH
// Session Broker, and the on-disk ledger store.
func buildOrchestrator(ctx context.Context, cfg *config.Config, log *logging.Logger) (*orchestrator.Orchestrator, error) {
	mgr, err := buildCloudManager(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	var dnsDriver dns.Driver
	var dnsZone string
	if cfg.TLS.DNSProvider.Name != "" {
		dnsDriver, err = buildDNSDriver(ctx, cfg, log.With("dns"))
		if err != nil {
			return nil, err
		}
		dnsZone = cfg.TLS.DNSProvider.Credentials["zone"]
	}

	store, err := ledger.Open(viper.GetString("project_dir"))
	if err != nil {
		return nil, err
	}

	broker := sshbroker.New(log, credentialValues(cfg)...)
	return orchestrator.New(store, mgr, broker, dnsDriver, dnsZone, log, cfg), nil
}

// credentialValues collects every secret value configured anywhere in cfg,
// so the SSH Session Broker can redact them out of its command log.
func credentialValues(cfg *config.Config) []string {
	var out []string
	for _, v := range cfg.TLS.DNSProvider.Credentials {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func buildCloudManager(ctx context.Context, cfg *config.Config, log *logging.Logger) (cloud.Manager, error) {
	switch viper.GetString("provider") {
	case "aws", "":
		return awscloud.NewClient(ctx, cfg.Project.Region, log)
	case "gcp":
		gcpProject := viper.GetString("gcp_project")
		gcpZone := viper.GetString("gcp_zone")
		if gcpProject == "" || gcpZone == "" {
			return nil, errs.Validation("gcp_project/gcp_zone", "required when --provider=gcp")
		}
		return gcpcloud.NewClient(ctx, gcpProject, gcpZone, log)
	default:
		return nil, errs.Validation("provider", "must be aws or gcp")
	}
}

func buildDNSDriver(ctx context.Context, cfg *config.Config, log *logging.Logger) (dns.Driver, error) {
	switch cfg.TLS.DNSProvider.Name {
	case "cloudflare":
		token := cfg.TLS.DNSProvider.Credentials["api_token"]
		return cloudflare.New(token, log), nil
	case "route53":
		return route53.New(ctx)
	default:
		return nil, errs.Validation("tls.dns_provider.name", "must be cloudflare or route53")
	}
}

// runPreflight surfaces missing local tools before any cloud call is made.
func runPreflight(cfg *config.Config) error {
	checker := &preflight.Checker{Provider: viper.GetString("provider"), DNSDriver: cfg.TLS.DNSProvider.Name}
	missing := checker.CheckMissing()
	if len(missing) == 0 {
		return nil
	}
	msg := "missing required local tools:"
	for _, dep := range missing {
		msg += fmt.Sprintf(" %s (%s)", dep.Name, dep.Message)
	}
	return errs.Validation("preflight", msg)
}

func exitCodeFor(err error) int {
	return errs.ExitCode(err)
}

// recordRegistry writes this project's current phase into the local
// cross-project index so a no-argument `status` can find it later. A
// failure here is logged and swallowed: the registry is a convenience
// index, never the source of truth for a project's own state.
func recordRegistry(cfg *config.Config, orch *orchestrator.Orchestrator, log *logging.Logger) {
	state, err := orch.Status()
	if err != nil || state == nil {
		return
	}

	dir, err := filepath.Abs(viper.GetString("project_dir"))
	if err != nil {
		dir = viper.GetString("project_dir")
	}
	host, _ := os.Hostname()

	path, err := registry.DefaultPath()
	if err != nil {
		log.Warning(fmt.Sprintf("registry: %v", err))
		return
	}
	reg, err := registry.Open(path)
	if err != nil {
		log.Warning(fmt.Sprintf("registry: %v", err))
		return
	}
	defer reg.Close()

	entry := registry.Entry{
		Name:       state.Project.Name,
		Dir:        dir,
		Provider:   viper.GetString("provider"),
		LastPhase:  string(state.Phase),
		LastSeenAt: time.Now(),
	}
	if state.Phase != model.PhaseCompleted {
		entry.LockPID = os.Getpid()
		entry.LockHost = host
	}
	if err := reg.Upsert(entry); err != nil {
		log.Warning(fmt.Sprintf("registry: %v", err))
	}
}
