// Package tls implements the Certificate Pipeline: classify
// each configured domain by challenge type, group the HTTP-01 domains into
// one multi-SAN request and issue each DNS-01 domain on its own, drive an on-host ACME client over the Remote-Command Library,
// and wire the result into the reverse proxy.
package tls

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/iamdavid-vaughan/deploysub/internal/dns"
	"github.com/iamdavid-vaughan/deploysub/internal/logging"
	"github.com/iamdavid-vaughan/deploysub/internal/model"
	"github.com/iamdavid-vaughan/deploysub/internal/remotecmd"
	"github.com/iamdavid-vaughan/deploysub/internal/sshbroker"
)

// IssuanceDeadline bounds the whole pipeline run per domain group.
const IssuanceDeadline = 5 * time.Minute

// dns01PollInterval and dns01WaitTimeout govern how long issueDNS01 waits
// for certbot's manual-auth-hook to publish the challenge marker file and
// for its manual-cleanup-hook to appear, bounded well inside IssuanceDeadline.
const (
	dns01PollInterval  = 2 * time.Second
	dns01WaitTimeout   = 3 * time.Minute
	txtPropagationWait = 2 * time.Minute
)

// Classify assigns each domain entry its challenge type: wildcard and
// explicit dns-only entries always use DNS-01; everything else defaults to
// HTTP-01 unless the config already pinned a challenge.
func Classify(domains []model.DomainEntry) []model.DomainEntry {
	out := make([]model.DomainEntry, len(domains))
	for i, d := range domains {
		if d.Wildcard {
			d.Challenge = "dns"
		} else if d.Challenge == "" || d.Challenge == "auto" {
			d.Challenge = "http"
		}
		out[i] = d
	}
	return out
}

// DomainResult is the per-domain outcome of a pipeline run, preserving
// partial success: a failed domain never invalidates already-issued
// certificates.
type DomainResult struct {
	Domain  model.DomainEntry
	CertPath string
	KeyPath  string
	Err      error
}

// Pipeline drives ACME issuance for every domain in the plan over a single
// SSH broker connection.
type Pipeline struct {
	broker     *sshbroker.Broker
	dnsDriver  dns.Driver
	dnsZone    string
	email      string
	appPort    int32
	vmPublicIP string
	log        *logging.Logger
}

func New(broker *sshbroker.Broker, dnsDriver dns.Driver, dnsZone, email string, appPort int32, vmPublicIP string, log *logging.Logger) *Pipeline {
	return &Pipeline{broker: broker, dnsDriver: dnsDriver, dnsZone: dnsZone, email: email, appPort: appPort, vmPublicIP: vmPublicIP, log: log}
}

// Run classifies, groups, and issues one multi-SAN certificate for all
// HTTP-01 domains together and one per DNS-01 domain (DNS-01 domains are
// kept separate since each needs its own DNS Driver round trip before the
// ACME client can proceed). It returns a result per input domain so the
// orchestrator can report partial failures.
func (p *Pipeline) Run(ctx context.Context, domains []model.DomainEntry) []DomainResult {
	classified := Classify(domains)

	var httpGroup []model.DomainEntry
	var dnsGroup []model.DomainEntry
	for _, d := range classified {
		if d.Challenge == "dns" {
			dnsGroup = append(dnsGroup, d)
		} else {
			httpGroup = append(httpGroup, d)
		}
	}

	results := make([]DomainResult, 0, len(classified))

	if len(httpGroup) > 0 {
		issueCtx, cancel := context.WithTimeout(ctx, IssuanceDeadline)
		certPath, keyPath, err := p.issueHTTP01(issueCtx, httpGroup)
		cancel()
		for _, d := range httpGroup {
			results = append(results, DomainResult{Domain: d, CertPath: certPath, KeyPath: keyPath, Err: err})
		}
	}

	for _, d := range dnsGroup {
		issueCtx, cancel := context.WithTimeout(ctx, IssuanceDeadline)
		certPath, keyPath, err := p.issueDNS01(issueCtx, d)
		cancel()
		results = append(results, DomainResult{Domain: d, CertPath: certPath, KeyPath: keyPath, Err: err})
	}

	anyIssued := false
	for _, r := range results {
		if r.Err == nil {
			anyIssued = true
		}
	}
	if anyIssued {
		if err := p.reloadReverseProxy(ctx, results); err != nil {
			for i := range results {
				if results[i].Err == nil {
					results[i].Err = fmt.Errorf("reverse proxy reload failed: %w", err)
				}
			}
		}
	}

	return results
}

func (p *Pipeline) issueHTTP01(ctx context.Context, group []model.DomainEntry) (certPath, keyPath string, err error) {
	for _, d := range group {
		if err := dns.WaitForGlobalResolution(ctx, d.Name, p.vmPublicIP, 30*time.Minute); err != nil {
			return "", "", fmt.Errorf("domain %s does not yet resolve to the VM: %w", d.Name, err)
		}
	}

	names := domainNames(group)
	primary := group[0].Name
	certPath = fmt.Sprintf("/etc/letsencrypt/live/%s/fullchain.pem", primary)
	keyPath = fmt.Sprintf("/etc/letsencrypt/live/%s/privkey.pem", primary)

	if err := remotecmd.InstallPackages(ctx, p.broker, "certbot"); err != nil {
		return "", "", fmt.Errorf("installing certbot: %w", err)
	}

	domainArgs := make([]string, 0, len(names))
	for _, n := range names {
		domainArgs = append(domainArgs, "-d "+n)
	}
	cmd := fmt.Sprintf("certbot certonly --webroot -w /var/www/acme-challenge --non-interactive --agree-tos -m %s %s",
		p.email, strings.Join(domainArgs, " "))

	res, err := p.broker.Exec(ctx, cmd)
	if err != nil {
		return "", "", fmt.Errorf("running certbot for %v: %w", names, err)
	}
	if res.ExitCode != 0 {
		return "", "", fmt.Errorf("certbot for %v failed (exit %d): %s", names, res.ExitCode, res.Stderr)
	}

	if err := p.installRenewalTimer(ctx); err != nil {
		return "", "", err
	}

	return certPath, keyPath, nil
}

// issueDNS01 drives certbot's manual plugin with a pair of hook scripts
// that rendezvous with this process over the same SSH connection instead of
// doing anything DNS-aware themselves: the auth hook writes the challenge
// value certbot computed to a marker file and blocks until a ready file
// appears, giving this process a chance to hand that value to the DNS
// Driver, wait for it to propagate, and only then let certbot proceed to
// ACME validation. The cleanup hook mirrors this on the way out, so the
// challenge record is retracted once validation has actually finished.
func (p *Pipeline) issueDNS01(ctx context.Context, d model.DomainEntry) (certPath, keyPath string, err error) {
	certPath = fmt.Sprintf("/etc/letsencrypt/live/%s/fullchain.pem", d.Name)
	keyPath = fmt.Sprintf("/etc/letsencrypt/live/%s/privkey.pem", d.Name)

	if err := remotecmd.InstallPackages(ctx, p.broker, "certbot"); err != nil {
		return "", "", fmt.Errorf("installing certbot: %w", err)
	}

	name := d.Name
	if d.Wildcard {
		name = "*." + d.Name
	}
	recordName := "_acme-challenge." + strings.TrimPrefix(d.Name, "*.")

	base := "/tmp/deploysub-acme-" + sanitizeFilename(d.Name)
	challengeFile := base + ".challenge"
	readyFile := base + ".ready"
	cleanupFile := base + ".cleanup"
	cleanupReadyFile := base + ".cleanup-ready"

	authHook := fmt.Sprintf(
		`printf '%%s' "$CERTBOT_VALIDATION" > %s; i=0; while [ ! -f %s ] && [ $i -lt 180 ]; do sleep 1; i=$((i+1)); done; rm -f %s %s`,
		shQuote(challengeFile), shQuote(readyFile), shQuote(readyFile), shQuote(challengeFile))
	cleanupHook := fmt.Sprintf(
		`touch %s; i=0; while [ ! -f %s ] && [ $i -lt 60 ]; do sleep 1; i=$((i+1)); done; rm -f %s %s`,
		shQuote(cleanupFile), shQuote(cleanupReadyFile), shQuote(cleanupReadyFile), shQuote(cleanupFile))

	cmd := fmt.Sprintf(
		"certbot certonly --manual --preferred-challenges dns --non-interactive --agree-tos -m %s -d %q --manual-auth-hook %s --manual-cleanup-hook %s",
		p.email, name, shQuote(authHook), shQuote(cleanupHook))

	certDone := make(chan error, 1)
	go func() {
		res, execErr := p.broker.Exec(ctx, cmd)
		if execErr != nil {
			certDone <- fmt.Errorf("running dns-01 certbot for %s: %w", d.Name, execErr)
			return
		}
		if res.ExitCode != 0 {
			certDone <- fmt.Errorf("dns-01 certbot for %s failed (exit %d): %s", d.Name, res.ExitCode, res.Stderr)
			return
		}
		certDone <- nil
	}()

	challengeValue, err := p.publishDNS01Challenge(ctx, d.Name, recordName, challengeFile, readyFile)
	if err != nil {
		return "", "", err
	}
	if err := p.retractDNS01Challenge(ctx, recordName, challengeValue, cleanupFile, cleanupReadyFile); err != nil {
		p.log.Warning(fmt.Sprintf("retracting dns-01 challenge record for %s: %v", d.Name, err))
	}

	select {
	case err := <-certDone:
		if err != nil {
			return "", "", err
		}
	case <-ctx.Done():
		return "", "", ctx.Err()
	}

	if err := p.installRenewalTimer(ctx); err != nil {
		return "", "", err
	}
	return certPath, keyPath, nil
}

// publishDNS01Challenge polls for the auth hook's marker file, hands its
// content to the DNS Driver as the _acme-challenge TXT value, waits for it
// to propagate, and signals the hook to let certbot proceed.
func (p *Pipeline) publishDNS01Challenge(ctx context.Context, domain, recordName, challengeFile, readyFile string) (string, error) {
	value, err := p.pollForFile(ctx, challengeFile, dns01WaitTimeout)
	if err != nil {
		return "", fmt.Errorf("waiting for dns-01 challenge value for %s: %w", domain, err)
	}

	if err := p.dnsDriver.UpsertTXTRecord(ctx, p.dnsZone, recordName, value, 60); err != nil {
		return "", fmt.Errorf("publishing dns-01 challenge record for %s: %w", domain, err)
	}
	if err := dns.WaitForTXTPropagation(ctx, recordName, value, txtPropagationWait); err != nil {
		return "", fmt.Errorf("waiting for dns-01 challenge record to propagate for %s: %w", domain, err)
	}

	if res, err := p.broker.Exec(ctx, fmt.Sprintf("touch %s", shQuote(readyFile))); err != nil || res.ExitCode != 0 {
		return "", fmt.Errorf("signaling dns-01 auth hook for %s: %w", domain, err)
	}
	return value, nil
}

// retractDNS01Challenge waits for the cleanup hook to signal that certbot
// has finished with the challenge, deletes the TXT record, and lets the
// hook exit. Unlike publishDNS01Challenge a failure here never fails the
// whole issuance: the certificate may already be issued by the time cleanup
// runs, and a leftover TXT record is harmless until the next issuance
// overwrites it.
func (p *Pipeline) retractDNS01Challenge(ctx context.Context, recordName, challengeValue, cleanupFile, cleanupReadyFile string) error {
	if _, err := p.pollForFile(ctx, cleanupFile, dns01WaitTimeout); err != nil {
		return err
	}

	if err := p.dnsDriver.DeleteTXTRecord(ctx, p.dnsZone, recordName, challengeValue); err != nil {
		p.log.Warning(fmt.Sprintf("deleting dns-01 challenge record %s: %v", recordName, err))
	}

	res, err := p.broker.Exec(ctx, fmt.Sprintf("touch %s", shQuote(cleanupReadyFile)))
	if err != nil || res.ExitCode != 0 {
		return fmt.Errorf("signaling dns-01 cleanup hook: %w", err)
	}
	return nil
}

// pollForFile repeatedly cats path over the broker until it exists
// (cat exits 0, even for an empty file) or timeout elapses, returning its
// trimmed content.
func (p *Pipeline) pollForFile(ctx context.Context, path string, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		res, err := p.broker.Exec(ctx, fmt.Sprintf("cat %s 2>/dev/null", shQuote(path)))
		if err == nil && res.ExitCode == 0 {
			return strings.TrimSpace(res.Stdout), nil
		}
		if timeout > 0 && time.Now().After(deadline) {
			return "", fmt.Errorf("%s did not appear within %s", path, timeout)
		}
		select {
		case <-time.After(dns01PollInterval):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func sanitizeFilename(s string) string {
	return strings.NewReplacer(".", "-", "*", "wild").Replace(s)
}

func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "'\"'\"'") + "'"
}

func (p *Pipeline) installRenewalTimer(ctx context.Context) error {
	return remotecmd.EnableService(ctx, p.broker, "certbot.timer")
}

func (p *Pipeline) reloadReverseProxy(ctx context.Context, results []DomainResult) error {
	var issued []DomainResult
	for _, r := range results {
		if r.Err == nil {
			issued = append(issued, r)
		}
	}
	if len(issued) == 0 {
		return nil
	}

	names := make([]string, 0, len(issued))
	for _, r := range issued {
		names = append(names, r.Domain.Name)
	}

	vars := map[string]any{
		"ServerNames": strings.Join(names, " "),
		"HasCert":     true,
		"AppPort":     p.appPort,
		"CertPath":    issued[0].CertPath,
		"KeyPath":     issued[0].KeyPath,
	}

	if err := remotecmd.RenderAndWrite(ctx, p.broker, "reverse_proxy", vars, "/etc/nginx/sites-available/app.conf", "0644", "root"); err != nil {
		return err
	}

	return remotecmd.ReloadService(ctx, p.broker, "nginx")
}

func domainNames(entries []model.DomainEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Name
	}
	return out
}
