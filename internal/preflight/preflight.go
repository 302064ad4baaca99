// Package preflight detects the local tools this orchestrator shells out
// to before a deployment begins, surfacing a clear message instead of a
// deep stack trace the first time a step silently depends on a missing
// binary. Each dependency is checked by looking it up on PATH and then
// running its version flag, the same way for every tool: ssh-keygen, the
// provider's CLI, and the aws CLI when the DNS driver is route53. certbot
// is not checked here.
package preflight

import (
	"context"
	"os/exec"
	"regexp"
	"strings"
)

// DependencyStatus reports whether one external tool is usable.
type DependencyStatus struct {
	Name       string
	Installed  bool
	Version    string
	Required   bool
	MinVersion string
	Message    string
}

// Checker detects the tools configured for one deployment's cloud
// provider and DNS driver.
type Checker struct {
	Provider  string // "aws" | "gcp"
	DNSDriver string // "route53" | "cloudflare" | ""
}

// CheckAll runs every applicable check for this deployment's configuration.
func (c *Checker) CheckAll() []DependencyStatus {
	statuses := []DependencyStatus{c.checkSSHKeygen()}
	switch c.Provider {
	case "aws":
		statuses = append(statuses, c.checkAWSCLI())
	case "gcp":
		statuses = append(statuses, c.checkGCloudCLI())
	}
	if c.DNSDriver == "route53" {
		statuses = append(statuses, c.checkAWSCLI())
	}
	return dedupe(statuses)
}

// CheckMissing returns only the dependencies that are missing or flagged
// for upgrade, the set the caller should refuse to proceed past.
func (c *Checker) CheckMissing() []DependencyStatus {
	var missing []DependencyStatus
	for _, dep := range c.CheckAll() {
		if dep.Required && (!dep.Installed || strings.Contains(dep.Message, "upgrade")) {
			missing = append(missing, dep)
		}
	}
	return missing
}

func (c *Checker) checkSSHKeygen() DependencyStatus {
	status := DependencyStatus{Name: "ssh-keygen", Required: true}
	path, err := exec.LookPath("ssh-keygen")
	if err != nil {
		status.Message = "ssh-keygen is not installed (required to inspect and repair local key pairs)"
		return status
	}
	status.Installed = true

	out, err := exec.CommandContext(context.Background(), path, "-V").CombinedOutput()
	if err == nil {
		status.Version = strings.TrimSpace(string(out))
	}
	return status
}

func (c *Checker) checkAWSCLI() DependencyStatus {
	status := DependencyStatus{Name: "aws", Required: true, MinVersion: "2.0.0"}
	path, err := exec.LookPath("aws")
	if err != nil {
		status.Message = "AWS CLI is not installed"
		return status
	}

	out, err := exec.CommandContext(context.Background(), path, "--version").CombinedOutput()
	if err != nil {
		status.Message = "failed to get AWS CLI version"
		return status
	}

	versionOutput := strings.TrimSpace(string(out))
	status.Version = versionOutput
	if re := regexp.MustCompile(`aws-cli/(\d+)\.(\d+)\.(\d+)`); re.MatchString(versionOutput) {
		matches := re.FindStringSubmatch(versionOutput)
		status.Version = strings.Join(matches[1:], ".")
		if matches[1] == "1" {
			status.Installed = true
			status.Message = "AWS CLI v1 detected; upgrade to v2 is required"
			return status
		}
	}
	status.Installed = true
	return status
}

func (c *Checker) checkGCloudCLI() DependencyStatus {
	status := DependencyStatus{Name: "gcloud", Required: true}
	path, err := exec.LookPath("gcloud")
	if err != nil {
		status.Message = "gcloud CLI is not installed"
		return status
	}
	status.Installed = true

	out, err := exec.CommandContext(context.Background(), path, "version", "--format=value(Google Cloud SDK)").CombinedOutput()
	if err == nil {
		status.Version = strings.TrimSpace(string(out))
	}
	return status
}

func dedupe(statuses []DependencyStatus) []DependencyStatus {
	seen := map[string]bool{}
	var out []DependencyStatus
	for _, s := range statuses {
		if seen[s.Name] {
			continue
		}
		seen[s.Name] = true
		out = append(out, s)
	}
	return out
}
