package preflight

import "testing"

func TestChecker_CheckSSHKeygen(t *testing.T) {
	checker := &Checker{Provider: "aws"}
	status := checker.checkSSHKeygen()

	if status.Name != "ssh-keygen" {
		t.Errorf("checkSSHKeygen().Name = %s, want ssh-keygen", status.Name)
	}
	if !status.Required {
		t.Error("checkSSHKeygen().Required = false, want true")
	}
	// Either installed or not, but should not panic.
	t.Logf("ssh-keygen installed: %v, version: %s", status.Installed, status.Version)
}

func TestChecker_CheckAll_SelectsProviderCLI(t *testing.T) {
	aws := (&Checker{Provider: "aws"}).CheckAll()
	if !hasName(aws, "aws") {
		t.Error("CheckAll() for aws provider did not include the aws CLI check")
	}
	if hasName(aws, "gcloud") {
		t.Error("CheckAll() for aws provider unexpectedly included gcloud")
	}

	gcp := (&Checker{Provider: "gcp"}).CheckAll()
	if !hasName(gcp, "gcloud") {
		t.Error("CheckAll() for gcp provider did not include the gcloud CLI check")
	}
}

func TestChecker_CheckAll_DedupesAWSCLIForRoute53(t *testing.T) {
	statuses := (&Checker{Provider: "aws", DNSDriver: "route53"}).CheckAll()
	count := 0
	for _, s := range statuses {
		if s.Name == "aws" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected exactly one aws CLI check when provider and DNS driver both need it, got %d", count)
	}
}

func hasName(statuses []DependencyStatus, name string) bool {
	for _, s := range statuses {
		if s.Name == name {
			return true
		}
	}
	return false
}
