package config

import "testing"

func validBaseConfig() *Config {
	c := &Config{
		Project:        ProjectConfig{Name: "demo", Region: "us-east-1"},
		Infrastructure: InfrastructureConfig{OperatingSystem: "ubuntu22"},
		Security: SecurityConfig{
			SSH: SSHConfig{DeploymentUser: "deploy", CustomPort: 2847, AuthMethod: AuthKeysOnly},
		},
	}
	c.ApplyDefaults()
	return c
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid baseline", func(c *Config) {}, false},
		{"missing project name", func(c *Config) { c.Project.Name = "" }, true},
		{"bad project slug", func(c *Config) { c.Project.Name = "Demo_App" }, true},
		{"missing region", func(c *Config) { c.Project.Region = "" }, true},
		{"bad os", func(c *Config) { c.Infrastructure.OperatingSystem = "centos7" }, true},
		{"port 22 rejected", func(c *Config) { c.Security.SSH.CustomPort = 22 }, true},
		{"port below range", func(c *Config) { c.Security.SSH.CustomPort = 80 }, true},
		{"port above range", func(c *Config) { c.Security.SSH.CustomPort = 70000 }, true},
		{"well-known port rejected", func(c *Config) { c.Security.SSH.CustomPort = 3306 }, true},
		{"deployment user root rejected", func(c *Config) { c.Security.SSH.DeploymentUser = "root" }, true},
		{"deployment user ubuntu rejected", func(c *Config) { c.Security.SSH.DeploymentUser = "ubuntu" }, true},
		{
			"wildcard domain without dns challenge rejected",
			func(c *Config) {
				c.Domains = []DomainConfig{{Name: "*.example.com", Wildcard: true, Challenge: ChallengeHTTP}}
				c.TLS.Email = "a@example.com"
			},
			true,
		},
		{
			"dns challenge without provider rejected",
			func(c *Config) {
				c.Domains = []DomainConfig{{Name: "example.com", Challenge: ChallengeDNS}}
				c.TLS.Email = "a@example.com"
			},
			true,
		},
		{
			"domains without tls email rejected",
			func(c *Config) {
				c.Domains = []DomainConfig{{Name: "example.com", Challenge: ChallengeHTTP}}
			},
			true,
		},
		{
			"valid wildcard with dns provider",
			func(c *Config) {
				c.Domains = []DomainConfig{
					{Name: "api.example.com", Challenge: ChallengeAuto},
					{Name: "*.example.com", Wildcard: true, Challenge: ChallengeAuto},
				}
				c.TLS.Email = "a@example.com"
				c.TLS.DNSProvider = DNSProviderConfig{Name: "cloudflare", Credentials: map[string]string{"api_token": "x"}}
			},
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validBaseConfig()
			tt.mutate(c)
			errs := c.Validate()
			if tt.wantErr && len(errs) == 0 {
				t.Fatalf("expected validation errors, got none")
			}
			if !tt.wantErr && len(errs) != 0 {
				t.Fatalf("expected no validation errors, got %v", errs)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	c := &Config{}
	c.ApplyDefaults()

	if c.Infrastructure.InstanceClass != "t3.small" {
		t.Errorf("expected default instance class t3.small, got %q", c.Infrastructure.InstanceClass)
	}
	if c.Infrastructure.RootVolumeGB != 20 {
		t.Errorf("expected default root volume 20, got %d", c.Infrastructure.RootVolumeGB)
	}
	if !c.FirewallEnabled() || !c.IPSEnabled() || !c.AutoUpdatesEnabled() {
		t.Errorf("expected firewall/ips/auto_updates to default to enabled")
	}
	if c.Security.SSH.AuthMethod != AuthKeysOnly {
		t.Errorf("expected default auth method keys_only, got %q", c.Security.SSH.AuthMethod)
	}
}

func TestApplyDefaultsRespectsExplicitFalse(t *testing.T) {
	disabled := false
	c := &Config{Security: SecurityConfig{Firewall: FirewallConfig{Enabled: &disabled}}}
	c.ApplyDefaults()
	if c.FirewallEnabled() {
		t.Errorf("explicit firewall.enabled=false must not be overridden by defaults")
	}
}

func TestParseYAML(t *testing.T) {
	doc := []byte(`
project:
  name: demo
  region: us-east-1
infrastructure:
  operating_system: ubuntu22
security:
  ssh:
    deployment_user: deploy
    custom_port: 2847
`)
	c, err := Parse(doc, false)
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if c.Project.Name != "demo" {
		t.Fatalf("expected project name demo, got %q", c.Project.Name)
	}
	if errs := c.Validate(); len(errs) != 0 {
		t.Fatalf("expected valid config, got errors: %v", errs)
	}
}
