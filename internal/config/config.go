// Package config parses and validates the project configuration
// document. Parsing and validation are deliberately separate
// steps: Parse decodes bytes into a typed tree and fills defaults through
// ApplyDefaults (no cross-field checks); Validate walks the tree once and returns every
// ValidationError found, each carrying a field path and the violated rule,
// so preflight failures never touch the cloud.
package config

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// AuthMethod controls whether password auth stays enabled after hardening.
type AuthMethod string

const (
	AuthKeysOnly       AuthMethod = "keys_only"
	AuthKeysAndPassword AuthMethod = "keys_and_password"
)

type ChallengeChoice string

const (
	ChallengeHTTP ChallengeChoice = "http"
	ChallengeDNS  ChallengeChoice = "dns"
	ChallengeAuto ChallengeChoice = "auto"
)

type AppSourceKind string

const (
	AppSourceGit           AppSourceKind = "git"
	AppSourceContainerImage AppSourceKind = "container_image"
	AppSourcePlaceholder   AppSourceKind = "placeholder"
)

type ProjectConfig struct {
	Name   string `yaml:"name" json:"name"`
	Region string `yaml:"region" json:"region"`
}

type InfrastructureConfig struct {
	OperatingSystem string `yaml:"operating_system" json:"operating_system"`
	InstanceClass   string `yaml:"instance_class" json:"instance_class"`
	RootVolumeGB    int    `yaml:"root_volume_gb" json:"root_volume_gb"`
}

type SSHConfig struct {
	DeploymentUser string     `yaml:"deployment_user" json:"deployment_user"`
	CustomPort     int        `yaml:"custom_port" json:"custom_port"`
	AuthMethod     AuthMethod `yaml:"auth_method" json:"auth_method"`
}

// Enabled is a pointer so ApplyDefaults can tell "omitted" (defaults to
// true) apart from an explicit `enabled: false`.
type FirewallConfig struct {
	Enabled *bool `yaml:"enabled" json:"enabled"`
}

type IPSConfig struct {
	Enabled *bool `yaml:"enabled" json:"enabled"`
}

type AutoUpdatesConfig struct {
	Enabled *bool `yaml:"enabled" json:"enabled"`
}

type SecurityConfig struct {
	SSH          SSHConfig         `yaml:"ssh" json:"ssh"`
	Firewall     FirewallConfig    `yaml:"firewall" json:"firewall"`
	IPS          IPSConfig         `yaml:"ips" json:"ips"`
	AutoUpdates  AutoUpdatesConfig `yaml:"auto_updates" json:"auto_updates"`
}

type DomainConfig struct {
	Name      string          `yaml:"name" json:"name"`
	Challenge ChallengeChoice `yaml:"challenge" json:"challenge"`
	Wildcard  bool            `yaml:"wildcard" json:"wildcard"`
}

type DNSProviderConfig struct {
	Name        string            `yaml:"name" json:"name"`
	Credentials map[string]string `yaml:"credentials" json:"credentials"`
}

type TLSConfig struct {
	Email      string            `yaml:"email" json:"email"`
	DNSProvider DNSProviderConfig `yaml:"dns_provider" json:"dns_provider"`
}

type GitSource struct {
	Repo string `yaml:"repo" json:"repo"`
	Ref  string `yaml:"ref" json:"ref"`
}

type ContainerImageSource struct {
	Image string `yaml:"image" json:"image"`
}

type DatabaseConfig struct {
	Engine string `yaml:"engine" json:"engine"` // "" | "mysql" | "postgres"
	// RDSInstanceID, if set, names an existing Amazon RDS instance to probe
	// instead of a sidecar on the deployed VM: its endpoint is resolved live
	// via RDS rather than assumed to be the VM's own address.
	RDSInstanceID string `yaml:"rds_instance_id" json:"rds_instance_id"`
}

type ApplicationConfig struct {
	Source    AppSourceKind        `yaml:"source" json:"source"`
	Git       GitSource            `yaml:"git" json:"git"`
	Container ContainerImageSource `yaml:"container_image" json:"container_image"`
	Port      int                  `yaml:"port" json:"port"`
	Database  DatabaseConfig       `yaml:"database" json:"database"`
}

// Config is the full typed configuration document. Every field that the
// wire format might omit is given an explicit default exactly once, in
// ApplyDefaults — never scattered across fallback chains at the point of use.
type Config struct {
	Project        ProjectConfig        `yaml:"project" json:"project"`
	Infrastructure InfrastructureConfig `yaml:"infrastructure" json:"infrastructure"`
	Security       SecurityConfig       `yaml:"security" json:"security"`
	Domains        []DomainConfig       `yaml:"domains" json:"domains"`
	TLS            TLSConfig            `yaml:"tls" json:"tls"`
	Application    ApplicationConfig    `yaml:"application" json:"application"`
}

// Parse decodes a configuration document. isJSON selects the decoder;
// callers choose it from the file extension (.json vs .yaml/.yml).
func Parse(data []byte, isJSON bool) (*Config, error) {
	var c Config
	var err error
	if isJSON {
		err = json.Unmarshal(data, &c)
	} else {
		err = yaml.Unmarshal(data, &c)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}
	c.ApplyDefaults()
	return &c, nil
}

// ApplyDefaults fills in every defaulted field in one place, rather than
// scattering fallback chains at each point of use.
func (c *Config) ApplyDefaults() {
	if c.Infrastructure.InstanceClass == "" {
		c.Infrastructure.InstanceClass = "t3.small"
	}
	if c.Infrastructure.RootVolumeGB == 0 {
		c.Infrastructure.RootVolumeGB = 20
	}
	if c.Security.SSH.AuthMethod == "" {
		c.Security.SSH.AuthMethod = AuthKeysOnly
	}
	if c.Security.Firewall.Enabled == nil {
		c.Security.Firewall.Enabled = boolPtr(true)
	}
	if c.Security.IPS.Enabled == nil {
		c.Security.IPS.Enabled = boolPtr(true)
	}
	if c.Security.AutoUpdates.Enabled == nil {
		c.Security.AutoUpdates.Enabled = boolPtr(true)
	}
	for i := range c.Domains {
		if c.Domains[i].Challenge == "" {
			c.Domains[i].Challenge = ChallengeAuto
		}
	}
}

func boolPtr(b bool) *bool { return &b }

// FirewallEnabled, IPSEnabled, AutoUpdatesEnabled read the three security
// toggles after ApplyDefaults has run, collapsing the pointer back to a
// plain bool for callers that don't care about the omitted/false distinction.
func (c *Config) FirewallEnabled() bool    { return c.Security.Firewall.Enabled == nil || *c.Security.Firewall.Enabled }
func (c *Config) IPSEnabled() bool         { return c.Security.IPS.Enabled == nil || *c.Security.IPS.Enabled }
func (c *Config) AutoUpdatesEnabled() bool { return c.Security.AutoUpdates.Enabled == nil || *c.Security.AutoUpdates.Enabled }

var (
	slugRe   = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)
	domainRe = regexp.MustCompile(`^(\*\.)?([a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]{2,}$`)
	osSet    = map[string]bool{"ubuntu22": true, "debian12": true}
)

var wellKnownPorts = map[int]bool{
	21: true, 22: true, 25: true, 53: true, 80: true, 110: true, 143: true,
	443: true, 445: true, 3306: true, 3389: true, 5432: true, 6379: true, 8080: true,
}

var osDefaultUsers = map[string]bool{
	"root": true, "ubuntu": true, "admin": true, "debian": true, "ec2-user": true,
}

// ValidationError is one field-pathed rule violation.
type ValidationError struct {
	Field string
	Rule  string
}

func (v ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", v.Field, v.Rule)
}

// Validate performs a synchronous preflight check: it never makes a
// network or cloud call, and every rule here is a pure function of the
// document itself.
func (c *Config) Validate() []ValidationError {
	var errsOut []ValidationError

	if c.Project.Name == "" {
		errsOut = append(errsOut, ValidationError{"project.name", "required"})
	} else if !slugRe.MatchString(c.Project.Name) {
		errsOut = append(errsOut, ValidationError{"project.name", "must be a DNS-safe slug"})
	}
	if c.Project.Region == "" {
		errsOut = append(errsOut, ValidationError{"project.region", "required"})
	}

	if c.Infrastructure.OperatingSystem == "" {
		errsOut = append(errsOut, ValidationError{"infrastructure.operating_system", "required"})
	} else if !osSet[c.Infrastructure.OperatingSystem] {
		errsOut = append(errsOut, ValidationError{"infrastructure.operating_system", "must be one of ubuntu22, debian12"})
	}
	if c.Infrastructure.RootVolumeGB < 8 {
		errsOut = append(errsOut, ValidationError{"infrastructure.root_volume_gb", "must be at least 8"})
	}

	if c.Security.SSH.DeploymentUser == "" {
		errsOut = append(errsOut, ValidationError{"security.ssh.deployment_user", "required"})
	} else if strings.EqualFold(c.Security.SSH.DeploymentUser, "root") || osDefaultUsers[strings.ToLower(c.Security.SSH.DeploymentUser)] {
		errsOut = append(errsOut, ValidationError{"security.ssh.deployment_user", "must not be root or an OS default user"})
	}

	port := c.Security.SSH.CustomPort
	if port == 0 {
		errsOut = append(errsOut, ValidationError{"security.ssh.custom_port", "required"})
	} else if port < 1024 || port > 65535 {
		errsOut = append(errsOut, ValidationError{"security.ssh.custom_port", "must be in 1024-65535"})
	} else if port == 22 {
		errsOut = append(errsOut, ValidationError{"security.ssh.custom_port", "must not be 22"})
	} else if wellKnownPorts[port] {
		errsOut = append(errsOut, ValidationError{"security.ssh.custom_port", "must not be a well-known service port"})
	}

	if c.Security.SSH.AuthMethod != AuthKeysOnly && c.Security.SSH.AuthMethod != AuthKeysAndPassword {
		errsOut = append(errsOut, ValidationError{"security.ssh.auth_method", "must be keys_only or keys_and_password"})
	}

	needsDNSProvider := false
	for i, d := range c.Domains {
		field := fmt.Sprintf("domains[%d]", i)
		if d.Name == "" {
			errsOut = append(errsOut, ValidationError{field + ".name", "required"})
		} else if !domainRe.MatchString(d.Name) {
			errsOut = append(errsOut, ValidationError{field + ".name", "must be a valid domain name"})
		}
		if d.Wildcard && d.Challenge != ChallengeAuto && d.Challenge != ChallengeDNS {
			errsOut = append(errsOut, ValidationError{field + ".challenge", "wildcard entries require dns challenge"})
		}
		if d.Wildcard || d.Challenge == ChallengeDNS {
			needsDNSProvider = true
		}
	}

	if len(c.Domains) > 0 && c.TLS.Email == "" {
		errsOut = append(errsOut, ValidationError{"tls.email", "required when domains is non-empty"})
	}
	if needsDNSProvider && c.TLS.DNSProvider.Name == "" {
		errsOut = append(errsOut, ValidationError{"tls.dns_provider.name", "required when any domain uses dns-01"})
	}
	if needsDNSProvider && len(c.TLS.DNSProvider.Credentials) == 0 {
		errsOut = append(errsOut, ValidationError{"tls.dns_provider.credentials", "required when any domain uses dns-01"})
	}

	switch c.Application.Source {
	case AppSourceGit:
		if c.Application.Git.Repo == "" {
			errsOut = append(errsOut, ValidationError{"application.git.repo", "required when source is git"})
		}
	case AppSourceContainerImage:
		if c.Application.Container.Image == "" {
			errsOut = append(errsOut, ValidationError{"application.container_image.image", "required when source is container_image"})
		}
	case AppSourcePlaceholder, "":
		// nothing further required
	default:
		errsOut = append(errsOut, ValidationError{"application.source", "must be one of git, container_image, placeholder"})
	}

	switch c.Application.Database.Engine {
	case "", "mysql", "postgres":
	default:
		errsOut = append(errsOut, ValidationError{"application.database.engine", "must be one of mysql, postgres"})
	}

	return errsOut
}
