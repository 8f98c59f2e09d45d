// Package osconf parses and resolves the YAML configuration document that
// names the domains, credentials, and log policy a process needs to bring
// up a transport client (see the transport specification, Configuration).
package osconf

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/berick/opensrf-go/oserr"
)

// Credential is one named username/password pair, referenced by name from
// a connection profile.
type Credential struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Node describes one broker endpoint within a domain: a port, and the
// service groups it is willing to host.
type Node struct {
	Name            string   `yaml:"name"`
	Port            int      `yaml:"port"`
	AllowedServices []string `yaml:"allowed_services"`
}

// Domain groups a private (trusted) and public (untrusted) node sharing one
// broker host.
type Domain struct {
	Name        string `yaml:"name"`
	PrivateNode Node   `yaml:"private_node"`
	PublicNode  Node   `yaml:"public_node"`
}

// LogOptions is the set of log fields a connection profile resolves to,
// inherited field-by-field from log_defaults where unset.
type LogOptions struct {
	LogFile             string   `yaml:"log_file"`
	LogLevel            string   `yaml:"log_level"`
	SyslogFacility      string   `yaml:"syslog_facility"`
	ActivityLogFacility string   `yaml:"activity_log_facility"`
	LogTag              string   `yaml:"log_tag"`
	SendRate            float64  `yaml:"send_rate"`
	ConfigVersion       string   `yaml:"config_version"`
	ProtectedPrefixes   []string `yaml:"-"`
}

func (l *LogOptions) inheritFrom(defaults LogOptions) {
	if l.LogFile == "" {
		l.LogFile = defaults.LogFile
	}
	if l.LogLevel == "" {
		l.LogLevel = defaults.LogLevel
	}
	if l.SyslogFacility == "" {
		l.SyslogFacility = defaults.SyslogFacility
	}
	if l.ActivityLogFacility == "" {
		l.ActivityLogFacility = defaults.ActivityLogFacility
	}
	if l.LogTag == "" {
		l.LogTag = defaults.LogTag
	}
	if l.SendRate == 0 {
		l.SendRate = defaults.SendRate
	}
	if l.ConfigVersion == "" {
		l.ConfigVersion = defaults.ConfigVersion
	}
}

// ConnectionProfile names one way a process may attach to the bus: which
// kind of node to use (private or public), which credential to present,
// and its log fields.
type ConnectionProfile struct {
	NodeType string     `yaml:"node_type"` // "private" or "public"
	Creds    string     `yaml:"credentials"`
	Log      LogOptions `yaml:",inline"`
}

// document is the raw YAML shape, unmarshaled directly and then validated
// and cross-referenced into a Config.
type document struct {
	Hostname      string                       `yaml:"hostname"`
	Domain        string                       `yaml:"domain"`
	Credentials   map[string]Credential        `yaml:"credentials"`
	ServiceGroups map[string][]string          `yaml:"service_groups"`
	Domains       []Domain                     `yaml:"domains"`
	Connections   map[string]ConnectionProfile `yaml:"connections"`
	LogProtect    []string                     `yaml:"log_protect"`
	LogDefaults   LogOptions                   `yaml:"log_defaults"`
}

// Config is a parsed and cross-validated configuration document.
type Config struct {
	hostname atomic.Value // string
	domain   atomic.Value // string

	credentials   map[string]Credential
	serviceGroups map[string][]string
	domains       map[string]Domain
	connections   map[string]ConnectionProfile
	logProtect    []string
	logDefaults   LogOptions
}

// ResolvedConnection is the fully-resolved set of parameters needed to open
// one osbus.Connection: which port to dial, which node served it, which
// credential to present, and which log fields to install.
type ResolvedConnection struct {
	Port     int
	NodeName string
	Creds    Credential
	Log      LogOptions
}

// Load parses r as a configuration document and cross-validates every
// reference: a connection profile's credentials name must exist in
// credentials, and every node's allowed_services group must exist in
// service_groups.
func Load(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, oserr.New(oserr.KindConfigInvalid, "read configuration", err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, oserr.New(oserr.KindConfigInvalid, "parse configuration YAML", err)
	}

	cfg := &Config{
		credentials:   doc.Credentials,
		serviceGroups: doc.ServiceGroups,
		domains:       make(map[string]Domain, len(doc.Domains)),
		connections:   doc.Connections,
		logProtect:    doc.LogProtect,
		logDefaults:   doc.LogDefaults,
	}
	cfg.hostname.Store(doc.Hostname)
	cfg.domain.Store(doc.Domain)

	for _, d := range doc.Domains {
		cfg.domains[d.Name] = d
	}

	for name, profile := range doc.Connections {
		if _, ok := cfg.credentials[profile.Creds]; !ok {
			return nil, oserr.New(oserr.KindConfigInvalid,
				fmt.Sprintf("connection %q references unknown credential %q", name, profile.Creds), nil)
		}
	}

	for _, d := range doc.Domains {
		for _, node := range []Node{d.PrivateNode, d.PublicNode} {
			for _, group := range node.AllowedServices {
				if _, ok := cfg.serviceGroups[group]; !ok {
					return nil, oserr.New(oserr.KindConfigInvalid,
						fmt.Sprintf("domain %q node %q references unknown service group %q", d.Name, node.Name, group), nil)
				}
			}
		}
	}

	for name, profile := range doc.Connections {
		log := profile.Log
		log.ProtectedPrefixes = doc.LogProtect
		log.inheritFrom(doc.LogDefaults)
		profile.Log = log
		cfg.connections[name] = profile
	}

	return cfg, nil
}

// Hostname returns the current hostname field.
func (c *Config) Hostname() string { return c.hostname.Load().(string) }

// Domain returns the current domain field.
func (c *Config) Domain() string { return c.domain.Load().(string) }

// SetHostname replaces the hostname field atomically.
func (c *Config) SetHostname(h string) { c.hostname.Store(h) }

// SetDomain replaces the domain field atomically.
func (c *Config) SetDomain(d string) { c.domain.Store(d) }

// SetPrimaryConnection resolves domain/profile into the parameters needed
// to open a bus connection: which node (private or public, per the
// profile's node_type) on that domain, which credential, and which log
// options.
func (c *Config) SetPrimaryConnection(domain, profile string) (*ResolvedConnection, error) {
	d, ok := c.domains[domain]
	if !ok {
		return nil, oserr.New(oserr.KindConfigInvalid, fmt.Sprintf("unknown domain %q", domain), nil)
	}
	p, ok := c.connections[profile]
	if !ok {
		return nil, oserr.New(oserr.KindConfigInvalid, fmt.Sprintf("unknown connection profile %q", profile), nil)
	}

	var node Node
	switch p.NodeType {
	case "private":
		node = d.PrivateNode
	case "public":
		node = d.PublicNode
	default:
		return nil, oserr.New(oserr.KindConfigInvalid, fmt.Sprintf("profile %q has unknown node_type %q", profile, p.NodeType), nil)
	}

	cred, ok := c.credentials[p.Creds]
	if !ok {
		return nil, oserr.New(oserr.KindConfigInvalid, fmt.Sprintf("profile %q references unknown credential %q", profile, p.Creds), nil)
	}

	return &ResolvedConnection{
		Port:     node.Port,
		NodeName: node.Name,
		Creds:    cred,
		Log:      p.Log,
	}, nil
}

// globalHolder wraps the process-global default Configuration behind a
// mutex instead of a bare package variable. There is a single package-level
// holder; DefaultConfig and SetDefaultConfig always act on it, so every
// caller in the process, tests included, shares the same default.
type globalHolder struct {
	mu  sync.Mutex
	cfg *Config
}

var defaultHolder globalHolder

// DefaultConfig returns the process-global default Configuration, or nil
// if none has been set.
func DefaultConfig() *Config {
	defaultHolder.mu.Lock()
	defer defaultHolder.mu.Unlock()
	return defaultHolder.cfg
}

// SetDefaultConfig installs cfg as the process-global default
// Configuration, per bootstrap step 2.
func SetDefaultConfig(cfg *Config) {
	defaultHolder.mu.Lock()
	defer defaultHolder.mu.Unlock()
	defaultHolder.cfg = cfg
}
