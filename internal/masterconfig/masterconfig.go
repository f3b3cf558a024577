// Package masterconfig decodes and validates the fixed-path master
// configuration document (§6.1) that selects standalone vs managed mode and
// the State Manager's address.
package masterconfig

import (
	"encoding/xml"
	"fmt"
	"os"
	"strconv"

	"github.com/vizstack/vsxd/internal/ssmproto"
)

// localSentinel is the SSM host value that selects the UNIX-domain-socket
// transport, with Port interpreted as a filesystem path rather than a
// numeric TCP port.
const localSentinel = "localhost"

// Mode selects how per-server XML descriptions are obtained.
type Mode int

const (
	// Standalone reads the description from a local path; no SSM session.
	Standalone Mode = iota
	// Managed fetches the description from the State Manager.
	Managed
)

// Config is the decoded and validated master configuration.
type Config struct {
	Mode    Mode
	SSMHost string
	SSMPort string
	rawXML  rawConfig
}

type rawConfig struct {
	XMLName xml.Name `xml:"system"`
	Type    string   `xml:"type"`
	Master  struct {
		Host string `xml:",chardata"`
	} `xml:"master"`
	MasterPort struct {
		Value string `xml:",chardata"`
	} `xml:"master_port"`
}

// Load reads, decodes and validates the master configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("masterconfig: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates master configuration XML already read into
// memory; split out from Load so tests don't need a filesystem fixture.
func Parse(data []byte) (*Config, error) {
	var raw rawConfig
	if err := xml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("masterconfig: parse: %w", err)
	}

	cfg := &Config{rawXML: raw}
	if raw.Type == "standalone" {
		cfg.Mode = Standalone
		return cfg, nil
	}

	cfg.Mode = Managed
	cfg.SSMHost = raw.Master.Host
	if cfg.SSMHost == "" {
		return nil, fmt.Errorf("masterconfig: managed mode requires a master host")
	}
	cfg.SSMPort = raw.MasterPort.Value
	if cfg.SSMPort == "" {
		return nil, fmt.Errorf("masterconfig: managed mode requires a master port")
	}

	if cfg.SSMHost != localSentinel {
		port, err := strconv.Atoi(cfg.SSMPort)
		if err != nil || port < 1 || port > 65535 || strconv.Itoa(port) != cfg.SSMPort {
			return nil, fmt.Errorf("masterconfig: invalid master port %q", cfg.SSMPort)
		}
	} else if len(cfg.SSMPort) > 100 {
		return nil, fmt.Errorf("masterconfig: local socket path too long (limit 100 chars)")
	}

	return cfg, nil
}

// Transport derives the SSM dial transport this configuration describes.
func (c *Config) Transport() ssmproto.Transport {
	return ssmproto.Transport{
		Local: c.SSMHost == localSentinel,
		Host:  c.SSMHost,
		Port:  c.SSMPort,
	}
}
