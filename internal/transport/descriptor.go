package transport

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ashterm/ashcore/internal/connerr"
)

// Protocol tags the transport variant of a descriptor.
type Protocol string

const (
	ProtocolSSH    Protocol = "ssh"
	ProtocolTelnet Protocol = "telnet"
	ProtocolSerial Protocol = "serial"
	ProtocolLocal  Protocol = "local"
)

// IsValid returns true if the protocol is one of the supported variants.
func (p Protocol) IsValid() bool {
	switch p {
	case ProtocolSSH, ProtocolTelnet, ProtocolSerial, ProtocolLocal:
		return true
	default:
		return false
	}
}

// Port is a TCP port that tolerates being serialized as either a JSON/YAML
// number or a string. Saved connection files and tab-transfer payloads from
// older releases carry ports both ways.
type Port int

func (p *Port) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*p = Port(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("port: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("port %q: %w", s, err)
	}
	*p = Port(n)
	return nil
}

func (p *Port) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var n int
	if err := unmarshal(&n); err == nil {
		*p = Port(n)
		return nil
	}
	var s string
	if err := unmarshal(&s); err != nil {
		return fmt.Errorf("port: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("port %q: %w", s, err)
	}
	*p = Port(n)
	return nil
}

// Descriptor holds the immutable parameters needed to (re)establish one
// transport. Which fields matter depends on Protocol; Validate enforces the
// per-variant requirements before any resource is touched.
type Descriptor struct {
	Protocol Protocol `json:"protocol" yaml:"protocol"`

	// ssh / telnet
	Host     string `json:"host,omitempty" yaml:"host,omitempty"`
	Port     Port   `json:"port,omitempty" yaml:"port,omitempty"`
	Username string `json:"username,omitempty" yaml:"username,omitempty"` // ssh only
	Secret   string `json:"secret,omitempty" yaml:"secret,omitempty"`     // password or PEM key; may be empty and resolved from history

	// serial
	Device      string `json:"device,omitempty" yaml:"device,omitempty"`
	BaudRate    int    `json:"baud_rate,omitempty" yaml:"baud_rate,omitempty"`
	DataBits    int    `json:"data_bits,omitempty" yaml:"data_bits,omitempty"`
	StopBits    int    `json:"stop_bits,omitempty" yaml:"stop_bits,omitempty"`
	Parity      string `json:"parity,omitempty" yaml:"parity,omitempty"`             // none, even, odd, mark, space
	FlowControl string `json:"flow_control,omitempty" yaml:"flow_control,omitempty"` // none, xon/xoff, rts/cts
}

// defaultPort returns the conventional port for the protocol when none is set.
func (d Descriptor) defaultPort() Port {
	switch d.Protocol {
	case ProtocolSSH:
		return 22
	case ProtocolTelnet:
		return 23
	default:
		return 0
	}
}

// EffectivePort is the port used for dialing: the configured one, or the
// protocol default when unset.
func (d Descriptor) EffectivePort() int {
	if d.Port > 0 {
		return int(d.Port)
	}
	return int(d.defaultPort())
}

// Validate checks descriptor completeness for its variant. It never touches
// a network or device resource.
func (d Descriptor) Validate() error {
	switch d.Protocol {
	case ProtocolSSH:
		if d.Host == "" {
			return connerr.Wrap(connerr.Validation, "descriptor", fmt.Errorf("ssh: host is required"))
		}
		if d.Username == "" {
			return connerr.Wrap(connerr.Validation, "descriptor", fmt.Errorf("ssh: username is required"))
		}
	case ProtocolTelnet:
		if d.Host == "" {
			return connerr.Wrap(connerr.Validation, "descriptor", fmt.Errorf("telnet: host is required"))
		}
	case ProtocolSerial:
		if d.Device == "" {
			return connerr.Wrap(connerr.Validation, "descriptor", fmt.Errorf("serial: device path is required"))
		}
	case ProtocolLocal:
		// nothing to validate: the single implicit local descriptor
	default:
		return connerr.Wrap(connerr.Validation, "descriptor", fmt.Errorf("unsupported protocol %q", d.Protocol))
	}
	if d.Port < 0 || d.Port > 65535 {
		return connerr.Wrap(connerr.Validation, "descriptor", fmt.Errorf("invalid port %d", d.Port))
	}
	return nil
}

// Equivalent reports whether two descriptors identify the same endpoint.
// Only the identifying fields per variant are compared; secrets, baud
// settings and the like never affect identity. Equivalence, not equality,
// is the basis of deduplication everywhere in this layer.
func (d Descriptor) Equivalent(o Descriptor) bool {
	if d.Protocol != o.Protocol {
		return false
	}
	switch d.Protocol {
	case ProtocolSSH:
		return d.Host == o.Host && d.Username == o.Username && d.EffectivePort() == o.EffectivePort()
	case ProtocolTelnet:
		return d.Host == o.Host && d.EffectivePort() == o.EffectivePort()
	case ProtocolSerial:
		return d.Device == o.Device
	case ProtocolLocal:
		return true
	default:
		return false
	}
}

// ConnectionKey returns the logical identity string shared by all sessions
// with equivalent descriptors. Used for grouping history, never for routing.
func (d Descriptor) ConnectionKey() string {
	switch d.Protocol {
	case ProtocolSSH:
		return fmt.Sprintf("ssh://%s@%s:%d", d.Username, d.Host, d.EffectivePort())
	case ProtocolTelnet:
		return fmt.Sprintf("telnet://%s:%d", d.Host, d.EffectivePort())
	case ProtocolSerial:
		return "serial://" + d.Device
	case ProtocolLocal:
		return "local://shell"
	default:
		return "unknown://"
	}
}

// Label is a short human-readable name for logs and status lines. It never
// includes the secret.
func (d Descriptor) Label() string {
	switch d.Protocol {
	case ProtocolSSH:
		return fmt.Sprintf("%s@%s:%d", d.Username, d.Host, d.EffectivePort())
	case ProtocolTelnet:
		return fmt.Sprintf("%s:%d", d.Host, d.EffectivePort())
	case ProtocolSerial:
		if d.BaudRate > 0 {
			return fmt.Sprintf("%s @%d", d.Device, d.BaudRate)
		}
		return d.Device
	case ProtocolLocal:
		return "local shell"
	default:
		return string(d.Protocol)
	}
}
