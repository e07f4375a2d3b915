package module

import (
	"net"
	"net/url"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"go.labforge.io/labkernel/utils"
)

// RemoteScheme is the URL scheme of remote module declarations.
const RemoteScheme = "labkernel"

// A Declaration describes one module in a configuration. Name and Kind come from where the
// declaration sits in the configuration rather than from its body.
type Declaration struct {
	Name string `json:"-" yaml:"-"`
	Kind Kind   `json:"-" yaml:"-"`

	// Implementation names a registered implementation. Empty for remote declarations.
	Implementation string `json:"module,omitempty" yaml:"module,omitempty"`

	// Remote is a labkernel://host:port/name URL of a module served by another gateway.
	Remote string `json:"remote,omitempty" yaml:"remote,omitempty"`
	// Interfaces a remote module is expected to satisfy. Required when Remote is set.
	Interfaces []string `json:"interfaces,omitempty" yaml:"interfaces,omitempty"`

	Options utils.AttributeMap `json:"options,omitempty" yaml:"options,omitempty"`
	Connect map[string]string  `json:"connect,omitempty" yaml:"connect,omitempty"`

	AllowRemote bool `json:"allow_remote,omitempty" yaml:"allow_remote,omitempty"`
}

// IsRemote reports whether the declaration proxies a module on another kernel.
func (d Declaration) IsRemote() bool {
	return d.Remote != ""
}

// Slots returns the bound connector slot names, sorted.
func (d Declaration) Slots() []string {
	slots := make([]string, 0, len(d.Connect))
	for slot := range d.Connect {
		slots = append(slots, slot)
	}
	sort.Strings(slots)
	return slots
}

// Targets returns the distinct names of the modules this declaration connects to, sorted.
func (d Declaration) Targets() []string {
	seen := make(map[string]struct{}, len(d.Connect))
	targets := make([]string, 0, len(d.Connect))
	for _, slot := range d.Slots() {
		target := d.Connect[slot]
		if _, ok := seen[target]; ok {
			continue
		}
		seen[target] = struct{}{}
		targets = append(targets, target)
	}
	sort.Strings(targets)
	return targets
}

// RemoteAddress is the parsed form of a Remote URL.
type RemoteAddress struct {
	// Address is the host:port of the upstream gateway.
	Address string
	// Module is the name of the module on the upstream kernel.
	Module string
}

// ParseRemote parses a labkernel://host:port/name URL.
func ParseRemote(raw string) (RemoteAddress, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return RemoteAddress{}, errors.Wrapf(err, "invalid remote %q", raw)
	}
	if u.Scheme != RemoteScheme {
		return RemoteAddress{}, errors.Errorf("invalid remote %q: scheme must be %s", raw, RemoteScheme)
	}
	if _, _, err := net.SplitHostPort(u.Host); err != nil {
		return RemoteAddress{}, errors.Wrapf(err, "invalid remote %q", raw)
	}
	name := strings.Trim(u.Path, "/")
	if name == "" || strings.Contains(name, "/") {
		return RemoteAddress{}, errors.Errorf("invalid remote %q: expected exactly one module name in the path", raw)
	}
	return RemoteAddress{Address: u.Host, Module: name}, nil
}
