package playbook

import (
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Connection types.
const (
	ConnectionLocal = "local"
	ConnectionSSH   = "ssh"
)

// LocalhostName is the implicit host that always resolves to the controller.
const LocalhostName = "localhost"

// HostSpec describes how to reach a host and its host-scoped variables.
type HostSpec struct {
	// Connection is "local" or "ssh". Defaults to ssh unless the host is
	// localhost.
	Connection string `yaml:"connection" json:"connection" validate:"omitempty,oneof=local ssh"`

	// Address is the hostname or IP to connect to. Defaults to the host name.
	Address string `yaml:"address" json:"address,omitempty"`

	Port int    `yaml:"port" json:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	User string `yaml:"user" json:"user,omitempty"`

	PrivateKeyPath string `yaml:"private_key" json:"private_key,omitempty"`
	Password       string `yaml:"password" json:"-"`
	KnownHostsPath string `yaml:"known_hosts" json:"known_hosts,omitempty"`

	// InsecureSkipHostKey disables host key verification.
	InsecureSkipHostKey bool `yaml:"insecure_skip_host_key" json:"insecure_skip_host_key,omitempty"`

	// Become wraps every command in sudo on this host.
	Become bool `yaml:"become" json:"become,omitempty"`

	Vars map[string]interface{} `yaml:"vars" json:"vars,omitempty"`
}

// Host is a resolved inventory entry.
type Host struct {
	Name string
	Spec HostSpec
}

// IsLocal reports whether the host runs on the controller.
func (h Host) IsLocal() bool {
	return h.Spec.Connection == ConnectionLocal
}

// Inventory maps host names to connection details and groups.
type Inventory struct {
	Hosts  map[string]HostSpec    `yaml:"hosts" validate:"dive"`
	Groups map[string][]string    `yaml:"groups"`
	Vars   map[string]interface{} `yaml:"vars"`

	// order preserves host declaration order for "all".
	order []string
}

// UnmarshalYAML decodes the inventory and records host order.
func (inv *Inventory) UnmarshalYAML(node *yaml.Node) error {
	type plain Inventory
	if err := node.Decode((*plain)(inv)); err != nil {
		return err
	}

	inv.order = nil
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value != "hosts" {
			continue
		}
		hosts := node.Content[i+1]
		for j := 0; j+1 < len(hosts.Content); j += 2 {
			inv.order = append(inv.order, hosts.Content[j].Value)
		}
	}
	return nil
}

// NewInventory returns an inventory that only knows the implicit localhost.
func NewInventory() *Inventory {
	return &Inventory{
		Hosts:  map[string]HostSpec{},
		Groups: map[string][]string{},
	}
}

// LoadInventory reads and validates an inventory file. An empty path yields
// the localhost-only inventory.
func LoadInventory(p string) (*Inventory, error) {
	if p == "" {
		return NewInventory(), nil
	}

	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory %s: %w", p, err)
	}

	inv := NewInventory()
	if err := yaml.Unmarshal(data, inv); err != nil {
		return nil, fmt.Errorf("failed to parse inventory %s: %w", p, err)
	}
	if inv.Hosts == nil {
		inv.Hosts = map[string]HostSpec{}
	}
	if inv.Groups == nil {
		inv.Groups = map[string][]string{}
	}

	if err := inv.Validate(); err != nil {
		return nil, fmt.Errorf("invalid inventory %s: %w", p, err)
	}
	return inv, nil
}

// Validate checks host specs and group membership.
func (inv *Inventory) Validate() error {
	if err := validator.New().Struct(inv); err != nil {
		return err
	}
	for group, members := range inv.Groups {
		if _, clash := inv.Hosts[group]; clash {
			return fmt.Errorf("group %q has the same name as a host", group)
		}
		for _, m := range members {
			if _, ok := inv.Hosts[m]; !ok && m != LocalhostName {
				return fmt.Errorf("group %q references unknown host %q", group, m)
			}
		}
	}
	return nil
}

// AddHost registers a host, keeping declaration order.
func (inv *Inventory) AddHost(name string, spec HostSpec) {
	if _, exists := inv.Hosts[name]; !exists {
		inv.order = append(inv.order, name)
	}
	inv.Hosts[name] = spec
}

// HostNames returns every declared host in declaration order.
func (inv *Inventory) HostNames() []string {
	names := make([]string, 0, len(inv.Hosts))
	seen := make(map[string]bool, len(inv.Hosts))
	for _, n := range inv.order {
		if _, ok := inv.Hosts[n]; ok && !seen[n] {
			names = append(names, n)
			seen[n] = true
		}
	}
	// Hosts added by field assignment rather than YAML or AddHost.
	var rest []string
	for n := range inv.Hosts {
		if !seen[n] {
			rest = append(rest, n)
		}
	}
	sort.Strings(rest)
	return append(names, rest...)
}

// Host returns the resolved entry for a single host name.
func (inv *Inventory) Host(name string) (Host, bool) {
	spec, ok := inv.Hosts[name]
	if !ok {
		if name != LocalhostName {
			return Host{}, false
		}
		spec = HostSpec{Connection: ConnectionLocal}
	}
	if spec.Connection == "" {
		if name == LocalhostName {
			spec.Connection = ConnectionLocal
		} else {
			spec.Connection = ConnectionSSH
		}
	}
	if spec.Address == "" {
		spec.Address = name
	}
	return Host{Name: name, Spec: spec}, true
}

// Resolve expands a host pattern into hosts in a stable order without
// duplicates. Patterns are comma separated and each element is "all", a group,
// a host name or a glob over host names.
func (inv *Inventory) Resolve(pattern string) ([]Host, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return nil, fmt.Errorf("empty host pattern")
	}

	var names []string
	for _, part := range strings.Split(pattern, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		matched, err := inv.expand(part)
		if err != nil {
			return nil, err
		}
		names = append(names, matched...)
	}

	seen := make(map[string]bool, len(names))
	hosts := make([]Host, 0, len(names))
	for _, n := range names {
		if seen[n] {
			continue
		}
		seen[n] = true
		h, ok := inv.Host(n)
		if !ok {
			return nil, fmt.Errorf("unknown host %q", n)
		}
		hosts = append(hosts, h)
	}

	if len(hosts) == 0 {
		return nil, fmt.Errorf("pattern %q matched no hosts", pattern)
	}
	return hosts, nil
}

func (inv *Inventory) expand(part string) ([]string, error) {
	switch {
	case part == "all" || part == "*":
		names := inv.HostNames()
		if len(names) == 0 {
			return []string{LocalhostName}, nil
		}
		return names, nil
	case inv.Groups[part] != nil:
		return inv.Groups[part], nil
	case part == LocalhostName:
		return []string{LocalhostName}, nil
	}

	if _, ok := inv.Hosts[part]; ok {
		return []string{part}, nil
	}

	if strings.ContainsAny(part, "*?[") {
		var matched []string
		for _, n := range inv.HostNames() {
			if ok, _ := path.Match(part, n); ok {
				matched = append(matched, n)
			}
		}
		return matched, nil
	}

	return nil, fmt.Errorf("pattern %q matches no host or group", part)
}

// Limit keeps only the hosts that also match the limit pattern.
func (inv *Inventory) Limit(hosts []Host, pattern string) ([]Host, error) {
	if strings.TrimSpace(pattern) == "" {
		return hosts, nil
	}

	allowed, err := inv.Resolve(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid limit: %w", err)
	}
	keep := make(map[string]bool, len(allowed))
	for _, h := range allowed {
		keep[h.Name] = true
	}

	out := make([]Host, 0, len(hosts))
	for _, h := range hosts {
		if keep[h.Name] {
			out = append(out, h)
		}
	}
	return out, nil
}

// HostVars returns inventory-level vars merged with the host's own vars plus
// the inventory_hostname variable.
func (inv *Inventory) HostVars(h Host) (Vars, error) {
	vars, err := Merge(inv.Vars, h.Spec.Vars)
	if err != nil {
		return nil, err
	}
	vars["inventory_hostname"] = h.Name
	return vars, nil
}
