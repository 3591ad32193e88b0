// Package deployplan parses a deployment manifest into the immutable,
// validated Plan the rest of the director reconciles against. Parsing is
// limited to the fields the director consumes; deeper YAML validation
// (schema versions, unknown-key rejection) belongs to the tooling that
// produces manifests, not here.
package deployplan

import (
	"fmt"
	"net"

	"gopkg.in/yaml.v3"
)

// Manifest is the raw, unvalidated YAML shape of a deployment manifest.
type Manifest struct {
	Name          string                 `yaml:"name"`
	Release       ManifestRelease        `yaml:"release"`
	Compilation   ManifestCompilation    `yaml:"compilation"`
	Update        UpdatePolicy           `yaml:"update"`
	ResourcePools []ManifestResourcePool `yaml:"resource_pools"`
	Networks      []ManifestNetwork      `yaml:"networks"`
	Jobs          []ManifestJob          `yaml:"jobs"`
}

type ManifestRelease struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ManifestCompilation struct {
	Workers         int                    `yaml:"workers"`
	CloudProperties map[string]interface{} `yaml:"cloud_properties"`
	Network         string                 `yaml:"network"`
}

// UpdatePolicy governs how a job's instances are rolled: the first
// Canaries instances run serially and gate the rest, which then run with
// at most MaxInFlight concurrent.
type UpdatePolicy struct {
	Canaries        int `yaml:"canaries"`
	MaxInFlight     int `yaml:"max_in_flight"`
	CanaryWatchTime int `yaml:"canary_watch_time"` // milliseconds
	UpdateWatchTime int `yaml:"update_watch_time"` // milliseconds
}

type ManifestResourcePool struct {
	Name            string                 `yaml:"name"`
	Stemcell        ManifestStemcellRef    `yaml:"stemcell"`
	CloudProperties map[string]interface{} `yaml:"cloud_properties"`
	Network         string                 `yaml:"network"`
	Size            int                    `yaml:"size"`
	Env             map[string]interface{} `yaml:"env"`
}

type ManifestStemcellRef struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ManifestNetwork struct {
	Name            string                 `yaml:"name"`
	Type            string                 `yaml:"type"` // manual | dynamic | vip
	Subnets         []ManifestSubnet       `yaml:"subnets"`
	CloudProperties map[string]interface{} `yaml:"cloud_properties"`
}

type ManifestSubnet struct {
	Range    string   `yaml:"range"` // CIDR
	Static   []string `yaml:"static"`
	Reserved []string `yaml:"reserved"`
	DNS      []string `yaml:"dns"`
	Gateway  string   `yaml:"gateway"`
}

type ManifestJob struct {
	Name           string               `yaml:"name"`
	Template       string               `yaml:"template"`
	ResourcePool   string               `yaml:"resource_pool"`
	Networks       []ManifestJobNetwork `yaml:"networks"`
	PersistentDisk int                  `yaml:"persistent_disk"` // MB, 0 means none
	Update         *UpdatePolicy        `yaml:"update"`          // overrides top-level Update when set
	Instances      int                  `yaml:"instances"`
}

type ManifestJobNetwork struct {
	Name      string   `yaml:"name"`
	StaticIPs []string `yaml:"static_ips"`
	Default   []string `yaml:"default"` // e.g. ["dns", "gateway"]
}

// Parse decodes raw YAML into a Manifest. It does not validate; call
// Compile to produce a bound, validated Plan.
func Parse(raw []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse manifest yaml: %w", err)
	}
	return &m, nil
}

// parseCIDR is a small helper shared by validation and binding to turn a
// subnet's range string into a *net.IPNet without repeating error wrapping.
func parseCIDR(s string) (*net.IPNet, error) {
	_, ipnet, err := net.ParseCIDR(s)
	if err != nil {
		return nil, fmt.Errorf("invalid CIDR %q: %w", s, err)
	}
	return ipnet, nil
}
