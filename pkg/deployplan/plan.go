package deployplan

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"

	"github.com/cuemby/deploydirector/pkg/apierror"
	"github.com/cuemby/deploydirector/pkg/types"
)

// Plan is the immutable, validated desired state a manifest compiles into.
// Nothing downstream of Compile re-reads the manifest; the plan compiler
// (pkg/planner) only ever sees Plan values.
type Plan struct {
	Name           string
	ReleaseName    string
	ReleaseVersion string
	Compilation    CompilationSpec
	Networks       map[string]*Network
	ResourcePools  map[string]*ResourcePool
	Jobs           []*Job
}

type CompilationSpec struct {
	Workers         int
	CloudProperties map[string]interface{}
	Network         string
}

// Network is a validated view of one manifest network.
type Network struct {
	Name    string
	Type    string // manual | dynamic | vip
	Subnets []*Subnet
}

type Subnet struct {
	CIDR     *net.IPNet
	Static   []net.IP
	Reserved []net.IP
	DNS      []net.IP
	Gateway  net.IP
}

// ResourcePool is a validated resource pool: a stemcell, cloud properties,
// a network, and a target size.
type ResourcePool struct {
	Name            string
	StemcellName    string
	StemcellVersion string
	CloudProperties map[string]interface{}
	Network         string
	Size            int
	Env             map[string]interface{}
}

// Job is a validated job: a template, resource pool, network bindings, an
// update policy, and an instance count. Instances are derived separately
// by Instances().
type Job struct {
	Name          string
	Template      string
	ResourcePool  string
	Networks      []JobNetwork
	PersistentMB  int
	Update        UpdatePolicy
	InstanceCount int
}

type JobNetwork struct {
	Name      string
	StaticIPs []net.IP // empty for dynamic/vip bindings
}

// InstanceSpec is one numbered replica's target configuration, derived
// from a Job for each index in [0, InstanceCount).
type InstanceSpec struct {
	Job          string
	Index        int
	TargetState  []byte // opaque rendered config blob (job, index, template, pool, stemcell, disk size, IPs)
	StaticIPs    map[string]net.IP // network name -> assigned static IP
}

// ReleaseLookup is the slice of pkg/storage the compiler needs to validate
// a manifest's references to packages and templates, kept narrow so
// deployplan does not depend on all of storage.Store.
type ReleaseLookup interface {
	GetReleaseVersion(release, version string) (*types.ReleaseVersion, error)
	GetTemplate(name, version string) (*types.Template, error)
	ListPackages(release, releaseVer string) ([]*types.Package, error)
}

// Compile validates m against lookup and produces a Plan. All validation
// issues are collected and returned together in one KindValidationFailed
// error rather than failing on the first, so an operator sees every
// manifest problem in a single round trip.
func Compile(m *Manifest, lookup ReleaseLookup) (*Plan, error) {
	var issues []string

	if m.Name == "" {
		issues = append(issues, "manifest name is required")
	}
	if m.Release.Name == "" || m.Release.Version == "" {
		issues = append(issues, "release name and version are required")
	}

	var rv *types.ReleaseVersion
	var pkgs []*types.Package
	if m.Release.Name != "" && m.Release.Version != "" {
		var err error
		rv, err = lookup.GetReleaseVersion(m.Release.Name, m.Release.Version)
		if err != nil {
			issues = append(issues, fmt.Sprintf("release %s/%s not found: %v", m.Release.Name, m.Release.Version, err))
		} else {
			pkgs, _ = lookup.ListPackages(m.Release.Name, m.Release.Version)
		}
	}
	pkgNames := make(map[string]bool, len(pkgs))
	for _, p := range pkgs {
		pkgNames[p.Name] = true
	}

	networks := make(map[string]*Network)
	for _, n := range m.Networks {
		net, netIssues := compileNetwork(n)
		issues = append(issues, netIssues...)
		if net != nil {
			networks[net.Name] = net
		}
	}

	pools := make(map[string]*ResourcePool)
	for _, p := range m.ResourcePools {
		if _, ok := networks[p.Network]; p.Network != "" && !ok {
			issues = append(issues, fmt.Sprintf("resource pool %s references unknown network %s", p.Name, p.Network))
		}
		pools[p.Name] = &ResourcePool{
			Name:            p.Name,
			StemcellName:    p.Stemcell.Name,
			StemcellVersion: p.Stemcell.Version,
			CloudProperties: p.CloudProperties,
			Network:         p.Network,
			Size:            p.Size,
			Env:             p.Env,
		}
	}

	usedStaticIPs := make(map[string]map[string]bool) // network -> ip string -> used
	jobInstanceDemand := make(map[string]int)

	var jobs []*Job
	for _, mj := range m.Jobs {
		if mj.Template != "" && rv != nil {
			tmpl, err := lookup.GetTemplate(mj.Template, m.Release.Version)
			if err != nil {
				issues = append(issues, fmt.Sprintf("job %s references unknown template %s: %v", mj.Name, mj.Template, err))
			} else {
				for _, req := range tmpl.RequiredPackages {
					if !pkgNames[req] {
						issues = append(issues, fmt.Sprintf("job %s template %s requires package %s not present in release %s/%s", mj.Name, mj.Template, req, m.Release.Name, m.Release.Version))
					}
				}
			}
		}

		if _, ok := pools[mj.ResourcePool]; !ok {
			issues = append(issues, fmt.Sprintf("job %s references unknown resource pool %s", mj.Name, mj.ResourcePool))
		}
		jobInstanceDemand[mj.ResourcePool] += mj.Instances

		update := m.Update
		if mj.Update != nil {
			update = *mj.Update
		}

		var jobNetworks []JobNetwork
		for _, jn := range mj.Networks {
			nw, ok := networks[jn.Name]
			if !ok {
				issues = append(issues, fmt.Sprintf("job %s references unknown network %s", mj.Name, jn.Name))
				continue
			}
			var ips []net.IP
			for _, s := range jn.StaticIPs {
				ip := net2IP(s)
				if ip == nil {
					issues = append(issues, fmt.Sprintf("job %s network %s: invalid static ip %q", mj.Name, jn.Name, s))
					continue
				}
				if !subnetsContain(nw.Subnets, ip) {
					issues = append(issues, fmt.Sprintf("job %s network %s: static ip %s is not within any static range", mj.Name, jn.Name, ip))
				}
				if usedStaticIPs[jn.Name] == nil {
					usedStaticIPs[jn.Name] = make(map[string]bool)
				}
				if usedStaticIPs[jn.Name][ip.String()] {
					issues = append(issues, fmt.Sprintf("static ip %s on network %s is referenced more than once", ip, jn.Name))
				}
				usedStaticIPs[jn.Name][ip.String()] = true
				ips = append(ips, ip)
			}
			jobNetworks = append(jobNetworks, JobNetwork{Name: jn.Name, StaticIPs: ips})
		}

		jobs = append(jobs, &Job{
			Name:          mj.Name,
			Template:      mj.Template,
			ResourcePool:  mj.ResourcePool,
			Networks:      jobNetworks,
			PersistentMB:  mj.PersistentDisk,
			Update:        update,
			InstanceCount: mj.Instances,
		})
	}

	for pool, demand := range jobInstanceDemand {
		if rp, ok := pools[pool]; ok && rp.Size < demand {
			issues = append(issues, fmt.Sprintf("resource pool %s size %d is smaller than the %d instances referencing it", pool, rp.Size, demand))
		}
	}

	if len(issues) > 0 {
		return nil, apierror.New(apierror.KindValidationFailed, "%s", strings.Join(issues, "; "))
	}

	return &Plan{
		Name:           m.Name,
		ReleaseName:    m.Release.Name,
		ReleaseVersion: m.Release.Version,
		Compilation: CompilationSpec{
			Workers:         m.Compilation.Workers,
			CloudProperties: m.Compilation.CloudProperties,
			Network:         m.Compilation.Network,
		},
		Networks:      networks,
		ResourcePools: pools,
		Jobs:          jobs,
	}, nil
}

func compileNetwork(n ManifestNetwork) (*Network, []string) {
	var issues []string
	if n.Type != "manual" && n.Type != "dynamic" && n.Type != "vip" {
		issues = append(issues, fmt.Sprintf("network %s has unknown type %q", n.Name, n.Type))
	}
	var subnets []*Subnet
	for _, s := range n.Subnets {
		sub := &Subnet{}
		if s.Range != "" {
			cidr, err := parseCIDR(s.Range)
			if err != nil {
				issues = append(issues, fmt.Sprintf("network %s: %v", n.Name, err))
			} else {
				sub.CIDR = cidr
			}
		}
		for _, ipStr := range s.Static {
			ip := net2IP(ipStr)
			if ip == nil {
				issues = append(issues, fmt.Sprintf("network %s: invalid static ip %q", n.Name, ipStr))
				continue
			}
			if sub.CIDR != nil && !sub.CIDR.Contains(ip) {
				issues = append(issues, fmt.Sprintf("network %s: static ip %s is outside range %s", n.Name, ip, s.Range))
				continue
			}
			sub.Static = append(sub.Static, ip)
		}
		for _, ipStr := range s.Reserved {
			if ip := net2IP(ipStr); ip != nil {
				sub.Reserved = append(sub.Reserved, ip)
			}
		}
		for _, ipStr := range s.DNS {
			if ip := net2IP(ipStr); ip != nil {
				sub.DNS = append(sub.DNS, ip)
			}
		}
		sub.Gateway = net2IP(s.Gateway)
		subnets = append(subnets, sub)
	}
	return &Network{Name: n.Name, Type: n.Type, Subnets: subnets}, issues
}

func net2IP(s string) net.IP {
	if s == "" {
		return nil
	}
	return net.ParseIP(s)
}

func subnetsContain(subnets []*Subnet, ip net.IP) bool {
	for _, s := range subnets {
		for _, static := range s.Static {
			if static.Equal(ip) {
				return true
			}
		}
	}
	return false
}

// Instances derives the per-index InstanceSpec set for job, assigning each
// index's static IPs in order and rendering a deterministic target state
// blob. The plan compiler (pkg/planner) calls this once per job when
// binding a plan against database state.
func (p *Plan) Instances(job *Job) []*InstanceSpec {
	specs := make([]*InstanceSpec, 0, job.InstanceCount)
	for idx := 0; idx < job.InstanceCount; idx++ {
		ips := make(map[string]net.IP)
		for _, jn := range job.Networks {
			if idx < len(jn.StaticIPs) {
				ips[jn.Name] = jn.StaticIPs[idx]
			}
		}
		rp := p.ResourcePools[job.ResourcePool]
		var stemcellName, stemcellVersion string
		if rp != nil {
			stemcellName, stemcellVersion = rp.StemcellName, rp.StemcellVersion
		}
		state := map[string]interface{}{
			"job":              job.Name,
			"index":            idx,
			"template":         job.Template,
			"resource_pool":    job.ResourcePool,
			"stemcell_name":    stemcellName,
			"stemcell_version": stemcellVersion,
			"persistent_mb":    job.PersistentMB,
			"static_ips":       ips,
		}
		blob, _ := json.Marshal(state)
		specs = append(specs, &InstanceSpec{
			Job:         job.Name,
			Index:       idx,
			TargetState: blob,
			StaticIPs:   ips,
		})
	}
	return specs
}
