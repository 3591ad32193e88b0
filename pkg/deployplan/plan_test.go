package deployplan

import (
	"testing"

	"github.com/cuemby/deploydirector/pkg/apierror"
	"github.com/cuemby/deploydirector/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLookup struct {
	rv        *types.ReleaseVersion
	templates map[string]*types.Template
	packages  []*types.Package
}

func (f *fakeLookup) GetReleaseVersion(release, version string) (*types.ReleaseVersion, error) {
	if f.rv == nil {
		return nil, apierror.New(apierror.KindNotFound, "release not found")
	}
	return f.rv, nil
}

func (f *fakeLookup) GetTemplate(name, version string) (*types.Template, error) {
	t, ok := f.templates[name]
	if !ok {
		return nil, apierror.New(apierror.KindNotFound, "template not found")
	}
	return t, nil
}

func (f *fakeLookup) ListPackages(release, releaseVer string) ([]*types.Package, error) {
	return f.packages, nil
}

const validManifest = `
name: myapp
release: {name: myapp-release, version: "1"}
compilation: {workers: 2}
update: {canaries: 1, max_in_flight: 2}
resource_pools:
  - name: web-pool
    stemcell: {name: ubuntu-trusty, version: "1"}
    network: default
    size: 3
networks:
  - name: default
    type: manual
    subnets:
      - range: 10.0.0.0/24
        static: ["10.0.0.10", "10.0.0.11", "10.0.0.12"]
jobs:
  - name: web
    template: web-template
    resource_pool: web-pool
    instances: 3
    networks:
      - name: default
        static_ips: ["10.0.0.10", "10.0.0.11", "10.0.0.12"]
`

func validLookup() *fakeLookup {
	return &fakeLookup{
		rv: &types.ReleaseVersion{Release: "myapp-release", Version: "1"},
		templates: map[string]*types.Template{
			"web-template": {Name: "web-template", RequiredPackages: []string{"ruby"}},
		},
		packages: []*types.Package{{Name: "ruby"}},
	}
}

func TestCompileValidManifest(t *testing.T) {
	m, err := Parse([]byte(validManifest))
	require.NoError(t, err)

	plan, err := Compile(m, validLookup())
	require.NoError(t, err)
	require.Len(t, plan.Jobs, 1)

	specs := plan.Instances(plan.Jobs[0])
	require.Len(t, specs, 3)
	assert.Equal(t, "10.0.0.10", specs[0].StaticIPs["default"].String())
	assert.Equal(t, "10.0.0.12", specs[2].StaticIPs["default"].String())
}

func TestCompileRejectsIPOutsideRange(t *testing.T) {
	manifest := `
name: myapp
release: {name: myapp-release, version: "1"}
resource_pools:
  - {name: web-pool, stemcell: {name: ubuntu-trusty, version: "1"}, network: default, size: 1}
networks:
  - name: default
    type: manual
    subnets: [{range: 10.0.0.0/24, static: ["10.0.1.5"]}]
jobs:
  - name: web
    template: web-template
    resource_pool: web-pool
    instances: 1
    networks: [{name: default, static_ips: ["10.0.1.5"]}]
`
	m, err := Parse([]byte(manifest))
	require.NoError(t, err)
	_, err = Compile(m, validLookup())
	require.Error(t, err)
	assert.True(t, apierror.Is(err, apierror.KindValidationFailed))
}

func TestCompileRejectsDuplicateStaticIP(t *testing.T) {
	manifest := `
name: myapp
release: {name: myapp-release, version: "1"}
resource_pools:
  - {name: web-pool, stemcell: {name: ubuntu-trusty, version: "1"}, network: default, size: 2}
networks:
  - name: default
    type: manual
    subnets: [{range: 10.0.0.0/24, static: ["10.0.0.10"]}]
jobs:
  - name: web
    template: web-template
    resource_pool: web-pool
    instances: 2
    networks: [{name: default, static_ips: ["10.0.0.10", "10.0.0.10"]}]
`
	m, err := Parse([]byte(manifest))
	require.NoError(t, err)
	_, err = Compile(m, validLookup())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "referenced more than once")
}

func TestCompileRejectsUndersizedResourcePool(t *testing.T) {
	manifest := `
name: myapp
release: {name: myapp-release, version: "1"}
resource_pools:
  - {name: web-pool, stemcell: {name: ubuntu-trusty, version: "1"}, network: default, size: 1}
networks:
  - {name: default, type: dynamic}
jobs:
  - {name: web, template: web-template, resource_pool: web-pool, instances: 3}
`
	m, err := Parse([]byte(manifest))
	require.NoError(t, err)
	_, err = Compile(m, validLookup())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "smaller than")
}
