package packagecompiler

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/cuemby/deploydirector/pkg/types"
)

// DependencyKey computes the dependency key for pkg: a sha1 over the
// sorted (name, version, fingerprint) identity of every package pkg
// transitively depends on at compile time. It is deterministic regardless
// of the order Dependencies was declared in, so two manifests that differ
// only in dependency ordering reuse the same CompiledPackage.
func DependencyKey(catalog map[string]*types.Package, pkgName string) (string, error) {
	seen := make(map[string]bool)
	var identities []string

	var visit func(name string) error
	visit = func(name string) error {
		if seen[name] {
			return nil
		}
		seen[name] = true
		p, ok := catalog[name]
		if !ok {
			return fmt.Errorf("package %s: unknown compile dependency", name)
		}
		for _, dep := range p.Dependencies {
			if err := visit(dep); err != nil {
				return err
			}
		}
		if name != pkgName {
			identities = append(identities, fmt.Sprintf("%s/%s/%s", p.Name, p.Version, p.Fingerprint))
		}
		return nil
	}
	root, ok := catalog[pkgName]
	if !ok {
		return "", fmt.Errorf("package %s not found in catalog", pkgName)
	}
	for _, dep := range root.Dependencies {
		if err := visit(dep); err != nil {
			return "", err
		}
	}

	sort.Strings(identities)
	h := sha1.New()
	for _, id := range identities {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// directDeps returns the direct compile-time dependency names of pkg, used
// by the scheduler to build the DAG's edges; transitivity falls out of the
// scheduler registering each dependency as its own node.
func directDeps(catalog map[string]*types.Package, pkgName string) []string {
	p, ok := catalog[pkgName]
	if !ok {
		return nil
	}
	return p.Dependencies
}
