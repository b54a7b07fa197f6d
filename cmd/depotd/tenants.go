package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Rational-Boxes/depot/pkg/engine"
	"github.com/Rational-Boxes/depot/pkg/id"
	"github.com/Rational-Boxes/depot/pkg/metastore"
	"github.com/Rational-Boxes/depot/pkg/tenant"
	"github.com/Rational-Boxes/depot/pkg/types"
)

// TenantManifest bootstraps tenants at startup: each entry is provisioned,
// its owner granted full rights on the tenant root, and any listed top-level
// directories created.
//
// Example:
//
//	apiVersion: depot/v1
//	kind: TenantList
//	tenants:
//	  - name: acme
//	    owner: admin
//	    directories: [incoming, archive]
type TenantManifest struct {
	APIVersion string       `yaml:"apiVersion"`
	Kind       string       `yaml:"kind"`
	Tenants    []TenantSpec `yaml:"tenants"`
}

type TenantSpec struct {
	Name        string   `yaml:"name"`
	Owner       string   `yaml:"owner,omitempty"`
	Directories []string `yaml:"directories,omitempty"`
}

func applyTenantManifest(ctx context.Context, path string, router *tenant.Router, meta metastore.Store, eng *engine.Engine) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read manifest: %v", err)
	}

	var manifest TenantManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("failed to parse YAML: %v", err)
	}
	if manifest.Kind != "" && manifest.Kind != "TenantList" {
		return fmt.Errorf("unsupported resource kind: %s", manifest.Kind)
	}

	for _, spec := range manifest.Tenants {
		name, err := router.Resolve(ctx, spec.Name)
		if err != nil {
			return fmt.Errorf("provisioning tenant %s: %w", spec.Name, err)
		}
		if spec.Owner == "" {
			continue
		}
		// The owner grant writes below the ACL layer: on a fresh tenant no
		// caller holds write on the root yet.
		if err := meta.AddACL(ctx, name, types.ACLEntry{
			ResourceUID:   id.RootUID,
			Principal:     spec.Owner,
			PrincipalType: types.PrincipalUser,
			Permissions:   types.PermAll,
		}); err != nil {
			return fmt.Errorf("granting owner for tenant %s: %w", name, err)
		}

		owner := types.Caller{User: spec.Owner, Tenant: name}
		for _, dir := range spec.Directories {
			_, err := eng.Mkdir(ctx, owner, name, id.RootUID, dir)
			if err != nil && !errors.Is(err, types.ErrConflict) {
				return fmt.Errorf("creating %s/%s: %w", name, dir, err)
			}
		}
	}
	return nil
}
