package auth

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Permission represents a granular capability.
type Permission string

const (
	PermHostsView      Permission = "hosts.view"
	PermHostsManage    Permission = "hosts.manage"
	PermContainersView Permission = "containers.view"
	PermContainersOp   Permission = "containers.operate"
	PermContainersExec Permission = "containers.exec"
	PermImagesView     Permission = "images.view"
	PermImagesManage   Permission = "images.manage"
	PermVolumesView    Permission = "volumes.view"
	PermVolumesManage  Permission = "volumes.manage"
	PermNetworksView   Permission = "networks.view"
	PermNetworksManage Permission = "networks.manage"
	PermSwarmView      Permission = "swarm.view"
	PermSwarmManage    Permission = "swarm.manage"
	PermSystemView     Permission = "system.view"
	PermSystemPrune    Permission = "system.prune"
	PermUsersManage    Permission = "users.manage"
	PermAuditView      Permission = "audit.view"
	PermStreamsView    Permission = "streams.view"
	PermWizardsManage  Permission = "wizards.manage"
)

// AllPermissions returns every defined permission.
func AllPermissions() []Permission {
	return []Permission{
		PermHostsView, PermHostsManage,
		PermContainersView, PermContainersOp, PermContainersExec,
		PermImagesView, PermImagesManage,
		PermVolumesView, PermVolumesManage,
		PermNetworksView, PermNetworksManage,
		PermSwarmView, PermSwarmManage,
		PermSystemView, PermSystemPrune,
		PermUsersManage, PermAuditView, PermStreamsView, PermWizardsManage,
	}
}

// rolePermissions is the built-in role matrix. A policy file may extend it
// (grant extra permissions to a role) but can never remove grants.
var rolePermissions = map[Role]map[Permission]bool{
	RoleViewer: permSet(
		PermHostsView, PermContainersView, PermImagesView, PermVolumesView,
		PermNetworksView, PermSwarmView, PermSystemView, PermStreamsView,
	),
	RoleOperator: permSet(
		PermHostsView, PermContainersView, PermContainersOp, PermContainersExec,
		PermImagesView, PermImagesManage, PermVolumesView, PermVolumesManage,
		PermNetworksView, PermNetworksManage, PermSwarmView, PermSwarmManage,
		PermSystemView, PermSystemPrune, PermStreamsView, PermWizardsManage,
	),
	RoleAdmin: permSet(AllPermissions()...),
}

func permSet(perms ...Permission) map[Permission]bool {
	m := make(map[Permission]bool, len(perms))
	for _, p := range perms {
		m[p] = true
	}
	return m
}

// HasPermission reports whether the given role grants the permission.
func HasPermission(role Role, perm Permission) bool {
	return rolePermissions[role][perm]
}

// PermissionsForRole returns the sorted-by-definition permission list for a role.
func PermissionsForRole(role Role) []Permission {
	granted := rolePermissions[role]
	var out []Permission
	for _, p := range AllPermissions() {
		if granted[p] {
			out = append(out, p)
		}
	}
	return out
}

// EffectiveRole combines a user's base role with an optional per-host
// override. Overrides only widen: an override below the base role is
// ignored, and admins are never narrowed.
func EffectiveRole(base Role, override *HostPermission) Role {
	if base == RoleAdmin || override == nil {
		return base
	}
	if override.Role.AtLeast(base) {
		return override.Role
	}
	return base
}

// policyFile is the on-disk shape of a role policy extension.
type policyFile struct {
	Roles map[string][]string `yaml:"roles"`
}

// LoadPolicyFile merges extra permission grants from a YAML file into the
// role matrix. Unknown roles or permissions are rejected so a typo cannot
// silently grant nothing.
func LoadPolicyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read policy file: %w", err)
	}
	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("parse policy file: %w", err)
	}

	known := permSet(AllPermissions()...)
	for roleName, perms := range pf.Roles {
		role := Role(roleName)
		if !role.Valid() {
			return fmt.Errorf("policy file: unknown role %q", roleName)
		}
		for _, p := range perms {
			perm := Permission(p)
			if !known[perm] {
				return fmt.Errorf("policy file: unknown permission %q for role %q", p, roleName)
			}
			rolePermissions[role][perm] = true
		}
	}
	return nil
}
