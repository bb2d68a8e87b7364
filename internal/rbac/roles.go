package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleOpsAgent          = "ops_agent"
	RoleOpsLead           = "ops_lead"
	RoleComplianceOfficer = "compliance_officer"
	RoleAuditor           = "auditor"
	RoleSuperAdmin        = "super_admin"
	RoleSystem            = "system" // hidden role for service-to-service decision calls
)

var overrideTiers = map[string]int{
	RoleOpsAgent:          1,
	RoleOpsLead:           2,
	RoleComplianceOfficer: 3,
	RoleSuperAdmin:        3,
}

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

func IsHiddenRole(role string) bool { return role == RoleSystem }

// MaxOverrideTier is the highest override tier role may grant; 0 means none.
func MaxOverrideTier(role string) int { return overrideTiers[role] }

// Known reports whether role is one of the roles above.
func Known(role string) bool {
	switch role {
	case RoleOpsAgent, RoleOpsLead, RoleComplianceOfficer, RoleAuditor, RoleSuperAdmin, RoleSystem:
		return true
	}
	return false
}
