// Package principal carries the typed caller identity attested by the
// upstream IAM adapter. The core never trusts roles arriving in request
// payloads; mutating operations take a Principal explicitly.
package principal

// Role is an attested authority level.
type Role string

const (
	RoleCustomer        Role = "customer"
	RoleMerchant        Role = "merchant"
	RoleOpsAdmin        Role = "ops_admin"
	RolePlatformAdmin   Role = "platform_admin"
	RoleFinanceAdmin    Role = "finance_admin"
	RoleComplianceAdmin Role = "compliance_admin"
	RoleSystem          Role = "system"
)

// Principal identifies the actor behind a mutating operation.
type Principal struct {
	ActorID string
	Role    Role
	Tenant  string
}

// IsFinanceAdmin reports whether the principal may override soft closed
// periods, release non-period locks, or authorise bank dispatch.
func (p Principal) IsFinanceAdmin() bool {
	return p.Role == RoleFinanceAdmin
}

// System is the synthetic principal for controller-initiated transitions
// such as PERIOD_LOCK creation on hard close.
func System(tenant string) Principal {
	return Principal{ActorID: "system", Role: RoleSystem, Tenant: tenant}
}
