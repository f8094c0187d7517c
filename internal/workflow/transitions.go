package workflow

import "github.com/keiri-ai/be-invoice-approval/internal/domain"

// Action is a requested operation on an invoice.
type Action string

const (
	ActionApprove  Action = "approve"
	ActionReject   Action = "reject"
	ActionFinalize Action = "finalize"
)

// transitionRule binds a (current status, action) pair to the role allowed to
// perform it. The engine rejects anything not in this table.
type transitionRule struct {
	from   domain.InvoiceStatus
	action Action
	role   domain.Role
}

var transitionRules = []transitionRule{
	{domain.StatusPendingManagerApproval, ActionApprove, domain.RoleManager},
	{domain.StatusPendingManagerApproval, ActionReject, domain.RoleManager},
	{domain.StatusMismatchDetected, ActionApprove, domain.RoleAccounting},
	{domain.StatusMismatchDetected, ActionReject, domain.RoleAccounting},
	{domain.StatusPendingScrutiny, ActionFinalize, domain.RoleScrutinizer},
}

// requiredRole returns the role allowed to perform action from the given
// status, or false when the transition is not modeled.
func requiredRole(from domain.InvoiceStatus, action Action) (domain.Role, bool) {
	for _, rule := range transitionRules {
		if rule.from == from && rule.action == action {
			return rule.role, true
		}
	}
	return "", false
}
