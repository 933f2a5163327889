// Package tenant enforces organization-level isolation at the storage
// layer. Repository queries render their tenancy filter through a Scope,
// so a new code path that forgets to thread one matches nothing instead
// of leaking rows across organizations.
package tenant

// Scope identifies whose rows a query may touch. The zero Scope is
// deliberately useless: it matches no rows at all.
type Scope struct {
	orgID string
	super bool
	actor string
}

// ForOrg returns a scope limited to a single organization.
func ForOrg(orgID string) Scope {
	return Scope{orgID: orgID}
}

// Super returns the explicit fleet-wide bypass scope. It requires the
// acting identity so every use can be written to the audit log; there is
// no anonymous super scope.
func Super(actor string) Scope {
	if actor == "" {
		// Refuse to create an unattributable bypass.
		return Scope{}
	}
	return Scope{super: true, actor: actor}
}

// OrgID returns the scoped organization, or "" for super scopes.
func (s Scope) OrgID() string { return s.orgID }

// IsSuper reports whether this scope bypasses tenancy filtering.
func (s Scope) IsSuper() bool { return s.super }

// Actor returns the identity that claimed the super scope.
func (s Scope) Actor() string { return s.actor }

// Where renders the tenancy predicate for the given org-id column.
// Callers splice the clause into their WHERE and append the args.
func (s Scope) Where(column string) (string, []any) {
	switch {
	case s.super:
		return "1=1", nil
	case s.orgID != "":
		return column + " = ?", []any{s.orgID}
	default:
		// Zero scope: match nothing.
		return "1=0", nil
	}
}
