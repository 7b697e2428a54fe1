package roles

import (
	"fmt"
	"sort"
	"strings"
)

// ScopedRole is a role to request, optionally limited to one bank.
type ScopedRole struct {
	Role   string `json:"role"`
	BankID string `json:"bank_id,omitempty"`
}

// UnsatisfiableRoleError reports required roles the user holds in no form.
type UnsatisfiableRoleError struct {
	Roles []string
	Held  []string
}

func (e *UnsatisfiableRoleError) Error() string {
	return fmt.Sprintf("missing roles %s (user holds %s)",
		strings.Join(e.Roles, ", "), describeHeld(e.Held))
}

func describeHeld(held []string) string {
	if len(held) == 0 {
		return "no roles"
	}
	return strings.Join(held, ", ")
}

// Deduplicate drops repeated roles and every role that another role in the
// list supersedes. Order of the survivors is preserved.
func (t *Table) Deduplicate(required []string) []string {
	present := make(map[string]bool, len(required))
	for _, r := range required {
		present[r] = true
	}

	out := make([]string, 0, len(required))
	seen := make(map[string]bool, len(required))
	for _, r := range required {
		if seen[r] {
			continue
		}
		seen[r] = true
		if t.supersededWithin(r, present) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func (t *Table) supersededWithin(role string, present map[string]bool) bool {
	for other := range present {
		if other != role && t.Supersedes(other, role) {
			return true
		}
	}
	return false
}

// ResolveRole picks the role to request for one requirement: the exact role
// when held, else the first held alternative in declared order.
func (t *Table) ResolveRole(role string, held map[string]bool) (string, bool) {
	if held[role] {
		return role, true
	}
	for _, alt := range t.supersededBy[role] {
		if held[alt] {
			return alt, true
		}
	}
	return "", false
}

// Resolve computes the minimal grantable role set for a tool call. bankID is
// the resource scope hint carried by the tool call; it is attached to roles
// whose requirement asks for bank scope. If any requirement cannot be met,
// Resolve returns an *UnsatisfiableRoleError and no roles.
func (t *Table) Resolve(required []Requirement, held []string, bankID string) ([]ScopedRole, error) {
	needsBank := make(map[string]bool, len(required))
	names := make([]string, 0, len(required))
	for _, req := range required {
		name := strings.TrimSpace(req.Role)
		if name == "" {
			continue
		}
		names = append(names, name)
		if req.RequiresBankID {
			needsBank[name] = true
		}
	}

	heldSet := make(map[string]bool, len(held))
	for _, h := range held {
		heldSet[h] = true
	}

	var (
		granted       []ScopedRole
		unsatisfiable []string
		seen          = make(map[string]bool)
	)
	for _, role := range t.Deduplicate(names) {
		resolved, ok := t.ResolveRole(role, heldSet)
		if !ok {
			unsatisfiable = append(unsatisfiable, role)
			continue
		}
		scoped := ScopedRole{Role: resolved}
		if needsBank[role] {
			scoped.BankID = bankID
		}
		// Two narrow roles may resolve to the same broad role.
		key := scoped.Role + "\x00" + scoped.BankID
		if seen[key] {
			continue
		}
		seen[key] = true
		granted = append(granted, scoped)
	}

	if len(unsatisfiable) > 0 {
		heldSorted := append([]string(nil), held...)
		sort.Strings(heldSorted)
		return nil, &UnsatisfiableRoleError{Roles: unsatisfiable, Held: heldSorted}
	}
	return granted, nil
}

// VerifyGrant checks that an issued consent covers exactly the requested
// roles: nothing missing and nothing broader than asked for.
func VerifyGrant(requested []ScopedRole, granted []string) error {
	want := make(map[string]bool, len(requested))
	for _, r := range requested {
		want[r.Role] = true
	}
	got := make(map[string]bool, len(granted))
	for _, g := range granted {
		got[g] = true
	}

	var missing, extra []string
	for role := range want {
		if !got[role] {
			missing = append(missing, role)
		}
	}
	for role := range got {
		if !want[role] {
			extra = append(extra, role)
		}
	}
	sort.Strings(missing)
	sort.Strings(extra)

	switch {
	case len(missing) > 0 && len(extra) > 0:
		return fmt.Errorf("consent grant mismatch: missing %v, unexpected %v", missing, extra)
	case len(missing) > 0:
		return fmt.Errorf("consent grant missing roles %v", missing)
	case len(extra) > 0:
		return fmt.Errorf("consent grant carries unrequested roles %v", extra)
	}
	return nil
}
