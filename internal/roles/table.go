// Package roles decides which entitlements a tool call must request.
//
// A narrowly scoped role (for example CanCreateEntitlementAtOneBank) may be
// satisfied by a broader one (CanCreateEntitlementAtAnyBank). The superseding
// table records that relation; Resolve uses it to request the narrowest set
// the user can actually be granted.
package roles

import (
	"fmt"
	"os"
	"sort"

	yaml "go.yaml.in/yaml/v3"
)

// Table maps a role to the broader roles that also satisfy it, in the order
// they should be preferred. A role missing from the table has no alternatives.
// A Table must not be modified after construction.
type Table struct {
	supersededBy map[string][]string
}

// NewTable copies entries into an immutable table.
func NewTable(entries map[string][]string) *Table {
	m := make(map[string][]string, len(entries))
	for role, alts := range entries {
		m[role] = append([]string(nil), alts...)
	}
	return &Table{supersededBy: m}
}

// DefaultTable returns the built-in superseding relations.
func DefaultTable() *Table {
	return NewTable(map[string][]string{
		"CanCreateEntitlementAtOneBank":           {"CanCreateEntitlementAtAnyBank"},
		"CanDeleteEntitlementAtOneBank":           {"CanDeleteEntitlementAtAnyBank"},
		"CanGetEntitlementsForOneBank":            {"CanGetEntitlementsForAnyBank"},
		"CanGetEntitlementsForAnyUserAtOneBank":   {"CanGetEntitlementsForAnyUserAtAnyBank"},
		"CanCreateAccount":                        {"CanCreateAccountAtAnyBank"},
		"CanCreateCustomer":                       {"CanCreateCustomerAtAnyBank"},
		"CanGetCustomersAtOneBank":                {"CanGetCustomersAtAnyBank"},
		"CanCreateUserCustomerLink":               {"CanCreateUserCustomerLinkAtAnyBank"},
		"CanGetUserCustomerLink":                  {"CanGetUserCustomerLinkAtAnyBank"},
		"CanCreateTransactionType":                {"CanCreateTransactionTypeAtAnyBank"},
		"CanUpdateProductAttribute":               {"CanUpdateProductAttributeAtAnyBank"},
		"CanCreateAtm":                            {"CanCreateAtmAtAnyBank"},
		"CanCreateProduct":                        {"CanCreateProductAtAnyBank"},
		"CanCreateFxRate":                         {"CanCreateFxRateAtAnyBank"},
		"CanReadMetrics":                          {"CanReadAggregateMetrics"},
		"CanGetAccountsHeldAtOneBank":             {"CanGetAccountsHeldAtAnyBank"},
		"CanCreateEntitlementRequestsAtOneBank":   {"CanCreateEntitlementRequestsAtAnyBank"},
		"CanGetAccountApplicationsAtOneBank":      {"CanGetAccountApplicationsAtAnyBank"},
		"CanUpdateAccountApplicationsAtOneBank":   {"CanUpdateAccountApplicationsAtAnyBank"},
		"CanCreateCardsForBank":                   {"CanCreateCardsForAnyBank"},
		"CanGetCardsForBank":                      {"CanGetCardsForAnyBank"},
		"CanCreateSettlementAccountAtOneBank":     {"CanCreateSettlementAccountAtAnyBank"},
		"CanCreateHistoricalTransactionAtBank":    {"CanCreateHistoricalTransaction"},
		"CanUpdateConsentStatusAtOneBank":         {"CanUpdateConsentStatusAtAnyBank"},
		"CanGetConsentsAtOneBank":                 {"CanGetConsentsAtAnyBank"},
		"CanCreateDynamicEntityAtOneBank":         {"CanCreateDynamicEntity"},
		"CanCreateBankLevelDynamicEndpoint":       {"CanCreateDynamicEndpoint"},
		"CanGetMethodRoutings":                    {"CanGetMethodRoutingsAtAnyBank"},
		"CanCreateWebhookAtOneBank":               {"CanCreateWebhookAtAnyBank"},
		"CanCreateCustomerAttributeDefinitionAtOneBank": {
			"CanCreateCustomerAttributeDefinitionAtAnyBank",
		},
	})
}

type tableFile struct {
	Roles map[string][]string `yaml:"roles"`
}

// LoadTable reads a YAML table of the form
//
//	roles:
//	  CanCreateEntitlementAtOneBank:
//	    - CanCreateEntitlementAtAnyBank
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read role table: %w", err)
	}
	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse role table: %w", err)
	}
	t := NewTable(f.Roles)
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Alternatives returns the roles that supersede role, in preference order.
func (t *Table) Alternatives(role string) []string {
	return t.supersededBy[role]
}

// Supersedes reports whether holding broader satisfies narrower.
func (t *Table) Supersedes(broader, narrower string) bool {
	for _, alt := range t.supersededBy[narrower] {
		if alt == broader {
			return true
		}
	}
	return false
}

// Entries returns a copy of the table, keyed by role.
func (t *Table) Entries() map[string][]string {
	out := make(map[string][]string, len(t.supersededBy))
	for role, alts := range t.supersededBy {
		out[role] = append([]string(nil), alts...)
	}
	return out
}

// Validate rejects self references and superseding cycles, either of which
// would let deduplication drop every member of a required set.
func (t *Table) Validate() error {
	const (
		unvisited = iota
		visiting
		visited
	)
	state := make(map[string]int)

	var visit func(role string, path []string) error
	visit = func(role string, path []string) error {
		switch state[role] {
		case visiting:
			return fmt.Errorf("role table has a superseding cycle: %v", append(path, role))
		case visited:
			return nil
		}
		state[role] = visiting
		for _, alt := range t.supersededBy[role] {
			if alt == role {
				return fmt.Errorf("role %q supersedes itself", role)
			}
			if err := visit(alt, append(path, role)); err != nil {
				return err
			}
		}
		state[role] = visited
		return nil
	}

	keys := make([]string, 0, len(t.supersededBy))
	for role := range t.supersededBy {
		keys = append(keys, role)
	}
	sort.Strings(keys)
	for _, role := range keys {
		if err := visit(role, nil); err != nil {
			return err
		}
	}
	return nil
}
