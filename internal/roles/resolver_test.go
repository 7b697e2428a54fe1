package roles

import (
	"encoding/json"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reqs(names ...string) []Requirement {
	out := make([]Requirement, len(names))
	for i, n := range names {
		out[i] = Requirement{Role: n}
	}
	return out
}

func TestDeduplicateRemovesSupersededRoles(t *testing.T) {
	table := DefaultTable()

	got := table.Deduplicate([]string{"CanCreateEntitlementAtOneBank", "CanCreateEntitlementAtAnyBank"})
	assert.Equal(t, []string{"CanCreateEntitlementAtAnyBank"}, got)

	got = table.Deduplicate([]string{"CanCreateBranch", "CanCreateBranch", "CanGetCustomersAtOneBank"})
	assert.Equal(t, []string{"CanCreateBranch", "CanGetCustomersAtOneBank"}, got)

	assert.Empty(t, table.Deduplicate(nil))
}

func TestTableSupersedes(t *testing.T) {
	table := DefaultTable()
	assert.True(t, table.Supersedes("CanCreateEntitlementAtAnyBank", "CanCreateEntitlementAtOneBank"))
	assert.False(t, table.Supersedes("CanCreateEntitlementAtOneBank", "CanCreateEntitlementAtAnyBank"))
	assert.False(t, table.Supersedes("CanCreateBranch", "CanCreateBranch"))
}

func TestDeduplicateIsIdempotent(t *testing.T) {
	table := NewTable(map[string][]string{
		"A": {"B", "C"},
		"B": {"C"},
		"D": {"E"},
	})
	universe := []string{"A", "B", "C", "D", "E", "F"}

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		n := rng.Intn(8)
		list := make([]string, n)
		for j := range list {
			list[j] = universe[rng.Intn(len(universe))]
		}
		once := table.Deduplicate(list)
		assert.Equal(t, once, table.Deduplicate(once), "list %v", list)
	}
}

func TestResolvePrefersExactRole(t *testing.T) {
	table := DefaultTable()
	held := []string{"CanCreateEntitlementAtOneBank", "CanCreateEntitlementAtAnyBank"}

	got, err := table.Resolve(reqs("CanCreateEntitlementAtOneBank"), held, "")
	require.NoError(t, err)
	assert.Equal(t, []ScopedRole{{Role: "CanCreateEntitlementAtOneBank"}}, got)
}

func TestResolveFallsBackToAlternativesInOrder(t *testing.T) {
	table := NewTable(map[string][]string{
		"Narrow": {"Medium", "Wide"},
	})

	got, err := table.Resolve(reqs("Narrow"), []string{"Wide", "Medium"}, "")
	require.NoError(t, err)
	assert.Equal(t, []ScopedRole{{Role: "Medium"}}, got)

	got, err = table.Resolve(reqs("Narrow"), []string{"Wide"}, "")
	require.NoError(t, err)
	assert.Equal(t, []ScopedRole{{Role: "Wide"}}, got)
}

func TestResolveScenarioEntitlementAnyBank(t *testing.T) {
	table := DefaultTable()

	got, err := table.Resolve(
		reqs("CanCreateEntitlementAtOneBank", "CanCreateEntitlementAtAnyBank"),
		[]string{"CanCreateEntitlementAtAnyBank"},
		"",
	)
	require.NoError(t, err)
	assert.Equal(t, []ScopedRole{{Role: "CanCreateEntitlementAtAnyBank"}}, got)
}

func TestResolveScenarioUnsatisfiable(t *testing.T) {
	table := DefaultTable()

	got, err := table.Resolve(reqs("CanCreateBranch"), nil, "")
	assert.Nil(t, got)

	var unsat *UnsatisfiableRoleError
	require.True(t, errors.As(err, &unsat))
	assert.Equal(t, []string{"CanCreateBranch"}, unsat.Roles)
	assert.Empty(t, unsat.Held)
	assert.Contains(t, err.Error(), "no roles")
}

func TestResolveNeverReturnsPartialGrant(t *testing.T) {
	table := DefaultTable()
	held := []string{"CanCreateAccountAtAnyBank", "CanGetCustomersAtOneBank"}

	got, err := table.Resolve(reqs("CanCreateAccount", "CanCreateBranch", "CanDeleteBank", "CanGetCustomersAtOneBank"), held, "")
	assert.Nil(t, got)

	var unsat *UnsatisfiableRoleError
	require.True(t, errors.As(err, &unsat))
	assert.Equal(t, []string{"CanCreateBranch", "CanDeleteBank"}, unsat.Roles)
	assert.Equal(t, []string{"CanCreateAccountAtAnyBank", "CanGetCustomersAtOneBank"}, unsat.Held)
}

func TestResolveAttachesBankScope(t *testing.T) {
	table := DefaultTable()
	required := []Requirement{
		{Role: "CanCreateEntitlementAtOneBank", RequiresBankID: true},
		{Role: "CanReadMetrics"},
	}

	got, err := table.Resolve(required, []string{"CanCreateEntitlementAtOneBank", "CanReadMetrics"}, "gh.29.uk")
	require.NoError(t, err)
	assert.Equal(t, []ScopedRole{
		{Role: "CanCreateEntitlementAtOneBank", BankID: "gh.29.uk"},
		{Role: "CanReadMetrics"},
	}, got)
}

func TestResolveCollapsesRolesResolvingToSameGrant(t *testing.T) {
	table := NewTable(map[string][]string{
		"ReadA": {"Admin"},
		"ReadB": {"Admin"},
	})

	got, err := table.Resolve(reqs("ReadA", "ReadB"), []string{"Admin"}, "")
	require.NoError(t, err)
	assert.Equal(t, []ScopedRole{{Role: "Admin"}}, got)
}

func TestResolveZeroRoles(t *testing.T) {
	got, err := DefaultTable().Resolve(nil, []string{"Anything"}, "")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestVerifyGrant(t *testing.T) {
	requested := []ScopedRole{{Role: "CanCreateBranch", BankID: "b1"}, {Role: "CanReadMetrics"}}

	assert.NoError(t, VerifyGrant(requested, []string{"CanReadMetrics", "CanCreateBranch"}))
	assert.ErrorContains(t, VerifyGrant(requested, []string{"CanCreateBranch"}), "missing roles [CanReadMetrics]")
	assert.ErrorContains(t, VerifyGrant(requested, []string{"CanCreateBranch", "CanReadMetrics", "SuperAdmin"}), "unrequested roles [SuperAdmin]")
}

func TestValidateRejectsCycles(t *testing.T) {
	assert.NoError(t, DefaultTable().Validate())
	assert.Error(t, NewTable(map[string][]string{"A": {"B"}, "B": {"A"}}).Validate())
	assert.Error(t, NewTable(map[string][]string{"A": {"A"}}).Validate())
}

func TestLoadTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`roles:
  CanCreateBranch:
    - CanCreateBranchAtAnyBank
    - SuperAdmin
`), 0o600))

	table, err := LoadTable(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"CanCreateBranchAtAnyBank", "SuperAdmin"}, table.Alternatives("CanCreateBranch"))
	assert.Nil(t, table.Alternatives("Unknown"))

	cyclic := filepath.Join(dir, "cyclic.yaml")
	require.NoError(t, os.WriteFile(cyclic, []byte("roles:\n  A: [B]\n  B: [A]\n"), 0o600))
	_, err = LoadTable(cyclic)
	assert.Error(t, err)
}

func TestRequirementUnmarshal(t *testing.T) {
	var got []Requirement
	require.NoError(t, json.Unmarshal([]byte(`["CanCreateBranch", {"role":"CanCreateAtm","requires_bank_id":true}]`), &got))
	assert.Equal(t, []Requirement{
		{Role: "CanCreateBranch"},
		{Role: "CanCreateAtm", RequiresBankID: true},
	}, got)
}

func TestCompactDropsBlankRoles(t *testing.T) {
	assert.Nil(t, Compact([]Requirement{{Role: ""}, {Role: " "}}))
	assert.Equal(t, []Requirement{{Role: "CanCreateAtm"}},
		Compact([]Requirement{{Role: ""}, {Role: "CanCreateAtm"}}))
}
