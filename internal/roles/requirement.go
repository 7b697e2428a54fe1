package roles

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Requirement is one role a tool call needs before it may run.
type Requirement struct {
	Role           string `json:"role"`
	RequiresBankID bool   `json:"requires_bank_id,omitempty"`
}

// UnmarshalJSON accepts either a bare role name or an object.
func (r *Requirement) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var name string
		if err := json.Unmarshal(data, &name); err != nil {
			return err
		}
		*r = Requirement{Role: strings.TrimSpace(name)}
		return nil
	}

	var obj struct {
		Role           string `json:"role"`
		RequiresBankID bool   `json:"requires_bank_id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("role requirement: %w", err)
	}
	*r = Requirement{Role: strings.TrimSpace(obj.Role), RequiresBankID: obj.RequiresBankID}
	return nil
}

// Names returns the role names of reqs in order.
func Names(reqs []Requirement) []string {
	out := make([]string, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, r.Role)
	}
	return out
}

// Compact drops requirements with a blank role name. It returns nil when
// nothing is left.
func Compact(reqs []Requirement) []Requirement {
	var out []Requirement
	for _, r := range reqs {
		if strings.TrimSpace(r.Role) != "" {
			out = append(out, r)
		}
	}
	return out
}
