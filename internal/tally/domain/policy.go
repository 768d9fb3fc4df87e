package domain

import (
	"fmt"
	"strings"
)

// UpdatePolicy decides how a closed bucket's stored measurements combine
// with a fresh calculation. Open buckets are always replaced.
type UpdatePolicy string

const (
	UpdatePolicyReplace UpdatePolicy = "replace"
	UpdatePolicyMax     UpdatePolicy = "max"
)

func ParseUpdatePolicy(value string) (UpdatePolicy, error) {
	switch p := UpdatePolicy(strings.ToLower(strings.TrimSpace(value))); p {
	case "":
		return UpdatePolicyReplace, nil
	case UpdatePolicyReplace, UpdatePolicyMax:
		return p, nil
	default:
		return "", fmt.Errorf("unknown update policy %q", value)
	}
}

// Apply merges fresh into stored according to p.
func (p UpdatePolicy) Apply(stored, fresh Measurements) Measurements {
	if p == UpdatePolicyMax {
		return stored.MaxWith(fresh)
	}
	return fresh.Clone()
}
