package domain

import "time"

// Role represents a named role inside one tenant. Role names may not contain
// commas because role lists travel as comma-separated strings at the edges.
type Role struct {
	ID             string // UUID
	TenantID       string
	Name           string
	NormalizedName string // case-folded uniqueness key within the tenant
	CreatedAt      time.Time
}
