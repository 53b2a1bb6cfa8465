package models

// Scope names a rate-limiting dimension. Each scope on a request is checked
// against its own policy set and charged under its own window key.
type Scope string

// ScopeOwner is the plan-wide scope shared by every credential of one owner.
const ScopeOwner Scope = "owner"

// EndpointScope derives the per-resource scope for a request path, e.g.
// "ep:/verify".
func EndpointScope(path string) Scope {
	return Scope("ep:" + path)
}
