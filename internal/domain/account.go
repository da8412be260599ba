package domain

import "time"

type AccountStatus string

const (
	AccountActive   AccountStatus = "active"
	AccountDisabled AccountStatus = "disabled"
)

func (s AccountStatus) Valid() bool { return s == AccountActive || s == AccountDisabled }

// Account is a platform identity that owns a session artifact.
//
// ID is unique per target. SessionRef names the session artifact file relative
// to the configured state directory.
type Account struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Status     AccountStatus `json:"status"`
	SessionRef string        `json:"session_ref"`
	AddedAt    time.Time     `json:"added_at"`
}

// ImplicitAccount stands in for targets without an account concept. Jobs for
// such targets carry an empty account ID.
func ImplicitAccount(t Target) Account {
	return Account{Name: string(t), Status: AccountActive}
}

// IsImplicit reports whether a is the single implicit account of a target.
func (a Account) IsImplicit() bool { return a.ID == "" }

// Label is a human readable account name for logs and reports.
func (a Account) Label() string {
	switch {
	case a.Name != "":
		return a.Name
	case a.ID != "":
		return a.ID
	default:
		return "default"
	}
}
