// Package entitlement derives workspace capabilities from a subscription
// snapshot. Everything here is pure: no I/O, no clock reads.
package entitlement

import (
	"time"

	"github.com/xraph/tally/subscription"
)

// Role is the caller's workspace role. Role membership is owned by the
// workspace service; Tally only gates on it.
type Role string

const (
	RoleOwner        Role = "owner"
	RoleCollaborator Role = "collaborator"
	RoleViewer       Role = "viewer"
	RoleNone         Role = ""
)

// Capabilities is the derived permission set.
type Capabilities struct {
	Entitled  bool `json:"entitled"`
	CanCreate bool `json:"can_create"`
	CanEdit   bool `json:"can_edit"`
	CanDelete bool `json:"can_delete"`
	CanInvite bool `json:"can_invite"`
}

// None is the empty capability set.
var None = Capabilities{}

// grants maps a role to the capabilities it unlocks when entitled.
var grants = map[Role]Capabilities{
	RoleOwner:        {CanCreate: true, CanEdit: true, CanDelete: true, CanInvite: true},
	RoleCollaborator: {CanCreate: true, CanEdit: true},
	RoleViewer:       {},
}

// Derive maps a subscription snapshot and role to capabilities at now.
// A nil subscription derives no capabilities.
func Derive(sub *subscription.Subscription, role Role, now time.Time) Capabilities {
	if !sub.Entitled(now) {
		return None
	}
	caps := grants[role]
	caps.Entitled = true
	return caps
}

// DeriveFields is Derive over raw fields.
func DeriveFields(status subscription.Status, periodEnd time.Time, role Role, now time.Time) Capabilities {
	return Derive(&subscription.Subscription{Status: status, CurrentPeriodEnd: periodEnd}, role, now)
}

// Any reports whether at least one capability is granted.
func (c Capabilities) Any() bool {
	return c.CanCreate || c.CanEdit || c.CanDelete || c.CanInvite
}
