package models

import (
	"strings"
	"time"
)

// Role is the application role stored on the LocalUser and mirrored to the IdP.
type Role string

const (
	RoleUser      Role = "user"
	RoleOrganizer Role = "organizer"
	RoleAdmin     Role = "admin"
)

// ParseRole normalizes a role claim. ok is false for unknown values.
func ParseRole(s string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleUser:
		return RoleUser, true
	case RoleOrganizer:
		return RoleOrganizer, true
	case RoleAdmin:
		return RoleAdmin, true
	}
	return "", false
}

// RoleOrDefault returns the parsed role, or RoleUser when s is empty or unknown.
func RoleOrDefault(s string) Role {
	if r, ok := ParseRole(s); ok {
		return r
	}
	return RoleUser
}

// User is the application's authoritative profile for an IdP subject.
//
// SubjectID is the canonical correlation key. Sub and OIDCId were written by
// earlier schema versions and are only read for backward-compatible lookups;
// a record found through them gets SubjectID backfilled on its next login.
type User struct {
	ID        string    `bson:"_id,omitempty" json:"id"`
	SubjectID string    `bson:"subjectId,omitempty" json:"subjectId"`
	Sub       string    `bson:"sub,omitempty" json:"-"`
	OIDCId    string    `bson:"oidcId,omitempty" json:"-"`
	Email     string    `bson:"email" json:"email"`
	Name      string    `bson:"name" json:"name"`
	Role      Role      `bson:"role" json:"role"`
	LastLogin time.Time `bson:"lastLogin,omitempty" json:"lastLogin"`
	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt" json:"updatedAt"`
}

// EffectiveRole treats a missing or unrecognized stored role as RoleUser.
func (u *User) EffectiveRole() Role {
	if u == nil {
		return RoleUser
	}
	return RoleOrDefault(string(u.Role))
}

// Profile is the projection returned by GET /auth/profile.
type Profile struct {
	ID        string    `json:"id"`
	SubjectID string    `json:"subjectId"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Role      Role      `json:"role"`
	LastLogin time.Time `json:"lastLogin"`
}

func (u *User) Profile() Profile {
	return Profile{
		ID:        u.ID,
		SubjectID: u.SubjectID,
		Email:     u.Email,
		Name:      u.Name,
		Role:      u.EffectiveRole(),
		LastLogin: u.LastLogin,
	}
}
