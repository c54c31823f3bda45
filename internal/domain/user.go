package domain

import "time"

// PasswordFormat selects the encoding applied to stored credentials.
type PasswordFormat int

const (
	// FormatClear stores the plaintext unchanged.
	FormatClear PasswordFormat = iota
	// FormatHashed stores a one-way digest of salt+plaintext. Irreversible.
	FormatHashed
	// FormatEncrypted stores a reversible cipher of salt+plaintext.
	FormatEncrypted
)

func (f PasswordFormat) String() string {
	switch f {
	case FormatClear:
		return "clear"
	case FormatHashed:
		return "hashed"
	case FormatEncrypted:
		return "encrypted"
	default:
		return "unknown"
	}
}

// User represents a membership account inside one tenant.
type User struct {
	ID                 string // UUID
	TenantID           string // UUID of owning tenant
	UserName           string
	NormalizedUserName string // case-folded uniqueness key within the tenant
	Email              string
	NormalizedEmail    string
	PasswordHash       string // encoded credential, opaque to everything but the codec
	PasswordFormat     PasswordFormat
	PasswordSalt       string // base64 of the per-credential random salt
	PasswordQuestion   string
	PasswordAnswerHash string // answer encoded with the password salt and format
	Comment            string
	IsApproved         bool
	IsLockedOut        bool
	CreatedAt          time.Time
	LastLoginAt        time.Time
	LastActivityAt     time.Time
	LastPasswordChange time.Time
	LastLockoutAt      time.Time

	FailedPasswordCount       int
	FailedPasswordWindowStart time.Time
	FailedAnswerCount         int
	FailedAnswerWindowStart   time.Time
}

// MembershipUser is the read view returned by lookups and searches. It never
// carries credential material.
type MembershipUser struct {
	ID                 string
	UserName           string
	Email              string
	PasswordQuestion   string
	Comment            string
	IsApproved         bool
	IsLockedOut        bool
	CreatedAt          time.Time
	LastLoginAt        time.Time
	LastActivityAt     time.Time
	LastPasswordChange time.Time
	LastLockoutAt      time.Time
}

// View projects the read-only representation of a user.
func (u *User) View() *MembershipUser {
	return &MembershipUser{
		ID:                 u.ID,
		UserName:           u.UserName,
		Email:              u.Email,
		PasswordQuestion:   u.PasswordQuestion,
		Comment:            u.Comment,
		IsApproved:         u.IsApproved,
		IsLockedOut:        u.IsLockedOut,
		CreatedAt:          u.CreatedAt,
		LastLoginAt:        u.LastLoginAt,
		LastActivityAt:     u.LastActivityAt,
		LastPasswordChange: u.LastPasswordChange,
		LastLockoutAt:      u.LastLockoutAt,
	}
}
