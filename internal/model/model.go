package model

import "time"

type Role string

const (
	RoleAdmin   Role = "admin"
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
)

func ValidRole(role Role) bool {
	switch role {
	case RoleAdmin, RoleTeacher, RoleStudent:
		return true
	}
	return false
}

type User struct {
	ID            string
	Email         string
	PasswordHash  string
	Role          Role
	EmailVerified bool
	VerifiedAt    *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Profile carries the role-specific fields joined to a User. Exactly one
// of Admin/Teacher/Student is non-nil and matches Role.
type Profile struct {
	Role    Role
	Admin   *AdminProfile
	Teacher *TeacherProfile
	Student *StudentProfile
}

func (p Profile) Name() string {
	switch p.Role {
	case RoleAdmin:
		if p.Admin != nil {
			return p.Admin.Name
		}
	case RoleTeacher:
		if p.Teacher != nil {
			return p.Teacher.Name
		}
	case RoleStudent:
		if p.Student != nil {
			return p.Student.Name
		}
	}
	return ""
}

type AdminProfile struct {
	Name       string
	Phone      string
	SchoolName string
}

type TeacherProfile struct {
	Name       string
	Phone      string
	Subject    string
	Experience int
}

type StudentProfile struct {
	Name    string
	RollNo  string
	Phone   string
	ClassID string
}

// RefreshTokenStatus values are terminal except issued. A redeemed row is
// kept as a tombstone so a replayed secret maps to a dead record instead
// of an unknown one.
type RefreshTokenStatus string

const (
	RefreshIssued   RefreshTokenStatus = "issued"
	RefreshRedeemed RefreshTokenStatus = "redeemed"
	RefreshRevoked  RefreshTokenStatus = "revoked"
)

type RefreshToken struct {
	ID        string
	UserID    string
	TokenHash string
	Status    RefreshTokenStatus
	CreatedAt time.Time
	ExpiresAt time.Time
	RevokedAt *time.Time
}

func (t RefreshToken) Expired(now time.Time) bool {
	return t.ExpiresAt.Before(now)
}

type PasswordResetToken struct {
	ID        string
	UserID    string
	TokenHash string
	CreatedAt time.Time
	ExpiresAt time.Time
}
