package auth

import "time"

type Role string

const (
	RoleOwner   Role = "owner"
	RoleCoOwner Role = "co_owner"
)

// User is the domain representation of an account holder. This is the
// normal login identity for document owners; signer tokens are a separate
// credential entirely and never pass through this package.
type User struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	Phone        *string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RegisterRequest contains account registration data supplied by callers.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Role     Role   `json:"role"`
}

// LoginRequest contains login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
