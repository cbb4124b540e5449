// Package client provides the domain layer for clients and staff users:
// the User entity, Uzbek phone normalisation, and the field validation rules
// applied during staff-on-behalf-of-client application creation.
package client

import (
	"time"

	"github.com/uztelco/dispatch/internal/domain/request"
)

// Language is a client's preferred language.
type Language string

const (
	LanguageUzbek   Language = "uz"
	LanguageRussian Language = "ru"
)

// IsValid reports whether the language is supported.
func (l Language) IsValid() bool {
	return l == LanguageUzbek || l == LanguageRussian
}

// User is a client or staff member known to the engine.
type User struct {
	ID int64
	// PhoneNormalised is the canonical +998XXXXXXXXX form; unique.
	PhoneNormalised string
	FullName        string
	Role            request.Role
	Language        Language
	Address         string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsClient reports whether the user holds the client role.
func (u *User) IsClient() bool {
	return u.Role == request.RoleClient
}
