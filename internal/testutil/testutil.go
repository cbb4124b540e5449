// Package testutil provides shared test fixtures: an in-memory migrated
// database and user seeding.
package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/uztelco/dispatch/internal/domain/client"
	"github.com/uztelco/dispatch/internal/domain/request"
	"github.com/uztelco/dispatch/internal/infrastructure/sqlite"
)

// NewTestDB returns a migrated in-memory database, closed with the test.
func NewTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// SeedUser inserts a user with the given role and returns it with its
// assigned id.
func SeedUser(t *testing.T, db *sqlite.DB, role request.Role, phone, name string) *client.User {
	t.Helper()
	now := time.Now()
	u := &client.User{
		PhoneNormalised: phone,
		FullName:        name,
		Role:            role,
		Language:        client.LanguageUzbek,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	require.NoError(t, sqlite.NewUserRepo(db.Conn()).Insert(u))
	return u
}
