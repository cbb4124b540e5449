package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/uztelco/dispatch/internal/domain/client"
	"github.com/uztelco/dispatch/internal/domain/request"
)

// ErrDuplicatePhone is returned when a user insert collides on the unique
// normalised phone column.
var ErrDuplicatePhone = errors.New("phone number already registered")

const userColumns = `id, phone_normalised, full_name, role, language, address, created_at, updated_at`

// UserRepo persists clients and staff users.
type UserRepo struct {
	q Querier
}

// NewUserRepo returns a repo bound to q.
func NewUserRepo(q Querier) *UserRepo {
	return &UserRepo{q: q}
}

// Insert stores a new user and fills in its assigned id.
func (r *UserRepo) Insert(u *client.User) error {
	res, err := r.q.Exec(`INSERT INTO users
		(phone_normalised, full_name, role, language, address, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.PhoneNormalised, u.FullName, string(u.Role), string(u.Language), u.Address,
		u.CreatedAt.Unix(), u.UpdatedAt.Unix())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("user %s: %w", u.PhoneNormalised, ErrDuplicatePhone)
		}
		return fmt.Errorf("inserting user: %w", err)
	}
	u.ID, err = res.LastInsertId()
	return err
}

// Get fetches a user by id.
func (r *UserRepo) Get(id int64) (*client.User, error) {
	row := r.q.QueryRow(`SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	return u, err
}

// GetByPhone fetches a user by canonical phone. Rows stored in the legacy
// unprefixed 998XXXXXXXXX form are matched too.
func (r *UserRepo) GetByPhone(normalised string) (*client.User, error) {
	row := r.q.QueryRow(`SELECT `+userColumns+` FROM users
		WHERE phone_normalised IN (?, ?)`, normalised, client.UnprefixedPhone(normalised))
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", normalised, ErrNotFound)
	}
	return u, err
}

// SearchByName returns clients whose full name contains the fragment,
// case-insensitively, capped at limit. Exact-prefix matches come first.
func (r *UserRepo) SearchByName(fragment string, limit int) ([]*client.User, error) {
	like := "%" + escapeLike(fragment) + "%"
	prefix := escapeLike(fragment) + "%"
	rows, err := r.q.Query(`SELECT `+userColumns+` FROM users
		WHERE role = 'client' AND full_name LIKE ? ESCAPE '\'
		ORDER BY (full_name LIKE ? ESCAPE '\') DESC, full_name ASC, id ASC
		LIMIT ?`, like, prefix, limit)
	if err != nil {
		return nil, fmt.Errorf("searching users by name: %w", err)
	}
	return scanUsers(rows)
}

// SearchByPhoneFragment returns clients whose stored phone contains the
// digit fragment, capped at limit.
func (r *UserRepo) SearchByPhoneFragment(digits string, limit int) ([]*client.User, error) {
	like := "%" + escapeLike(digits) + "%"
	rows, err := r.q.Query(`SELECT `+userColumns+` FROM users
		WHERE role = 'client' AND phone_normalised LIKE ? ESCAPE '\'
		ORDER BY id ASC LIMIT ?`, like, limit)
	if err != nil {
		return nil, fmt.Errorf("searching users by phone: %w", err)
	}
	return scanUsers(rows)
}

// ListByRole returns users holding a staff role, for assignment target
// validation.
func (r *UserRepo) ListByRole(role request.Role) ([]*client.User, error) {
	rows, err := r.q.Query(`SELECT `+userColumns+` FROM users
		WHERE role = ? ORDER BY id ASC`, string(role))
	if err != nil {
		return nil, fmt.Errorf("listing users with role %s: %w", role, err)
	}
	return scanUsers(rows)
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}

func scanUser(row rowScanner) (*client.User, error) {
	var m userModel
	err := row.Scan(&m.ID, &m.PhoneNormalised, &m.FullName, &m.Role, &m.Language,
		&m.Address, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return m.toDomain(), nil
}

func scanUsers(rows *sql.Rows) ([]*client.User, error) {
	defer func() { _ = rows.Close() }()
	var out []*client.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
