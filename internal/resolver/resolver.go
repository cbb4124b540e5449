// Package resolver finds and registers clients for the staff application
// flow: phone-first lookup with name-fragment fallback, result ranking, and
// duplicate-phone refusal on registration.
package resolver

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/uztelco/dispatch/internal/cachemanager"
	"github.com/uztelco/dispatch/internal/domain/client"
	"github.com/uztelco/dispatch/internal/domain/request"
	"github.com/uztelco/dispatch/internal/infrastructure/sqlite"
	"github.com/uztelco/dispatch/internal/log"
)

// MaxResults caps any search result list.
const MaxResults = 10

// ErrNoMatch is returned when a search finds nothing.
var ErrNoMatch = errors.New("no matching client")

var digitsOnly = regexp.MustCompile(`^[\d\s()+-]+$`)

// Match is one ranked search hit.
type Match struct {
	Client *client.User
	// Exact marks a full-phone match; exact hits rank first.
	Exact bool
}

// Service resolves clients. Recent phone lookups are cached briefly; the
// cache is dropped on registration.
type Service struct {
	users *sqlite.UserRepo
	cache *cachemanager.InMemoryCacheManager[string, *client.User]
	now   func() time.Time
}

// NewService returns a resolver over the database.
func NewService(db *sqlite.DB) *Service {
	return &Service{
		users: sqlite.NewUserRepo(db.Conn()),
		cache: cachemanager.NewInMemoryCacheManager[string, *client.User](time.Minute),
		now:   time.Now,
	}
}

// ByPhone resolves a client by exact phone, accepting any of the raw forms
// phone normalisation accepts.
func (s *Service) ByPhone(raw string) (*client.User, error) {
	normalised, err := client.NormalisePhone(raw)
	if err != nil {
		return nil, err
	}
	if cached, ok := s.cache.Get(normalised); ok {
		return cached, nil
	}
	u, err := s.users.GetByPhone(normalised)
	if err != nil {
		return nil, err
	}
	s.cache.Set(normalised, u)
	return u, nil
}

// ByID resolves a client by id.
func (s *Service) ByID(id int64) (*client.User, error) {
	return s.users.Get(id)
}

// Search resolves a free-form query: a full phone gives one exact match, a
// digit fragment searches stored phones, anything else searches names.
// Results are ranked exact-first and capped at MaxResults.
func (s *Service) Search(query string) ([]Match, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrNoMatch
	}

	if digitsOnly.MatchString(query) {
		return s.searchPhone(query)
	}
	return s.searchName(query)
}

func (s *Service) searchPhone(query string) ([]Match, error) {
	if u, err := s.ByPhone(query); err == nil {
		return []Match{{Client: u, Exact: true}}, nil
	}

	digits := regexp.MustCompile(`\D`).ReplaceAllString(query, "")
	if digits == "" {
		return nil, ErrNoMatch
	}
	hits, err := s.users.SearchByPhoneFragment(digits, MaxResults)
	if err != nil {
		return nil, fmt.Errorf("phone search: %w", err)
	}
	if len(hits) == 0 {
		return nil, ErrNoMatch
	}
	return rank(hits, nil), nil
}

func (s *Service) searchName(query string) ([]Match, error) {
	hits, err := s.users.SearchByName(query, MaxResults)
	if err != nil {
		return nil, fmt.Errorf("name search: %w", err)
	}
	if len(hits) == 0 {
		return nil, ErrNoMatch
	}
	prefix := strings.ToLower(query)
	return rank(hits, func(u *client.User) bool {
		return strings.HasPrefix(strings.ToLower(u.FullName), prefix)
	}), nil
}

// rank orders hits exact-first, then by name, and caps the list.
func rank(hits []*client.User, exact func(*client.User) bool) []Match {
	matches := make([]Match, 0, len(hits))
	for _, u := range hits {
		m := Match{Client: u}
		if exact != nil {
			m.Exact = exact(u)
		}
		matches = append(matches, m)
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Exact != matches[j].Exact {
			return matches[i].Exact
		}
		return matches[i].Client.FullName < matches[j].Client.FullName
	})
	if len(matches) > MaxResults {
		matches = matches[:MaxResults]
	}
	return matches
}

// NewClient describes a client registration.
type NewClient struct {
	Phone    string
	FullName string
	Address  string
	Language client.Language
}

// Register validates and stores a new client. A phone already registered is
// refused with sqlite.ErrDuplicatePhone; the caller offers the existing
// client instead.
func (s *Service) Register(nc NewClient) (*client.User, error) {
	normalised, err := client.NormalisePhone(nc.Phone)
	if err != nil {
		return nil, err
	}
	if err := client.ValidateFullName(nc.FullName); err != nil {
		return nil, err
	}
	if err := client.ValidateAddress(nc.Address); err != nil {
		return nil, err
	}
	lang := nc.Language
	if lang == "" {
		lang = client.LanguageUzbek
	}
	if !lang.IsValid() {
		return nil, client.ErrInvalidLanguage
	}

	now := s.now()
	u := &client.User{
		PhoneNormalised: normalised,
		FullName:        nc.FullName,
		Role:            request.RoleClient,
		Language:        lang,
		Address:         nc.Address,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.users.Insert(u); err != nil {
		return nil, err
	}
	s.cache.Delete(normalised)
	log.Info(log.CatStaff, "client registered", "client_id", u.ID, "phone", normalised)
	return u, nil
}
