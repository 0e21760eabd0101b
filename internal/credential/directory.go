// Package credential validates login credentials against the employee directory.
package credential

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/ashureev/aess/internal/domain"
	"gopkg.in/yaml.v3"
)

// ErrInvalidCredentials is returned for an unknown email or wrong password.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Demo account seeded when no users file is configured.
const (
	DemoEmail    = "demo@company.com"
	DemoPassword = "demo123"
	DemoName     = "Demo User"
	DemoRole     = domain.RoleEmployee
)

// Directory is a concurrency-safe, replaceable set of users.
type Directory struct {
	mu     sync.RWMutex
	users  map[string]domain.User
	hasher Hasher
}

// NewDirectory creates a directory verifying passwords with hasher.
func NewDirectory(hasher Hasher, users ...domain.User) *Directory {
	d := &Directory{hasher: hasher}
	d.Replace(users)
	return d
}

// NewDemoDirectory returns a directory holding only the demo account.
func NewDemoDirectory(hasher Hasher) (*Directory, error) {
	hash, err := hasher.Hash(DemoPassword)
	if err != nil {
		return nil, err
	}
	return NewDirectory(hasher, domain.User{
		Email:        DemoEmail,
		Name:         DemoName,
		Role:         DemoRole,
		PasswordHash: hash,
	}), nil
}

// Replace swaps the full user set.
func (d *Directory) Replace(users []domain.User) {
	next := make(map[string]domain.User, len(users))
	for _, u := range users {
		u.Email = domain.NormalizeEmail(u.Email)
		next[u.Email] = u
	}
	d.mu.Lock()
	d.users = next
	d.mu.Unlock()
}

// Len returns the number of users.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.users)
}

// Lookup finds a user by email.
func (d *Directory) Lookup(email string) (domain.User, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[domain.NormalizeEmail(email)]
	return u, ok
}

// Authenticate validates email and password.
func (d *Directory) Authenticate(email, password string) (domain.User, error) {
	u, ok := d.Lookup(email)
	if !ok || password == "" || !d.hasher.Verify(u.PasswordHash, password) {
		return domain.User{}, ErrInvalidCredentials
	}
	return u, nil
}

type directoryFile struct {
	Users []domain.User `yaml:"users"`
}

// LoadFile reads users from a YAML file of the form
//
//	users:
//	  - email: jane@company.com
//	    name: Jane Doe
//	    role: employee
//	    password_hash: $2a$10$...
func LoadFile(path string) ([]domain.User, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read users file: %w", err)
	}
	var f directoryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse users file: %w", err)
	}
	for i, u := range f.Users {
		if domain.NormalizeEmail(u.Email) == "" {
			return nil, fmt.Errorf("users file: entry %d has no email", i)
		}
		if u.PasswordHash == "" {
			return nil, fmt.Errorf("users file: %s has no password_hash", u.Email)
		}
	}
	return f.Users, nil
}
