package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
)

type account struct {
	email    string
	password string
	name     string
	roles    []string
}

// parseUsers reads EMAIL:PASSWORD:NAME:ROLES entries separated by
// semicolons, roles comma separated.
// Example: ops@example.com:s3cret:Ops:approver,viewer
func parseUsers(raw string) ([]account, error) {
	var users []account

	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		parts := strings.SplitN(entry, ":", 4)
		if len(parts) != 4 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid user entry %q", redactEntry(entry))
		}

		var roles []string
		for _, r := range strings.Split(parts[3], ",") {
			if r = strings.TrimSpace(r); r != "" {
				roles = append(roles, r)
			}
		}

		users = append(users, account{
			email:    parts[0],
			password: parts[1],
			name:     parts[2],
			roles:    roles,
		})
	}

	return users, nil
}

var ErrInvalidCredentials = errors.New("invalid operator credentials")

// Authenticate checks credentials against the configured users.
func (m *Manager) Authenticate(email, password string) (*User, error) {
	var found *account
	for i := range m.users {
		u := &m.users[i]
		// compare every entry so timing does not reveal which email exists
		emailMatch := subtle.ConstantTimeCompare([]byte(email), []byte(u.email)) == 1
		passMatch := subtle.ConstantTimeCompare([]byte(password), []byte(u.password)) == 1
		if emailMatch && passMatch && found == nil {
			found = u
		}
	}

	if found == nil {
		return nil, ErrInvalidCredentials
	}

	return &User{
		ID:    generateUserID(found.email),
		Email: found.email,
		Name:  found.name,
		Roles: found.roles,
	}, nil
}

// generateUserID creates consistent ID from email
func generateUserID(email string) string {
	return strings.ReplaceAll(email, "@", "-")
}

func redactEntry(entry string) string {
	if i := strings.IndexByte(entry, ':'); i >= 0 {
		return entry[:i] + ":***"
	}
	return entry
}
