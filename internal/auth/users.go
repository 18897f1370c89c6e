// Package auth resolves the caller from the user_id cookie against a fixed
// user table. It is an identification stub, not an authentication scheme.
package auth

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
)

// CookieName is the cookie carrying the caller's user id.
const CookieName = "user_id"

// DefaultUserID is the id /users/set-cookie issues when none is requested.
const DefaultUserID = "1"

var (
	// ErrMissingCookie means the request carried no user_id cookie.
	ErrMissingCookie = errors.New("auth: user_id cookie is required")
	// ErrUnknownUser means the cookie names no known user.
	ErrUnknownUser = errors.New("auth: unknown user id")
)

// User is a known caller.
type User struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// Key returns the id used as the owner of stored threads.
func (u User) Key() string {
	return strconv.Itoa(u.ID)
}

// Directory is an immutable set of users keyed by cookie value.
type Directory struct {
	users map[string]User
}

// NewDirectory builds a directory from users.
func NewDirectory(users ...User) *Directory {
	d := &Directory{users: make(map[string]User, len(users))}
	for _, u := range users {
		d.users[u.Key()] = u
	}
	return d
}

// DefaultDirectory returns the three built-in users; user 1 is the admin.
func DefaultDirectory() *Directory {
	users := make([]User, 0, 3)
	for i := 1; i <= 3; i++ {
		role := "user"
		if i == 1 {
			role = "admin"
		}
		users = append(users, User{
			ID:    i,
			Name:  fmt.Sprintf("User %d", i),
			Email: fmt.Sprintf("user%d@example.com", i),
			Role:  role,
		})
	}
	return NewDirectory(users...)
}

// Lookup resolves a cookie value. An empty value is ErrMissingCookie.
func (d *Directory) Lookup(cookie string) (User, error) {
	if cookie == "" {
		return User{}, ErrMissingCookie
	}
	u, ok := d.users[cookie]
	if !ok {
		return User{}, fmt.Errorf("%w: %q", ErrUnknownUser, cookie)
	}
	return u, nil
}

// Users returns every user ordered by id.
func (d *Directory) Users() []User {
	out := make([]User, 0, len(d.users))
	for _, u := range d.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
