package auth

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultDirectory(t *testing.T) {
	users := DefaultDirectory().Users()
	require.Len(t, users, 3)
	require.Equal(t, User{ID: 1, Name: "User 1", Email: "user1@example.com", Role: "admin"}, users[0])
	require.Equal(t, "user", users[2].Role)
}

func TestLookup(t *testing.T) {
	d := DefaultDirectory()

	u, err := d.Lookup("2")
	require.NoError(t, err)
	require.Equal(t, "User 2", u.Name)
	require.Equal(t, "2", u.Key())

	_, err = d.Lookup("")
	require.ErrorIs(t, err, ErrMissingCookie)

	_, err = d.Lookup("default_user")
	require.ErrorIs(t, err, ErrUnknownUser)
}
