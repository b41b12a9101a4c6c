package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublicProjectionHasNoHashField(t *testing.T) {
	user := User{
		ID:           "id-1",
		FullName:     "Nguyen Van A",
		Email:        "a@x.com",
		PasswordHash: "$2a$12$somethingsecret",
		Role:         RoleUser,
	}

	raw, err := json.Marshal(user.Public())
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	for key := range fields {
		assert.NotContains(t, key, "password")
	}
	assert.NotContains(t, string(raw), user.PasswordHash)
}

func TestRoleValid(t *testing.T) {
	assert.True(t, RoleUser.Valid())
	assert.True(t, RoleAdmin.Valid())
	assert.False(t, Role("root").Valid())
}
