package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/dealer-sso/internal/auth"
)

func run(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &errOut
	err := app.Run(append([]string{"ssoctl", "--store", "file", "--data-dir", dir}, args...))
	return out.String(), err
}

func TestUsersCreateAndList(t *testing.T) {
	dir := t.TempDir()

	out, err := run(t, dir, "users", "create",
		"--username", "seller1", "--password", "Passw0rd123",
		"--role", "SELLER", "--roles", "SELLER=vehicle:read")
	require.NoError(t, err)
	assert.Contains(t, out, "created user seller1")

	_, err = run(t, dir, "users", "create", "--username", "buyer1", "--password", "Passw0rd123")
	require.NoError(t, err)

	out, err = run(t, dir, "users", "list", "--prefix", "sell")
	require.NoError(t, err)
	assert.Contains(t, out, "seller1")
	assert.Contains(t, out, "SELLER")
	assert.NotContains(t, out, "buyer1")

	out, err = run(t, dir, "users", "list", "--role", "SELLER", "--enabled", "true")
	require.NoError(t, err)
	assert.Contains(t, out, "seller1")

	_, err = run(t, dir, "users", "list", "--enabled", "maybe")
	assert.Error(t, err)
}

func TestUsersCreate_Invalid(t *testing.T) {
	_, err := run(t, t.TempDir(), "users", "create", "--username", "x", "--password", "short")
	assert.Error(t, err)
}

func TestClientsBootstrap_Idempotent(t *testing.T) {
	t.Setenv("IDP_BOOTSTRAP_CLIENTS", "partner|partner-secret|http://localhost:4000/callback")
	dir := t.TempDir()

	out, err := run(t, dir, "clients", "bootstrap")
	require.NoError(t, err)
	assert.Contains(t, out, "partner\tcreated")

	out, err = run(t, dir, "clients", "bootstrap")
	require.NoError(t, err)
	assert.Contains(t, out, "partner\texists")
}

func TestKeysRotate(t *testing.T) {
	dir := t.TempDir()

	first, err := run(t, dir, "keys", "rotate")
	require.NoError(t, err)
	second, err := run(t, dir, "keys", "rotate")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(first, "active key "))
	assert.NotEqual(t, first, second)
}

func TestConsentRevoke(t *testing.T) {
	dir := t.TempDir()

	out, err := run(t, dir, "consent", "revoke", "partner", "user-1")
	require.NoError(t, err)
	assert.Equal(t, "revoked\n", out)

	_, err = run(t, dir, "consent", "revoke", "partner")
	assert.Error(t, err)
}

func TestHashPassword(t *testing.T) {
	out, err := run(t, t.TempDir(), "hash-password", "Passw0rd123")
	require.NoError(t, err)

	ok, err := auth.VerifyPassword("Passw0rd123", strings.TrimSpace(out))
	require.NoError(t, err)
	assert.True(t, ok)
}
