package scopes

import (
	"testing"

	autherrors "github.com/alexjbarnes/token-authority/internal/errors"
	"github.com/alexjbarnes/token-authority/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCatalog(t *testing.T, required ...string) *Catalog {
	t.Helper()
	c, err := NewCatalog([]models.Permission{
		{Name: "read", Description: "Read access", Default: true},
		{Name: "write", Description: "Write access"},
		{Name: "admin"},
		{Name: RefreshTokenScope, InvisibleToClient: true},
	}, required)
	require.NoError(t, err)
	return c
}

func TestNewCatalog_RejectsDuplicates(t *testing.T) {
	_, err := NewCatalog([]models.Permission{{Name: "a"}, {Name: "a"}}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestNewCatalog_RequiredMustExist(t *testing.T) {
	_, err := NewCatalog([]models.Permission{{Name: "a"}}, []string{"b"})
	require.Error(t, err)
}

func TestResolve_PreservesOrder(t *testing.T) {
	c := testCatalog(t)
	perms, err := c.Resolve([]string{"write", "read"})
	require.NoError(t, err)
	require.Len(t, perms, 2)
	assert.Equal(t, "write", perms[0].Name)
	assert.Equal(t, "Read access", perms[1].Description)
}

func TestResolve_UnknownScope(t *testing.T) {
	c := testCatalog(t)
	_, err := c.Resolve([]string{"read", "delete"})
	assert.ErrorIs(t, err, autherrors.ErrInvalidScope)
}

func TestResolve_RequiredScopeMissing(t *testing.T) {
	c := testCatalog(t, "read")
	_, err := c.Resolve([]string{"write"})
	assert.ErrorIs(t, err, autherrors.ErrInvalidScope)

	_, err = c.Resolve([]string{"write", "read"})
	assert.NoError(t, err)
}

func TestForClient(t *testing.T) {
	c := testCatalog(t)
	registered := &models.Client{ClientID: "c1", RegisteredScopes: []string{"read", "write"}}
	open := &models.Client{ClientID: "c2"}

	got, err := c.ForClient(registered, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"read", "write"}, got)

	got, err = c.ForClient(open, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"read"}, got)

	_, err = c.ForClient(registered, []string{"admin"})
	assert.ErrorIs(t, err, autherrors.ErrInvalidScope)

	got, err = c.ForClient(open, []string{"admin", "admin"})
	require.NoError(t, err)
	assert.Equal(t, []string{"admin"}, got)
}

func TestParseAndFormat(t *testing.T) {
	assert.Equal(t, []string{"read", "write"}, Parse("  read write read "))
	assert.Nil(t, Parse(""))

	c := testCatalog(t)
	perms, err := c.Resolve([]string{"read", RefreshTokenScope, "write"})
	require.NoError(t, err)
	assert.Equal(t, "read write", Format(perms))
}

func TestSubset(t *testing.T) {
	assert.True(t, Subset([]string{"a"}, []string{"a", "b"}))
	assert.True(t, Subset(nil, []string{"a"}))
	assert.False(t, Subset([]string{"a", "b", "c"}, []string{"a", "b"}))
}
