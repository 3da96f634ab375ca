package auth

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kerfworks/kerfgate/internal/model"
)

func TestIssueAndValidateToken(t *testing.T) {
	mgr, err := NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	op := model.Operator{
		ID:         uuid.New(),
		OperatorID: "supervisor.lee",
		Role:       model.RoleSupervisor,
	}

	token, exp, err := mgr.IssueToken(op)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, time.Minute)

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "supervisor.lee", claims.OperatorID)
	assert.Equal(t, model.RoleSupervisor, claims.Role)
	assert.Equal(t, op.ID.String(), claims.Subject)
}

func TestValidateTokenWrongKey(t *testing.T) {
	issuer, err := NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	verifier, err := NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	token, _, err := issuer.IssueToken(model.Operator{ID: uuid.New(), OperatorID: "x", Role: model.RoleViewer})
	require.NoError(t, err)

	_, err = verifier.ValidateToken(token)
	require.Error(t, err)
}

func TestValidateTokenExpired(t *testing.T) {
	mgr, err := NewJWTManager("", "", -time.Minute)
	require.NoError(t, err)

	token, _, err := mgr.IssueToken(model.Operator{ID: uuid.New(), OperatorID: "x", Role: model.RoleViewer})
	require.NoError(t, err)

	_, err = mgr.ValidateToken(token)
	require.Error(t, err)
}

func TestHashAndVerifyAPIKey(t *testing.T) {
	hash, err := HashAPIKey("shop-floor-key-1")
	require.NoError(t, err)

	ok, err := VerifyAPIKey("shop-floor-key-1", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyAPIKey("wrong-key", hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashIsSalted(t *testing.T) {
	a, err := HashAPIKey("same-key")
	require.NoError(t, err)
	b, err := HashAPIKey("same-key")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestRoleLadder(t *testing.T) {
	assert.True(t, model.RoleAtLeast(model.RoleAdmin, model.RoleSupervisor))
	assert.True(t, model.RoleAtLeast(model.RoleSupervisor, model.RoleSupervisor))
	assert.False(t, model.RoleAtLeast(model.RoleOperator, model.RoleSupervisor))
	assert.False(t, model.RoleAtLeast(model.OperatorRole("unknown"), model.RoleViewer))
}
