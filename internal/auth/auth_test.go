package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerify(t *testing.T) {
	iss := NewIssuer("test-secret")
	p := Principal{UserID: "u-1", DisplayName: "Ada Analyst", Role: RoleViewer}

	token, err := iss.Issue(p, time.Hour)
	require.NoError(t, err)

	got, err := iss.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestVerify_DefaultsDisplayNameToSubject(t *testing.T) {
	iss := NewIssuer("test-secret")
	token, err := iss.Issue(Principal{UserID: "u-2", Role: RoleAdmin}, time.Hour)
	require.NoError(t, err)

	got, err := iss.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "u-2", got.DisplayName)
	assert.True(t, got.IsAdmin())
}

func TestVerify_Rejects(t *testing.T) {
	iss := NewIssuer("test-secret")
	valid, err := iss.Issue(Principal{UserID: "u", Role: RoleAdmin}, time.Hour)
	require.NoError(t, err)

	expiredIssuer := NewIssuer("test-secret")
	expiredIssuer.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, err := expiredIssuer.Issue(Principal{UserID: "u", Role: RoleAdmin}, time.Hour)
	require.NoError(t, err)

	badRole, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Role: "superuser",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u",
			Issuer:    "fraudwatch",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		iss   *Issuer
		want  error
	}{
		{"empty", "", iss, ErrNoToken},
		{"garbage", "not-a-jwt", iss, ErrInvalidToken},
		{"wrong secret", valid, NewIssuer("other"), ErrInvalidToken},
		{"expired", expired, iss, ErrInvalidToken},
		{"unknown role", badRole, iss, ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.iss.Verify(tt.token)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestIssue_Validation(t *testing.T) {
	iss := NewIssuer("s")
	_, err := iss.Issue(Principal{UserID: "u", Role: "root"}, time.Hour)
	assert.ErrorIs(t, err, ErrInvalidRole)

	_, err = iss.Issue(Principal{Role: RoleViewer}, time.Hour)
	assert.Error(t, err)
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole("admin")
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, r)

	_, err = ParseRole("Admin")
	assert.ErrorIs(t, err, ErrInvalidRole)
}
