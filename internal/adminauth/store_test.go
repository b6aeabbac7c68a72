package adminauth

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "admin.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSetup_OnlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	setUp, err := s.IsSetUp(ctx)
	require.NoError(t, err)
	require.False(t, setUp)

	require.NoError(t, s.Setup(ctx, "correct-horse"))
	require.ErrorIs(t, s.Setup(ctx, "another"), ErrAlreadySetUp)

	setUp, err = s.IsSetUp(ctx)
	require.NoError(t, err)
	require.True(t, setUp)
}

func TestLogin_WrongPasswordRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Setup(ctx, "correct-horse"))

	_, err := s.Login(ctx, "wrong")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	token, err := s.Login(ctx, "correct-horse")
	require.NoError(t, err)
	require.NotEmpty(t, token)
}

func TestValidate_LogoutInvalidatesToken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Setup(ctx, "correct-horse"))
	token, err := s.Login(ctx, "correct-horse")
	require.NoError(t, err)

	require.NoError(t, s.Validate(ctx, token))
	require.NoError(t, s.Logout(ctx, token))
	require.ErrorIs(t, s.Validate(ctx, token), ErrSessionNotFound)
}

func TestValidate_ExpiredSessionRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Setup(ctx, "correct-horse"))
	token, err := s.Login(ctx, "correct-horse")
	require.NoError(t, err)

	expired, err := json.Marshal(session{ExpiresAt: time.Now().Add(-time.Minute)})
	require.NoError(t, err)
	require.NoError(t, s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSessions).Put([]byte(token), expired)
	}))

	require.ErrorIs(t, s.Validate(ctx, token), ErrSessionNotFound)
}
