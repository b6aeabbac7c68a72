// Package adminauth implements the minimal admin login/session interface
// named at spec §6's /api/admin endpoints: a single admin user, bcrypt
// password hashing, and opaque bearer session tokens. The full login UI,
// 2FA, and onboarding flow the spec names alongside it are out of scope —
// this package only carries the interface contract.
package adminauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
	"golang.org/x/crypto/bcrypt"
)

var (
	bucketUsers    = []byte("admin_users")
	bucketSessions = []byte("admin_sessions")

	singletonUserKey = []byte("admin")

	// ErrAlreadySetUp is returned by Setup once an admin user exists.
	ErrAlreadySetUp = errors.New("adminauth: already set up")
	// ErrInvalidCredentials is returned by Login on a bad username/password.
	ErrInvalidCredentials = errors.New("adminauth: invalid credentials")
	// ErrSessionNotFound is returned by Validate for an unknown or expired token.
	ErrSessionNotFound = errors.New("adminauth: session not found")
)

// SessionTTL is how long an issued token remains valid without renewal.
const SessionTTL = 24 * time.Hour

// BcryptCost matches spec §6's "bcrypt cost >= 12" requirement.
const BcryptCost = 12

type user struct {
	PasswordHash []byte    `json:"password_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

type session struct {
	ExpiresAt time.Time `json:"expires_at"`
}

// Store persists the single admin user and its live sessions in a bbolt
// database, mirroring the account store's embedded-KV approach (spec §1's
// abstracted persistence interface).
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if absent) a bbolt database file at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("adminauth: open bbolt: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketUsers); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketSessions)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// IsSetUp reports whether an admin password has already been chosen.
func (s *Store) IsSetUp(context.Context) (bool, error) {
	var set bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		set = tx.Bucket(bucketUsers).Get(singletonUserKey) != nil
		return nil
	})
	return set, err
}

// Setup stores the initial admin password. It fails once a user exists;
// password rotation is not part of this interface.
func (s *Store) Setup(ctx context.Context, password string) error {
	setUp, err := s.IsSetUp(ctx)
	if err != nil {
		return err
	}
	if setUp {
		return ErrAlreadySetUp
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return fmt.Errorf("adminauth: hash password: %w", err)
	}
	u := user{PasswordHash: hash, CreatedAt: time.Now()}
	buf, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUsers).Put(singletonUserKey, buf)
	})
}

// Login verifies password against the stored hash and, on success, issues
// a fresh opaque session token.
func (s *Store) Login(ctx context.Context, password string) (token string, err error) {
	var u user
	err = s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketUsers).Get(singletonUserKey)
		if raw == nil {
			return ErrInvalidCredentials
		}
		return json.Unmarshal(raw, &u)
	})
	if err != nil {
		return "", err
	}
	if bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)) != nil {
		return "", ErrInvalidCredentials
	}

	token, err = newToken()
	if err != nil {
		return "", err
	}
	sess := session{ExpiresAt: time.Now().Add(SessionTTL)}
	buf, err := json.Marshal(sess)
	if err != nil {
		return "", err
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSessions).Put([]byte(token), buf)
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// Logout deletes a session token so it is rejected by any later Validate.
func (s *Store) Logout(_ context.Context, token string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSessions).Delete([]byte(token))
	})
}

// Validate reports whether token names a live, unexpired session.
func (s *Store) Validate(_ context.Context, token string) error {
	if token == "" {
		return ErrSessionNotFound
	}
	var sess session
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketSessions).Get([]byte(token))
		if raw == nil {
			return ErrSessionNotFound
		}
		return json.Unmarshal(raw, &sess)
	})
	if err != nil {
		return err
	}
	if time.Now().After(sess.ExpiresAt) {
		_ = s.Logout(context.Background(), token)
		return ErrSessionNotFound
	}
	return nil
}

// newToken returns a 32-byte opaque value, base64url-encoded, per spec §6.
func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("adminauth: generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
