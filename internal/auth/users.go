// Locus - Realtime Location Presence Server
// Copyright 2026 Alex Roth (alexroth96)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/alexroth96/locus

package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Sentinel errors returned by user stores.
var (
	ErrUserNotFound       = errors.New("user not found")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
)

// User is a registered account. Email is the login key, Username the
// display name shown to other users. PasswordHash is a bcrypt hash and
// never leaves the auth package.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash []byte    `json:"password_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

// UserStore persists registered users.
type UserStore interface {
	Create(ctx context.Context, user *User) error
	GetByEmail(ctx context.Context, email string) (*User, error)
	GetByID(ctx context.Context, id string) (*User, error)
	Close() error
}

// UserService wraps a UserStore with registration and credential checks.
type UserService struct {
	store      UserStore
	bcryptCost int
}

// NewUserService creates a user service over the given store.
// A bcrypt cost outside the library's valid range falls back to the default.
func NewUserService(store UserStore, bcryptCost int) *UserService {
	if bcryptCost < bcrypt.MinCost || bcryptCost > bcrypt.MaxCost {
		bcryptCost = bcrypt.DefaultCost
	}
	return &UserService{store: store, bcryptCost: bcryptCost}
}

// Register creates a new user with a freshly hashed password.
// Returns ErrEmailTaken if the email is already registered.
func (s *UserService) Register(ctx context.Context, username, email, password string) (*User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &User{
		ID:           uuid.New().String(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}

	if err := s.store.Create(ctx, user); err != nil {
		return nil, err
	}

	return user, nil
}

// Authenticate verifies an email/password pair. It returns
// ErrInvalidCredentials for both unknown emails and wrong passwords so
// callers cannot distinguish the two.
func (s *UserService) Authenticate(ctx context.Context, email, password string) (*User, error) {
	user, err := s.store.GetByEmail(ctx, email)
	if errors.Is(err, ErrUserNotFound) {
		// Burn a comparison anyway to keep timing uniform.
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	return user, nil
}

// dummyHash is compared against when the email does not exist.
var dummyHash = func() []byte {
	h, err := bcrypt.GenerateFromPassword([]byte("locus-timing-pad"), bcrypt.MinCost)
	if err != nil {
		panic(err)
	}
	return h
}()

// Key prefixes for BadgerDB storage.
const (
	userKeyPrefix   = "user:"
	userIDKeyPrefix = "user_id:"
)

// BadgerUserStore implements UserStore using BadgerDB for durable storage.
type BadgerUserStore struct {
	db *badger.DB
}

// NewBadgerUserStore opens a BadgerDB at path and returns a store over it.
func NewBadgerUserStore(path string) (*BadgerUserStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open user database: %w", err)
	}
	return &BadgerUserStore{db: db}, nil
}

// NewBadgerUserStoreFromDB wraps an already open BadgerDB.
func NewBadgerUserStoreFromDB(db *badger.DB) *BadgerUserStore {
	return &BadgerUserStore{db: db}
}

// Create stores a new user. The email key is written only if absent,
// inside one transaction, so concurrent registrations cannot both win.
func (s *BadgerUserStore) Create(ctx context.Context, user *User) error {
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		emailKey := []byte(userKeyPrefix + user.Email)
		_, err := txn.Get(emailKey)
		if err == nil {
			return ErrEmailTaken
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("check email: %w", err)
		}

		if err := txn.Set(emailKey, data); err != nil {
			return fmt.Errorf("set user: %w", err)
		}

		// Secondary index for lookup by id.
		idKey := []byte(userIDKeyPrefix + user.ID)
		if err := txn.Set(idKey, []byte(user.Email)); err != nil {
			return fmt.Errorf("set id mapping: %w", err)
		}

		return nil
	})
}

// GetByEmail retrieves a user by email.
func (s *BadgerUserStore) GetByEmail(ctx context.Context, email string) (*User, error) {
	var user User

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(userKeyPrefix + email))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrUserNotFound
		}
		if err != nil {
			return fmt.Errorf("get user: %w", err)
		}

		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &user)
		})
	})
	if err != nil {
		return nil, err
	}

	return &user, nil
}

// GetByID retrieves a user via the id index.
func (s *BadgerUserStore) GetByID(ctx context.Context, id string) (*User, error) {
	var email string

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(userIDKeyPrefix + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrUserNotFound
		}
		if err != nil {
			return fmt.Errorf("get id mapping: %w", err)
		}

		return item.Value(func(val []byte) error {
			email = string(val)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return s.GetByEmail(ctx, email)
}

// Close closes the underlying database.
func (s *BadgerUserStore) Close() error {
	return s.db.Close()
}

// MemoryUserStore implements UserStore in memory. Used when no
// persistence path is configured, and in tests.
type MemoryUserStore struct {
	mu      sync.RWMutex
	byEmail map[string]*User
	byID    map[string]string
}

// NewMemoryUserStore creates an empty in-memory store.
func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{
		byEmail: make(map[string]*User),
		byID:    make(map[string]string),
	}
}

// Create stores a new user, rejecting duplicate emails.
func (s *MemoryUserStore) Create(ctx context.Context, user *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byEmail[user.Email]; exists {
		return ErrEmailTaken
	}

	clone := *user
	s.byEmail[user.Email] = &clone
	s.byID[user.ID] = user.Email
	return nil
}

// GetByEmail retrieves a user by email.
func (s *MemoryUserStore) GetByEmail(ctx context.Context, email string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.byEmail[email]
	if !ok {
		return nil, ErrUserNotFound
	}

	clone := *user
	return &clone, nil
}

// GetByID retrieves a user by id.
func (s *MemoryUserStore) GetByID(ctx context.Context, id string) (*User, error) {
	s.mu.RLock()
	email, ok := s.byID[id]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrUserNotFound
	}
	return s.GetByEmail(ctx, email)
}

// Close is a no-op for the in-memory store.
func (s *MemoryUserStore) Close() error {
	return nil
}
