// Package service contains the business logic layer of the application.
//
// THE THREE-LAYER ARCHITECTURE:
//
//	Handler (HTTP layer)     → parses requests, writes responses
//	Service (Business layer) → validates, enforces rules, orchestrates
//	Repository (Data layer)  → reads/writes the store
//
// Services take repository interfaces, never a concrete store. main.go
// picks sqlite, postgres or memory; the services cannot tell the difference,
// and the tests here run against the in-memory store.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sakif/calmora/internal/apperror"
	"github.com/sakif/calmora/internal/auth"
	"github.com/sakif/calmora/internal/model"
	"github.com/sakif/calmora/internal/repository"
)

// MinPasswordLength is the shortest password Register accepts, in characters.
const MinPasswordLength = 6

const msgInvalidCredentials = "Invalid username or password"

// PasswordHasher is the subset of *auth.PasswordService the account flows use.
type PasswordHasher interface {
	Hash(plaintext string) (string, error)
	Verify(hash, plaintext string) error
	VerifyDummy(plaintext string) error
}

// AccountService handles registration, login and profile updates.
//
// DEPENDENCIES (injected via NewAccountService):
//   - users      repository.UserRepository → read/write user records
//   - tokens     *auth.TokenService        → issue/verify access tokens
//   - passwords  PasswordHasher            → bcrypt hashing
//   - logger     *slog.Logger              → structured logging
type AccountService struct {
	users     repository.UserRepository
	tokens    *auth.TokenService
	passwords PasswordHasher
	logger    *slog.Logger
}

func NewAccountService(
	users repository.UserRepository,
	tokens *auth.TokenService,
	passwords PasswordHasher,
	logger *slog.Logger,
) *AccountService {
	return &AccountService{
		users:     users,
		tokens:    tokens,
		passwords: passwords,
		logger:    logger,
	}
}

// AuthResult bundles the user record and the issued token so the handler
// can respond in one step.
type AuthResult struct {
	User  *model.User
	Token string
}

// Register creates an account and returns it with a fresh access token.
//
// RULES:
//   - username and email are trimmed; all three fields are required
//   - password must be at least MinPasswordLength characters
//   - username, then email, must not belong to another account (409)
//
// The user row and its five default documents are written in one
// transaction by the store, so a failed registration leaves nothing behind.
func (s *AccountService) Register(ctx context.Context, username, email, password string) (*AuthResult, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)

	if username == "" || email == "" || password == "" {
		return nil, apperror.ValidationFailed("", "Username, email, and password are required")
	}
	if utf8.RuneCountInString(password) < MinPasswordLength {
		return nil, apperror.ValidationFailed("password",
			fmt.Sprintf("Password must be at least %d characters", MinPasswordLength))
	}

	// Checked up front so the caller gets the field-specific message. The
	// store's unique constraints still catch a concurrent registration.
	if err := s.ensureFree(ctx, "", username, email); err != nil {
		return nil, err
	}

	hash, err := s.passwords.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("service/account: hashing password for %q: %w", username, err)
	}

	user := &model.User{
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		ProfileData:  model.EmptyObject,
	}
	docs := model.DefaultDocuments("", time.Now())

	if err := s.users.CreateUser(ctx, user, docs); err != nil {
		if errors.Is(err, apperror.ErrConflict) {
			return nil, err
		}
		s.logger.Error("failed to create user",
			slog.String("username", username),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("service/account: creating user %q: %w", username, err)
	}

	s.logger.Info("user registered",
		slog.String("userID", user.ID),
		slog.String("username", user.Username),
	)

	return s.issue(user)
}

// Login verifies credentials and returns the user with a fresh token.
//
// An unknown username and a wrong password produce the same error, so the
// response never reveals which usernames exist.
func (s *AccountService) Login(ctx context.Context, username, password string) (*AuthResult, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, apperror.ValidationFailed("", "Username and password are required")
	}

	user, err := s.users.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			// Same bcrypt work as a wrong password, so timing does not
			// reveal whether the username exists.
			_ = s.passwords.VerifyDummy(password)
			return nil, apperror.Unauthorized(msgInvalidCredentials)
		}
		return nil, fmt.Errorf("service/account: looking up %q: %w", username, err)
	}

	if err := s.passwords.Verify(user.PasswordHash, password); err != nil {
		if !errors.Is(err, auth.ErrPasswordMismatch) {
			s.logger.Error("stored password hash is unreadable",
				slog.String("userID", user.ID),
				slog.String("error", err.Error()),
			)
		}
		return nil, apperror.Unauthorized(msgInvalidCredentials)
	}

	s.logger.Info("user logged in", slog.String("userID", user.ID))

	return s.issue(user)
}

// CurrentUser resolves a raw access token to its account.
func (s *AccountService) CurrentUser(ctx context.Context, token string) (*model.User, error) {
	userID, err := s.tokens.Verify(token)
	if err != nil {
		return nil, apperror.Unauthorized("Unauthorized")
	}
	return s.GetUser(ctx, userID)
}

// GetUser returns the account with the given ID. The /me handler uses it
// after RequireAuth has already verified the token.
func (s *AccountService) GetUser(ctx context.Context, userID string) (*model.User, error) {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("service/account: fetching user %s: %w", userID, err)
	}
	return user, nil
}

// ProfilePatch is a partial profile update. A nil field is left unchanged.
// ProfileData holds the raw JSON sent by the client; the literal null resets
// the profile to {}.
type ProfilePatch struct {
	Username    *string
	Email       *string
	ProfileData json.RawMessage
}

// UpdateProfile applies patch to the account and returns the stored result.
func (s *AccountService) UpdateProfile(ctx context.Context, userID string, patch ProfilePatch) (*model.User, error) {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	if patch.Username != nil {
		name := strings.TrimSpace(*patch.Username)
		if name == "" {
			return nil, apperror.ValidationFailed("username", "Username cannot be empty")
		}
		user.Username = name
	}
	if patch.Email != nil {
		email := strings.TrimSpace(*patch.Email)
		if email == "" {
			return nil, apperror.ValidationFailed("email", "Email cannot be empty")
		}
		user.Email = email
	}
	if patch.ProfileData != nil {
		data := bytes.TrimSpace(patch.ProfileData)
		switch {
		case bytes.Equal(data, []byte("null")):
			user.ProfileData = model.EmptyObject
		case isJSONObject(data):
			user.ProfileData = append(json.RawMessage(nil), data...)
		default:
			return nil, apperror.ValidationFailed("profile_data", "Profile data must be a JSON object")
		}
	}

	if err := s.ensureFree(ctx, user.ID, user.Username, user.Email); err != nil {
		return nil, err
	}

	if err := s.users.UpdateUser(ctx, user); err != nil {
		if errors.Is(err, apperror.ErrConflict) || errors.Is(err, apperror.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("service/account: updating user %s: %w", userID, err)
	}

	s.logger.Info("profile updated", slog.String("userID", user.ID))
	return user, nil
}

// ensureFree returns a Conflict if username or email belongs to an account
// other than selfID. Username is checked first.
func (s *AccountService) ensureFree(ctx context.Context, selfID, username, email string) error {
	checks := []struct {
		field  string
		lookup func(context.Context, string) (*model.User, error)
		value  string
	}{
		{"username", s.users.GetUserByUsername, username},
		{"email", s.users.GetUserByEmail, email},
	}

	for _, c := range checks {
		existing, err := c.lookup(ctx, c.value)
		switch {
		case errors.Is(err, apperror.ErrNotFound):
			continue
		case err != nil:
			return fmt.Errorf("service/account: checking %s: %w", c.field, err)
		case existing.ID != selfID:
			return repository.DuplicateField(c.field)
		}
	}
	return nil
}

func (s *AccountService) issue(user *model.User) (*AuthResult, error) {
	token, err := s.tokens.Issue(user.ID)
	if err != nil {
		return nil, fmt.Errorf("service/account: issuing token for user %s: %w", user.ID, err)
	}
	return &AuthResult{User: user, Token: token}, nil
}
