package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/sakif/calmora/internal/apperror"
	"github.com/sakif/calmora/internal/auth"
	"github.com/sakif/calmora/internal/model"
	"github.com/sakif/calmora/internal/repository"
	"github.com/sakif/calmora/internal/repository/memory"
)

// =========================================================================
// HELPERS
// =========================================================================

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testTokens(t *testing.T) *auth.TokenService {
	t.Helper()
	ts, err := auth.NewTokenService("test-secret-at-least-16-chars!!", time.Hour)
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	return ts
}

// newTestAccountService wires an AccountService to a fresh in-memory store.
// bcrypt cost 4 keeps each hash in the millisecond range.
func newTestAccountService(t *testing.T) (*AccountService, *memory.Store) {
	t.Helper()
	store := memory.New()
	svc := NewAccountService(store, testTokens(t), auth.NewPasswordService(4), testLogger())
	return svc, store
}

func mustRegister(t *testing.T, svc *AccountService, username string) *AuthResult {
	t.Helper()
	res, err := svc.Register(context.Background(), username, username+"@example.com", "secret123")
	if err != nil {
		t.Fatalf("Register(%q): %v", username, err)
	}
	return res
}

func strPtr(s string) *string { return &s }

// failingUsers wraps a UserRepository and fails every lookup.
type failingUsers struct {
	repository.UserRepository
	err error
}

func (f failingUsers) GetUserByUsername(context.Context, string) (*model.User, error) {
	return nil, f.err
}

// =========================================================================
// Register
// =========================================================================

func TestRegister_Success(t *testing.T) {
	svc, store := newTestAccountService(t)

	res, err := svc.Register(context.Background(), "  alice  ", " alice@example.com ", "secret1")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if res.User.ID == "" || res.Token == "" {
		t.Fatalf("Register() returned empty ID or token: %+v", res)
	}
	if res.User.Username != "alice" || res.User.Email != "alice@example.com" {
		t.Errorf("Register() did not trim: username=%q email=%q", res.User.Username, res.User.Email)
	}
	if res.User.PasswordHash == "secret1" || !strings.HasPrefix(res.User.PasswordHash, "$2") {
		t.Errorf("password was not hashed: %q", res.User.PasswordHash)
	}

	userID, err := testTokens(t).Verify(res.Token)
	if err != nil || userID != res.User.ID {
		t.Errorf("token subject = %q (err %v), want %q", userID, err, res.User.ID)
	}

	docs, _ := store.ListDocuments(context.Background(), res.User.ID)
	if len(docs) != 5 {
		t.Errorf("Register() created %d documents, want 5", len(docs))
	}
}

func TestRegister_Validation(t *testing.T) {
	svc, _ := newTestAccountService(t)

	tests := []struct {
		name                      string
		username, email, password string
		wantMsg                   string
	}{
		{"missing username", "", "a@example.com", "secret1", "Username, email, and password are required"},
		{"blank username", "   ", "a@example.com", "secret1", "Username, email, and password are required"},
		{"missing email", "alice", "", "secret1", "Username, email, and password are required"},
		{"missing password", "alice", "a@example.com", "", "Username, email, and password are required"},
		{"short password", "alice", "a@example.com", "12345", "Password must be at least 6 characters"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Register(context.Background(), tt.username, tt.email, tt.password)
			if !errors.Is(err, apperror.ErrValidation) {
				t.Fatalf("Register() error = %v, want ErrValidation", err)
			}
			if err.Error() != tt.wantMsg {
				t.Errorf("message = %q, want %q", err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestRegister_Duplicates(t *testing.T) {
	svc, _ := newTestAccountService(t)
	mustRegister(t, svc, "alice")

	_, err := svc.Register(context.Background(), "alice", "new@example.com", "secret123")
	if !errors.Is(err, apperror.ErrConflict) || err.Error() != "Username already exists" {
		t.Errorf("duplicate username: error = %v", err)
	}

	_, err = svc.Register(context.Background(), "bob", "alice@example.com", "secret123")
	if !errors.Is(err, apperror.ErrConflict) || err.Error() != "Email already exists" {
		t.Errorf("duplicate email: error = %v", err)
	}

	// Username wins when both collide.
	_, err = svc.Register(context.Background(), "alice", "alice@example.com", "secret123")
	if err == nil || err.Error() != "Username already exists" {
		t.Errorf("double collision: error = %v", err)
	}
}

// =========================================================================
// Login
// =========================================================================

func TestLogin_Success(t *testing.T) {
	svc, _ := newTestAccountService(t)
	reg := mustRegister(t, svc, "alice")

	res, err := svc.Login(context.Background(), "alice", "secret123")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if res.User.ID != reg.User.ID {
		t.Errorf("Login() user = %s, want %s", res.User.ID, reg.User.ID)
	}
	if res.Token == "" {
		t.Error("Login() returned empty token")
	}
}

func TestRegister_LongPasswordThenLogin(t *testing.T) {
	svc, _ := newTestAccountService(t)
	ctx := context.Background()
	password := strings.Repeat("a", 80)

	if _, err := svc.Register(ctx, "longpw", "longpw@example.com", password); err != nil {
		t.Fatalf("Register() with an 80-character password error = %v", err)
	}
	if _, err := svc.Login(ctx, "longpw", password); err != nil {
		t.Fatalf("Login() with the same password error = %v", err)
	}
	if _, err := svc.Login(ctx, "longpw", strings.Repeat("a", 79)+"b"); !errors.Is(err, apperror.ErrUnauthorized) {
		t.Errorf("Login() with a different 80th character error = %v, want ErrUnauthorized", err)
	}
}

// countingHasher records how many bcrypt comparisons Login asked for.
type countingHasher struct {
	*auth.PasswordService
	compares int
}

func (c *countingHasher) Verify(hash, plaintext string) error {
	c.compares++
	return c.PasswordService.Verify(hash, plaintext)
}

func (c *countingHasher) VerifyDummy(plaintext string) error {
	c.compares++
	return c.PasswordService.VerifyDummy(plaintext)
}

func TestLogin_UnknownUserCostsOneCompare(t *testing.T) {
	hasher := &countingHasher{PasswordService: auth.NewPasswordService(4)}
	svc := NewAccountService(memory.New(), testTokens(t), hasher, testLogger())
	mustRegister(t, svc, "alice")
	ctx := context.Background()

	hasher.compares = 0
	_, _ = svc.Login(ctx, "alice", "wrong-password")
	wrongPassword := hasher.compares

	hasher.compares = 0
	_, _ = svc.Login(ctx, "nobody", "wrong-password")
	unknownUser := hasher.compares

	if wrongPassword != 1 || unknownUser != 1 {
		t.Errorf("bcrypt compares: wrong password = %d, unknown user = %d, want 1 each", wrongPassword, unknownUser)
	}
}

func TestLogin_FailuresAreIndistinguishable(t *testing.T) {
	svc, _ := newTestAccountService(t)
	mustRegister(t, svc, "alice")

	_, errUnknown := svc.Login(context.Background(), "nobody", "secret123")
	_, errWrong := svc.Login(context.Background(), "alice", "wrong-password")

	for _, err := range []error{errUnknown, errWrong} {
		if !errors.Is(err, apperror.ErrUnauthorized) {
			t.Fatalf("Login() error = %v, want ErrUnauthorized", err)
		}
	}
	if errUnknown.Error() != errWrong.Error() {
		t.Errorf("messages differ: %q vs %q", errUnknown.Error(), errWrong.Error())
	}
	if errWrong.Error() != "Invalid username or password" {
		t.Errorf("message = %q", errWrong.Error())
	}
}

func TestLogin_MissingFields(t *testing.T) {
	svc, _ := newTestAccountService(t)

	_, err := svc.Login(context.Background(), "", "x")
	if !errors.Is(err, apperror.ErrValidation) {
		t.Errorf("Login(empty username) error = %v, want ErrValidation", err)
	}
	_, err = svc.Login(context.Background(), "alice", "")
	if !errors.Is(err, apperror.ErrValidation) {
		t.Errorf("Login(empty password) error = %v, want ErrValidation", err)
	}
}

func TestLogin_StoreFailureIsNotUnauthorized(t *testing.T) {
	boom := errors.New("disk on fire")
	svc := NewAccountService(failingUsers{UserRepository: memory.New(), err: boom},
		testTokens(t), auth.NewPasswordService(4), testLogger())

	_, err := svc.Login(context.Background(), "alice", "secret123")
	if !errors.Is(err, boom) {
		t.Fatalf("Login() error = %v, want wrapped store error", err)
	}
	if errors.Is(err, apperror.ErrUnauthorized) {
		t.Error("a store failure must not look like bad credentials")
	}
}

// =========================================================================
// CurrentUser
// =========================================================================

func TestCurrentUser(t *testing.T) {
	svc, _ := newTestAccountService(t)
	reg := mustRegister(t, svc, "alice")

	u, err := svc.CurrentUser(context.Background(), reg.Token)
	if err != nil {
		t.Fatalf("CurrentUser() error = %v", err)
	}
	if u.Username != "alice" {
		t.Errorf("CurrentUser() username = %q", u.Username)
	}

	if _, err := svc.CurrentUser(context.Background(), "garbage"); !errors.Is(err, apperror.ErrUnauthorized) {
		t.Errorf("CurrentUser(garbage) error = %v, want ErrUnauthorized", err)
	}

	orphan, _ := testTokens(t).Issue("deleted-user")
	if _, err := svc.CurrentUser(context.Background(), orphan); !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("CurrentUser(orphan) error = %v, want ErrNotFound", err)
	}
}

// =========================================================================
// UpdateProfile
// =========================================================================

func TestUpdateProfile_PartialPatch(t *testing.T) {
	svc, _ := newTestAccountService(t)
	reg := mustRegister(t, svc, "alice")
	ctx := context.Background()

	u, err := svc.UpdateProfile(ctx, reg.User.ID, ProfilePatch{
		ProfileData: json.RawMessage(`{"bio":"breathing"}`),
	})
	if err != nil {
		t.Fatalf("UpdateProfile() error = %v", err)
	}
	if u.Username != "alice" || u.Email != "alice@example.com" {
		t.Errorf("absent fields changed: %+v", u)
	}
	if string(u.ProfileData) != `{"bio":"breathing"}` {
		t.Errorf("profile_data = %s", u.ProfileData)
	}

	u, err = svc.UpdateProfile(ctx, reg.User.ID, ProfilePatch{Username: strPtr("  alicia ")})
	if err != nil {
		t.Fatalf("UpdateProfile(username) error = %v", err)
	}
	if u.Username != "alicia" {
		t.Errorf("username = %q, want alicia", u.Username)
	}
	if string(u.ProfileData) != `{"bio":"breathing"}` {
		t.Errorf("profile_data lost on username update: %s", u.ProfileData)
	}

	// The new username logs in, the old one does not.
	if _, err := svc.Login(ctx, "alicia", "secret123"); err != nil {
		t.Errorf("Login(new username) error = %v", err)
	}
	if _, err := svc.Login(ctx, "alice", "secret123"); !errors.Is(err, apperror.ErrUnauthorized) {
		t.Errorf("Login(old username) error = %v, want ErrUnauthorized", err)
	}
}

func TestUpdateProfile_NullProfileDataResets(t *testing.T) {
	svc, _ := newTestAccountService(t)
	reg := mustRegister(t, svc, "alice")
	ctx := context.Background()

	if _, err := svc.UpdateProfile(ctx, reg.User.ID, ProfilePatch{ProfileData: json.RawMessage(`{"a":1}`)}); err != nil {
		t.Fatal(err)
	}
	u, err := svc.UpdateProfile(ctx, reg.User.ID, ProfilePatch{ProfileData: json.RawMessage(`null`)})
	if err != nil {
		t.Fatalf("UpdateProfile(null) error = %v", err)
	}
	if string(u.ProfileData) != `{}` {
		t.Errorf("profile_data = %s, want {}", u.ProfileData)
	}
}

func TestUpdateProfile_Errors(t *testing.T) {
	svc, _ := newTestAccountService(t)
	alice := mustRegister(t, svc, "alice")
	mustRegister(t, svc, "bob")
	ctx := context.Background()

	tests := []struct {
		name    string
		userID  string
		patch   ProfilePatch
		wantErr error
		wantMsg string
	}{
		{"empty username", alice.User.ID, ProfilePatch{Username: strPtr(" ")}, apperror.ErrValidation, "Username cannot be empty"},
		{"empty email", alice.User.ID, ProfilePatch{Email: strPtr("")}, apperror.ErrValidation, "Email cannot be empty"},
		{"profile_data array", alice.User.ID, ProfilePatch{ProfileData: json.RawMessage(`[1]`)}, apperror.ErrValidation, "Profile data must be a JSON object"},
		{"taken username", alice.User.ID, ProfilePatch{Username: strPtr("bob")}, apperror.ErrConflict, "Username already exists"},
		{"taken email", alice.User.ID, ProfilePatch{Email: strPtr("bob@example.com")}, apperror.ErrConflict, "Email already exists"},
		{"unknown user", "ghost", ProfilePatch{Username: strPtr("ghost")}, apperror.ErrNotFound, "User not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.UpdateProfile(ctx, tt.userID, tt.patch)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("UpdateProfile() error = %v, want %v", err, tt.wantErr)
			}
			if err.Error() != tt.wantMsg {
				t.Errorf("message = %q, want %q", err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestUpdateProfile_KeepingOwnUsernameIsNotAConflict(t *testing.T) {
	svc, _ := newTestAccountService(t)
	alice := mustRegister(t, svc, "alice")

	_, err := svc.UpdateProfile(context.Background(), alice.User.ID, ProfilePatch{
		Username: strPtr("alice"),
		Email:    strPtr("alice@example.com"),
	})
	if err != nil {
		t.Fatalf("UpdateProfile() with unchanged values error = %v", err)
	}
}
