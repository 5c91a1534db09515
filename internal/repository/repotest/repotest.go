// Package repotest holds the behaviour every repository.Store backend must
// share. Each backend's tests call Run with a constructor for a fresh store.
package repotest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/calmora/internal/apperror"
	"github.com/sakif/calmora/internal/model"
	"github.com/sakif/calmora/internal/repository"
)

// Run executes the shared store tests. newStore must return an empty store;
// Run does not close it (register cleanup in newStore).
func Run(t *testing.T, newStore func(t *testing.T) repository.Store) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s repository.Store)
	}{
		{"CreateUser seeds documents", testCreateUserSeedsDocuments},
		{"CreateUser duplicate username", testCreateUserDuplicateUsername},
		{"CreateUser duplicate email", testCreateUserDuplicateEmail},
		{"GetUser lookups", testGetUserLookups},
		{"GetUser missing", testGetUserMissing},
		{"UpdateUser", testUpdateUser},
		{"UpdateUser conflict", testUpdateUserConflict},
		{"UpdateUser missing", testUpdateUserMissing},
		{"GetDocument missing", testGetDocumentMissing},
		{"PutDocument upserts", testPutDocumentUpserts},
		{"PutDocument unknown user", testPutDocumentUnknownUser},
		{"ListDocuments unknown user", testListDocumentsUnknownUser},
		{"UpdateDocument absent then present", testUpdateDocumentAbsentThenPresent},
		{"UpdateDocument aborts on error", testUpdateDocumentAborts},
		{"UpdateDocument unknown user", testUpdateDocumentUnknownUser},
		{"UpdateDocument concurrent appends", testUpdateDocumentConcurrent},
		{"documents are isolated per user", testDocumentsIsolatedPerUser},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

// CreateTestUser inserts a user with the default documents and fails the
// test on error.
func CreateTestUser(t *testing.T, s repository.Store, username string) *model.User {
	t.Helper()
	u := &model.User{
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: "$2a$04$notarealhashbutlongenoughforthecolumn",
	}
	docs := model.DefaultDocuments("", time.Now())
	if err := s.CreateUser(context.Background(), u, docs); err != nil {
		t.Fatalf("CreateUser(%q): %v", username, err)
	}
	return u
}

func testCreateUserSeedsDocuments(t *testing.T, s repository.Store) {
	ctx := context.Background()
	u := CreateTestUser(t, s, "alice")

	assert.NotEmpty(t, u.ID)
	assert.False(t, u.CreatedAt.IsZero())
	assert.JSONEq(t, `{}`, string(u.ProfileData))

	docs, err := s.ListDocuments(ctx, u.ID)
	require.NoError(t, err)

	got := make(map[string]string, len(docs))
	for _, d := range docs {
		got[d.Category] = string(d.Data)
	}
	require.Len(t, got, 5)
	assert.JSONEq(t, `{}`, got["pet"])
	assert.JSONEq(t, `{"habits":[]}`, got["habits"])
	assert.JSONEq(t, `{"moods":[]}`, got["moods"])
	assert.JSONEq(t, `{"entries":[]}`, got["journal"])
	assert.JSONEq(t, `{"theme":"light","notifications":true}`, got["settings"])
}

func testCreateUserDuplicateUsername(t *testing.T, s repository.Store) {
	CreateTestUser(t, s, "alice")

	dup := &model.User{Username: "alice", Email: "other@example.com", PasswordHash: "x"}
	err := s.CreateUser(context.Background(), dup, model.DefaultDocuments("", time.Now()))

	require.ErrorIs(t, err, apperror.ErrConflict)
	assert.Equal(t, "Username already exists", err.Error())

	// The failed registration must not leave documents behind.
	if dup.ID != "" {
		docs, err := s.ListDocuments(context.Background(), dup.ID)
		require.NoError(t, err)
		assert.Empty(t, docs)
	}
}

func testCreateUserDuplicateEmail(t *testing.T, s repository.Store) {
	CreateTestUser(t, s, "alice")

	dup := &model.User{Username: "bob", Email: "alice@example.com", PasswordHash: "x"}
	err := s.CreateUser(context.Background(), dup, nil)

	require.ErrorIs(t, err, apperror.ErrConflict)
	assert.Equal(t, "Email already exists", err.Error())
}

func testGetUserLookups(t *testing.T, s repository.Store) {
	ctx := context.Background()
	u := CreateTestUser(t, s, "alice")

	byID, err := s.GetUserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", byID.Username)
	assert.Equal(t, u.PasswordHash, byID.PasswordHash)

	byName, err := s.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, u.ID, byName.ID)

	byEmail, err := s.GetUserByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, u.ID, byEmail.ID)
}

func testGetUserMissing(t *testing.T, s repository.Store) {
	ctx := context.Background()

	_, err := s.GetUserByID(ctx, "nope")
	assert.ErrorIs(t, err, apperror.ErrNotFound)
	_, err = s.GetUserByUsername(ctx, "nope")
	assert.ErrorIs(t, err, apperror.ErrNotFound)
	_, err = s.GetUserByEmail(ctx, "nope@example.com")
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func testUpdateUser(t *testing.T, s repository.Store) {
	ctx := context.Background()
	u := CreateTestUser(t, s, "alice")

	u.Username = "alice2"
	u.Email = "alice2@example.com"
	u.ProfileData = json.RawMessage(`{"bio":"hi"}`)
	require.NoError(t, s.UpdateUser(ctx, u))

	got, err := s.GetUserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice2", got.Username)
	assert.Equal(t, "alice2@example.com", got.Email)
	assert.JSONEq(t, `{"bio":"hi"}`, string(got.ProfileData))
	assert.Equal(t, u.PasswordHash, got.PasswordHash, "password hash is untouched")

	_, err = s.GetUserByUsername(ctx, "alice")
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func testUpdateUserConflict(t *testing.T, s repository.Store) {
	ctx := context.Background()
	CreateTestUser(t, s, "alice")
	bob := CreateTestUser(t, s, "bob")

	bob.Username = "alice"
	err := s.UpdateUser(ctx, bob)
	require.ErrorIs(t, err, apperror.ErrConflict)
	assert.Equal(t, "Username already exists", err.Error())

	bob.Username = "bob"
	bob.Email = "alice@example.com"
	err = s.UpdateUser(ctx, bob)
	require.ErrorIs(t, err, apperror.ErrConflict)
	assert.Equal(t, "Email already exists", err.Error())
}

func testUpdateUserMissing(t *testing.T, s repository.Store) {
	err := s.UpdateUser(context.Background(), &model.User{ID: "ghost", Username: "g", Email: "g@example.com"})
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func testGetDocumentMissing(t *testing.T, s repository.Store) {
	u := CreateTestUser(t, s, "alice")

	_, err := s.GetDocument(context.Background(), u.ID, "journal2")
	require.ErrorIs(t, err, apperror.ErrNotFound)
	assert.Equal(t, "Data type not found", err.Error())
}

func testPutDocumentUpserts(t *testing.T, s repository.Store) {
	ctx := context.Background()
	u := CreateTestUser(t, s, "alice")

	first := &model.Document{UserID: u.ID, Category: "goals", Data: json.RawMessage(`{"a":1}`)}
	require.NoError(t, s.PutDocument(ctx, first))
	assert.False(t, first.UpdatedAt.IsZero())

	second := &model.Document{UserID: u.ID, Category: "goals", Data: json.RawMessage(`[1,2,3]`)}
	require.NoError(t, s.PutDocument(ctx, second))

	got, err := s.GetDocument(ctx, u.ID, "goals")
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2,3]`, string(got.Data), "put replaces the whole value")

	docs, err := s.ListDocuments(ctx, u.ID)
	require.NoError(t, err)
	assert.Len(t, docs, 6, "five defaults plus one new category")
}

func testPutDocumentUnknownUser(t *testing.T, s repository.Store) {
	err := s.PutDocument(context.Background(), &model.Document{UserID: "ghost", Category: "pet", Data: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func testListDocumentsUnknownUser(t *testing.T, s repository.Store) {
	docs, err := s.ListDocuments(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func testUpdateDocumentAbsentThenPresent(t *testing.T, s repository.Store) {
	ctx := context.Background()
	u := CreateTestUser(t, s, "alice")

	var sawFound []bool
	fn := func(cur json.RawMessage, found bool) (json.RawMessage, error) {
		sawFound = append(sawFound, found)
		if !found {
			return json.RawMessage(`{"n":1}`), nil
		}
		var v struct{ N int }
		if err := json.Unmarshal(cur, &v); err != nil {
			return nil, err
		}
		return json.RawMessage(fmt.Sprintf(`{"n":%d}`, v.N+1)), nil
	}

	doc, err := s.UpdateDocument(ctx, u.ID, "counter", fn)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(doc.Data))

	doc, err = s.UpdateDocument(ctx, u.ID, "counter", fn)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":2}`, string(doc.Data))
	assert.False(t, doc.UpdatedAt.IsZero())

	assert.Equal(t, []bool{false, true}, sawFound)
}

func testUpdateDocumentAborts(t *testing.T, s repository.Store) {
	ctx := context.Background()
	u := CreateTestUser(t, s, "alice")
	boom := errors.New("boom")

	_, err := s.UpdateDocument(ctx, u.ID, "pet", func(json.RawMessage, bool) (json.RawMessage, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)

	got, err := s.GetDocument(ctx, u.ID, "pet")
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(got.Data), "nothing is written when fn fails")
}

func testUpdateDocumentUnknownUser(t *testing.T, s repository.Store) {
	_, err := s.UpdateDocument(context.Background(), "ghost", "pet", func(json.RawMessage, bool) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

// testUpdateDocumentConcurrent appends from many goroutines at once. A lost
// update would leave fewer than n items.
func testUpdateDocumentConcurrent(t *testing.T, s repository.Store) {
	ctx := context.Background()
	u := CreateTestUser(t, s, "alice")
	const n = 20

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.UpdateDocument(ctx, u.ID, "moods", func(cur json.RawMessage, found bool) (json.RawMessage, error) {
				var v struct {
					Moods []int `json:"moods"`
				}
				if found {
					if err := json.Unmarshal(cur, &v); err != nil {
						return nil, err
					}
				}
				v.Moods = append(v.Moods, i)
				return json.Marshal(v)
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := s.GetDocument(ctx, u.ID, "moods")
	require.NoError(t, err)
	var v struct {
		Moods []int `json:"moods"`
	}
	require.NoError(t, json.Unmarshal(got.Data, &v))
	assert.Len(t, v.Moods, n)
}

func testDocumentsIsolatedPerUser(t *testing.T, s repository.Store) {
	ctx := context.Background()
	alice := CreateTestUser(t, s, "alice")
	bob := CreateTestUser(t, s, "bob")

	require.NoError(t, s.PutDocument(ctx, &model.Document{UserID: alice.ID, Category: "pet", Data: json.RawMessage(`{"name":"Mochi"}`)}))

	got, err := s.GetDocument(ctx, bob.ID, "pet")
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(got.Data))
}
