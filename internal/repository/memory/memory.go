// Package memory is an in-process repository.Store guarded by a single mutex.
// Nothing survives a restart; it backs the service tests and DB_DRIVER=memory.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/calmora/internal/model"
	"github.com/sakif/calmora/internal/repository"
)

var _ repository.Store = (*Store)(nil)

type docKey struct {
	userID   string
	category string
}

type Store struct {
	mu    sync.Mutex
	users map[string]model.User
	docs  map[docKey]model.Document
}

func New() *Store {
	return &Store{
		users: make(map[string]model.User),
		docs:  make(map[docKey]model.Document),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) CreateUser(_ context.Context, user *model.User, docs []model.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if field, taken := s.taken(user.ID, user.Username, user.Email); taken {
		return repository.DuplicateField(field)
	}

	now := time.Now().UTC()
	if user.ID == "" {
		user.ID = xid.New().String()
	}
	user.CreatedAt = now
	user.UpdatedAt = now
	if len(user.ProfileData) == 0 {
		user.ProfileData = model.EmptyObject
	}
	s.users[user.ID] = cloneUser(*user)

	for i := range docs {
		docs[i].UserID = user.ID
		docs[i].UpdatedAt = now
		s.docs[docKey{user.ID, docs[i].Category}] = cloneDoc(docs[i])
	}
	return nil
}

func (s *Store) GetUserByID(_ context.Context, id string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return nil, repository.UserNotFound()
	}
	u = cloneUser(u)
	return &u, nil
}

func (s *Store) GetUserByUsername(_ context.Context, username string) (*model.User, error) {
	return s.find(func(u model.User) bool { return u.Username == username })
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (*model.User, error) {
	return s.find(func(u model.User) bool { return u.Email == email })
}

func (s *Store) UpdateUser(_ context.Context, user *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.users[user.ID]
	if !ok {
		return repository.UserNotFound()
	}
	if field, taken := s.taken(user.ID, user.Username, user.Email); taken {
		return repository.DuplicateField(field)
	}

	user.CreatedAt = existing.CreatedAt
	user.UpdatedAt = time.Now().UTC()
	if len(user.ProfileData) == 0 {
		user.ProfileData = model.EmptyObject
	}
	if user.PasswordHash == "" {
		user.PasswordHash = existing.PasswordHash
	}
	s.users[user.ID] = cloneUser(*user)
	return nil
}

func (s *Store) GetDocument(_ context.Context, userID, category string) (*model.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.docs[docKey{userID, category}]
	if !ok {
		return nil, repository.DocumentNotFound()
	}
	d = cloneDoc(d)
	return &d, nil
}

func (s *Store) ListDocuments(_ context.Context, userID string) ([]model.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs := make([]model.Document, 0, 5)
	for k, d := range s.docs {
		if k.userID == userID {
			docs = append(docs, cloneDoc(d))
		}
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Category < docs[j].Category })
	return docs, nil
}

func (s *Store) PutDocument(_ context.Context, doc *model.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[doc.UserID]; !ok {
		return repository.UserNotFound()
	}
	doc.UpdatedAt = time.Now().UTC()
	s.docs[docKey{doc.UserID, doc.Category}] = cloneDoc(*doc)
	return nil
}

// UpdateDocument holds the store lock across fn, so concurrent updates of
// any document run one at a time.
func (s *Store) UpdateDocument(_ context.Context, userID, category string, fn repository.MutateFunc) (*model.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[userID]; !ok {
		return nil, repository.UserNotFound()
	}

	key := docKey{userID, category}
	cur, found := s.docs[key]
	var data json.RawMessage
	if found {
		data = cloneRaw(cur.Data)
	}

	next, err := fn(data, found)
	if err != nil {
		return nil, err
	}

	doc := model.Document{
		UserID:    userID,
		Category:  category,
		Data:      cloneRaw(next),
		UpdatedAt: time.Now().UTC(),
	}
	s.docs[key] = doc
	out := cloneDoc(doc)
	return &out, nil
}

func (s *Store) find(match func(model.User) bool) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if match(u) {
			u = cloneUser(u)
			return &u, nil
		}
	}
	return nil, repository.UserNotFound()
}

// taken reports whether another user (not selfID) already owns username or
// email. Caller holds s.mu.
func (s *Store) taken(selfID, username, email string) (string, bool) {
	emailTaken := false
	for id, u := range s.users {
		if id == selfID {
			continue
		}
		if u.Username == username {
			return "username", true
		}
		if u.Email == email {
			emailTaken = true
		}
	}
	if emailTaken {
		return "email", true
	}
	return "", false
}

// Callers get copies so they can never mutate stored bytes in place.
func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	return append(json.RawMessage(nil), b...)
}

func cloneUser(u model.User) model.User {
	u.ProfileData = cloneRaw(u.ProfileData)
	return u
}

func cloneDoc(d model.Document) model.Document {
	d.Data = cloneRaw(d.Data)
	return d
}
