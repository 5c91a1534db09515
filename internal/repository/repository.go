package repository

import (
	"context"
	"encoding/json"

	"github.com/sakif/calmora/internal/apperror"
	"github.com/sakif/calmora/internal/model"
)

type UserRepository interface {
	// CreateUser inserts user together with its seed documents in one
	// transaction. ID and timestamps are filled in on the passed user.
	CreateUser(ctx context.Context, user *model.User, docs []model.Document) error
	GetUserByID(ctx context.Context, id string) (*model.User, error)
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	// UpdateUser writes username, email and profile_data of an existing user.
	UpdateUser(ctx context.Context, user *model.User) error
}

// MutateFunc computes a document's new value from its current one.
// found is false when the document does not exist yet. Returning an error
// aborts the update and nothing is written.
type MutateFunc func(current json.RawMessage, found bool) (json.RawMessage, error)

type DocumentRepository interface {
	GetDocument(ctx context.Context, userID, category string) (*model.Document, error)
	ListDocuments(ctx context.Context, userID string) ([]model.Document, error)
	// PutDocument inserts or replaces the document and sets UpdatedAt.
	PutDocument(ctx context.Context, doc *model.Document) error
	// UpdateDocument runs fn and writes its result as one atomic
	// read-modify-write of the (userID, category) document.
	UpdateDocument(ctx context.Context, userID, category string, fn MutateFunc) (*model.Document, error)
}

// Store is everything the services need from a storage backend.
type Store interface {
	UserRepository
	DocumentRepository
	Close() error
}

func UserNotFound() *apperror.AppError {
	return apperror.NotFound("User not found")
}

func DocumentNotFound() *apperror.AppError {
	return apperror.NotFound("Data type not found")
}

// DuplicateField reports a unique violation on "username" or "email".
func DuplicateField(field string) *apperror.AppError {
	switch field {
	case "email":
		return apperror.Conflict(field, "Email already exists")
	default:
		return apperror.Conflict("username", "Username already exists")
	}
}
