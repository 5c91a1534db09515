package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/calmora/internal/model"
	"github.com/sakif/calmora/internal/repository"
)

// userRow is the users table as sqlx scans it. profile_data is TEXT, so it
// comes back as a string and is turned into json.RawMessage afterwards.
type userRow struct {
	ID           string    `db:"id"`
	Username     string    `db:"username"`
	Email        string    `db:"email"`
	PasswordHash string    `db:"password_hash"`
	ProfileData  string    `db:"profile_data"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

func (r userRow) toModel() *model.User {
	profile := json.RawMessage(r.ProfileData)
	if len(profile) == 0 {
		profile = model.EmptyObject
	}
	return &model.User{
		ID:           r.ID,
		Username:     r.Username,
		Email:        r.Email,
		PasswordHash: r.PasswordHash,
		ProfileData:  profile,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

const selectUser = `SELECT id, username, email, password_hash, profile_data, created_at, updated_at FROM users`

// CreateUser inserts the user and its seed documents in one transaction.
// If any insert fails nothing is left behind.
func (db *DB) CreateUser(ctx context.Context, user *model.User, docs []model.Document) error {
	now := time.Now().UTC()
	if user.ID == "" {
		user.ID = xid.New().String()
	}
	user.CreatedAt = now
	user.UpdatedAt = now
	if len(user.ProfileData) == 0 {
		user.ProfileData = model.EmptyObject
	}

	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: beginning transaction: %w", err)
	}
	// Rollback after Commit is a no-op, so deferring it covers every early return.
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO users (id, username, email, password_hash, profile_data, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		user.ID,
		user.Username,
		user.Email,
		user.PasswordHash,
		string(user.ProfileData),
		user.CreatedAt,
		user.UpdatedAt,
	)
	if err != nil {
		if field, ok := uniqueViolation(err); ok {
			return repository.DuplicateField(field)
		}
		return fmt.Errorf("sqlite: inserting user %q: %w", user.Username, err)
	}

	for i := range docs {
		docs[i].UserID = user.ID
		docs[i].UpdatedAt = now
		if err := upsertDocument(ctx, tx, &docs[i]); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: committing user %q: %w", user.Username, err)
	}
	return nil
}

// GetUserByID retrieves a user by their internal ID.
// Returns apperror.ErrNotFound if no user exists with that ID.
func (db *DB) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	return db.getUser(ctx, "id", id)
}

func (db *DB) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	return db.getUser(ctx, "username", username)
}

func (db *DB) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	return db.getUser(ctx, "email", email)
}

// getUser looks a user up by one column. column is always one of the
// constants above, never user input.
func (db *DB) getUser(ctx context.Context, column, value string) (*model.User, error) {
	var row userRow
	err := db.conn.GetContext(ctx, &row, selectUser+` WHERE `+column+` = ?`, value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.UserNotFound()
		}
		return nil, fmt.Errorf("sqlite: getting user by %s: %w", column, err)
	}
	return row.toModel(), nil
}

// UpdateUser overwrites username, email and profile_data and bumps updated_at.
func (db *DB) UpdateUser(ctx context.Context, user *model.User) error {
	user.UpdatedAt = time.Now().UTC()
	if len(user.ProfileData) == 0 {
		user.ProfileData = model.EmptyObject
	}

	res, err := db.conn.ExecContext(ctx,
		`UPDATE users SET username = ?, email = ?, profile_data = ?, updated_at = ?
		 WHERE id = ?`,
		user.Username,
		user.Email,
		string(user.ProfileData),
		user.UpdatedAt,
		user.ID,
	)
	if err != nil {
		if field, ok := uniqueViolation(err); ok {
			return repository.DuplicateField(field)
		}
		return fmt.Errorf("sqlite: updating user %s: %w", user.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if n == 0 {
		return repository.UserNotFound()
	}
	return nil
}
