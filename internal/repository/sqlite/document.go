package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sakif/calmora/internal/model"
	"github.com/sakif/calmora/internal/repository"
)

type documentRow struct {
	UserID    string    `db:"user_id"`
	Category  string    `db:"category"`
	Data      string    `db:"data"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r documentRow) toModel() model.Document {
	return model.Document{
		UserID:    r.UserID,
		Category:  r.Category,
		Data:      json.RawMessage(r.Data),
		UpdatedAt: r.UpdatedAt,
	}
}

func (db *DB) GetDocument(ctx context.Context, userID, category string) (*model.Document, error) {
	var row documentRow
	err := db.conn.GetContext(ctx, &row,
		`SELECT user_id, category, data, updated_at FROM user_documents
		 WHERE user_id = ? AND category = ?`,
		userID, category,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.DocumentNotFound()
		}
		return nil, fmt.Errorf("sqlite: getting document %s/%s: %w", userID, category, err)
	}
	doc := row.toModel()
	return &doc, nil
}

// ListDocuments returns every document of the user. An unknown user simply
// has none.
func (db *DB) ListDocuments(ctx context.Context, userID string) ([]model.Document, error) {
	var rows []documentRow
	err := db.conn.SelectContext(ctx, &rows,
		`SELECT user_id, category, data, updated_at FROM user_documents
		 WHERE user_id = ? ORDER BY category`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing documents of %s: %w", userID, err)
	}

	docs := make([]model.Document, 0, len(rows))
	for _, r := range rows {
		docs = append(docs, r.toModel())
	}
	return docs, nil
}

func (db *DB) PutDocument(ctx context.Context, doc *model.Document) error {
	doc.UpdatedAt = time.Now().UTC()
	return upsertDocument(ctx, db.conn, doc)
}

// UpdateDocument reads, transforms and writes one document inside a
// transaction. With the pool capped at one connection no other statement
// runs between the SELECT and the upsert.
func (db *DB) UpdateDocument(ctx context.Context, userID, category string, fn repository.MutateFunc) (*model.Document, error) {
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	found := true
	err = tx.GetContext(ctx, &current,
		`SELECT data FROM user_documents WHERE user_id = ? AND category = ?`,
		userID, category,
	)
	if errors.Is(err, sql.ErrNoRows) {
		found = false
	} else if err != nil {
		return nil, fmt.Errorf("sqlite: reading document %s/%s: %w", userID, category, err)
	}

	var cur json.RawMessage
	if found {
		cur = json.RawMessage(current)
	}
	next, err := fn(cur, found)
	if err != nil {
		return nil, err
	}

	doc := &model.Document{
		UserID:    userID,
		Category:  category,
		Data:      next,
		UpdatedAt: time.Now().UTC(),
	}
	if err := upsertDocument(ctx, tx, doc); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: committing document %s/%s: %w", userID, category, err)
	}
	return doc, nil
}

// upsertDocument writes doc through either the pool or a transaction.
// ON CONFLICT on the (user_id, category) key turns a second write into an
// update of the same row.
func upsertDocument(ctx context.Context, ex sqlx.ExecerContext, doc *model.Document) error {
	_, err := ex.ExecContext(ctx,
		`INSERT INTO user_documents (user_id, category, data, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (user_id, category)
		 DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		doc.UserID,
		doc.Category,
		string(doc.Data),
		doc.UpdatedAt,
	)
	if err != nil {
		if foreignKeyViolation(err) {
			return repository.UserNotFound()
		}
		return fmt.Errorf("sqlite: writing document %s/%s: %w", doc.UserID, doc.Category, err)
	}
	return nil
}
