// Package gormstore implements repository.Store on PostgreSQL through GORM.
//
// It is the ORM counterpart of the sqlite package: same interface, same
// behaviour, but the schema comes from struct tags (AutoMigrate) and the
// queries are built by GORM. JSON values live in jsonb columns via
// gorm.io/datatypes.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/xid"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/sakif/calmora/internal/model"
	"github.com/sakif/calmora/internal/repository"
)

var _ repository.Store = (*Store)(nil)

type userRecord struct {
	ID           string         `gorm:"primaryKey;size:20"`
	Username     string         `gorm:"uniqueIndex:idx_users_username;not null"`
	Email        string         `gorm:"uniqueIndex:idx_users_email;not null"`
	PasswordHash string         `gorm:"not null"`
	ProfileData  datatypes.JSON `gorm:"type:jsonb;not null;default:'{}'"`
	CreatedAt    time.Time
	UpdatedAt    time.Time

	Documents []documentRecord `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE"`
}

func (userRecord) TableName() string { return "users" }

// documentRecord has a composite primary key, which is what keeps one
// document per (user, category).
type documentRecord struct {
	UserID    string         `gorm:"primaryKey;size:20"`
	Category  string         `gorm:"primaryKey;size:50"`
	Data      datatypes.JSON `gorm:"type:jsonb;not null"`
	UpdatedAt time.Time
}

func (documentRecord) TableName() string { return "user_documents" }

type Store struct {
	db *gorm.DB
}

// Open connects to dsn and migrates the schema.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("gormstore: opening database: %w", err)
	}
	return New(db)
}

// New wraps an existing GORM handle and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&userRecord{}, &documentRecord{}); err != nil {
		return nil, fmt.Errorf("gormstore: migrating schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("gormstore: getting sql.DB: %w", err)
	}
	return sqlDB.Close()
}

func (s *Store) CreateUser(ctx context.Context, user *model.User, docs []model.Document) error {
	now := time.Now().UTC()
	if user.ID == "" {
		user.ID = xid.New().String()
	}
	user.CreatedAt = now
	user.UpdatedAt = now
	if len(user.ProfileData) == 0 {
		user.ProfileData = model.EmptyObject
	}

	rec := toUserRecord(user)
	for i := range docs {
		docs[i].UserID = user.ID
		docs[i].UpdatedAt = now
		rec.Documents = append(rec.Documents, toDocumentRecord(&docs[i]))
	}

	// Create saves the has-many Documents in the same transaction as the user.
	err := s.db.WithContext(ctx).Create(&rec).Error
	if err != nil {
		if field, ok := uniqueViolation(err); ok {
			return repository.DuplicateField(field)
		}
		return fmt.Errorf("gormstore: creating user %q: %w", user.Username, err)
	}
	return nil
}

func (s *Store) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	return s.getUser(ctx, "id = ?", id)
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	return s.getUser(ctx, "username = ?", username)
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	return s.getUser(ctx, "email = ?", email)
}

func (s *Store) getUser(ctx context.Context, cond string, value string) (*model.User, error) {
	var rec userRecord
	err := s.db.WithContext(ctx).Where(cond, value).Take(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.UserNotFound()
		}
		return nil, fmt.Errorf("gormstore: getting user (%s): %w", cond, err)
	}
	return rec.toModel(), nil
}

func (s *Store) UpdateUser(ctx context.Context, user *model.User) error {
	user.UpdatedAt = time.Now().UTC()
	if len(user.ProfileData) == 0 {
		user.ProfileData = model.EmptyObject
	}

	res := s.db.WithContext(ctx).Model(&userRecord{}).Where("id = ?", user.ID).Updates(map[string]any{
		"username":     user.Username,
		"email":        user.Email,
		"profile_data": datatypes.JSON(user.ProfileData),
		"updated_at":   user.UpdatedAt,
	})
	if res.Error != nil {
		if field, ok := uniqueViolation(res.Error); ok {
			return repository.DuplicateField(field)
		}
		return fmt.Errorf("gormstore: updating user %s: %w", user.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return repository.UserNotFound()
	}
	return nil
}

func (s *Store) GetDocument(ctx context.Context, userID, category string) (*model.Document, error) {
	var rec documentRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND category = ?", userID, category).
		Take(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.DocumentNotFound()
		}
		return nil, fmt.Errorf("gormstore: getting document %s/%s: %w", userID, category, err)
	}
	doc := rec.toModel()
	return &doc, nil
}

func (s *Store) ListDocuments(ctx context.Context, userID string) ([]model.Document, error) {
	var recs []documentRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("category").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("gormstore: listing documents of %s: %w", userID, err)
	}

	docs := make([]model.Document, 0, len(recs))
	for _, r := range recs {
		docs = append(docs, r.toModel())
	}
	return docs, nil
}

func (s *Store) PutDocument(ctx context.Context, doc *model.Document) error {
	doc.UpdatedAt = time.Now().UTC()
	return upsert(s.db.WithContext(ctx), doc)
}

// UpdateDocument locks the owning users row with SELECT ... FOR UPDATE before
// reading the document. Locking the parent row also serialises the first
// write of a category that has no row to lock yet.
func (s *Store) UpdateDocument(ctx context.Context, userID, category string, fn repository.MutateFunc) (*model.Document, error) {
	var out *model.Document

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var owner userRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("id").
			Where("id = ?", userID).
			Take(&owner).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return repository.UserNotFound()
			}
			return fmt.Errorf("gormstore: locking user %s: %w", userID, err)
		}

		var rec documentRecord
		found := true
		err = tx.Where("user_id = ? AND category = ?", userID, category).Take(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			found = false
		} else if err != nil {
			return fmt.Errorf("gormstore: reading document %s/%s: %w", userID, category, err)
		}

		var cur []byte
		if found {
			cur = rec.Data
		}
		next, err := fn(cur, found)
		if err != nil {
			return err
		}

		doc := &model.Document{
			UserID:    userID,
			Category:  category,
			Data:      next,
			UpdatedAt: time.Now().UTC(),
		}
		if err := upsert(tx, doc); err != nil {
			return err
		}
		out = doc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func upsert(db *gorm.DB, doc *model.Document) error {
	rec := toDocumentRecord(doc)
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "category"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		if foreignKeyViolation(err) {
			return repository.UserNotFound()
		}
		return fmt.Errorf("gormstore: writing document %s/%s: %w", doc.UserID, doc.Category, err)
	}
	return nil
}

func toUserRecord(u *model.User) userRecord {
	return userRecord{
		ID:           u.ID,
		Username:     u.Username,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		ProfileData:  datatypes.JSON(u.ProfileData),
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func (r userRecord) toModel() *model.User {
	return &model.User{
		ID:           r.ID,
		Username:     r.Username,
		Email:        r.Email,
		PasswordHash: r.PasswordHash,
		ProfileData:  []byte(r.ProfileData),
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

func toDocumentRecord(d *model.Document) documentRecord {
	return documentRecord{
		UserID:    d.UserID,
		Category:  d.Category,
		Data:      datatypes.JSON(d.Data),
		UpdatedAt: d.UpdatedAt,
	}
}

func (r documentRecord) toModel() model.Document {
	return model.Document{
		UserID:    r.UserID,
		Category:  r.Category,
		Data:      []byte(r.Data),
		UpdatedAt: r.UpdatedAt,
	}
}

func uniqueViolation(err error) (field string, ok bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" { // unique_violation
		return "", false
	}
	if strings.Contains(strings.ToLower(pgErr.ConstraintName), "email") {
		return "email", true
	}
	return "username", true
}

func foreignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503" // foreign_key_violation
}
