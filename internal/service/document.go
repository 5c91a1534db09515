package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/sakif/calmora/internal/apperror"
	"github.com/sakif/calmora/internal/model"
	"github.com/sakif/calmora/internal/repository"
)

// DocumentService stores and shapes the per-user JSON documents.
//
// The generic operations (Get, Put, Merge, bulk) treat every value as opaque
// JSON. Only the wellness views (pet, habits, moods) look inside a document,
// and they do it with gjson on the raw bytes instead of decoding into types.
type DocumentService struct {
	docs   repository.DocumentRepository
	logger *slog.Logger
}

func NewDocumentService(docs repository.DocumentRepository, logger *slog.Logger) *DocumentService {
	return &DocumentService{docs: docs, logger: logger}
}

// Get returns the stored value of one category.
// Returns apperror.ErrNotFound ("Data type not found") if it was never written.
func (s *DocumentService) Get(ctx context.Context, userID, category string) (json.RawMessage, error) {
	if err := validateCategory(category); err != nil {
		return nil, err
	}
	doc, err := s.docs.GetDocument(ctx, userID, category)
	if err != nil {
		return nil, s.wrap(err, "getting document %s", category)
	}
	return doc.Data, nil
}

// GetAll returns every document of the user keyed by category.
func (s *DocumentService) GetAll(ctx context.Context, userID string) (map[string]json.RawMessage, error) {
	docs, err := s.docs.ListDocuments(ctx, userID)
	if err != nil {
		return nil, s.wrap(err, "listing documents")
	}

	out := make(map[string]json.RawMessage, len(docs))
	for _, d := range docs {
		out[d.Category] = d.Data
	}
	return out, nil
}

// Put replaces the whole value of a category, creating it if needed.
func (s *DocumentService) Put(ctx context.Context, userID, category string, value json.RawMessage) (*model.Document, error) {
	if err := validateCategory(category); err != nil {
		return nil, err
	}
	if !json.Valid(value) {
		return nil, apperror.ValidationFailed("data", "Invalid JSON")
	}

	doc := &model.Document{UserID: userID, Category: category, Data: value}
	if err := s.docs.PutDocument(ctx, doc); err != nil {
		return nil, s.wrap(err, "putting document %s", category)
	}
	return doc, nil
}

// Merge shallow-merges incoming into the stored object.
//
// MERGE RULES:
//   - no stored document → incoming is stored as-is, like Put (any JSON)
//   - stored value is an object → incoming must be an object; its top-level
//     keys win, keys only in the stored value are kept, nested values are
//     replaced wholesale
//   - stored value is not an object → an incoming object replaces it
//
// The read and the write happen in a single UpdateDocument call, so two
// merges never lose each other's keys.
func (s *DocumentService) Merge(ctx context.Context, userID, category string, incoming json.RawMessage) (json.RawMessage, error) {
	if err := validateCategory(category); err != nil {
		return nil, err
	}
	if !json.Valid(incoming) {
		return nil, apperror.ValidationFailed("data", "Invalid JSON")
	}

	doc, err := s.docs.UpdateDocument(ctx, userID, category, func(cur json.RawMessage, found bool) (json.RawMessage, error) {
		if !found {
			return incoming, nil
		}
		patch, err := decodeObject(incoming)
		if err != nil {
			return nil, apperror.ValidationFailed("data", "Merge data must be a JSON object")
		}
		if !isJSONObject(cur) {
			return incoming, nil
		}
		merged, err := decodeObject(cur)
		if err != nil {
			return nil, fmt.Errorf("decoding stored %s: %w", category, err)
		}
		for k, v := range patch {
			merged[k] = v
		}
		return json.Marshal(merged)
	})
	if err != nil {
		return nil, s.wrap(err, "merging document %s", category)
	}

	s.logger.Debug("document merged",
		slog.String("userID", userID),
		slog.String("category", category),
	)
	return doc.Data, nil
}

// PutBulk writes every category of a {category: value} object.
//
// Each category is an independent Put. There is no rollback: if a write
// fails, the ones before it stay applied. Categories are validated up front
// and written in sorted order so a partial failure is reproducible.
func (s *DocumentService) PutBulk(ctx context.Context, userID string, body json.RawMessage) error {
	values, err := decodeObject(body)
	if err != nil {
		return apperror.ValidationFailed("data", "Bulk data must be a JSON object")
	}

	categories := make([]string, 0, len(values))
	for c := range values {
		if err := validateCategory(c); err != nil {
			return err
		}
		categories = append(categories, c)
	}
	sort.Strings(categories)

	for _, c := range categories {
		doc := &model.Document{UserID: userID, Category: c, Data: values[c]}
		if err := s.docs.PutDocument(ctx, doc); err != nil {
			return s.wrap(err, "bulk putting %s", c)
		}
	}

	s.logger.Info("bulk data updated",
		slog.String("userID", userID),
		slog.Int("categories", len(categories)),
	)
	return nil
}

// =========================================================================
// WELLNESS VIEWS
// =========================================================================

// Pet returns the pet document, or {} if there is none.
func (s *DocumentService) Pet(ctx context.Context, userID string) (json.RawMessage, error) {
	data, err := s.getOrNil(ctx, userID, model.CategoryPet)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return model.EmptyObject, nil
	}
	return data, nil
}

// SetPet replaces the pet document. value must be an object.
func (s *DocumentService) SetPet(ctx context.Context, userID string, value json.RawMessage) (json.RawMessage, error) {
	if !isJSONObject(value) {
		return nil, apperror.ValidationFailed("pet", "Pet data must be a JSON object")
	}
	doc, err := s.Put(ctx, userID, model.CategoryPet, value)
	if err != nil {
		return nil, err
	}
	return doc.Data, nil
}

// Habits returns the "habits" field of the habits document, or [].
func (s *DocumentService) Habits(ctx context.Context, userID string) (json.RawMessage, error) {
	return s.field(ctx, userID, model.CategoryHabits, "habits")
}

// SetHabits stores {"habits": habits}. habits must be an array.
func (s *DocumentService) SetHabits(ctx context.Context, userID string, habits json.RawMessage) (json.RawMessage, error) {
	if !gjson.ValidBytes(habits) || !gjson.ParseBytes(habits).IsArray() {
		return nil, apperror.ValidationFailed("habits", "Habits must be a JSON array")
	}
	value, err := json.Marshal(map[string]json.RawMessage{"habits": habits})
	if err != nil {
		return nil, fmt.Errorf("service/document: encoding habits: %w", err)
	}
	if _, err := s.Put(ctx, userID, model.CategoryHabits, value); err != nil {
		return nil, err
	}
	return habits, nil
}

// Moods returns the "moods" field of the moods document, or [].
func (s *DocumentService) Moods(ctx context.Context, userID string) (json.RawMessage, error) {
	return s.field(ctx, userID, model.CategoryMoods, "moods")
}

// AddMood prepends entry to the moods list, newest first, and returns the
// entry together with the full list.
//
// Other top-level keys of the moods document are preserved. A missing
// document, or one whose "moods" is not an array, starts from an empty list.
func (s *DocumentService) AddMood(ctx context.Context, userID string, entry json.RawMessage) (mood, moods json.RawMessage, err error) {
	if !isJSONObject(entry) {
		return nil, nil, apperror.ValidationFailed("mood", "Mood entry must be a JSON object")
	}

	_, err = s.docs.UpdateDocument(ctx, userID, model.CategoryMoods, func(cur json.RawMessage, found bool) (json.RawMessage, error) {
		doc := map[string]json.RawMessage{}
		if found && isJSONObject(cur) {
			var derr error
			if doc, derr = decodeObject(cur); derr != nil {
				return nil, fmt.Errorf("decoding stored moods: %w", derr)
			}
		}

		moods = prepend(entry, gjson.GetBytes(cur, "moods"))
		doc["moods"] = moods
		return json.Marshal(doc)
	})
	if err != nil {
		return nil, nil, s.wrap(err, "adding mood")
	}

	s.logger.Info("mood added", slog.String("userID", userID))
	return entry, moods, nil
}

// prepend builds the JSON array [entry, list...]. A list that is not an
// array counts as empty.
func prepend(entry json.RawMessage, list gjson.Result) json.RawMessage {
	var b strings.Builder
	b.WriteByte('[')
	b.Write(entry)
	if list.IsArray() {
		list.ForEach(func(_, item gjson.Result) bool {
			b.WriteByte(',')
			b.WriteString(item.Raw)
			return true
		})
	}
	b.WriteByte(']')
	return json.RawMessage(b.String())
}

// field projects one top-level key out of a document, defaulting to [].
func (s *DocumentService) field(ctx context.Context, userID, category, key string) (json.RawMessage, error) {
	data, err := s.getOrNil(ctx, userID, category)
	if err != nil {
		return nil, err
	}
	r := gjson.GetBytes(data, key)
	if !r.Exists() {
		return json.RawMessage(`[]`), nil
	}
	return json.RawMessage(r.Raw), nil
}

// getOrNil is Get without the NotFound error.
func (s *DocumentService) getOrNil(ctx context.Context, userID, category string) (json.RawMessage, error) {
	doc, err := s.docs.GetDocument(ctx, userID, category)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, nil
		}
		return nil, s.wrap(err, "getting document %s", category)
	}
	return doc.Data, nil
}

// wrap passes application errors through untouched and adds context to
// everything else.
func (s *DocumentService) wrap(err error, format string, args ...any) error {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		return err
	}
	op := fmt.Sprintf(format, args...)
	s.logger.Error("document store failure",
		slog.String("op", op),
		slog.String("error", err.Error()),
	)
	return fmt.Errorf("service/document: %s: %w", op, err)
}

func validateCategory(category string) error {
	if category == "" || utf8.RuneCountInString(category) > model.MaxCategoryLen {
		return apperror.ValidationFailed("data_type",
			fmt.Sprintf("Data type must be 1 to %d characters", model.MaxCategoryLen))
	}
	return nil
}

func isJSONObject(b []byte) bool {
	return gjson.ValidBytes(b) && gjson.ParseBytes(b).IsObject()
}

func decodeObject(b json.RawMessage) (map[string]json.RawMessage, error) {
	if !isJSONObject(b) {
		return nil, errors.New("not a JSON object")
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}
