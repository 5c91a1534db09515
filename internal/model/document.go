package model

import (
	"encoding/json"
	"time"
)

// Category names of the documents every account starts with.
const (
	CategoryPet      = "pet"
	CategoryHabits   = "habits"
	CategoryMoods    = "moods"
	CategoryJournal  = "journal"
	CategorySettings = "settings"
)

// MaxCategoryLen bounds the length of a category name.
const MaxCategoryLen = 50

// Document is one JSON value stored under (UserID, Category).
// There is at most one document per pair.
type Document struct {
	UserID    string          `json:"-"`
	Category  string          `json:"category"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// DefaultDocuments returns the documents created for a new account.
func DefaultDocuments(userID string, now time.Time) []Document {
	seed := []struct {
		category string
		data     string
	}{
		{CategoryPet, `{}`},
		{CategoryHabits, `{"habits":[]}`},
		{CategoryMoods, `{"moods":[]}`},
		{CategoryJournal, `{"entries":[]}`},
		{CategorySettings, `{"theme":"light","notifications":true}`},
	}

	docs := make([]Document, 0, len(seed))
	for _, s := range seed {
		docs = append(docs, Document{
			UserID:    userID,
			Category:  s.category,
			Data:      json.RawMessage(s.data),
			UpdatedAt: now,
		})
	}
	return docs
}
