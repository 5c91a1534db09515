// Package model defines the data structures used throughout the application.
package model

import (
	"encoding/json"
	"time"
)

// User represents a registered account.
//
// ID is an xid generated at registration, so primary keys never depend on
// the username (which the owner can change through a profile update).
//
// WHY PasswordHash `json:"-"`?
// The bcrypt hash must never leave the server. The dash tag makes
// encoding/json skip the field entirely, so no handler can leak it by
// accident when it writes a User into a response.
//
// ProfileData is a free-form JSON object owned by the client. The server
// stores it verbatim and defaults it to {}.
type User struct {
	ID           string          `json:"id"           db:"id"`
	Username     string          `json:"username"     db:"username"`
	Email        string          `json:"email"        db:"email"`
	PasswordHash string          `json:"-"            db:"password_hash"`
	ProfileData  json.RawMessage `json:"profile_data" db:"-"`
	CreatedAt    time.Time       `json:"created_at"   db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"   db:"updated_at"`
}

// EmptyObject is the stored value for a profile or document with no content.
var EmptyObject = json.RawMessage(`{}`)
