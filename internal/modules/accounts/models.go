// Package accounts provides account definitions and the polymorphic
// per-account / per-expert settings store.
package accounts

import "time"

// Account is one broker connection.
type Account struct {
	ID          int64     `json:"id"`
	Provider    string    `json:"provider"` // selects the concrete broker adapter
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// OwnerType distinguishes who a polymorphic setting row belongs to.
type OwnerType string

const (
	OwnerAccount OwnerType = "account"
	OwnerExpert  OwnerType = "expert"
)

// ValueType is the declared type of a setting value.
type ValueType string

const (
	ValueString ValueType = "string"
	ValueFloat  ValueType = "float"
	ValueBool   ValueType = "bool"
	ValueJSON   ValueType = "json"
)

// Setting is a typed key/value row attached to an account or expert instance.
// Exactly one of the value fields is populated, per Type.
type Setting struct {
	ID        int64     `json:"id"`
	OwnerType OwnerType `json:"owner_type"`
	OwnerID   int64     `json:"owner_id"`
	Key       string    `json:"key"`
	Type      ValueType `json:"type"`
	Text      *string   `json:"text,omitempty"`
	Float     *float64  `json:"float,omitempty"`
	Bool      *bool     `json:"bool,omitempty"`
	JSON      *string   `json:"json,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SettingDefinition is a static declaration of a setting a concrete class
// (broker provider or expert) understands. Definitions drive validation and
// the configuration UI; values live in the instance_settings table.
type SettingDefinition struct {
	Type        ValueType   `json:"type"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
	Description string      `json:"description"`
	Tooltip     string      `json:"tooltip,omitempty"`
}
