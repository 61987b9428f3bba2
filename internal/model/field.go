package model

import (
	"encoding/json"
	"fmt"
)

// FieldState records whether a canonical field was recognized in an external row.
type FieldState uint8

const (
	// FieldAbsent means no column mapped to the field, or the cell was blank.
	FieldAbsent FieldState = iota
	// FieldPresent means the cell parsed into a typed value.
	FieldPresent
	// FieldUnparseable means a value was supplied but could not be parsed.
	FieldUnparseable
)

func (s FieldState) String() string {
	switch s {
	case FieldPresent:
		return "present"
	case FieldUnparseable:
		return "unparseable"
	default:
		return "absent"
	}
}

// Field is a tagged value: callers must check the state before reading Value,
// so an unknown quantity can never be mistaken for zero.
type Field[T comparable] struct {
	State FieldState `json:"state"`
	Value T          `json:"-"`
	Raw   string     `json:"raw,omitempty"`
}

// NumField is a numeric canonical field.
type NumField = Field[float64]

// TextField is a string canonical field.
type TextField = Field[string]

// Present returns a field holding a parsed value.
func Present[T comparable](v T, raw string) Field[T] {
	return Field[T]{State: FieldPresent, Value: v, Raw: raw}
}

// Absent returns a field that was not supplied.
func Absent[T comparable]() Field[T] {
	return Field[T]{State: FieldAbsent}
}

// Unparseable returns a field whose raw value could not be parsed.
func Unparseable[T comparable](raw string) Field[T] {
	return Field[T]{State: FieldUnparseable, Raw: raw}
}

// Get returns the value and true only when the field is present.
func (f Field[T]) Get() (T, bool) {
	if f.State != FieldPresent {
		var zero T
		return zero, false
	}
	return f.Value, true
}

// IsPresent reports whether the field holds a parsed value.
func (f Field[T]) IsPresent() bool { return f.State == FieldPresent }

// String renders the parsed value, the raw text of an unparseable cell, or "".
func (f Field[T]) String() string {
	switch f.State {
	case FieldPresent:
		return fmt.Sprint(f.Value)
	case FieldUnparseable:
		return f.Raw
	default:
		return ""
	}
}

// MarshalJSON encodes a present field as its value and anything else as null.
func (f Field[T]) MarshalJSON() ([]byte, error) {
	if f.State != FieldPresent {
		return []byte("null"), nil
	}
	return json.Marshal(f.Value)
}

// UnmarshalJSON decodes null as absent and any other value as present.
func (f *Field[T]) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*f = Absent[T]()
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = Present(v, string(data))
	return nil
}
