// Package document holds the storefront settings document and its version token.
//
// The synchronization core treats the document as an opaque JSON object: it is
// stored, compared and transported whole, never validated field by field.
package document

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
)

//go:embed default_settings.json
var defaultSettings []byte

// ErrInvalid is returned when bytes cannot be used as a settings document.
var ErrInvalid = errors.New("invalid settings document")

// Document is a serialized JSON object.
type Document []byte

// Version is the content host's token for a stored revision. Empty means absent.
type Version string

func (v Version) String() string {
	return string(v)
}

// Parse checks that raw is a JSON object and returns a private copy of it.
func Parse(raw []byte) (Document, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: expected a JSON object", ErrInvalid)
	}
	if !json.Valid(trimmed) {
		return nil, fmt.Errorf("%w: malformed JSON", ErrInvalid)
	}
	return Document(bytes.Clone(trimmed)), nil
}

// MustParse is Parse for literals in tests and defaults.
func MustParse(raw string) Document {
	doc, err := Parse([]byte(raw))
	if err != nil {
		panic(err)
	}
	return doc
}

// FromValue marshals v into a document.
func FromValue(v any) (Document, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return Parse(payload)
}

// Default returns the built-in settings used when neither the content host nor
// the local cache can provide a document.
func Default() Document {
	return Document(bytes.Clone(defaultSettings))
}

// IsEmpty reports whether the document carries no settings at all.
func (d Document) IsEmpty() bool {
	trimmed := bytes.TrimSpace(d)
	if len(trimmed) == 0 {
		return true
	}
	switch string(trimmed) {
	case "null", "{}":
		return true
	}
	return false
}

// Clone returns a copy that does not share the backing array.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	return Document(bytes.Clone(d))
}

// Decode unmarshals the document into target.
func (d Document) Decode(target any) error {
	if err := json.Unmarshal(d, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// MarshalJSON embeds the document verbatim.
func (d Document) MarshalJSON() ([]byte, error) {
	if len(d) == 0 {
		return []byte("null"), nil
	}
	return d, nil
}

// UnmarshalJSON keeps the raw bytes.
func (d *Document) UnmarshalJSON(data []byte) error {
	if string(bytes.TrimSpace(data)) == "null" {
		*d = nil
		return nil
	}
	*d = Document(bytes.Clone(data))
	return nil
}

// Equal compares documents semantically: key order and whitespace are ignored.
func Equal(a, b Document) bool {
	if bytes.Equal(a, b) {
		return true
	}
	na, nb := normalize(a), normalize(b)
	if na == nil || nb == nil {
		return false
	}
	return bytes.Equal(na, nb)
}

func normalize(doc Document) []byte {
	if len(doc) == 0 {
		return nil
	}
	var parsed any
	if err := json.Unmarshal(doc, &parsed); err != nil {
		return nil
	}
	normalized, err := json.Marshal(parsed)
	if err != nil {
		return nil
	}
	return normalized
}
