// Package columns translates between local record fields and the board's
// column value envelopes.
package columns

import (
	"encoding/json"
	"fmt"
	"strings"

	"boardsync/internal/models"
)

// Kind is the closed set of column encodings the engine understands.
type Kind int

const (
	Text Kind = iota
	Email
	Phone
)

func (k Kind) String() string {
	switch k {
	case Email:
		return "email"
	case Phone:
		return "phone"
	}
	return "text"
}

// ParseKind resolves a configured kind name. Unknown names are an error so a
// bad mapping file fails at startup rather than per event.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "text", "long_text", "long-text":
		return Text, nil
	case "email":
		return Email, nil
	case "phone":
		return Phone, nil
	}
	return Text, fmt.Errorf("unknown column kind %q", s)
}

// Column binds a board column to a local field.
type Column struct {
	ID      string
	Field   string
	Kind    Kind
	Country string // phone columns only
}

// FieldReader is the read side of a syncable record.
type FieldReader interface {
	Field(name string) (string, bool)
}

// Mapping is the static column configuration of one entity type.
type Mapping struct {
	EntityType models.EntityType
	BoardID    string
	byColumn   map[string]Column
	order      []string
}

// NewMapping builds a mapping and rejects columns that name unknown fields
// or map a field twice.
func NewMapping(t models.EntityType, boardID string, cols []Column) (*Mapping, error) {
	known := make(map[string]bool)
	for _, f := range models.Fields(t) {
		known[f] = true
	}
	if len(known) == 0 {
		return nil, fmt.Errorf("unknown entity type %q", t)
	}

	m := &Mapping{EntityType: t, BoardID: boardID, byColumn: make(map[string]Column, len(cols))}
	seenField := make(map[string]string)
	for _, c := range cols {
		if c.ID == "" {
			return nil, fmt.Errorf("%s: column with empty id", t)
		}
		if !known[c.Field] {
			return nil, fmt.Errorf("%s: column %q maps unknown field %q", t, c.ID, c.Field)
		}
		if prev, ok := seenField[c.Field]; ok {
			return nil, fmt.Errorf("%s: field %q mapped by both %q and %q", t, c.Field, prev, c.ID)
		}
		if _, dup := m.byColumn[c.ID]; dup {
			return nil, fmt.Errorf("%s: column %q mapped twice", t, c.ID)
		}
		seenField[c.Field] = c.ID
		m.byColumn[c.ID] = c
		m.order = append(m.order, c.ID)
	}
	return m, nil
}

// Column looks up a column by board column id.
func (m *Mapping) Column(id string) (Column, bool) {
	c, ok := m.byColumn[id]
	return c, ok
}

// ColumnForField looks up the column bound to a local field.
func (m *Mapping) ColumnForField(field string) (Column, bool) {
	for _, id := range m.order {
		if c := m.byColumn[id]; c.Field == field {
			return c, true
		}
	}
	return Column{}, false
}

// Columns returns the mapped columns in configuration order.
func (m *Mapping) Columns() []Column {
	out := make([]Column, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.byColumn[id])
	}
	return out
}

// ColumnValues builds the write-side column_values object for a record.
// With clearEmpty unset, empty fields are omitted, which suits a create.
// With clearEmpty set, empty fields are sent as blank envelopes so a value
// cleared locally is also cleared on the board.
func (m *Mapping) ColumnValues(r FieldReader, clearEmpty bool) map[string]any {
	out := make(map[string]any, len(m.order))
	for _, id := range m.order {
		c := m.byColumn[id]
		v, ok := r.Field(c.Field)
		if !ok {
			continue
		}
		if v == "" {
			if clearEmpty {
				out[id] = Blank(c)
			}
			continue
		}
		out[id] = Format(c, v)
	}
	return out
}

// Blank is the envelope that clears a column.
func Blank(c Column) any {
	switch c.Kind {
	case Email:
		return map[string]string{"email": "", "text": ""}
	case Phone:
		return map[string]string{"phone": "", "countryShortName": ""}
	}
	return ""
}

// Format produces the envelope the board API expects for a column.
func Format(c Column, value string) any {
	switch c.Kind {
	case Email:
		return map[string]string{"email": value, "text": value}
	case Phone:
		return map[string]string{"phone": value, "countryShortName": c.Country}
	}
	return value
}

// Parse reads a plain value out of a decoded column envelope. Email prefers
// "email" then "text"; phone uses "phone"; text tries "text" then "value".
// A bare string is accepted for every kind.
func Parse(k Kind, raw any) string {
	switch v := raw.(type) {
	case nil:
		return ""
	case string:
		return v
	case map[string]any:
		var keys []string
		switch k {
		case Email:
			keys = []string{"email", "text"}
		case Phone:
			keys = []string{"phone"}
		default:
			keys = []string{"text", "value"}
		}
		for _, key := range keys {
			if s, ok := v[key].(string); ok && s != "" {
				return s
			}
		}
		return ""
	case float64, bool, json.Number:
		return fmt.Sprint(v)
	}
	return ""
}

// ParseJSON decodes raw webhook JSON and parses it as Parse does. Invalid
// JSON is treated as a bare string value.
func ParseJSON(k Kind, raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return Parse(k, v)
}

// Registry holds the mappings of every configured entity type.
type Registry struct {
	byEntity map[models.EntityType]*Mapping
	byBoard  map[string]*Mapping
}

// NewRegistry indexes mappings by entity type and board id.
func NewRegistry(mappings ...*Mapping) (*Registry, error) {
	r := &Registry{
		byEntity: make(map[models.EntityType]*Mapping),
		byBoard:  make(map[string]*Mapping),
	}
	for _, m := range mappings {
		if _, dup := r.byEntity[m.EntityType]; dup {
			return nil, fmt.Errorf("entity type %q mapped twice", m.EntityType)
		}
		if m.BoardID != "" {
			if other, dup := r.byBoard[m.BoardID]; dup {
				return nil, fmt.Errorf("board %s mapped by both %s and %s", m.BoardID, other.EntityType, m.EntityType)
			}
			r.byBoard[m.BoardID] = m
		}
		r.byEntity[m.EntityType] = m
	}
	return r, nil
}

// ForEntity returns the mapping for an entity type.
func (r *Registry) ForEntity(t models.EntityType) (*Mapping, bool) {
	if r == nil {
		return nil, false
	}
	m, ok := r.byEntity[t]
	return m, ok
}

// ForBoard resolves a board id back to its mapping.
func (r *Registry) ForBoard(boardID string) (*Mapping, bool) {
	if r == nil {
		return nil, false
	}
	m, ok := r.byBoard[boardID]
	return m, ok
}
