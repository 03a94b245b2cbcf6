package columns

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boardsync/internal/models"
)

func contactMapping(t *testing.T) *Mapping {
	t.Helper()
	m, err := NewMapping(models.EntityContact, "100", []Column{
		{ID: "email", Field: "email", Kind: Email},
		{ID: "phone", Field: "phone", Kind: Phone, Country: "US"},
		{ID: "text0", Field: "notes", Kind: Text},
	})
	require.NoError(t, err)
	return m
}

func TestParseEmail(t *testing.T) {
	assert.Equal(t, "a@x.io", Parse(Email, map[string]any{"email": "a@x.io", "text": "other"}))
	assert.Equal(t, "b@x.io", Parse(Email, map[string]any{"text": "b@x.io"}))
	assert.Equal(t, "c@x.io", Parse(Email, "c@x.io"))
	assert.Equal(t, "", Parse(Email, nil))
}

func TestParsePhone(t *testing.T) {
	assert.Equal(t, "+15551234", Parse(Phone, map[string]any{"phone": "+15551234", "countryShortName": "US"}))
	assert.Equal(t, "", Parse(Phone, map[string]any{"text": "+15551234"}))
}

func TestParseText(t *testing.T) {
	assert.Equal(t, "hello", Parse(Text, map[string]any{"text": "hello", "value": "ignored"}))
	assert.Equal(t, "v", Parse(Text, map[string]any{"value": "v"}))
	assert.Equal(t, "bare", Parse(Text, "bare"))
	assert.Equal(t, "42", Parse(Text, float64(42)))
}

func TestParseJSON(t *testing.T) {
	assert.Equal(t, "Remote notes", ParseJSON(Text, json.RawMessage(`{"text":"Remote notes"}`)))
	assert.Equal(t, "x@y.z", ParseJSON(Email, json.RawMessage(`{"email":"x@y.z","text":"x@y.z"}`)))
	assert.Equal(t, "plain", ParseJSON(Text, json.RawMessage(`"plain"`)))
	assert.Equal(t, "not json", ParseJSON(Text, json.RawMessage(`not json`)))
	assert.Equal(t, "", ParseJSON(Text, nil))
}

func TestFormat(t *testing.T) {
	assert.Equal(t, map[string]string{"email": "a@x.io", "text": "a@x.io"}, Format(Column{Kind: Email}, "a@x.io"))
	assert.Equal(t, map[string]string{"phone": "+1555", "countryShortName": "US"}, Format(Column{Kind: Phone, Country: "US"}, "+1555"))
	assert.Equal(t, "note", Format(Column{Kind: Text}, "note"))
}

func TestColumnValuesForCreateSkipsEmptyFields(t *testing.T) {
	m := contactMapping(t)
	c := &models.Contact{Email: "a@x.io", Notes: "n"}

	vals := m.ColumnValues(c, false)
	assert.Len(t, vals, 2)
	assert.Equal(t, "n", vals["text0"])
	assert.Contains(t, vals, "email")
	assert.NotContains(t, vals, "phone")
}

func TestColumnValuesForUpdateClearsEmptyFields(t *testing.T) {
	m := contactMapping(t)
	c := &models.Contact{Email: "a@x.io"}

	vals := m.ColumnValues(c, true)
	require.Len(t, vals, 3)
	assert.Equal(t, map[string]string{"email": "a@x.io", "text": "a@x.io"}, vals["email"])
	assert.Equal(t, map[string]string{"phone": "", "countryShortName": ""}, vals["phone"])
	assert.Equal(t, "", vals["text0"])
}

func TestBlank(t *testing.T) {
	assert.Equal(t, map[string]string{"email": "", "text": ""}, Blank(Column{Kind: Email}))
	assert.Equal(t, map[string]string{"phone": "", "countryShortName": ""}, Blank(Column{Kind: Phone, Country: "US"}))
	assert.Equal(t, "", Blank(Column{Kind: Text}))
}

func TestMappingLookups(t *testing.T) {
	m := contactMapping(t)

	c, ok := m.Column("text0")
	require.True(t, ok)
	assert.Equal(t, "notes", c.Field)

	_, ok = m.Column("unknown")
	assert.False(t, ok)

	c, ok = m.ColumnForField("phone")
	require.True(t, ok)
	assert.Equal(t, "phone", c.ID)
	assert.Len(t, m.Columns(), 3)
}

func TestNewMappingRejectsBadConfig(t *testing.T) {
	_, err := NewMapping(models.EntityContact, "1", []Column{{ID: "c", Field: "website"}})
	assert.Error(t, err)

	_, err = NewMapping(models.EntityContact, "1", []Column{{ID: "a", Field: "notes"}, {ID: "b", Field: "notes"}})
	assert.Error(t, err)

	_, err = NewMapping("project", "1", nil)
	assert.Error(t, err)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("EMAIL")
	require.NoError(t, err)
	assert.Equal(t, Email, k)

	k, err = ParseKind("")
	require.NoError(t, err)
	assert.Equal(t, Text, k)

	_, err = ParseKind("dropdown")
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	cm := contactMapping(t)
	om, err := NewMapping(models.EntityOrganization, "200", []Column{{ID: "text1", Field: "website"}})
	require.NoError(t, err)

	r, err := NewRegistry(cm, om)
	require.NoError(t, err)

	m, ok := r.ForBoard("200")
	require.True(t, ok)
	assert.Equal(t, models.EntityOrganization, m.EntityType)

	m, ok = r.ForEntity(models.EntityContact)
	require.True(t, ok)
	assert.Equal(t, "100", m.BoardID)

	_, ok = r.ForBoard("999")
	assert.False(t, ok)

	_, err = NewRegistry(cm, cm)
	assert.Error(t, err)
}
