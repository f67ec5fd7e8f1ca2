package sanitize

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapping_SetMergeClone(t *testing.T) {
	m := NewMapping(
		Redaction{Placeholder: "[EMAIL_1]", Original: "a@b.io", EntityType: "EMAIL"},
		Redaction{Placeholder: "[PHONE_1]", Original: "555", EntityType: "PHONE"},
	)
	m.Set(Redaction{Placeholder: "[EMAIL_1]", Original: "z@b.io", EntityType: "EMAIL"})

	assert.Equal(t, 2, m.Len())
	got, ok := m.Get("[EMAIL_1]")
	assert.True(t, ok)
	assert.Equal(t, "z@b.io", got)
	assert.Equal(t, "[EMAIL_1]", m.Entries()[0].Placeholder, "overwrite keeps position")

	c := m.Clone()
	c.Merge(NewMapping(
		Redaction{Placeholder: "[PHONE_1]", Original: "999", EntityType: "PHONE"},
		Redaction{Placeholder: "[SSN_1]", Original: "123-45-6789", EntityType: "SSN"},
	))
	assert.Equal(t, map[string]string{"[EMAIL_1]": "z@b.io", "[PHONE_1]": "999", "[SSN_1]": "123-45-6789"}, c.Map())
	assert.Equal(t, map[string]string{"[EMAIL_1]": "z@b.io", "[PHONE_1]": "555"}, m.Map(), "clone is independent")
	assert.Equal(t, map[string]int{"EMAIL": 1, "PHONE": 1, "SSN": 1}, c.CountByType())
}

func TestMapping_NilIsEmpty(t *testing.T) {
	var m *Mapping
	assert.True(t, m.IsEmpty())
	assert.Equal(t, 0, m.Len())
	assert.Nil(t, m.Entries())
	_, ok := m.Get("[EMAIL_1]")
	assert.False(t, ok)
	assert.Equal(t, 0, m.Clone().Len())
}

func TestMapping_JSON(t *testing.T) {
	m := NewMapping(
		Redaction{Placeholder: "[PHONE_1]", Original: "555", EntityType: "PHONE"},
		Redaction{Placeholder: "[EMAIL_1]", Original: `"quoted"`, EntityType: "EMAIL"},
	)
	b, err := json.Marshal(m)
	require.NoError(t, err)

	var back Mapping
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, m.Entries(), back.Entries())

	var plain Mapping
	require.NoError(t, json.Unmarshal([]byte(`{"[B_1]":"b","[A_1]":"a"}`), &plain))
	assert.Equal(t, "[A_1]", plain.Entries()[0].Placeholder)
	assert.Equal(t, map[string]string{"[A_1]": "a", "[B_1]": "b"}, plain.Map())

	empty, err := json.Marshal(&Mapping{})
	require.NoError(t, err)
	assert.Equal(t, "[]", string(empty))

	assert.Error(t, json.Unmarshal([]byte(`"nope"`), &plain))
}
