package instruction

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	tests := []struct {
		name     string
		template string
		values   Values
		want     string
		wantErr  bool
	}{
		{"empty", "", nil, "", false},
		{"plain", "no placeholders", nil, "no placeholders", false},
		{"required", "Hola {name}.", Values{"name": "Jorge"}, "Hola Jorge.", false},
		{"missing_required", "Hola {name}.", nil, "", true},
		{"optional_missing", "Tools: {tools?}.", nil, "Tools: .", false},
		{"optional_present", "Tools: {tools?}.", Values{"tools": "weather"}, "Tools: weather.", false},
		{"spaces", "{ name }", Values{"name": "x"}, "x", false},
		{"literal_json", `Respond {"ok": true}`, nil, `Respond {"ok": true}`, false},
		{"not_identifier", "{1abc} {a-b}", nil, "{1abc} {a-b}", false},
		{"values_not_expanded", "{document}", Values{"document": "{question}"}, "{question}", false},
		{"unicode_name", "{página}", Values{"página": "3"}, "3", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Render(tt.template, tt.values)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTemplate(t *testing.T) {
	tmpl := New("{greeting}, {name?}")
	assert.Equal(t, "{greeting}, {name?}", tmpl.Raw())

	got, err := tmpl.Render(Values{"greeting": "Buenas"})
	require.NoError(t, err)
	assert.Equal(t, "Buenas, ", got)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate("{document}\n{question}", "document", "question"))
	assert.NoError(t, Validate("{document} {extra?}", "document"))
	assert.Error(t, Validate("{document} {unknown}", "document"))
}

func TestListPlaceholders(t *testing.T) {
	got := ListPlaceholders(`{a} {b?} {a} {"json": 1} {c}`)
	assert.Equal(t, []string{"a", "b", "c"}, got)
}
