package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshalLoose(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"plain object", `{"match": true, "reason": "ok"}`},
		{"fenced", "```json\n{\"match\": true, \"reason\": \"ok\"}\n```"},
		{"fenced without language", "```\n{\"match\": true, \"reason\": \"ok\"}\n```"},
		{"surrounding prose", "Here is the result:\n{\"match\": true, \"reason\": \"ok\"}\nLet me know."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out Verification
			require.NoError(t, unmarshalLoose(tt.input, &out))
			assert.True(t, out.Match)
			assert.Equal(t, "ok", out.Reason)
		})
	}
}

func TestUnmarshalLooseNoObject(t *testing.T) {
	var out Verification
	err := unmarshalLoose("I could not read the document.", &out)
	require.Error(t, err)
}

func TestNormalizeCategory(t *testing.T) {
	known := []string{"office supplies", "software", "travel"}

	assert.Equal(t, "software", normalizeCategory("software", known))
	assert.Equal(t, "software", normalizeCategory(" Software ", known))
	assert.Equal(t, "software", normalizeCategory(`"software"`, known))
	assert.Equal(t, "office supplies", normalizeCategory("hardware", known))
	assert.Equal(t, "office supplies", normalizeCategory("", known))
}
