package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-workflows/internal/repository"
)

func TestRenderParams(t *testing.T) {
	vars := map[string]any{
		"invoice": map[string]any{"number": "INV-9", "amount": 120.5},
		"vendor":  "acme",
	}
	params := map[string]any{
		"subject": "Invoice {{ .invoice.number }} from {{ .vendor | title }}",
		"plain":   "no template",
		"count":   3,
		"nested":  map[string]any{"amount": "{{ .invoice.amount }}"},
		"list":    []any{"{{ .vendor }}", 7},
	}

	out, err := renderParams(params, vars)
	require.NoError(t, err)
	assert.Equal(t, "Invoice INV-9 from Acme", out["subject"])
	assert.Equal(t, "no template", out["plain"])
	assert.Equal(t, 3, out["count"])
	assert.Equal(t, map[string]any{"amount": "120.5"}, out["nested"])
	assert.Equal(t, []any{"acme", 7}, out["list"])

	_, err = renderParams(map[string]any{"x": "{{ .missing }}"}, vars)
	assert.Error(t, err)
	_, err = renderParams(map[string]any{"x": "{{ .vendor "}, vars)
	assert.Error(t, err)

	empty, err := renderParams(nil, vars)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestStringList(t *testing.T) {
	assert.Equal(t, []string{"a"}, stringList("a"))
	assert.Nil(t, stringList(""))
	assert.Equal(t, []string{"a", "b"}, stringList([]string{"a", "b"}))
	assert.Equal(t, []string{"a", "c"}, stringList([]any{"a", 1, "", "c"}))
	assert.Nil(t, stringList(42))
}

func TestNextTransition(t *testing.T) {
	c, err := compileDefinition(&repository.WorkflowDefinition{
		ID: "routing",
		Steps: []repository.Step{
			conditionStep("check", `{"var": "flag"}`),
			setStep("yes", nil),
			setStep("other", nil),
		},
		Transitions: map[string]map[string]string{
			"check": {repository.OutcomeTrue: "yes", repository.OutcomeAny: "other"},
		},
	}, true)
	require.NoError(t, err)

	assert.Equal(t, "yes", c.next("check", repository.OutcomeTrue))
	assert.Equal(t, "other", c.next("check", repository.OutcomeFalse))
	assert.Empty(t, c.next("check", repository.OutcomeError))
	assert.Empty(t, c.next("yes", repository.OutcomeSuccess))
}
