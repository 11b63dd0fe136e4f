package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCatalog_Templates(t *testing.T) {
	catalog, err := NewCatalog("")
	require.NoError(t, err)

	var keys []string
	for _, tmpl := range catalog.Templates() {
		keys = append(keys, tmpl.Key)
		assert.NotEmpty(t, tmpl.Name)
		assert.NotEmpty(t, tmpl.Description)
	}
	assert.Equal(t, []string{"general", "error-explain", "refactor", "sql-helper", "code-review", "unit-test"}, keys)
}

func TestCatalog_Render(t *testing.T) {
	catalog, err := NewCatalog(DefaultTemplateKey)
	require.NoError(t, err)

	prompt := catalog.Render("error-explain", "panic: runtime error: index out of range")
	assert.True(t, strings.HasPrefix(prompt, defaultSystemPrompt))
	assert.Contains(t, prompt, "explain the error")
	assert.Contains(t, prompt, "panic: runtime error: index out of range")
	assert.NotContains(t, prompt, InputPlaceholder)
}

func TestCatalog_RenderFallsBackToDefault(t *testing.T) {
	catalog, err := NewCatalog(DefaultTemplateKey)
	require.NoError(t, err)

	general := catalog.Render("general", "hello")
	assert.Equal(t, general, catalog.Render("", "hello"))
	assert.Equal(t, general, catalog.Render("no-such-template", "hello"))
	assert.Equal(t, "general", catalog.Resolve("  "))
	assert.Equal(t, "refactor", catalog.Resolve("refactor"))
}

func TestCatalog_RenderKeepsBracesInInput(t *testing.T) {
	catalog, err := NewCatalog(DefaultTemplateKey)
	require.NoError(t, err)

	input := `func main() { fmt.Println("{0} {input}") }`
	assert.Contains(t, catalog.Render("code-review", input), input)
}

func TestNewCatalog_UnknownDefault(t *testing.T) {
	_, err := NewCatalog("missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `default template "missing" is not defined`)
}

func TestLoadCatalog_EmptyPath(t *testing.T) {
	catalog, err := LoadCatalog("", DefaultTemplateKey)
	require.NoError(t, err)
	assert.Len(t, catalog.Templates(), 6)
}

func TestLoadCatalog_MergesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.yaml")
	content := `system_prompt: "You are a Go expert."
templates:
  - key: general
    name: General
    description: Overridden general template
    prompt: "Question: {input}"
  - key: go-idioms
    name: Go Idioms
    description: Rewrite code in idiomatic Go
    prompt: "Rewrite idiomatically:\n{input}"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	catalog, err := LoadCatalog(path, DefaultTemplateKey)
	require.NoError(t, err)

	templates := catalog.Templates()
	require.Len(t, templates, 7)
	assert.Equal(t, "general", templates[0].Key)
	assert.Equal(t, "Overridden general template", templates[0].Description)
	assert.Equal(t, "go-idioms", templates[6].Key)

	assert.Equal(t, "You are a Go expert.\n\nQuestion: why", catalog.Render("general", "why"))
	assert.Equal(t, "You are a Go expert.\n\nRewrite idiomatically:\nx := 1", catalog.Render("go-idioms", "x := 1"))
}

func TestLoadCatalog_InvalidEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.yaml")
	content := `templates:
  - key: ""
    prompt: "{input}"
  - key: no-placeholder
    prompt: "static text"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	_, err := LoadCatalog(path, DefaultTemplateKey)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "key is required")
	assert.Contains(t, err.Error(), `"no-placeholder": prompt must contain {input}`)
}

func TestLoadCatalog_MissingFile(t *testing.T) {
	_, err := LoadCatalog(filepath.Join(t.TempDir(), "nope.yaml"), DefaultTemplateKey)
	assert.Error(t, err)
}
