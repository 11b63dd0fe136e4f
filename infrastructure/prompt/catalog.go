// Package prompt holds the read-only catalog of prompt templates.
package prompt

import (
	"fmt"
	"os"
	"strings"

	"dev-assistant/domain/chat"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// InputPlaceholder marks where the user's text is inserted into a template
const InputPlaceholder = "{input}"

// DefaultTemplateKey is used for blank or unknown template keys
const DefaultTemplateKey = "general"

const defaultSystemPrompt = `You are DevAssistant, a precise software development assistant.
- Return runnable, minimal code with short comments.
- Warn against unsafe or insecure practices.
- Format code in fenced blocks with a language tag.
- Be concise but thorough in explanations.`

// Entry is one template in the catalog
type Entry struct {
	chat.Template `yaml:",inline"`
	Prompt        string `yaml:"prompt"`
}

// File is the on-disk format of an optional templates file
type File struct {
	SystemPrompt string  `yaml:"system_prompt"`
	Templates    []Entry `yaml:"templates"`
}

var builtinEntries = []Entry{
	{
		Template: chat.Template{Key: "general", Name: "General Assistant", Description: "General development questions and guidance"},
		Prompt:   "User query: {input}",
	},
	{
		Template: chat.Template{Key: "error-explain", Name: "Error Explainer", Description: "Analyze and explain errors with solutions"},
		Prompt: `Task: explain the error below and how to fix it.

1. Identify the root cause.
2. Explain what the error means in plain terms.
3. Give a step-by-step fix with code.
4. Suggest how to prevent it next time.

Error:
{input}`,
	},
	{
		Template: chat.Template{Key: "refactor", Name: "Code Refactoring", Description: "Improve code quality and maintainability"},
		Prompt: `Task: refactor the code below.

1. Point out readability, performance and maintainability problems.
2. Show the refactored code.
3. Explain what each change buys.

Code:
{input}`,
	},
	{
		Template: chat.Template{Key: "sql-helper", Name: "SQL Helper", Description: "SQL queries and database operations"},
		Prompt: `Task: help with the SQL requirement below.

1. Restate the requirement.
2. Give an efficient query.
3. Suggest indexes where they matter.
4. Call out performance pitfalls.

Requirement:
{input}`,
	},
	{
		Template: chat.Template{Key: "code-review", Name: "Code Review", Description: "Comprehensive code analysis and suggestions"},
		Prompt: `Task: review the code below.

1. Look for bugs, security issues and performance problems.
2. Flag unhandled edge cases and error paths.
3. Suggest readability improvements.
4. Recommend what to test.

Code:
{input}`,
	},
	{
		Template: chat.Template{Key: "unit-test", Name: "Unit Test Generator", Description: "Generate comprehensive unit tests"},
		Prompt: `Task: write unit tests for the code below.

1. Cover the happy path, edge cases and error scenarios.
2. Use arrange/act/assert structure.
3. Give each test a descriptive name.

Code:
{input}`,
	},
}

// Catalog implements chat.PromptRenderer. It is built once and never mutated.
type Catalog struct {
	systemPrompt string
	defaultKey   string
	entries      map[string]Entry
	order        []string
}

// NewCatalog returns the built-in catalog
func NewCatalog(defaultKey string) (*Catalog, error) {
	return build(File{}, defaultKey)
}

// LoadCatalog merges the templates file at path over the built-in catalog.
// An empty path yields the built-in catalog.
func LoadCatalog(path, defaultKey string) (*Catalog, error) {
	if path == "" {
		return NewCatalog(defaultKey)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read templates file %s: %w", path, err)
	}

	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse templates file %s: %w", path, err)
	}

	catalog, err := build(file, defaultKey)
	if err != nil {
		return nil, fmt.Errorf("templates file %s: %w", path, err)
	}

	logrus.WithFields(logrus.Fields{
		"path":      path,
		"templates": len(catalog.order),
	}).Info("Loaded prompt templates")
	return catalog, nil
}

func build(file File, defaultKey string) (*Catalog, error) {
	if defaultKey == "" {
		defaultKey = DefaultTemplateKey
	}

	c := &Catalog{
		systemPrompt: defaultSystemPrompt,
		defaultKey:   defaultKey,
		entries:      make(map[string]Entry, len(builtinEntries)+len(file.Templates)),
	}
	if strings.TrimSpace(file.SystemPrompt) != "" {
		c.systemPrompt = strings.TrimSpace(file.SystemPrompt)
	}

	for _, entry := range builtinEntries {
		c.add(entry)
	}

	var errs []string
	for i, entry := range file.Templates {
		switch {
		case strings.TrimSpace(entry.Key) == "":
			errs = append(errs, fmt.Sprintf("template %d: key is required", i))
		case !strings.Contains(entry.Prompt, InputPlaceholder):
			errs = append(errs, fmt.Sprintf("template %q: prompt must contain %s", entry.Key, InputPlaceholder))
		default:
			if entry.Name == "" {
				entry.Name = entry.Key
			}
			c.add(entry)
		}
	}

	if _, ok := c.entries[c.defaultKey]; !ok {
		errs = append(errs, fmt.Sprintf("default template %q is not defined", c.defaultKey))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid templates: %s", strings.Join(errs, "; "))
	}
	return c, nil
}

func (c *Catalog) add(entry Entry) {
	if _, exists := c.entries[entry.Key]; !exists {
		c.order = append(c.order, entry.Key)
	}
	c.entries[entry.Key] = entry
}

// Resolve returns the key that Render would use for templateKey
func (c *Catalog) Resolve(templateKey string) string {
	key := strings.TrimSpace(templateKey)
	if _, ok := c.entries[key]; ok {
		return key
	}
	return c.defaultKey
}

// Render builds the final prompt; blank or unknown keys use the default template
func (c *Catalog) Render(templateKey, userInput string) string {
	entry := c.entries[c.Resolve(templateKey)]
	body := strings.ReplaceAll(entry.Prompt, InputPlaceholder, userInput)
	return c.systemPrompt + "\n\n" + body
}

// Templates lists the catalog in a stable order
func (c *Catalog) Templates() []chat.Template {
	out := make([]chat.Template, 0, len(c.order))
	for _, key := range c.order {
		out = append(out, c.entries[key].Template)
	}
	return out
}
