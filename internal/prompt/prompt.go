// Package prompt loads the optional system prompt override: a markdown
// file with optional YAML frontmatter.
package prompt

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Prompt struct {
	Name        string
	Description string
	Body        string
}

type frontmatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// Load reads a prompt override file. Frontmatter is optional; a file
// without it is all body.
func Load(path string) (*Prompt, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(string(b))
}

func Parse(content string) (*Prompt, error) {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	if !strings.HasPrefix(content, "---\n") {
		return &Prompt{Body: strings.TrimSpace(content)}, nil
	}

	rest := content[len("---\n"):]
	idx := strings.Index(rest, "\n---\n")
	if idx < 0 {
		return nil, fmt.Errorf("missing frontmatter end")
	}
	var fm frontmatter
	if err := yaml.Unmarshal([]byte(rest[:idx]), &fm); err != nil {
		return nil, fmt.Errorf("invalid frontmatter: %w", err)
	}
	return &Prompt{
		Name:        strings.TrimSpace(fm.Name),
		Description: strings.TrimSpace(fm.Description),
		Body:        strings.TrimSpace(rest[idx+len("\n---\n"):]),
	}, nil
}
