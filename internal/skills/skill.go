// Package skills loads reusable instruction documents that agents can pull
// into their context on demand. A skill is a directory containing a SKILL.md
// file: YAML frontmatter (name, description) followed by a markdown body
// with the actual instructions. Agents discover skills through the name and
// description surfaced in their system prompt and fetch the full body with
// the learn_skills action.
package skills

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Skill is a single loaded skill document.
type Skill struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Body is the markdown instruction text below the frontmatter.
	Body string `yaml:"-"`
	// Path is the SKILL.md file this skill was loaded from. Empty for
	// skills created in-process that have not been written yet.
	Path string `yaml:"-"`
}

const frontmatterDelim = "---"

// LoadSkill reads a SKILL.md document from disk.
func LoadSkill(path string) (*Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read skill %s: %w", path, err)
	}

	s, err := ParseSkill(data)
	if err != nil {
		return nil, fmt.Errorf("parse skill %s: %w", path, err)
	}
	s.Path = path
	return s, nil
}

// ParseSkill splits a SKILL.md document into frontmatter and body.
// The document must start with a "---" line, followed by YAML metadata,
// a closing "---" line, and the markdown body.
func ParseSkill(data []byte) (*Skill, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")

	rest, ok := strings.CutPrefix(text, frontmatterDelim+"\n")
	if !ok {
		return nil, fmt.Errorf("missing frontmatter: document must start with %q", frontmatterDelim)
	}
	meta, body, ok := strings.Cut(rest, "\n"+frontmatterDelim)
	if !ok {
		return nil, fmt.Errorf("unterminated frontmatter: no closing %q", frontmatterDelim)
	}

	var s Skill
	if err := yaml.Unmarshal([]byte(meta), &s); err != nil {
		return nil, fmt.Errorf("frontmatter: %w", err)
	}
	s.Body = strings.TrimLeft(strings.TrimPrefix(body, "\n"), "\n")

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks the skill metadata for consistency.
func (s *Skill) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("skill name is required")
	}
	// The name doubles as the skill's directory name on disk.
	if strings.ContainsAny(s.Name, "/\\") || s.Name == "." || s.Name == ".." {
		return fmt.Errorf("skill name %q is not a valid directory name", s.Name)
	}
	if s.Description == "" {
		return fmt.Errorf("skill %q: description is required", s.Name)
	}
	return nil
}

// Render produces the SKILL.md document text for this skill.
func (s *Skill) Render() string {
	var b strings.Builder
	b.WriteString(frontmatterDelim + "\n")
	b.WriteString("name: " + yamlScalar(s.Name) + "\n")
	b.WriteString("description: " + yamlScalar(s.Description) + "\n")
	b.WriteString(frontmatterDelim + "\n\n")
	b.WriteString(strings.TrimRight(s.Body, "\n"))
	b.WriteString("\n")
	return b.String()
}

// yamlScalar quotes a value when plain YAML would misparse it.
func yamlScalar(v string) string {
	if v == "" {
		return `""`
	}
	if strings.ContainsAny(v, ":#{}[]\"'\n") || strings.TrimSpace(v) != v {
		out, err := yaml.Marshal(v)
		if err == nil {
			return strings.TrimRight(string(out), "\n")
		}
	}
	return v
}
