package rules

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileSource reads rules from a YAML document of the form:
//
//	rules:
//	  - id: R1
//	    name: large fleet operator
//	    expression: fleetSize > 10
//	    severity: HIGH
//	    action: BLOCK
//	    scope: [user]
//	    priority: 10
//
// enabled defaults to true when omitted.
type FileSource struct {
	Path string
}

func NewFileSource(path string) *FileSource { return &FileSource{Path: path} }

type fileDoc struct {
	Rules []fileRule `yaml:"rules"`
}

type fileRule struct {
	ID         string   `yaml:"id"`
	Name       string   `yaml:"name"`
	Expression string   `yaml:"expression"`
	Severity   string   `yaml:"severity"`
	Action     string   `yaml:"action"`
	Category   string   `yaml:"category,omitempty"`
	Scope      []string `yaml:"scope,omitempty"`
	Priority   int      `yaml:"priority"`
	Enabled    *bool    `yaml:"enabled"`
}

func (s *FileSource) Load(ctx context.Context) ([]Rule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.Path, err)
	}
	return ParseYAML(bytes.NewReader(raw))
}

// ParseYAML decodes a rules document. Unknown fields are rejected.
func ParseYAML(r io.Reader) ([]Rule, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc fileDoc
	if err := dec.Decode(&doc); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("decode rules yaml: %w", err)
	}

	out := make([]Rule, 0, len(doc.Rules))
	for i, fr := range doc.Rules {
		r := Rule{
			ID:         strings.TrimSpace(fr.ID),
			Name:       fr.Name,
			Expression: strings.TrimSpace(fr.Expression),
			Severity:   Severity(strings.ToUpper(strings.TrimSpace(fr.Severity))),
			Action:     Action(strings.ToUpper(strings.TrimSpace(fr.Action))),
			Category:   strings.TrimSpace(fr.Category),
			Priority:   fr.Priority,
			Enabled:    fr.Enabled == nil || *fr.Enabled,
		}
		for _, s := range fr.Scope {
			t, err := ParseEntityType(s)
			if err != nil {
				return nil, fmt.Errorf("rule #%d (%s): %w", i, r.ID, err)
			}
			r.Scope = append(r.Scope, t)
		}
		out = append(out, r)
	}
	return out, nil
}

// MarshalYAML renders rules in the FileSource format.
func MarshalYAML(rs []Rule) ([]byte, error) {
	doc := fileDoc{Rules: make([]fileRule, 0, len(rs))}
	for _, r := range rs {
		enabled := r.Enabled
		fr := fileRule{
			ID:         r.ID,
			Name:       r.Name,
			Expression: r.Expression,
			Severity:   string(r.Severity),
			Action:     string(r.Action),
			Category:   r.Category,
			Priority:   r.Priority,
			Enabled:    &enabled,
		}
		for _, t := range r.Scope {
			fr.Scope = append(fr.Scope, string(t))
		}
		doc.Rules = append(doc.Rules, fr)
	}
	return yaml.Marshal(doc)
}
