// Package agent loads agent-persona definition files: markdown documents
// with a YAML front-matter header and a body used as a system directive.
package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Definition is one parsed agent file.
type Definition struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Model       string `yaml:"model"`
	Body        string `yaml:"-"`
}

// Load reads <dir>/<name>.md and parses its front matter and body.
func Load(dir, name string) (*Definition, error) {
	if strings.ContainsAny(name, "/\\") {
		return nil, fmt.Errorf("invalid agent name: %s", name)
	}

	path := filepath.Join(dir, name+".md")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent file: %w", err)
	}

	def, err := parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("parse agent file %s: %w", path, err)
	}
	if def.Name == "" {
		def.Name = name
	}
	return def, nil
}

// List returns the definitions of every .md file in the agents directory.
// Unreadable files are skipped.
func List(dir string) []*Definition {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var defs []*Definition
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".md")
		def, err := Load(dir, name)
		if err != nil {
			continue
		}
		defs = append(defs, def)
	}
	return defs
}

// parse splits a document into "---"-delimited YAML front matter and body.
// A document without front matter is all body.
func parse(doc string) (*Definition, error) {
	def := &Definition{}

	rest, ok := strings.CutPrefix(doc, "---\n")
	if !ok {
		def.Body = strings.TrimSpace(doc)
		return def, nil
	}

	head, body, found := strings.Cut(rest, "\n---")
	if !found {
		return nil, fmt.Errorf("unterminated front matter")
	}
	if err := yaml.Unmarshal([]byte(head), def); err != nil {
		return nil, fmt.Errorf("front matter: %w", err)
	}

	// The closing delimiter may be followed by its own newline.
	body = strings.TrimPrefix(body, "\n")
	def.Body = strings.TrimSpace(body)
	return def, nil
}
