// Package persona loads the agent's character definitions from a YAML file.
// The active persona's system prompt frames every generated message.
package persona

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Persona is one character the agent can speak as.
type Persona struct {
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	SystemPrompt string   `yaml:"system_prompt"`
	Interests    []string `yaml:"interests"`
}

// File is the on-disk persona document.
type File struct {
	Personas []Persona `yaml:"personas"`
}

// Default is the persona used when no file is configured. Kept deliberately
// plain so an unconfigured agent still sounds coherent.
var Default = Persona{
	Name:        "companion",
	Description: "a warm, attentive chat companion",
	SystemPrompt: "You are a warm, attentive companion. You speak casually and " +
		"briefly, like a close friend sending a chat message. Never mention that " +
		"you are an assistant or that a system asked you to write this.",
	Interests: []string{"music", "books", "walks"},
}

// Load reads the persona file and selects the named persona. An empty path
// returns Default; an empty name selects the first entry.
func Load(path, name string) (Persona, error) {
	if path == "" {
		return Default, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Default, fmt.Errorf("read persona file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return Default, fmt.Errorf("parse persona file: %w", err)
	}
	if len(f.Personas) == 0 {
		return Default, fmt.Errorf("persona file %s has no personas", path)
	}
	if name == "" {
		return f.Personas[0], nil
	}
	for _, p := range f.Personas {
		if strings.EqualFold(p.Name, name) {
			return p, nil
		}
	}
	return Default, fmt.Errorf("persona %q not found in %s", name, path)
}
