// Package prompts supplies the prompt templates used by the classifier, the
// assessment call and the judge. Defaults are compiled into the binary; a
// directory on disk can override any of them by name.
package prompts

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"text/template"
)

// ErrPromptNotFound is returned when a requested prompt cannot be found.
var ErrPromptNotFound = errors.New("prompt not found")

// Prompt names.
const (
	ClassifierSystem   = "classifier_system"
	ClassifierTemplate = "classifier"
	AssessmentSystem   = "assessment_system"
	AssessmentTemplate = "assessment"
	AssessmentStrict   = "assessment_strict"
	JudgeSystem        = "judge_system"
	JudgeTemplate      = "judge"
)

//go:embed templates/*.txt
var embedded embed.FS

// Provider retrieves prompt text by name.
type Provider interface {
	Get(ctx context.Context, name string) (string, error)
}

// EmbeddedProvider serves the built-in templates.
type EmbeddedProvider struct{}

// Get returns the built-in prompt called name.
func (EmbeddedProvider) Get(_ context.Context, name string) (string, error) {
	data, err := embedded.ReadFile("templates/" + cleanFilename(name) + ".txt")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %q", ErrPromptNotFound, name)
		}
		return "", err
	}
	return string(data), nil
}

// LocalProvider reads {rootDir}/{name}.txt and falls back to another
// provider when the file does not exist.
type LocalProvider struct {
	rootDir  string
	fallback Provider
}

// NewLocalProvider creates a provider over rootDir. A nil fallback means the
// embedded defaults.
func NewLocalProvider(rootDir string, fallback Provider) *LocalProvider {
	if fallback == nil {
		fallback = EmbeddedProvider{}
	}
	return &LocalProvider{rootDir: rootDir, fallback: fallback}
}

// Get returns the on-disk override for name, or the fallback's prompt.
func (p *LocalProvider) Get(ctx context.Context, name string) (string, error) {
	if p.rootDir == "" {
		return p.fallback.Get(ctx, name)
	}
	path := filepath.Join(p.rootDir, cleanFilename(name)+".txt")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return p.fallback.Get(ctx, name)
		}
		return "", fmt.Errorf("failed to read prompt %q: %w", name, err)
	}
	return string(data), nil
}

// Default returns the provider for an optional override directory.
func Default(dir string) Provider {
	if dir == "" {
		return EmbeddedProvider{}
	}
	return NewLocalProvider(dir, nil)
}

// Render fetches the template called name and executes it with data.
// Referencing a missing key is an error.
func Render(ctx context.Context, p Provider, name string, data any) (string, error) {
	text, err := p.Get(ctx, name)
	if err != nil {
		return "", err
	}
	tmpl, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse prompt %q: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt %q: %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// Text fetches a prompt that takes no parameters.
func Text(ctx context.Context, p Provider, name string) (string, error) {
	text, err := p.Get(ctx, name)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

func cleanFilename(name string) string {
	return strings.ReplaceAll(strings.ReplaceAll(name, "..", ""), "/", "")
}
