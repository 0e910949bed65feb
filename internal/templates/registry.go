package templates

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrNotFound = errors.New("template not found")
	ErrExists   = errors.New("template already exists")
	ErrInvalid  = errors.New("invalid template")
)

// Template is a named subject/body pair with {{key}} placeholders.
type Template struct {
	Name     string   `json:"name" yaml:"name"`
	Subject  string   `json:"subject" yaml:"subject"`
	Body     string   `json:"body" yaml:"body"`
	Channels []string `json:"channels,omitempty" yaml:"channels,omitempty"`
}

// Rendered is a template with its placeholders substituted.
type Rendered struct {
	Subject string
	Body    string
}

// Update carries a partial template change. Nil fields are left as they are.
type Update struct {
	Subject  *string   `json:"subject,omitempty"`
	Body     *string   `json:"body,omitempty"`
	Channels *[]string `json:"channels,omitempty"`
}

func (t Template) clone() Template {
	if t.Channels != nil {
		t.Channels = append([]string(nil), t.Channels...)
	}
	return t
}

func (t Template) validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if strings.TrimSpace(t.Body) == "" {
		return fmt.Errorf("%w: body is required", ErrInvalid)
	}
	return nil
}

// Registry holds templates by name. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]Template
}

// NewRegistry builds a registry seeded with the given templates. Later
// entries replace earlier ones with the same name.
func NewRegistry(seed ...Template) *Registry {
	r := &Registry{templates: make(map[string]Template, len(seed))}
	for _, t := range seed {
		r.templates[t.Name] = t.clone()
	}
	return r
}

// Render resolves name and interpolates data into its subject and body.
func (r *Registry) Render(name string, data map[string]string) (Rendered, error) {
	t, err := r.Get(name)
	if err != nil {
		return Rendered{}, err
	}
	return Rendered{
		Subject: Interpolate(t.Subject, data),
		Body:    Interpolate(t.Body, data),
	}, nil
}

// Get returns a copy of the named template.
func (r *Registry) Get(name string) (Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.templates[name]
	if !ok {
		return Template{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return t.clone(), nil
}

// List returns every template sorted by name.
func (r *Registry) List() []Template {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Template, 0, len(r.templates))
	for _, t := range r.templates {
		out = append(out, t.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Create adds a new template; an existing name is rejected.
func (r *Registry) Create(t Template) (Template, error) {
	if err := t.validate(); err != nil {
		return Template{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.templates[t.Name]; ok {
		return Template{}, fmt.Errorf("%w: %s", ErrExists, t.Name)
	}
	r.templates[t.Name] = t.clone()
	return t.clone(), nil
}

// Update applies u to the named template.
func (r *Registry) Update(name string, u Update) (Template, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.templates[name]
	if !ok {
		return Template{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if u.Subject != nil {
		t.Subject = *u.Subject
	}
	if u.Body != nil {
		t.Body = *u.Body
	}
	if u.Channels != nil {
		t.Channels = *u.Channels
	}
	if err := t.validate(); err != nil {
		return Template{}, err
	}
	r.templates[name] = t.clone()
	return t.clone(), nil
}

// Put inserts or replaces a template.
func (r *Registry) Put(t Template) error {
	if err := t.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.templates[t.Name] = t.clone()
	r.mu.Unlock()
	return nil
}

// Interpolate replaces each {{key}} in text with data[key] in a single left
// to right pass, so substituted values are never expanded again. Placeholders
// without a matching key stay in the output as written.
func Interpolate(text string, data map[string]string) string {
	if len(data) == 0 || !strings.Contains(text, "{{") {
		return text
	}

	var b strings.Builder
	b.Grow(len(text))
	for {
		start := strings.Index(text, "{{")
		if start < 0 {
			break
		}
		end := strings.Index(text[start+2:], "}}")
		if end < 0 {
			break
		}
		end += start + 2
		// A stray "{{" before the placeholder is literal text.
		if inner := strings.LastIndex(text[start+2:end], "{{"); inner >= 0 {
			start += 2 + inner
		}

		b.WriteString(text[:start])
		if v, ok := data[text[start+2:end]]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(text[start : end+2])
		}
		text = text[end+2:]
	}
	b.WriteString(text)
	return b.String()
}
