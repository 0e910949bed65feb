package templates

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	yaml "go.yaml.in/yaml/v3"
)

type fileFormat struct {
	Templates []Template `yaml:"templates"`
}

// LoadFile reads templates from a YAML (or JSON) document of the form
//
//	templates:
//	  - name: appointment_reminder
//	    subject: ...
//	    body: ...
//
// Unknown keys are rejected.
func LoadFile(path string) ([]Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read templates file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a templates document and validates every entry.
func Parse(data []byte) ([]Template, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f fileFormat
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}

	seen := make(map[string]struct{}, len(f.Templates))
	for i, t := range f.Templates {
		if err := t.validate(); err != nil {
			return nil, fmt.Errorf("template %d: %w", i, err)
		}
		if _, dup := seen[t.Name]; dup {
			return nil, fmt.Errorf("template %d: duplicate name %q", i, t.Name)
		}
		seen[t.Name] = struct{}{}
	}
	return f.Templates, nil
}
