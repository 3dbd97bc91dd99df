package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"extractflow/internal/runstore"
	"extractflow/internal/services"
)

// Manifest is a decoded batch description.
type Manifest struct {
	Name  string `yaml:"name" json:"name"`
	Units []Unit `yaml:"units" json:"units"`
}

// Unit is one manifest entry.
type Unit struct {
	Name          string                    `yaml:"name,omitempty" json:"name,omitempty"`
	Document      string                    `yaml:"document,omitempty" json:"document,omitempty"`
	File          string                    `yaml:"file,omitempty" json:"file,omitempty"`
	ExpectedCount int                       `yaml:"expected_count,omitempty" json:"expected_count,omitempty"`
	Expected      []runstore.ExpectedEntity `yaml:"expected,omitempty" json:"expected,omitempty"`
}

// Load reads a manifest file. Unit file paths are resolved against the
// manifest's directory.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "manifest", "read", path, err)
	}
	return Parse(data, filepath.Dir(path))
}

// Parse decodes a manifest and loads any referenced document files. With an
// empty baseDir only absolute file paths are accepted.
func Parse(data []byte, baseDir string) (*Manifest, error) {
	var m Manifest
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, invalid("manifest is empty")
		}
		return nil, services.Wrap(services.ErrValidation, "manifest", "decode", "", err)
	}
	m.Name = strings.TrimSpace(m.Name)
	if len(m.Units) == 0 {
		return nil, invalid("manifest lists no units")
	}
	for i := range m.Units {
		if err := m.Units[i].resolve(baseDir); err != nil {
			return nil, fmt.Errorf("unit %d: %w", i, err)
		}
	}
	return &m, nil
}

func (u *Unit) resolve(baseDir string) error {
	u.File = strings.TrimSpace(u.File)
	switch {
	case u.File != "" && u.Document != "":
		return invalid("document and file are mutually exclusive")
	case u.File != "":
		path := u.File
		if !filepath.IsAbs(path) {
			if baseDir == "" {
				return invalid(fmt.Sprintf("relative file %q needs a manifest directory", u.File))
			}
			path = filepath.Join(baseDir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return services.Wrap(services.ErrValidation, "manifest", "read document", path, err)
		}
		u.Document = string(data)
	}
	if strings.TrimSpace(u.Document) == "" {
		return invalid("document is empty")
	}
	if u.ExpectedCount < 0 {
		return invalid("expected_count must not be negative")
	}
	for j, entity := range u.Expected {
		if strings.TrimSpace(entity.Type) == "" || strings.TrimSpace(entity.Name) == "" {
			return invalid(fmt.Sprintf("expected[%d] needs type and name", j))
		}
	}
	return nil
}

// BatchUnits converts the manifest into units ready for submission. When
// expected_count is omitted the baseline length is used.
func (m *Manifest) BatchUnits() []*runstore.BatchUnit {
	units := make([]*runstore.BatchUnit, 0, len(m.Units))
	for _, u := range m.Units {
		count := u.ExpectedCount
		if count == 0 {
			count = len(u.Expected)
		}
		units = append(units, &runstore.BatchUnit{
			Name:          strings.TrimSpace(u.Name),
			Document:      u.Document,
			ExpectedCount: count,
			Expected:      append([]runstore.ExpectedEntity(nil), u.Expected...),
		})
	}
	return units
}

// ExpectedTotal sums the expected count of every unit.
func (m *Manifest) ExpectedTotal() int64 {
	var total int64
	for _, unit := range m.BatchUnits() {
		total += int64(unit.ExpectedCount)
	}
	return total
}

func invalid(message string) error {
	return services.Wrap(services.ErrValidation, "manifest", "validate", message, nil)
}

// Inline encodes the manifest with every document embedded, for submission
// to a daemon that cannot read the referenced files.
func (m *Manifest) Inline() ([]byte, error) {
	out := Manifest{Name: m.Name, Units: make([]Unit, len(m.Units))}
	for i, u := range m.Units {
		u.File = ""
		out.Units[i] = u
	}
	data, err := yaml.Marshal(&out)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "manifest", "encode", "", err)
	}
	return data, nil
}
