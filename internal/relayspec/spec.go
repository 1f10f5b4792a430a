package relayspec

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const SupportedSchema = "v1"

// File describes one relay: where to consume from and where to produce to.
// Source/Sink Config paths point at bridge config YAMLs and resolve relative
// to the spec file.
type File struct {
	SchemaVersion string `yaml:"schema_version"`
	Source        End    `yaml:"source"`
	Sink          End    `yaml:"sink"`
}

type End struct {
	Config string   `yaml:"config"`
	Topics []string `yaml:"topics"` // source subscription
	Topic  string   `yaml:"topic"`  // sink destination
}

// Load parses a relay YAML, validates schema_version, and absolutizes the
// nested config paths.
func Load(path string) (File, error) {
	var f File
	raw, err := os.ReadFile(path)
	if err != nil {
		return f, err
	}
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return f, err
	}
	if f.SchemaVersion == "" {
		f.SchemaVersion = SupportedSchema
	}
	if f.SchemaVersion != SupportedSchema {
		return f, fmt.Errorf("relay schema_version %q not supported (want %q)", f.SchemaVersion, SupportedSchema)
	}
	base := filepath.Dir(path)
	if f.Source.Config != "" && !filepath.IsAbs(f.Source.Config) {
		f.Source.Config = filepath.Join(base, f.Source.Config)
	}
	if f.Sink.Config != "" && !filepath.IsAbs(f.Sink.Config) {
		f.Sink.Config = filepath.Join(base, f.Sink.Config)
	}
	if f.Sink.Topic == "" {
		return f, fmt.Errorf("relay spec: sink topic is required")
	}
	return f, nil
}
