package link

import (
	"fmt"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/kerboscript/ksmlink/pkg/linkerr"
)

// Config is the optional link-config file format (§6C), loaded only when
// the user passes -c/--config explicitly. This linker carries no
// environment-variable or persisted-state configuration layer: every
// field here must be read from a file path the user named on the command
// line.
type Config struct {
	// ExtraRoots names additional functions to treat as reachable
	// regardless of the static call graph.
	ExtraRoots []string `yaml:"extraRoots"`

	// Rename aliases a symbol name (key) to another symbol name (value)
	// before resolution: every reference to the key, local or extern,
	// is resolved as if it had named the value instead (§6C).
	Rename map[string]string `yaml:"rename"`
}

// LoadConfig reads and parses a link-config file from fs.
func LoadConfig(fs afero.Fs, path string) (Config, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return Config{}, fmt.Errorf("%w: reading link config %s: %v", linkerr.ErrInputFormat, path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: parsing link config %s: %v", linkerr.ErrInputFormat, path, err)
	}
	return cfg, nil
}
