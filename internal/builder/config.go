package builder

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/fentz26/skatepark/internal/models"
)

const (
	// DefaultConfigFile is used when a registration names neither a config nor an entry file.
	DefaultConfigFile = "structure_config.yaml"
	// DefaultRequirementsFile is the manifest used when the config does not name one.
	DefaultRequirementsFile = "requirements.txt"
)

// LoadStructureConfig parses a structure config file. YAML is the native
// format; .json and .jsonc files may carry comments and trailing commas.
func LoadStructureConfig(path string) (*models.StructureConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading structure config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		data = jsonc.ToJSON(data)
	}

	var cfg models.StructureConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing structure config: %w", err)
	}
	if cfg.Run.MainFile == "" {
		return nil, fmt.Errorf("structure config %s: run.main_file is required", filepath.Base(path))
	}
	if cfg.Build.RequirementsFile == "" {
		cfg.Build.RequirementsFile = DefaultRequirementsFile
	}
	return &cfg, nil
}
