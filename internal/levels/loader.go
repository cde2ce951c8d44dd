package levels

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/terra-clan/matrix-engine/internal/models"
)

// manifestFile represents the YAML structure of a level manifest
type manifestFile struct {
	Levels  []models.LevelDefinition  `yaml:"levels"`
	Secrets []models.SecretDefinition `yaml:"secrets"`
}

// LoadFile reads and validates a YAML level manifest.
// Level indexes may be omitted, in which case file order is used.
func LoadFile(path string) (models.Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.Manifest{}, fmt.Errorf("failed to read file: %w", err)
	}

	m, err := Parse(data)
	if err != nil {
		return models.Manifest{}, fmt.Errorf("%s: %w", path, err)
	}

	slog.Info("level manifest loaded", "path", path, "levels", len(m.Levels), "secrets", len(m.Secrets))
	return m, nil
}

// Parse decodes a YAML level manifest
func Parse(data []byte) (models.Manifest, error) {
	var mf manifestFile
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return models.Manifest{}, fmt.Errorf("failed to parse YAML: %w", err)
	}

	// Index defaults to position; an explicit index still has to agree
	for i := range mf.Levels {
		if mf.Levels[i].Index == 0 {
			mf.Levels[i].Index = i
		}
	}

	m := models.Manifest{Levels: mf.Levels, Secrets: mf.Secrets}
	if err := Validate(m); err != nil {
		return models.Manifest{}, err
	}
	return m, nil
}
