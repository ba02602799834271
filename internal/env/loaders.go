package env

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"dario.cat/mergo"
	"github.com/goccy/go-yaml"
	"github.com/lattesec/agvclient/internal/helpers/mirror"
	"github.com/lattesec/log"
)

// LoadFile merges the single YAML file at pth into out (struct pointer).
// Unlike Loader.Load a missing file is an error.
func LoadFile(pth string, out any) error {
	if err := mirror.IsStructPointer(out); err != nil {
		return err
	}

	pth = filepath.Clean(pth)
	if pth == "." || !slices.Contains(validConfigExtensions, filepath.Ext(pth)) {
		log.Warn().
			WithMeta("scope", "env").
			WithMeta("path", pth).
			Msg("invalid config extension").Send()
		return ErrInvalidConfigFilename
	}

	data, err := os.ReadFile(pth)
	if err != nil {
		log.Error().
			WithMeta("scope", "env").
			WithMeta("path", pth).
			Msgf("failed to read config file: %v", err).Send()
		return err
	}

	tmp := mirror.NewEmpty(out)
	if err := yaml.Unmarshal(data, tmp); err != nil {
		log.Warn().
			WithMeta("scope", "env").
			WithMeta("path", pth).
			Msgf("failed to parse: %v", err).Send()

		return fmt.Errorf("failed to parse config from %s: %w", pth, err)
	}

	if err := mergo.Merge(out, tmp, mergo.WithOverride); err != nil {
		log.Warn().
			WithMeta("scope", "env").
			WithMeta("path", pth).
			Msgf("failed to merge config: %v", err).Send()

		return fmt.Errorf("failed to merge config from %s: %w", pth, err)
	}

	log.Info().
		WithMeta("scope", "env").
		WithMeta("path", pth).
		Msgf("loaded config from %s", pth).Send()
	return nil
}
