package env

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	"github.com/lattesec/agvclient/internal/helpers/mirror"
	"github.com/lattesec/log"
	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidConfigFilename = errors.New("invalid config filename")
	validConfigExtensions    = []string{".yaml", ".yml"}
)

type Loader struct {
	paths []string
}

// NewLoader searches the standard config directories, or only dirs when
// any are given.
func NewLoader(dirs ...string) *Loader {
	paths := dirs
	if len(paths) == 0 {
		paths = resolvePaths()
	}

	log.Debug().
		WithMeta("scope", "env").
		Msgf("using config paths: %s", strings.Join(paths, ", ")).Send()

	return &Loader{paths}
}

func (l *Loader) Paths() []string {
	return l.paths
}

// Load merges every <dir>/<filename>.yaml|.yml found into out (struct
// pointer), later directories overriding earlier ones. Missing files are
// skipped.
//
// Usage:
//
//	l := NewLoader()
//	l.Load("agvclient", &config)
func (l *Loader) Load(filename string, out any) error {
	if err := mirror.IsStructPointer(out); err != nil {
		return err
	}

	filename = strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	if filename == "." || filename == "" {
		return ErrInvalidConfigFilename
	}

	loaded := 0
	for _, dir := range l.paths {
		for _, ext := range validConfigExtensions {
			cfgPath := filepath.Join(dir, filename+ext)

			data, err := os.ReadFile(cfgPath)
			if err != nil {
				if os.IsNotExist(err) {
					log.Debug().
						WithMeta("scope", "env").
						WithMeta("path", cfgPath).
						Msg("not found").Send()
					continue
				}

				log.Error().
					WithMeta("scope", "env").
					WithMeta("path", cfgPath).
					Msgf("failed to read config file: %v", err).Send()

				return err
			}

			if err := mergeYAML(cfgPath, data, out); err != nil {
				return err
			}
			loaded++
		}
	}

	log.Debug().
		WithMeta("scope", "env").
		WithMetaf("files", "%d", loaded).
		Msgf("config loaded: %#v", out).Send()
	return nil
}

func mergeYAML(cfgPath string, data []byte, out any) error {
	tmp := mirror.NewEmpty(out)
	if err := yaml.Unmarshal(data, tmp); err != nil {
		log.Warn().
			WithMeta("scope", "env").
			WithMeta("path", cfgPath).
			Msgf("failed to parse: %v", err).Send()

		log.Debug().
			WithMeta("scope", "env").
			WithMeta("path", cfgPath).
			WithMeta("data", string(data)).
			Msgf("failed to parse: %v", err).Send()

		return fmt.Errorf("failed to parse config from %s: %w", cfgPath, err)
	}

	if err := mergo.Merge(out, tmp, mergo.WithOverride); err != nil {
		log.Warn().
			WithMeta("scope", "env").
			WithMeta("path", cfgPath).
			Msgf("failed to merge config: %v", err).Send()

		return fmt.Errorf("failed to merge config from %s: %w", cfgPath, err)
	}

	log.Info().
		WithMeta("scope", "env").
		WithMeta("path", cfgPath).
		Msgf("loaded config from %s", cfgPath).Send()
	return nil
}
