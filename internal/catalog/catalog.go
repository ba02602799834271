// Package catalog maps request names to their 16-bit protocol opcodes.
//
// The catalog is loaded once from a YAML resource and is read-only afterwards:
//
//	config:
//	  HEART_BEAT: "0001"
//	  GET_VELOCITY: "0x0102"
package catalog

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/lattesec/log"
)

var (
	ErrUnknownOperation = errors.New("unknown operation")
	ErrMissingSection   = errors.New("catalog has no config section")
	ErrInvalidOpcode    = errors.New("invalid opcode")
)

type document struct {
	Config map[string]any `yaml:"config"`
}

type Catalog struct {
	opcodes map[string]uint16
}

// Load reads the catalog resource at path.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Error().
			WithMeta("scope", "catalog").
			WithMeta("path", path).
			Msgf("failed to read catalog: %v", err).Send()
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}

	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse catalog %s: %w", path, err)
	}

	log.Info().
		WithMeta("scope", "catalog").
		WithMeta("path", path).
		Msgf("loaded %d requests", len(c.opcodes)).Send()
	return c, nil
}

func Parse(data []byte) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.Config == nil {
		return nil, ErrMissingSection
	}

	c := &Catalog{opcodes: make(map[string]uint16, len(doc.Config))}
	for name, raw := range doc.Config {
		op, err := parseOpcode(raw)
		if err != nil {
			return nil, errors.Join(ErrInvalidOpcode, fmt.Errorf("%s: %w", name, err))
		}
		c.opcodes[name] = op
	}
	return c, nil
}

// New builds a catalog from an in-memory table.
func New(opcodes map[string]uint16) *Catalog {
	c := &Catalog{opcodes: make(map[string]uint16, len(opcodes))}
	for k, v := range opcodes {
		c.opcodes[k] = v
	}
	return c
}

func parseOpcode(raw any) (uint16, error) {
	var n uint64
	switch v := raw.(type) {
	case string:
		s := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(v), "0x"), "0X")
		parsed, err := strconv.ParseUint(s, 16, 64)
		if err != nil {
			return 0, err
		}
		n = parsed
	case uint64:
		n = v
	case int64:
		if v < 0 {
			return 0, fmt.Errorf("negative value %d", v)
		}
		n = uint64(v)
	case int:
		if v < 0 {
			return 0, fmt.Errorf("negative value %d", v)
		}
		n = uint64(v)
	default:
		return 0, fmt.Errorf("unsupported value %v (%T)", raw, raw)
	}

	if n > math.MaxUint16 {
		return 0, fmt.Errorf("value %#x exceeds 16 bits", n)
	}
	return uint16(n), nil
}

func (c *Catalog) Opcode(name string) (uint16, error) {
	op, ok := c.opcodes[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownOperation, name)
	}
	return op, nil
}

func (c *Catalog) Has(name string) bool {
	_, ok := c.opcodes[name]
	return ok
}

// Names returns every request name, sorted.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.opcodes))
	for name := range c.opcodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Catalog) Len() int {
	return len(c.opcodes)
}
