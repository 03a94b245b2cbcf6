package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"boardsync/internal/columns"
	"boardsync/internal/models"
)

type columnSpec struct {
	Field   string `yaml:"field"`
	Kind    string `yaml:"kind"`
	Country string `yaml:"country,omitempty"`
}

type entityMapping struct {
	BoardID string                `yaml:"board_id"`
	Columns map[string]columnSpec `yaml:"columns"`
}

// LoadBoardMapping reads the static board and column mapping file.
func LoadBoardMapping(path string) (*columns.Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read board mapping file: %w", err)
	}
	reg, err := ParseBoardMapping(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return reg, nil
}

// ParseBoardMapping decodes a mapping document. Unknown keys, unknown column
// kinds and fields the entity does not have are all errors.
func ParseBoardMapping(data []byte) (*columns.Registry, error) {
	var doc map[string]entityMapping
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("board mapping is empty")
		}
		return nil, fmt.Errorf("failed to parse board mapping: %w", err)
	}

	entities := make([]string, 0, len(doc))
	for name := range doc {
		entities = append(entities, name)
	}
	sort.Strings(entities)

	var mappings []*columns.Mapping
	for _, name := range entities {
		em := doc[name]
		if em.BoardID == "" {
			return nil, fmt.Errorf("%s: board_id is required", name)
		}

		ids := make([]string, 0, len(em.Columns))
		for id := range em.Columns {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		cols := make([]columns.Column, 0, len(ids))
		for _, id := range ids {
			spec := em.Columns[id]
			kind, err := columns.ParseKind(spec.Kind)
			if err != nil {
				return nil, fmt.Errorf("%s: column %q: %w", name, id, err)
			}
			cols = append(cols, columns.Column{ID: id, Field: spec.Field, Kind: kind, Country: spec.Country})
		}

		m, err := columns.NewMapping(models.EntityType(name), em.BoardID, cols)
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, m)
	}
	return columns.NewRegistry(mappings...)
}
