package spacemap

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// MappingFile declares space mappings outside of the Go types:
//
//	version: "1"
//	spaces:
//	  - type: github.com/acme/shop.Order
//	    space: orders
//	    key: ID
//	    columns:
//	      CustomerName: customer
//	    transient: [Cache]
//	formats:
//	  orders:
//	    - {name: id, type: string}
//	    - {name: customer, type: string, is_nullable: true}
type MappingFile struct {
	Version string            `yaml:"version"`
	Spaces  []SpaceMapping    `yaml:"spaces"`
	Formats map[string]Format `yaml:"formats,omitempty"`
}

// LoadMappingFile loads and parses a YAML mapping file from the given path.
func LoadMappingFile(path string) (*MappingFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read mapping file %s: %w", path, err)
	}

	return ParseMapping(data)
}

// ParseMapping parses YAML data into a MappingFile.
func ParseMapping(data []byte) (*MappingFile, error) {
	var mf MappingFile

	if err := yaml.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("failed to parse mapping YAML: %w", err)
	}

	if mf.Version == "" {
		mf.Version = "1"
	}

	for i, sm := range mf.Spaces {
		if sm.Type == "" {
			return nil, fmt.Errorf("space mapping #%d has no type", i)
		}
	}

	return &mf, nil
}

// Marshal serializes a MappingFile to YAML.
func (mf *MappingFile) Marshal() ([]byte, error) {
	return yaml.Marshal(mf)
}
