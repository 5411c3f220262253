package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kirillkom/docsearch/internal/core/domain"
)

// LoadTaxonomy returns the compiled-in taxonomy, or the one in the YAML file
// at path when path is set. The file replaces the defaults wholesale.
func LoadTaxonomy(path string) (domain.Taxonomy, error) {
	if path == "" {
		return domain.DefaultTaxonomy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Taxonomy{}, fmt.Errorf("read taxonomy: %w", err)
	}

	var taxonomy domain.Taxonomy
	if err := yaml.Unmarshal(data, &taxonomy); err != nil {
		return domain.Taxonomy{}, fmt.Errorf("parse taxonomy %s: %w", path, err)
	}
	if err := checkTaxonomy(taxonomy); err != nil {
		return domain.Taxonomy{}, fmt.Errorf("taxonomy %s: %w", path, err)
	}
	return taxonomy, nil
}

func checkTaxonomy(t domain.Taxonomy) error {
	if len(t.Categories) == 0 {
		return errors.New("at least one category is required")
	}
	seen := make(map[string]struct{}, len(t.Categories))
	for _, c := range t.Categories {
		if c.Name == "" {
			return errors.New("category with empty name")
		}
		if _, dup := seen[c.Name]; dup {
			return fmt.Errorf("duplicate category %q", c.Name)
		}
		seen[c.Name] = struct{}{}
	}

	techs := make(map[string]struct{}, len(t.Technologies))
	for _, tech := range t.Technologies {
		if tech.Name == "" {
			return errors.New("technology with empty name")
		}
		if _, dup := techs[tech.Name]; dup {
			return fmt.Errorf("duplicate technology %q", tech.Name)
		}
		techs[tech.Name] = struct{}{}
		for _, c := range tech.Categories {
			if _, ok := seen[c]; !ok {
				return fmt.Errorf("technology %q refers to unknown category %q", tech.Name, c)
			}
		}
	}
	return nil
}
