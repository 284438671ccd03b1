package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// sourcesFile mirrors the grouped layout of a standalone sources file:
//
//	sources:
//	  ai:
//	    - name: MIT Technology Review
//	      url: https://...
type sourcesFile struct {
	Sources map[string][]struct {
		Name string `yaml:"name"`
		URL  string `yaml:"url"`
	} `yaml:"sources"`
	Order []string `yaml:"order"`
}

// LoadSourcesFile reads a grouped sources file and flattens it into Sources.
// Groups follow the file's optional "order" list, then remaining groups
// alphabetically, so the result is deterministic.
func LoadSourcesFile(path string) ([]Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading sources file: %w", err)
	}
	return parseSources(data)
}

func parseSources(data []byte) ([]Source, error) {
	var f sourcesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing sources file: %w", err)
	}

	var groups []string
	listed := make(map[string]bool)
	for _, g := range f.Order {
		if _, ok := f.Sources[g]; ok && !listed[g] {
			groups = append(groups, g)
			listed[g] = true
		}
	}
	var rest []string
	for g := range f.Sources {
		if !listed[g] {
			rest = append(rest, g)
		}
	}
	sort.Strings(rest)
	groups = append(groups, rest...)

	var out []Source
	for _, g := range groups {
		for _, s := range f.Sources[g] {
			out = append(out, Source{Name: s.Name, URL: s.URL, Category: g})
		}
	}
	return out, nil
}
