package ingest

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Source is one configured RSS feed, with the category its items land in.
type Source struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	Category    string `json:"category"`
	Subcategory string `json:"subcategory,omitempty"`
}

// LoadSources reads the RSS source list from a JSON config file.
func LoadSources(path string) ([]Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sources file: %w", err)
	}

	var sources []Source
	if err := json.Unmarshal(data, &sources); err != nil {
		return nil, fmt.Errorf("parse sources file: %w", err)
	}

	for i := range sources {
		if strings.TrimSpace(sources[i].URL) == "" {
			return nil, fmt.Errorf("source %d (%s): missing url", i, sources[i].Name)
		}

		if strings.TrimSpace(sources[i].Category) == "" {
			return nil, fmt.Errorf("source %d (%s): missing category", i, sources[i].Name)
		}
	}

	return sources, nil
}
