package toolregistry

import (
	"encoding/json"
	"fmt"
	"os"
)

// LoadManifestFile reads a JSON array of ManifestEntry from disk and loads
// it into the registry. This is the production path; tests construct
// entries in memory instead.
func (r *Registry) LoadManifestFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read tool manifest %s: %w", path, err)
	}

	var entries []ManifestEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parse tool manifest %s: %w", path, err)
	}

	return r.LoadManifest(entries)
}
