package skills

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ManifestFile is the per-skill manifest name inside the skills directory.
const ManifestFile = "skill.yaml"

// Requirements declares what a skill needs from the device.
type Requirements struct {
	InternetBeforeLoad bool `yaml:"internet_before_load"`
	NetworkBeforeLoad  bool `yaml:"network_before_load"`
	GUIBeforeLoad      bool `yaml:"gui_before_load"`
	RequiresInternet   bool `yaml:"requires_internet"`
	RequiresNetwork    bool `yaml:"requires_network"`
	RequiresGUI        bool `yaml:"requires_gui"`
	NoInternetFallback bool `yaml:"no_internet_fallback"`
	NoNetworkFallback  bool `yaml:"no_network_fallback"`
	NoGUIFallback      bool `yaml:"no_gui_fallback"`
}

// Manifest describes one skill plugin.
type Manifest struct {
	ID           string       `yaml:"id"`
	Name         string       `yaml:"name"`
	Description  string       `yaml:"description"`
	Requirements Requirements `yaml:"requirements"`
}

// Eligible reports whether the skill may load under conn.
func (r Requirements) Eligible(conn Connectivity) bool {
	if r.InternetBeforeLoad && !conn.Internet {
		return false
	}
	if r.NetworkBeforeLoad && !conn.Network && !conn.Internet {
		return false
	}
	if r.GUIBeforeLoad && !conn.GUI {
		return false
	}
	return true
}

// Satisfied reports whether a loaded skill can keep running under conn.
// A skill that declares a fallback for a missing capability stays loaded.
func (r Requirements) Satisfied(conn Connectivity) bool {
	if r.RequiresInternet && !r.NoInternetFallback && !conn.Internet {
		return false
	}
	if r.RequiresNetwork && !r.NoNetworkFallback && !conn.Network && !conn.Internet {
		return false
	}
	if r.RequiresGUI && !r.NoGUIFallback && !conn.GUI {
		return false
	}
	return true
}

// ParseManifest decodes a skill.yaml document. An empty id is filled from
// fallbackID.
func ParseManifest(data []byte, fallbackID string) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	m.ID = strings.TrimSpace(m.ID)
	if m.ID == "" {
		m.ID = fallbackID
	}
	if m.ID == "" {
		return Manifest{}, errors.New("manifest has no skill id")
	}
	if m.Name == "" {
		m.Name = m.ID
	}
	return m, nil
}

// ScanManifests reads <dir>/<id>/skill.yaml for every subdirectory of dir.
// A missing dir yields no manifests. Unreadable manifests are returned in
// the error map keyed by directory name.
func ScanManifests(dir string) ([]Manifest, map[string]error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, map[string]error{dir: err}
	}
	var (
		out  []Manifest
		errs map[string]error
	)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name(), ManifestFile))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err == nil {
			var m Manifest
			if m, err = ParseManifest(data, e.Name()); err == nil {
				out = append(out, m)
				continue
			}
		}
		if errs == nil {
			errs = make(map[string]error)
		}
		errs[e.Name()] = err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, errs
}
