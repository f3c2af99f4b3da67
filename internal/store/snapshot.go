package store

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"tunnelprobe/internal/model"
)

// Snapshot persists the discovery state of a set of probe targets so that
// scripts can pick up tunnel URLs after the CLI exits.
type Snapshot struct {
	UpdatedAt   time.Time       `yaml:"updated_at"`
	Discoveries []DiscoveryInfo `yaml:"discoveries"`
}

// DiscoveryInfo is one target's entry in a Snapshot.
type DiscoveryInfo struct {
	Target     string   `yaml:"target"`
	URL        string   `yaml:"url,omitempty"`
	Resolved   bool     `yaml:"resolved"`
	Candidates []string `yaml:"candidates,omitempty"`
}

// NewSnapshot converts discoveries into a snapshot.
func NewSnapshot(items []model.Discovery) *Snapshot {
	snap := &Snapshot{Discoveries: make([]DiscoveryInfo, 0, len(items))}
	for _, d := range items {
		snap.Discoveries = append(snap.Discoveries, DiscoveryInfo{
			Target:     d.Target,
			URL:        d.URL,
			Resolved:   d.Resolved,
			Candidates: d.Candidates,
		})
	}
	return snap
}

// URL returns the resolved URL recorded for target.
func (s *Snapshot) URL(target string) (string, bool) {
	for _, d := range s.Discoveries {
		if d.Target == target && d.Resolved {
			return d.URL, true
		}
	}
	return "", false
}

// Merge records items in s, replacing entries for the same target and
// appending new targets in order.
func (s *Snapshot) Merge(items []model.Discovery) {
	next := NewSnapshot(items)
	for _, d := range next.Discoveries {
		replaced := false
		for i := range s.Discoveries {
			if s.Discoveries[i].Target == d.Target {
				s.Discoveries[i] = d
				replaced = true
				break
			}
		}
		if !replaced {
			s.Discoveries = append(s.Discoveries, d)
		}
	}
}

// LoadSnapshot loads a snapshot from disk. If the file is missing, returns an empty snapshot.
func LoadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Snapshot{}, nil
		}
		return nil, err
	}

	var snap Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return nil, err
	}

	return &snap, nil
}

// SaveSnapshot writes the snapshot to disk.
func SaveSnapshot(path string, snap *Snapshot) error {
	if snap == nil {
		return nil
	}
	snap.UpdatedAt = time.Now().UTC()
	data, err := yaml.Marshal(snap)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}
