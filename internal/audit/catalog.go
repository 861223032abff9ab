package audit

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Entry captures one audit segment alongside its resolved events file.
type Entry struct {
	Dir        string   `json:"dir"`
	EventsPath string   `json:"events_path"`
	Manifest   Manifest `json:"manifest"`
}

// List walks root and returns every audit segment it finds, oldest first.
func List(root string) ([]Entry, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("root directory must be provided")
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root must be a directory")
	}

	var entries []Entry
	//1.- Segments are recognised by their manifest; archived copies nested deeper count too.
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || d.Name() != manifestFile {
			return nil
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var manifest Manifest
		if err := json.Unmarshal(raw, &manifest); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
		dir := filepath.Dir(path)
		eventsPath := manifest.EventsPath
		if !filepath.IsAbs(eventsPath) {
			eventsPath = filepath.Join(dir, eventsPath)
		}
		entries = append(entries, Entry{Dir: dir, EventsPath: eventsPath, Manifest: manifest})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Manifest.OpenedAt == entries[j].Manifest.OpenedAt {
			return entries[i].Dir < entries[j].Dir
		}
		return entries[i].Manifest.OpenedAt < entries[j].Manifest.OpenedAt
	})
	return entries, nil
}

// MarshalEntries produces a stable JSON representation of the entries for CLI output.
func MarshalEntries(entries []Entry) ([]byte, error) {
	return json.MarshalIndent(entries, "", "  ")
}
