// Package topology publishes slice topologies as JSON documents for the
// metadata store and web UI.
package topology

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cochaviz/slicenet/internal/models"
)

// Document is the published view of one slice.
type Document struct {
	Slice       models.Slice `json:"slice"`
	GeneratedAt time.Time    `json:"generated_at"`
}

// Store writes one <slice>.json file per slice under BaseDir.
type Store struct {
	BaseDir string
}

// NewStore returns a store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{BaseDir: dir}
}

func (s *Store) path(id string) string {
	return filepath.Join(s.BaseDir, id+".json")
}

// Write replaces the document of slice. Readers never observe a partial file.
func (s *Store) Write(slice models.Slice) (Document, error) {
	if slice.ID == "" {
		return Document{}, errors.New("slice id is required")
	}
	if err := os.MkdirAll(s.BaseDir, 0o755); err != nil {
		return Document{}, err
	}

	doc := Document{Slice: slice, GeneratedAt: time.Now().UTC()}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return Document{}, err
	}

	tmp, err := os.CreateTemp(s.BaseDir, "."+slice.ID+"-*.json")
	if err != nil {
		return Document{}, err
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return Document{}, err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return Document{}, err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		_ = os.Remove(tmp.Name())
		return Document{}, err
	}
	if err := os.Rename(tmp.Name(), s.path(slice.ID)); err != nil {
		_ = os.Remove(tmp.Name())
		return Document{}, fmt.Errorf("publish topology of slice %s: %w", slice.ID, err)
	}
	return doc, nil
}

// Get returns the document of id.
func (s *Store) Get(id string) (Document, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		return Document{}, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("decode topology of slice %s: %w", id, err)
	}
	return doc, nil
}

// Delete removes the document of id. A missing document is not an error.
func (s *Store) Delete(id string) error {
	if id == "" {
		return errors.New("slice id is required")
	}
	if err := os.Remove(s.path(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// List returns every published document ordered by slice id.
func (s *Store) List() ([]Document, error) {
	entries, err := os.ReadDir(s.BaseDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var docs []Document
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		doc, err := s.Get(strings.TrimSuffix(name, ".json"))
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Slice.ID < docs[j].Slice.ID })
	return docs, nil
}
