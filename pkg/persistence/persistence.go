package persistence

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/betbot/botfleet/pkg/logger"
)

// ErrNotExists is returned when the stored document is absent.
var ErrNotExists = errors.New("persistence data not exists")

// Store loads and saves one JSON document.
type Store interface {
	Save(data interface{}) error
	Load(data interface{}) error
}

// JSONFileStore keeps a document in a single file. Writes go to a temp file
// first and are renamed into place, so readers never see a torn document.
type JSONFileStore struct {
	path string
}

func NewJSONFileStore(path string) *JSONFileStore {
	return &JSONFileStore{path: path}
}

func (s *JSONFileStore) Path() string { return s.path }

func (s *JSONFileStore) Save(data interface{}) error {
	logger.Debugf("[persistence] save %s", s.path)
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Load decodes the document into data. A missing or empty file is ErrNotExists.
func (s *JSONFileStore) Load(data interface{}) error {
	logger.Debugf("[persistence] load %s", s.path)
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotExists
		}
		return err
	}
	if len(b) == 0 {
		return ErrNotExists
	}
	return json.Unmarshal(b, data)
}
