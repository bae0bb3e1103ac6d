package valuemanager

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Record is the durable form of one value.
type Record struct {
	DataID  string    `json:"dataId"`
	Value   string    `json:"value"`
	Version uint64    `json:"version"`
	SavedAt time.Time `json:"savedAt"`
}

// Store persists validated raw values across restarts.
type Store interface {
	Save(ctx context.Context, rec Record) error
	LoadAll(ctx context.Context) ([]Record, error)
}

// FileStore keeps one JSON file per dataId under <cacheDir>/<namespace>.
type FileStore struct {
	dir string
}

const recordExt = ".json"

// NewFileStore creates the directory if needed.
func NewFileStore(cacheDir, namespace string) (*FileStore, error) {
	if cacheDir == "" {
		return nil, fmt.Errorf("valuemanager: cache dir is empty")
	}
	dir := filepath.Join(cacheDir, namespace)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the directory records are written to.
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) path(dataID string) string {
	return filepath.Join(s.dir, url.PathEscape(dataID)+recordExt)
}

// Save writes rec atomically: a temp file in the same directory renamed over the old record.
func (s *FileStore) Save(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path(rec.DataID))
}

// LoadAll reads every record. Unreadable records are skipped and reported in the error
// alongside the records that did load.
func (s *FileStore) LoadAll(ctx context.Context) ([]Record, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}

	var records []Record
	var errs error
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return records, err
		}
		if e.IsDir() || !strings.HasSuffix(e.Name(), recordExt) || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", e.Name(), err))
			continue
		}
		records = append(records, rec)
	}
	return records, errs
}
