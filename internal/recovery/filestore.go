package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/memoright/memoright-ops/model"
)

const planFileExt = ".json"

// FileStore persists each plan as <dir>/<id>.json. Writes go to a temporary
// file in the same directory and are renamed into place, so readers never
// observe a partially written plan.
type FileStore struct {
	dir   string
	locks sync.Map // plan ID -> *sync.Mutex
}

// NewFileStore creates a file store rooted at dir, creating the directory if
// needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create plan directory %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the directory plans are written to.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) lock(id string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (s *FileStore) path(id string) (string, error) {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("plan id %q cannot be used as a file name", id)
	}
	return filepath.Join(s.dir, id+planFileExt), nil
}

// Save writes the plan as indented JSON.
func (s *FileStore) Save(_ context.Context, plan model.Plan) error {
	target, err := s.path(plan.ID)
	if err != nil {
		return model.NewPersistenceError("save plan "+plan.ID, err)
	}

	data, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return model.NewPersistenceError("save plan "+plan.ID, fmt.Errorf("marshal: %w", err))
	}

	mu := s.lock(plan.ID)
	mu.Lock()
	defer mu.Unlock()

	if err := writeFileAtomic(s.dir, target, data); err != nil {
		return model.NewPersistenceError("save plan "+plan.ID, err)
	}
	return nil
}

func writeFileAtomic(dir, target string, data []byte) error {
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(target)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// LoadAll reads every *.json file in the directory. Files that cannot be
// read or decoded are reported individually.
func (s *FileStore) LoadAll(_ context.Context) ([]model.Plan, []error, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, nil
		}
		return nil, nil, model.NewPersistenceError("list plan directory", err)
	}

	var (
		plans   []model.Plan
		entErrs []error
	)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, planFileExt) || strings.HasPrefix(name, ".") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			entErrs = append(entErrs, fmt.Errorf("read %s: %w", name, err))
			continue
		}
		var p model.Plan
		if err := json.Unmarshal(data, &p); err != nil {
			entErrs = append(entErrs, fmt.Errorf("decode %s: %w", name, err))
			continue
		}
		if p.ID == "" {
			entErrs = append(entErrs, fmt.Errorf("decode %s: plan has no id", name))
			continue
		}
		plans = append(plans, p)
	}

	sort.Slice(plans, func(i, j int) bool { return plans[i].ID < plans[j].ID })
	return plans, entErrs, nil
}

// Delete removes the plan file.
func (s *FileStore) Delete(_ context.Context, id string) error {
	target, err := s.path(id)
	if err != nil {
		return model.NewPersistenceError("delete plan "+id, err)
	}

	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()

	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return model.NewPersistenceError("delete plan "+id, err)
	}
	return nil
}

// HealthCheck verifies the plan directory is still present.
func (s *FileStore) HealthCheck(context.Context) error {
	info, err := os.Stat(s.dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", s.dir)
	}
	return nil
}
