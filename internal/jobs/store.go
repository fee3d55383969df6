package jobs

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
	"time"
)

// Store persists jobs partitioned by status. Implementations must make
// Move atomic: after it returns the job is in exactly one partition.
type Store interface {
	Init(ctx context.Context) error
	// Create writes a new job into the drafted partition.
	Create(ctx context.Context, id string, job *Job) error
	Read(ctx context.Context, id string) (*Job, Status, error)
	// Write replaces the job in whatever partition currently holds it.
	Write(ctx context.Context, id string, job *Job) error
	// Move transitions the job from one partition to another and fails
	// with ErrStatusMoved when it is not in from.
	Move(ctx context.Context, id string, from, to Status) error
	Delete(ctx context.Context, id string) error
	// List returns the ids in a partition, oldest update first.
	List(ctx context.Context, status Status) ([]string, error)
}

// FileStore keeps one <id>.json per job under <root>/<status>/.
type FileStore struct {
	root string
}

func NewFileStore(root string) *FileStore {
	return &FileStore{root: root}
}

func (s *FileStore) Root() string { return s.root }

func (s *FileStore) Init(ctx context.Context) error {
	for _, st := range JobStatuses {
		if err := os.MkdirAll(s.dir(st), 0755); err != nil {
			return fmt.Errorf("create %s directory: %w", st, err)
		}
	}
	return nil
}

func (s *FileStore) dir(status Status) string {
	return filepath.Join(s.root, string(status))
}

func (s *FileStore) path(id string, status Status) string {
	return filepath.Join(s.dir(status), id+".json")
}

// locate finds the partition holding id.
func (s *FileStore) locate(id string) (string, Status, error) {
	if err := ValidateJobID(id); err != nil {
		return "", "", err
	}
	for _, st := range JobStatuses {
		p := s.path(id, st)
		if _, err := os.Stat(p); err == nil {
			return p, st, nil
		}
	}
	return "", "", fmt.Errorf("%w: %s", ErrJobNotFound, id)
}

func (s *FileStore) Create(ctx context.Context, id string, job *Job) error {
	if err := ValidateJobID(id); err != nil {
		return err
	}
	if _, _, err := s.locate(id); err == nil {
		return fmt.Errorf("%w: %s", ErrJobExists, id)
	}
	return writeJSON(s.path(id, StatusDrafted), job)
}

func (s *FileStore) Read(ctx context.Context, id string) (*Job, Status, error) {
	p, st, err := s.locate(id)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, "", fmt.Errorf("read job %s: %w", id, err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, "", fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, st, nil
}

func (s *FileStore) Write(ctx context.Context, id string, job *Job) error {
	p, _, err := s.locate(id)
	if err != nil {
		return err
	}
	return writeJSON(p, job)
}

func (s *FileStore) Move(ctx context.Context, id string, from, to Status) error {
	if err := ValidateJobID(id); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir(to), 0755); err != nil {
		return fmt.Errorf("create %s directory: %w", to, err)
	}
	if err := os.Rename(s.path(id, from), s.path(id, to)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if _, _, lerr := s.locate(id); lerr != nil {
				return lerr
			}
			return fmt.Errorf("%w: %s not %s", ErrStatusMoved, id, from)
		}
		return fmt.Errorf("move job %s to %s: %w", id, to, err)
	}
	return nil
}

func (s *FileStore) Delete(ctx context.Context, id string) error {
	p, _, err := s.locate(id)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	return nil
}

func (s *FileStore) List(ctx context.Context, status Status) ([]string, error) {
	entries, err := os.ReadDir(s.dir(status))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s jobs: %w", status, err)
	}

	type entry struct {
		id    string
		mtime time.Time
	}
	found := make([]entry, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		found = append(found, entry{id: strings.TrimSuffix(name, ".json"), mtime: info.ModTime()})
	}
	sort.SliceStable(found, func(i, j int) bool {
		if found[i].mtime.Equal(found[j].mtime) {
			return found[i].id < found[j].id
		}
		return found[i].mtime.Before(found[j].mtime)
	})

	ids := make([]string, len(found))
	for i, e := range found {
		ids[i] = e.id
	}
	return ids, nil
}

// writeJSON replaces path atomically via a temp file in the same
// directory.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "\t")
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write job: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync job: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close job: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace job: %w", err)
	}
	return nil
}
