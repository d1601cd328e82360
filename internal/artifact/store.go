// Package artifact stores stage outputs on disk under a content-addressed
// layout: {job}/{stage}/{attempt}.{ext}. Keys are write-once; a second write
// to the same key fails instead of silently replacing bytes another stage
// may already have read.
package artifact

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/shortforge/api/internal/fault"
)

// tmpDirName holds in-flight engine output before promotion. It lives under
// the store root so promotion can hard-link instead of copying.
const tmpDirName = ".tmp"

// Key addresses one artifact.
type Key struct {
	JobID   string
	Stage   string
	Attempt int
	Ext     string
}

// Rel returns the key's path relative to the store root.
func (k Key) Rel() string {
	return filepath.Join(k.JobID, k.Stage, fmt.Sprintf("%d.%s", k.Attempt, k.Ext))
}

// ParseRel inverts Key.Rel.
func ParseRel(rel string) (Key, error) {
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 3 {
		return Key{}, fmt.Errorf("malformed artifact path %q", rel)
	}
	base := parts[2]
	dot := strings.IndexByte(base, '.')
	if dot <= 0 || dot == len(base)-1 {
		return Key{}, fmt.Errorf("malformed artifact file name %q", base)
	}
	attempt, err := strconv.Atoi(base[:dot])
	if err != nil {
		return Key{}, fmt.Errorf("malformed artifact attempt in %q", base)
	}
	k := Key{JobID: parts[0], Stage: parts[1], Attempt: attempt, Ext: base[dot+1:]}
	if err := k.validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}

func (k Key) validate() error {
	if k.JobID == "" || k.Stage == "" || k.Ext == "" {
		return fmt.Errorf("incomplete artifact key %+v", k)
	}
	if k.Attempt < 1 {
		return fmt.Errorf("artifact attempt must start at 1, got %d", k.Attempt)
	}
	for _, part := range []string{k.JobID, k.Stage, k.Ext} {
		if strings.ContainsAny(part, `/\`) || part == ".." {
			return fmt.Errorf("artifact key part %q contains path separators", part)
		}
	}
	return nil
}

// Store is a write-once artifact directory.
type Store struct {
	root string
}

// NewStore opens (creating if needed) the artifact directory and clears
// leftover temporary files from a previous run.
func NewStore(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving artifact root: %w", err)
	}
	tmp := filepath.Join(abs, tmpDirName)
	if err := os.RemoveAll(tmp); err != nil {
		return nil, fmt.Errorf("clearing artifact temp dir: %w", err)
	}
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return nil, fmt.Errorf("creating artifact root: %w", err)
	}
	return &Store{root: abs}, nil
}

// Root returns the absolute store root.
func (s *Store) Root() string {
	return s.root
}

// Abs returns the absolute path an artifact key maps to.
func (s *Store) Abs(k Key) string {
	return filepath.Join(s.root, k.Rel())
}

// Resolve turns a stored relative path back into an absolute one, refusing
// paths that escape the store root.
func (s *Store) Resolve(rel string) (string, error) {
	abs := filepath.Join(s.root, filepath.Clean("/"+rel))
	if !strings.HasPrefix(abs, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("artifact path %q escapes the store", rel)
	}
	return abs, nil
}

// TempPath returns a fresh path under the store's temp area for an engine
// to write into before the output is promoted.
func (s *Store) TempPath(ext string) string {
	return filepath.Join(s.root, tmpDirName, uuid.NewString()+"."+ext)
}

// TempDir creates a fresh directory under the store's temp area for engines
// that write a set of sibling files next to each other.
func (s *Store) TempDir() (string, error) {
	dir, err := os.MkdirTemp(filepath.Join(s.root, tmpDirName), "d-")
	if err != nil {
		return "", fmt.Errorf("creating temp dir: %w", err)
	}
	return dir, nil
}

// Put writes data at the key. The key must be unused.
func (s *Store) Put(k Key, data []byte) (string, error) {
	if err := k.validate(); err != nil {
		return "", err
	}
	dst := s.Abs(k)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("creating artifact dir: %w", err)
	}
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return "", fault.New(fault.KindArtifactConflict, "artifact %s already exists", k.Rel())
		}
		return "", fmt.Errorf("creating artifact %s: %w", k.Rel(), err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(dst)
		return "", fmt.Errorf("writing artifact %s: %w", k.Rel(), err)
	}
	if err := f.Close(); err != nil {
		os.Remove(dst)
		return "", fmt.Errorf("closing artifact %s: %w", k.Rel(), err)
	}
	return k.Rel(), nil
}

// Promote adopts a file an engine wrote (normally under TempPath) as the
// artifact for the key. The hard link fails if the key is already taken,
// which preserves write-once semantics without a copy.
func (s *Store) Promote(srcPath string, k Key) (string, error) {
	if err := k.validate(); err != nil {
		return "", err
	}
	dst := s.Abs(k)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("creating artifact dir: %w", err)
	}
	if err := os.Link(srcPath, dst); err != nil {
		if errors.Is(err, os.ErrExist) {
			return "", fault.New(fault.KindArtifactConflict, "artifact %s already exists", k.Rel())
		}
		return "", fmt.Errorf("promoting %s to %s: %w", srcPath, k.Rel(), err)
	}
	os.Remove(srcPath)
	return k.Rel(), nil
}

// Exists reports whether the key already holds data.
func (s *Store) Exists(k Key) bool {
	info, err := os.Stat(s.Abs(k))
	return err == nil && info.Mode().IsRegular()
}

// ExistsRel reports whether a stored relative path still points at a file.
func (s *Store) ExistsRel(rel string) bool {
	abs, err := s.Resolve(rel)
	if err != nil {
		return false
	}
	info, err := os.Stat(abs)
	return err == nil && info.Mode().IsRegular()
}

// ReadFile returns the artifact bytes for a key.
func (s *Store) ReadFile(k Key) ([]byte, error) {
	data, err := os.ReadFile(s.Abs(k))
	if err != nil {
		return nil, fmt.Errorf("reading artifact %s: %w", k.Rel(), err)
	}
	return data, nil
}

// Open returns a reader over a stored relative path.
func (s *Store) Open(rel string) (io.ReadCloser, int64, error) {
	abs, err := s.Resolve(rel)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(abs)
	if err != nil {
		return nil, 0, fmt.Errorf("opening artifact %s: %w", rel, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat artifact %s: %w", rel, err)
	}
	return f, info.Size(), nil
}

// DeleteJob removes every artifact the job ever produced.
func (s *Store) DeleteJob(jobID string) error {
	if jobID == "" || strings.ContainsAny(jobID, `/\`) || jobID == ".." {
		return fmt.Errorf("invalid job id %q", jobID)
	}
	return os.RemoveAll(filepath.Join(s.root, jobID))
}

// SweepJob removes a job's intermediate artifacts while keeping the listed
// keys (the final render) in place. Emptied stage directories are removed.
func (s *Store) SweepJob(jobID string, keep ...Key) error {
	if jobID == "" || strings.ContainsAny(jobID, `/\`) || jobID == ".." {
		return fmt.Errorf("invalid job id %q", jobID)
	}
	keepSet := make(map[string]struct{}, len(keep))
	for _, k := range keep {
		keepSet[s.Abs(k)] = struct{}{}
	}

	jobDir := filepath.Join(s.root, jobID)
	entries, err := os.ReadDir(jobDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading job dir %s: %w", jobID, err)
	}
	for _, stageDir := range entries {
		if !stageDir.IsDir() {
			continue
		}
		dir := filepath.Join(jobDir, stageDir.Name())
		files, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("reading stage dir %s: %w", dir, err)
		}
		kept := 0
		for _, f := range files {
			path := filepath.Join(dir, f.Name())
			if _, ok := keepSet[path]; ok {
				kept++
				continue
			}
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("sweeping %s: %w", path, err)
			}
		}
		if kept == 0 {
			os.Remove(dir)
		}
	}
	if len(keepSet) == 0 {
		os.Remove(jobDir)
	}
	return nil
}
