package safeio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Root confines file operations to a fixed directory. Paths handed to its
// methods are relative to the root; anything resolving outside it is refused.
type Root struct {
	absRoot string // absolute root with symlinks resolved
}

// NewRoot creates dir (0700) when missing and locks all future operations to
// it. The root path is resolved to an absolute, symlink-free directory.
func NewRoot(dir string) (*Root, error) {
	if dir == "" {
		return nil, errors.New("safeio: empty root")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	abs, err = filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, errors.New("safeio: root is not a directory")
	}
	return &Root{absRoot: abs}, nil
}

// Path returns the absolute root directory.
func (r *Root) Path() string {
	if r == nil {
		return ""
	}
	return r.absRoot
}

// ReadFile reads a file relative to the root.
func (r *Root) ReadFile(rel string) ([]byte, error) {
	p, err := r.resolve(rel)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(p)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, errors.New("safeio: path is a directory")
	}
	return os.ReadFile(p)
}

// WriteFile writes data atomically (temp file + rename) below the root,
// creating parent directories as needed.
func (r *Root) WriteFile(rel string, data []byte, perm os.FileMode) error {
	p, err := r.resolve(rel)
	if err != nil {
		return err
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
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
	if err := os.Chmod(tmp.Name(), perm); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), p)
}

// Remove deletes a file below the root. A missing file is not an error.
func (r *Root) Remove(rel string) error {
	p, err := r.resolve(rel)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Scratch is a private per-run directory below a Root.
type Scratch struct {
	Dir  string
	root *Root
}

// NewScratch creates a fresh 0700 directory below the root.
func (r *Root) NewScratch(prefix string) (*Scratch, error) {
	if r == nil {
		return nil, errors.New("safeio: root not configured")
	}
	dir, err := os.MkdirTemp(r.absRoot, prefix+"-*")
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(dir, 0o700); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	return &Scratch{Dir: dir, root: r}, nil
}

// WriteFile writes name (a bare file name) into the scratch dir and returns
// its absolute path.
func (s *Scratch) WriteFile(name string, data []byte) (string, error) {
	if name == "" || filepath.Base(name) != name || name == ".." || name == "." {
		return "", fmt.Errorf("safeio: invalid scratch file name %q", name)
	}
	p := filepath.Join(s.Dir, name)
	if err := os.WriteFile(p, data, 0o600); err != nil {
		return "", err
	}
	return p, nil
}

// Cleanup removes the scratch dir and everything a child left inside it.
// Directories made read-only by the child are made writable first.
func (s *Scratch) Cleanup() error {
	if s == nil || s.Dir == "" {
		return nil
	}
	if !hasPathPrefix(s.Dir, s.root.absRoot) || filepath.Clean(s.Dir) == s.root.absRoot {
		return fmt.Errorf("safeio: refusing to remove %s outside root %s", s.Dir, s.root.absRoot)
	}
	_ = filepath.WalkDir(s.Dir, func(p string, d os.DirEntry, err error) error {
		if err == nil && d.IsDir() {
			_ = os.Chmod(p, 0o700)
		}
		return nil
	})
	return os.RemoveAll(s.Dir)
}

func (r *Root) resolve(rel string) (string, error) {
	if r == nil {
		return "", errors.New("safeio: root not configured")
	}
	if rel == "" {
		return "", errors.New("safeio: empty path")
	}
	clean := filepath.Clean(rel)
	if filepath.IsAbs(clean) || (runtime.GOOS == "windows" && filepath.VolumeName(clean) != "") {
		return "", errors.New("safeio: absolute path not allowed")
	}
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", errors.New("safeio: path traversal not allowed")
	}
	joined := filepath.Join(r.absRoot, clean)

	// the file itself may not exist yet; the deepest existing ancestor must
	// still resolve inside the root
	probe := joined
	for {
		resolved, err := filepath.EvalSymlinks(probe)
		if err == nil {
			if !hasPathPrefix(resolved, r.absRoot) {
				return "", fmt.Errorf("safeio: resolved outside root (root=%s, path=%s)", r.absRoot, resolved)
			}
			break
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			break
		}
		probe = parent
	}
	return joined, nil
}

func hasPathPrefix(path, root string) bool {
	path = filepath.Clean(path)
	root = filepath.Clean(root)
	if runtime.GOOS == "windows" {
		path = strings.ToLower(path)
		root = strings.ToLower(root)
	}
	if len(root) == 0 {
		return true
	}
	if path == root {
		return true
	}
	sep := string(os.PathSeparator)
	if !strings.HasSuffix(root, sep) {
		root += sep
	}
	if !strings.HasSuffix(path, sep) {
		path += sep
	}
	return strings.HasPrefix(path, root)
}
