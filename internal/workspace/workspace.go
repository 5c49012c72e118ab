// Package workspace scopes one pipeline run to a target directory.
//
// The process working directory is shared by every goroutine, so a Scope holds
// a process-wide slot from Enter until Exit. Only one scope exists at a time.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fentz26/coderelay/internal/models"
)

// OutputDirName is the subdirectory that receives generated artifacts.
const OutputDirName = "output"

// ErrNotDirectory is wrapped by DirectoryError when the target is a regular file.
var ErrNotDirectory = errors.New("not a directory")

// DirectoryError reports a failure to prepare or enter the target directory.
type DirectoryError struct {
	Op   string
	Path string
	Err  error
}

func (e *DirectoryError) Error() string {
	return fmt.Sprintf("workspace %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *DirectoryError) Unwrap() error { return e.Err }

// slot serializes scopes across every Guard in the process.
var slot = make(chan struct{}, 1)

// Guard resolves target directories and hands out Scopes.
type Guard struct {
	defaultDir string
	logger     *slog.Logger
}

// NewGuard creates a guard. Relative and empty targets resolve against
// defaultDir; an empty defaultDir means the working directory at call time.
func NewGuard(defaultDir string, logger *slog.Logger) (*Guard, error) {
	if defaultDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
		defaultDir = wd
	}
	abs, err := filepath.Abs(defaultDir)
	if err != nil {
		return nil, fmt.Errorf("resolve default directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{defaultDir: abs, logger: logger}, nil
}

// DefaultDir returns the directory used when a request names none.
func (g *Guard) DefaultDir() string {
	return g.defaultDir
}

// Resolve turns a requested target into an absolute path without touching disk.
func (g *Guard) Resolve(target string) string {
	target = strings.TrimSpace(target)
	if target == "" {
		return g.defaultDir
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(g.defaultDir, target)
	}
	return filepath.Clean(target)
}

// Scope is an entered workspace. Exit must be called exactly once; extra calls are no-ops.
type Scope struct {
	Dir       string
	OutputDir string
	Snapshot  models.WorkspaceSnapshot

	original string
	logger   *slog.Logger
	exitOnce sync.Once
}

// Enter creates the target and its output directory, waits for the process
// slot, changes into the target and snapshots the output directory.
// On error the working directory is left untouched.
func (g *Guard) Enter(ctx context.Context, target string) (*Scope, error) {
	dir := g.Resolve(target)

	if info, err := os.Stat(dir); err == nil && !info.IsDir() {
		return nil, &DirectoryError{Op: "enter", Path: dir, Err: ErrNotDirectory}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &DirectoryError{Op: "create", Path: dir, Err: err}
	}

	// select picks at random among ready cases
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	original, err := os.Getwd()
	if err != nil {
		<-slot
		return nil, &DirectoryError{Op: "getwd", Path: dir, Err: err}
	}
	if err := os.Chdir(dir); err != nil {
		<-slot
		return nil, &DirectoryError{Op: "chdir", Path: dir, Err: err}
	}

	s := &Scope{
		Dir:       dir,
		OutputDir: filepath.Join(dir, OutputDirName),
		original:  original,
		logger:    g.logger,
	}
	if err := os.MkdirAll(s.OutputDir, 0o755); err != nil {
		s.Exit()
		return nil, &DirectoryError{Op: "create", Path: s.OutputDir, Err: err}
	}
	names, err := ListEntries(s.OutputDir)
	if err != nil {
		s.Exit()
		return nil, &DirectoryError{Op: "list", Path: s.OutputDir, Err: err}
	}
	s.Snapshot = models.NewWorkspaceSnapshot(s.OutputDir, names)

	g.logger.Debug("entered workspace",
		slog.String("dir", dir),
		slog.Int("prior_entries", len(names)))
	return s, nil
}

// Exit restores the working directory active before Enter and releases the slot.
// A failed restore is logged, not returned.
func (s *Scope) Exit() {
	s.exitOnce.Do(func() {
		if err := os.Chdir(s.original); err != nil {
			s.logger.Error("restore working directory",
				slog.String("dir", s.original),
				slog.Any("error", err))
		}
		<-slot
	})
}

// ListEntries returns the sorted entry names of dir. A missing directory is an empty listing.
func ListEntries(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}
