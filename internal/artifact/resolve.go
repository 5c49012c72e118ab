// Package artifact locates the directory an agent run produced and packages it.
package artifact

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/fentz26/coderelay/internal/models"
	"github.com/fentz26/coderelay/internal/workspace"
)

// Resolution is the artifact directory selected for a run.
type Resolution struct {
	Directory  string
	IsNew      bool
	NewEntries []string
}

// Resolve compares the current listing of the snapshot's base directory with
// its prior entries. The lexically smallest new subdirectory wins; without one
// the base directory itself is returned with IsNew false.
func Resolve(snap models.WorkspaceSnapshot, logger *slog.Logger) Resolution {
	if logger == nil {
		logger = slog.Default()
	}
	base := snap.BaseDirectory

	current, err := workspace.ListEntries(base)
	if err != nil {
		logger.Warn("list output directory", slog.String("dir", base), slog.Any("error", err))
		current = nil
	}

	var added, dirs []string
	for _, name := range current {
		if snap.Has(name) {
			continue
		}
		added = append(added, name)
		info, err := os.Stat(filepath.Join(base, name))
		if err == nil && info.IsDir() {
			dirs = append(dirs, name)
		}
	}
	sort.Strings(dirs)

	res := Resolution{Directory: base, NewEntries: added}
	switch {
	case len(dirs) == 0 && len(added) > 0:
		logger.Warn("agent wrote files without a new folder, using base output directory",
			slog.String("dir", base),
			slog.Any("entries", added))
	case len(dirs) == 0:
		logger.Info("no new output folder, using base output directory", slog.String("dir", base))
	default:
		if len(dirs) > 1 {
			logger.Warn("agent created several output folders, keeping the first",
				slog.String("selected", dirs[0]),
				slog.Any("folders", dirs))
		}
		res.Directory = filepath.Join(base, dirs[0])
		res.IsNew = true
		logger.Info("new output folder", slog.String("dir", res.Directory))
	}
	return res
}
