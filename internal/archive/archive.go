package archive

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/leixiaohui-1974/pestcal/internal/store"
)

// FileExt is the extension of archive files.
const FileExt = ".pcz"

// filePrefix starts every generated archive name; List only considers files
// with this prefix.
const filePrefix = "pestcal-runs-"

// ImportMode controls how Import treats runs whose ID already exists.
type ImportMode string

const (
	// ImportSkip leaves existing runs untouched.
	ImportSkip ImportMode = "skip"
	// ImportReplace overwrites existing runs with the archived copy.
	ImportReplace ImportMode = "replace"
)

// ImportResult reports what Import did.
type ImportResult struct {
	Imported int      `json:"imported"`
	Skipped  int      `json:"skipped"`
	IDs      []string `json:"ids,omitempty"`
}

// GeneratePath returns a timestamped archive path in dir.
func GeneratePath(dir string, at time.Time) string {
	return filepath.Join(dir, filePrefix+at.UTC().Format("20060102-150405")+FileExt)
}

// Export writes the runs named by ids to path. With no ids every stored run
// is exported, newest first.
func Export(ctx context.Context, s store.RunStore, ids []string, path string, metadata map[string]string) (*Header, error) {
	if len(ids) == 0 {
		summaries, err := s.ListRuns(ctx, store.ListOptions{})
		if err != nil {
			return nil, fmt.Errorf("listing runs: %w", err)
		}
		for _, sum := range summaries {
			ids = append(ids, sum.ID)
		}
	}

	a := &Archive{
		Version:   FormatVersion,
		CreatedAt: time.Now().UTC(),
		Runs:      make([]*store.Run, 0, len(ids)),
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		run, err := s.GetRun(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("loading run %s: %w", id, err)
		}
		a.Runs = append(a.Runs, run)
	}

	return Write(path, a, metadata)
}

// Import loads the archive at path into s.
func Import(ctx context.Context, s store.RunStore, path string, mode ImportMode) (*ImportResult, error) {
	if mode == "" {
		mode = ImportSkip
	}
	if mode != ImportSkip && mode != ImportReplace {
		return nil, fmt.Errorf("unknown import mode %q", mode)
	}

	a, err := Read(path)
	if err != nil {
		return nil, err
	}

	res := &ImportResult{}
	for _, run := range a.Runs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if mode == ImportSkip && run.ID != "" {
			_, err := s.GetRun(ctx, run.ID)
			if err == nil {
				res.Skipped++
				continue
			}
			if !errors.Is(err, store.ErrNotFound) {
				return res, fmt.Errorf("checking run %s: %w", run.ID, err)
			}
		}
		id, err := s.SaveRun(ctx, run)
		if err != nil {
			return res, fmt.Errorf("saving run %s: %w", run.ID, err)
		}
		res.Imported++
		res.IDs = append(res.IDs, id)
	}
	return res, nil
}
