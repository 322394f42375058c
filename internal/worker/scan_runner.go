package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ternarybob/arbor"
)

var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
}

// ScanRunner executes scan jobs: it walks a repository and grades it.
// Params: path (directory). When root is set the path must lie under it.
type ScanRunner struct {
	root   string
	grader Grader
	logger arbor.ILogger
}

// NewScanRunner creates a ScanRunner; a nil grader uses BasicGrader
func NewScanRunner(root string, grader Grader, logger arbor.ILogger) *ScanRunner {
	if grader == nil {
		grader = BasicGrader{}
	}
	return &ScanRunner{root: root, grader: grader, logger: logger}
}

func (r *ScanRunner) Run(ctx context.Context, jobID string, params map[string]any, report Reporter) (json.RawMessage, error) {
	dir, err := r.resolve(params)
	if err != nil {
		return nil, err
	}

	files, err := r.collect(ctx, dir)
	if err != nil {
		return nil, err
	}
	report(0, fmt.Sprintf("found %d files", len(files)))

	scorecard := r.grader.NewScorecard(dir)
	for i, rel := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := os.Lstat(filepath.Join(dir, rel))
		if err != nil {
			// files may vanish during a scan
			continue
		}
		scorecard.Add(rel, info)
		report(float64(i+1)/float64(len(files))*100, fmt.Sprintf("scanned %d/%d files", i+1, len(files)))
	}

	r.logger.Debug().
		Str("job_id", jobID).
		Str("path", dir).
		Int("files", len(files)).
		Msg("Scan graded")

	data, err := json.Marshal(scorecard.Result())
	if err != nil {
		return nil, fmt.Errorf("encode scan result: %w", err)
	}
	return data, nil
}

func (r *ScanRunner) resolve(params map[string]any) (string, error) {
	raw, _ := params["path"].(string)
	if raw == "" {
		return "", errors.New("params.path is required")
	}

	dir, err := filepath.Abs(raw)
	if err != nil {
		return "", fmt.Errorf("invalid path %q: %w", raw, err)
	}

	if r.root != "" {
		root, err := filepath.Abs(r.root)
		if err != nil {
			return "", fmt.Errorf("invalid scan root: %w", err)
		}
		rel, err := filepath.Rel(root, dir)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("path %q is outside the scan root", raw)
		}
	}

	info, err := os.Stat(dir)
	if err != nil {
		return "", fmt.Errorf("cannot scan %q: %w", raw, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("cannot scan %q: not a directory", raw)
	}
	return dir, nil
}

// collect lists regular files relative to dir so progress has a denominator
func (r *ScanRunner) collect(ctx context.Context, dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if path != dir && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return nil
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}
