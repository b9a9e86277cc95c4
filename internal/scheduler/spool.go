package scheduler

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	apperrors "github.com/ricesearch/rice-eval/internal/pkg/errors"
	"github.com/ricesearch/rice-eval/internal/pkg/hash"
	"github.com/ricesearch/rice-eval/internal/task"
)

// Spool artifact kinds.
const (
	KindTopics      = "topics"
	KindAssessments = "assessments"
	KindValidIDs    = "valid_ids"
)

const spoolHashLen = 16

// Spool stores an uploaded input file under the spool directory, named by
// kind and content hash. Identical uploads share one file. The returned path
// is absolute.
func (m *Manager) Spool(kind string, r io.Reader) (task.Artifact, error) {
	switch kind {
	case KindTopics, KindAssessments, KindValidIDs:
	default:
		return task.Artifact{}, apperrors.ValidationError(fmt.Sprintf("unknown spool kind %q", kind))
	}

	dir := absPath(m.cfg.SpoolDir())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return task.Artifact{}, apperrors.InternalError("failed to create spool directory", err)
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return task.Artifact{}, apperrors.InternalError("failed to create spool file", err)
	}
	digest, n, err := hash.CopySHA256(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return task.Artifact{}, apperrors.InternalError("failed to write spool file", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("eval_%s_%s", kind, hash.Short(digest, spoolHashLen)))
	if _, err := os.Stat(path); err == nil {
		os.Remove(tmp.Name())
		// refresh so cleanup grants the usual grace period
		now := time.Now()
		_ = os.Chtimes(path, now, now)
		m.log.Debug("Spool file reused", "path", path)
		return task.Artifact{Path: path, Hash: digest}, nil
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return task.Artifact{}, apperrors.InternalError("failed to store spool file", err)
	}
	m.log.Info("Spooled upload", "kind", kind, "path", path, "bytes", n)
	return task.Artifact{Path: path, Hash: digest}, nil
}

// CleanOrphans removes spool files and output directories that no task
// references.
func (m *Manager) CleanOrphans(ctx context.Context) error {
	tasks, err := m.store.List(ctx)
	if err != nil {
		return err
	}

	refs := make(map[string]bool)
	ids := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		ids[t.ID] = true
		for _, ref := range t.References() {
			refs[absPath(ref)] = true
		}
	}

	removed, err := m.CleanSpool(refs)
	if err != nil {
		return err
	}
	dirs, err := m.CleanOutputs(ids)
	if err != nil {
		return err
	}
	if removed+dirs > 0 {
		m.log.Info("Removed orphaned files", "spool", removed, "outputs", dirs)
	}
	return nil
}

// CleanSpool removes spool files whose absolute path is not in refs, except
// files younger than the grace period.
func (m *Manager) CleanSpool(refs map[string]bool) (int, error) {
	dir := m.cfg.SpoolDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := time.Now().Add(-m.grace)
	removed := 0
	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		if refs[absPath(path)] || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if m.grace > 0 {
			info, err := e.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
		}
		if err := os.RemoveAll(path); err != nil {
			m.log.WithError(err).Warn("Failed to remove spool file", "path", path)
			continue
		}
		removed++
	}
	return removed, nil
}

// CleanOutputs removes task directories under the results and assessments
// roots whose name is not a known task id.
func (m *Manager) CleanOutputs(ids map[string]bool) (int, error) {
	running, _ := m.Running()
	removed := 0
	for _, root := range []string{m.cfg.ResultsDir(), m.cfg.AssessmentsDir()} {
		entries, err := os.ReadDir(root)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return removed, err
		}
		for _, e := range entries {
			name := e.Name()
			if ids[name] || name == running || strings.HasPrefix(name, ".") {
				continue
			}
			if err := os.RemoveAll(filepath.Join(root, name)); err != nil {
				m.log.WithError(err).Warn("Failed to remove output", "path", filepath.Join(root, name))
				continue
			}
			removed++
		}
	}
	return removed, nil
}

func (m *Manager) removeOutputs(taskID string) error {
	if err := task.CheckSegment(taskID); err != nil {
		return apperrors.ValidationError("task id cannot name an output directory: " + err.Error()).WithDetail("task_id", taskID)
	}
	for _, root := range []string{m.cfg.ResultsDir(), m.cfg.AssessmentsDir()} {
		if err := os.RemoveAll(filepath.Join(root, taskID)); err != nil {
			return apperrors.InternalError("failed to remove task output", err)
		}
	}
	return nil
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}
