package convq

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// DefaultMaxInputSize is the staged input limit used when none is configured.
const DefaultMaxInputSize = 10 << 20

// ExpiryFor computes when a task created at createdAt becomes eligible for reclamation.
func ExpiryFor(createdAt time.Time, retention time.Duration) time.Time {
	return createdAt.Add(retention)
}

// Artifacts owns the on-disk lifetime of staged inputs, scratch output and
// result files. It is the only component that deletes artifact bytes.
//
// Layout under the data directory:
//
//	work/<task-id>/     staged input (one in-* dir per attempt) and conversion scratch space
//	results/<task-id>/  the stored result, addressed as "<task-id>/<name>"
type Artifacts struct {
	workDir    string
	resultsDir string
	maxInput   int64
}

// NewArtifacts prepares the directory layout under dataDir.
// A non-positive maxInputSize selects DefaultMaxInputSize.
func NewArtifacts(dataDir string, maxInputSize int64) (*Artifacts, error) {
	if maxInputSize <= 0 {
		maxInputSize = DefaultMaxInputSize
	}
	a := &Artifacts{
		workDir:    filepath.Join(dataDir, "work"),
		resultsDir: filepath.Join(dataDir, "results"),
		maxInput:   maxInputSize,
	}
	for _, d := range []string{a.workDir, a.resultsDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// WorkDir is the scratch directory of one task.
func (a *Artifacts) WorkDir(taskID string) string {
	return filepath.Join(a.workDir, taskID)
}

// StageInput copies r into a fresh staging directory under the task's
// scratch directory and returns the file path. Every call stages apart, so
// two attempts on the same id never share a file.
// Inputs larger than the configured limit are rejected with ErrInputTooLarge.
func (a *Artifacts) StageInput(taskID, name string, r io.Reader) (string, error) {
	if err := checkID(taskID); err != nil {
		return "", err
	}
	dir := a.WorkDir(taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	attempt, err := os.MkdirTemp(dir, "in-")
	if err != nil {
		return "", err
	}
	dst := filepath.Join(attempt, "input-"+safeName(name, "document.pdf"))
	f, err := os.Create(dst)
	if err == nil {
		var n int64
		n, err = io.Copy(f, io.LimitReader(r, a.maxInput+1))
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err == nil && n > a.maxInput {
			err = fmt.Errorf("%w: limit is %d bytes", ErrInputTooLarge, a.maxInput)
		}
	}
	if err != nil {
		_ = os.RemoveAll(attempt)
		_ = os.Remove(dir)
		return "", err
	}
	return dst, nil
}

// DiscardInput deletes one staged input returned by StageInput, leaving any
// other attempt on the same id alone. The task's scratch directory goes too
// once it is empty.
func (a *Artifacts) DiscardInput(taskID, input string) error {
	if err := checkID(taskID); err != nil {
		return err
	}
	dir := a.WorkDir(taskID)
	attempt := filepath.Dir(input)
	if filepath.Dir(attempt) != dir {
		return fmt.Errorf("convq: %s is not a staged input of task %s", input, taskID)
	}
	if err := os.RemoveAll(attempt); err != nil {
		return err
	}
	// fails while other attempts or scratch output remain
	_ = os.Remove(dir)
	return nil
}

// Store moves a produced file into the task's result area and returns its location.
func (a *Artifacts) Store(taskID, src string) (string, error) {
	if err := checkID(taskID); err != nil {
		return "", err
	}
	dir := filepath.Join(a.resultsDir, taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	name := safeName(filepath.Base(src), "result")
	dst := filepath.Join(dir, name)
	if err := os.Rename(src, dst); err != nil {
		if err := copyFile(src, dst); err != nil {
			return "", err
		}
	}
	return path.Join(taskID, name), nil
}

// Resolve maps a result location to a readable file path.
// It returns ErrResultUnavailable when the bytes no longer exist.
func (a *Artifacts) Resolve(location string) (string, error) {
	clean := path.Clean(location)
	if location == "" || path.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("%w: bad location %q", ErrResultUnavailable, location)
	}
	p := filepath.Join(a.resultsDir, filepath.FromSlash(clean))
	st, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && st.IsDir()) {
		return "", fmt.Errorf("%w: %s", ErrResultUnavailable, location)
	}
	if err != nil {
		return "", err
	}
	return p, nil
}

// Remove deletes every byte owned by a task: its result and its scratch files.
// Removing a task with nothing on disk succeeds.
func (a *Artifacts) Remove(taskID string) error {
	if err := checkID(taskID); err != nil {
		return err
	}
	return errors.Join(
		os.RemoveAll(filepath.Join(a.resultsDir, taskID)),
		os.RemoveAll(a.WorkDir(taskID)),
	)
}

// RemoveWork deletes only the task's staged input and scratch files.
func (a *Artifacts) RemoveWork(taskID string) error {
	if err := checkID(taskID); err != nil {
		return err
	}
	return os.RemoveAll(a.WorkDir(taskID))
}

// CleanupOrphans removes scratch and result directories older than grace
// that no task claims. keepWork and keepResult report whether a live task
// still owns the directory of the given id.
func (a *Artifacts) CleanupOrphans(now time.Time, grace time.Duration, keepWork, keepResult func(id string) bool) (int, error) {
	removed := 0
	var errs []error
	for _, area := range []struct {
		dir  string
		keep func(string) bool
	}{{a.workDir, keepWork}, {a.resultsDir, keepResult}} {
		entries, err := os.ReadDir(area.dir)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, e := range entries {
			info, err := e.Info()
			if err != nil || now.Sub(info.ModTime()) < grace {
				continue
			}
			if area.keep != nil && area.keep(e.Name()) {
				continue
			}
			if err := os.RemoveAll(filepath.Join(area.dir, e.Name())); err != nil {
				errs = append(errs, err)
				continue
			}
			removed++
		}
	}
	return removed, errors.Join(errs...)
}

func checkID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("convq: invalid task id %q", id)
	}
	return nil
}

func safeName(name, fallback string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	if name == "." || name == "/" || name == ".." || name == "" {
		return fallback
	}
	return name
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
