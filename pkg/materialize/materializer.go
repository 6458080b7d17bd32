// Package materialize injects a task's entry artifact into a build context
package materialize

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rtfleet/rtdeploy/pkg/logger"
	"github.com/rtfleet/rtdeploy/pkg/types"
	"github.com/rtfleet/rtdeploy/pkg/utils"
)

// ErrArtifactNotFound is matched by MaterializationError when the task has
// no entry artifact in the specification tree.
var ErrArtifactNotFound = errors.New("entry artifact not found")

// ErrUnsafeTaskName is returned for task names that would resolve outside
// the spec root or the workspace root.
var ErrUnsafeTaskName = errors.New("task name is not a single path segment")

// MaterializationError reports a missing or uncopyable task artifact
type MaterializationError struct {
	Task   string
	Source string
	Err    error
}

func (e *MaterializationError) Error() string {
	return fmt.Sprintf("materialize task '%s' from %s: %v", e.Task, e.Source, e.Err)
}

func (e *MaterializationError) Unwrap() error { return e.Err }

// Workspace is a build context prepared for one task
type Workspace struct {
	Task      string
	Dir       string
	EntryPath string
	Digest    string
	isolated  bool
}

// Cleanup removes an isolated workspace. Shared contexts are left in place.
func (w *Workspace) Cleanup() error {
	if w == nil || !w.isolated {
		return nil
	}
	return os.RemoveAll(w.Dir)
}

// Isolated reports whether the workspace is private to its task
func (w *Workspace) Isolated() bool {
	return w != nil && w.isolated
}

// Preparer prepares the build context for a task
type Preparer interface {
	Materialize(ctx context.Context, specRoot string, task types.Task) (*Workspace, error)
}

// Materializer copies <specRoot>/<task>/<entryFile> into the include
// directory of a build context. In shared mode all tasks use the same
// context and must be processed one at a time; in isolated mode each task
// gets its own copy under the workspace root.
type Materializer struct {
	contextDir    string
	includeDir    string
	entryFile     string
	isolated      bool
	workspaceRoot string
	logger        logger.Logger
}

// NewMaterializer creates a materializer from build configuration
func NewMaterializer(cfg types.BuildConfig, log logger.Logger) *Materializer {
	if log == nil {
		log = logger.NewNop()
	}
	return &Materializer{
		contextDir:    cfg.Context,
		includeDir:    cfg.IncludeDir,
		entryFile:     cfg.EntryFile,
		isolated:      cfg.Isolated,
		workspaceRoot: cfg.WorkspaceRoot,
		logger:        log,
	}
}

// SourcePath returns where the entry artifact of a task is expected
func (m *Materializer) SourcePath(specRoot, taskName string) string {
	return filepath.Join(specRoot, taskName, m.entryFile)
}

// Materialize places the task's entry artifact into its build context,
// overwriting whatever a previous task left there.
func (m *Materializer) Materialize(ctx context.Context, specRoot string, task types.Task) (*Workspace, error) {
	source := m.SourcePath(specRoot, task.Name)
	fail := func(err error) (*Workspace, error) {
		return nil, &MaterializationError{Task: task.Name, Source: source, Err: err}
	}

	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	if _, err := within(specRoot, task.Name); err != nil {
		return fail(err)
	}
	if !utils.FileExists(source) {
		return fail(ErrArtifactNotFound)
	}

	ws := &Workspace{Task: task.Name, Dir: m.contextDir, isolated: m.isolated}
	if m.isolated {
		dir, err := m.prepareIsolated(task.Name)
		if err != nil {
			return fail(err)
		}
		ws.Dir = dir
	}

	ws.EntryPath = filepath.Join(ws.Dir, m.includeDir, m.entryFile)
	if err := utils.CopyFile(source, ws.EntryPath); err != nil {
		_ = ws.Cleanup()
		return fail(err)
	}

	digest, err := utils.FileHash(ws.EntryPath)
	if err != nil {
		_ = ws.Cleanup()
		return fail(err)
	}
	ws.Digest = digest

	m.logger.WithTask(task.Name).Info("Injected entry artifact into build context",
		logger.WithField("dest", ws.EntryPath),
		logger.WithField("sha256", digest[:12]))
	return ws, nil
}

func (m *Materializer) prepareIsolated(taskName string) (string, error) {
	if !utils.DirectoryExists(m.contextDir) {
		return "", fmt.Errorf("build context %s does not exist", m.contextDir)
	}

	dir, err := within(m.workspaceRoot, taskName)
	if err != nil {
		return "", err
	}
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("reset workspace: %w", err)
	}
	if err := utils.EnsureDirectory(m.workspaceRoot); err != nil {
		return "", fmt.Errorf("create workspace root: %w", err)
	}

	skipVCS := func(_ string, d os.DirEntry) bool {
		return d.IsDir() && d.Name() == ".git"
	}
	if err := utils.CopyDirectory(m.contextDir, dir, skipVCS); err != nil {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("copy build context: %w", err)
	}
	return dir, nil
}

// within joins name under root and rejects anything that is not a direct
// child of root.
func within(root, name string) (string, error) {
	path := filepath.Join(root, name)
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." || rel != filepath.Base(rel) || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%w: %q", ErrUnsafeTaskName, name)
	}
	return path, nil
}
