// Package builders builds task-service container images
package builders

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/moby/patternmatcher/ignorefile"
	"github.com/rtfleet/rtdeploy/pkg/logger"
	"github.com/rtfleet/rtdeploy/pkg/utils"
)

// outputTailLines bounds how much build output is kept in a BuildError
const outputTailLines = 20

// BuildRequest describes one image build
type BuildRequest struct {
	Task       string
	ContextDir string
	Tag        string
	Dockerfile string
	BuildArgs  map[string]string
}

// Builder produces a tagged image from a build context
type Builder interface {
	Build(ctx context.Context, req BuildRequest) error
}

// BuildError reports a failed image build
type BuildError struct {
	Task   string
	Tag    string
	Output string
	Err    error
}

// Error is a single line; the build output is kept in Output and in the
// task's build log.
func (e *BuildError) Error() string {
	return fmt.Sprintf("build image %s for task '%s': %v", e.Tag, e.Task, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// ImageBuilder builds images through the Engine API and tees the build
// output into a per-task log file
type ImageBuilder struct {
	api    client.ImageAPIClient
	logDir string
	logger logger.Logger
}

// NewImageBuilder creates a builder on an API client
func NewImageBuilder(api client.ImageAPIClient, logDir string, log logger.Logger) *ImageBuilder {
	if log == nil {
		log = logger.NewNop()
	}
	return &ImageBuilder{api: api, logDir: logDir, logger: log}
}

// Options returns the Engine API build options for a request
func (b *ImageBuilder) Options(req BuildRequest) types.ImageBuildOptions {
	args := make(map[string]*string, len(req.BuildArgs))
	for k, v := range req.BuildArgs {
		v := v
		args[k] = &v
	}
	return types.ImageBuildOptions{
		Tags:       []string{req.Tag},
		Dockerfile: req.Dockerfile,
		BuildArgs:  args,
		Remove:     true,
	}
}

// Build executes the image build and blocks until it finishes or ctx ends
func (b *ImageBuilder) Build(ctx context.Context, req BuildRequest) error {
	startTime := time.Now()
	log := b.logger.WithTask(req.Task)

	logFile, err := b.prepareLogFile(req.Task)
	if err != nil {
		log.Warn(fmt.Sprintf("Failed to create log file: %v", err))
	}
	defer func() {
		if logFile != nil {
			logFile.Close()
		}
	}()

	b.logToFile(logFile, fmt.Sprintf("\n=== Build started at %s ===\n", startTime.Format("2006-01-02 15:04:05")))
	b.logToFile(logFile, fmt.Sprintf("Building %s from %s\n", req.Tag, req.ContextDir))
	log.Info("Building image", logger.WithField("image", req.Tag), logger.WithField("context", req.ContextDir))

	var output bytes.Buffer
	var w io.Writer = &output
	if logFile != nil {
		w = io.MultiWriter(&output, logFile)
	}

	err = b.build(ctx, req, w)
	duration := time.Since(startTime)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = fmt.Errorf("%w: %v", ctxErr, err)
		}
		b.logToFile(logFile, fmt.Sprintf("\n=== Build FAILED after %s ===\nError: %v\n", duration, err))
		return &BuildError{Task: req.Task, Tag: req.Tag, Output: tail(output.String(), outputTailLines), Err: err}
	}

	b.logToFile(logFile, fmt.Sprintf("\n=== Build SUCCEEDED after %s ===\n", duration))
	log.Success(fmt.Sprintf("Built %s in %s", req.Tag, duration.Round(time.Millisecond)))
	return nil
}

// build streams the context to the daemon and copies the build messages
// to out. A failed step arrives as an error message in the stream.
func (b *ImageBuilder) build(ctx context.Context, req BuildRequest, out io.Writer) error {
	if !utils.DirectoryExists(req.ContextDir) {
		return fmt.Errorf("build context %s does not exist", req.ContextDir)
	}
	excludes, err := readDockerignore(req.ContextDir)
	if err != nil {
		return fmt.Errorf("read .dockerignore: %w", err)
	}

	buildContext, err := archive.TarWithOptions(req.ContextDir, &archive.TarOptions{ExcludePatterns: excludes})
	if err != nil {
		return fmt.Errorf("archive build context: %w", err)
	}
	defer buildContext.Close()

	resp, err := b.api.ImageBuild(ctx, buildContext, b.Options(req))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return jsonmessage.DisplayJSONMessagesStream(resp.Body, out, 0, false, nil)
}

func readDockerignore(contextDir string) ([]string, error) {
	f, err := os.Open(filepath.Join(contextDir, ".dockerignore"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ignorefile.ReadAll(f)
}

// LogPath returns the build log location of a task, or empty when disabled
func (b *ImageBuilder) LogPath(task string) string {
	if b.logDir == "" {
		return ""
	}
	return filepath.Join(b.logDir, fmt.Sprintf("%s.log", task))
}

func (b *ImageBuilder) prepareLogFile(task string) (*os.File, error) {
	path := b.LogPath(task)
	if path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(b.logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}

func (b *ImageBuilder) logToFile(f *os.File, message string) {
	if f != nil {
		_, _ = f.WriteString(message)
	}
}

func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
