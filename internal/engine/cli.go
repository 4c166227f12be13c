package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/ocr-gateway/ocr-gateway/internal/config"
)

// maxStderr caps how much of the engine's stderr is kept for error messages.
const maxStderr = 4096

func init() {
	Register("cli", func(cfg *config.EngineConfig) (Converter, error) {
		return NewCLI(cfg)
	})
}

// CLI runs the mineru command line tool once per conversion.
type CLI struct {
	command string
	timeout time.Duration
}

// NewCLI creates a CLI converter.
func NewCLI(cfg *config.EngineConfig) (*CLI, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, fmt.Errorf("engine.command is required for the cli driver")
	}
	return &CLI{command: cfg.Command, timeout: cfg.Timeout}, nil
}

// Name returns the driver name
func (c *CLI) Name() string { return "cli" }

// Args builds the command line for a task writing into outDir.
func (c *CLI) Args(task Task, outDir string) []string {
	opts := task.Options
	args := []string{"-p", task.InputPath, "-o", outDir, "-b", opts.Backend}
	if opts.VLMURL != "" && opts.UsesVLMServer() {
		args = append(args, "-u", opts.VLMURL)
	}
	if opts.Lang != "" {
		args = append(args, "-l", opts.Lang)
	}
	if !opts.Formula {
		args = append(args, "-f", "false")
	}
	if !opts.Table {
		args = append(args, "-t", "false")
	}
	return args
}

// Convert runs the engine and collects everything it wrote.
func (c *CLI) Convert(ctx context.Context, task Task) (*Document, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	outDir, err := os.MkdirTemp("", "ocr-output-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	args := c.Args(task, outDir)
	slog.Debug("running conversion engine", "command", c.command, "args", args)

	stderr := &tailBuffer{max: maxStderr}
	cmd := exec.CommandContext(ctx, c.command, args...)
	cmd.Stdout = io.Discard
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		os.RemoveAll(outDir)
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return nil, fmt.Errorf("%w after %s", ErrTimeout, c.timeout)
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, exec.ErrNotFound):
			return nil, fmt.Errorf("engine command %q not found: %w", c.command, err)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%s exited with status %d: %s", c.command, exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return nil, fmt.Errorf("failed to run %s: %w", c.command, err)
	}

	doc, err := collect(outDir, task.Filename)
	if err != nil {
		os.RemoveAll(outDir)
		return nil, err
	}
	return doc, nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }
