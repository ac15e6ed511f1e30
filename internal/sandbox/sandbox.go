// Package sandbox executes generated proof tests against candidate code
// in throwaway scratch directories, far away from any checkout.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Runner executes one test run per scratch directory. Directories live under
// Root and are named run_*; Sweep removes the ones a crash left behind.
// At most workers runs execute at once; further callers block in Run.
type Runner struct {
	Root        string
	Command     []string
	Timeout     time.Duration
	OutputLimit int
	Logger      hclog.Logger

	slots chan struct{}
}

type Input struct {
	SourceCode string
	TestCode   string
	FileName   string
}

// Result describes a completed run. Outcome is "pass", "fail" or "error";
// an error return from Run is reserved for infrastructure problems.
type Result struct {
	Outcome  string
	Output   string
	Duration time.Duration
	TimedOut bool
}

func New(root string, command string, timeout time.Duration, workers, outputLimit int, logger hclog.Logger) (*Runner, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, fmt.Errorf("sandbox runner command is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create sandbox root: %w", err)
	}
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Runner{
		Root:        root,
		Command:     fields,
		Timeout:     timeout,
		OutputLimit: outputLimit,
		Logger:      logger,
		slots:       make(chan struct{}, workers),
	}, nil
}

// Run writes the module and its test into a fresh scratch directory, invokes
// the configured test command there and interprets the exit code. Exit 0 is
// a pass, exit 1 means the tests ran and failed, anything else is an error.
func (r *Runner) Run(ctx context.Context, in Input) (Result, error) {
	if strings.TrimSpace(in.SourceCode) == "" {
		return Result{}, fmt.Errorf("sandbox input has no source code")
	}
	if strings.TrimSpace(in.TestCode) == "" {
		return Result{}, fmt.Errorf("sandbox input has no test code")
	}

	if r.slots != nil {
		select {
		case r.slots <- struct{}{}:
			defer func() { <-r.slots }()
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}

	module := ModuleName(in.FileName)
	dir, err := os.MkdirTemp(r.Root, "run_")
	if err != nil {
		return Result{}, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	if err := os.WriteFile(filepath.Join(dir, module+".py"), []byte(in.SourceCode), 0o644); err != nil {
		return Result{}, fmt.Errorf("write module file: %w", err)
	}
	testFile := "test_" + module + ".py"
	if err := os.WriteFile(filepath.Join(dir, testFile), []byte(in.TestCode), 0o644); err != nil {
		return Result{}, fmt.Errorf("write test file: %w", err)
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if r.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	args := append(append([]string{}, r.Command[1:]...), testFile)
	cmd := exec.CommandContext(runCtx, r.Command[0], args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "PYTHONDONTWRITEBYTECODE=1")
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	start := time.Now()
	runErr := cmd.Run()
	res := Result{
		Output:   r.truncate(buf.String()),
		Duration: time.Since(start),
	}

	if runCtx.Err() == context.DeadlineExceeded {
		res.Outcome = "error"
		res.TimedOut = true
		r.Logger.Debug("sandbox run timed out", "module", module, "timeout", r.Timeout)
		return res, nil
	}
	if runErr == nil {
		res.Outcome = "pass"
		r.Logger.Debug("sandbox run finished", "module", module, "outcome", res.Outcome, "duration", res.Duration)
		return res, nil
	}
	if ee, ok := runErr.(*exec.ExitError); ok {
		if ee.ExitCode() == 1 {
			res.Outcome = "fail"
		} else {
			res.Outcome = "error"
		}
		r.Logger.Debug("sandbox run finished", "module", module, "outcome", res.Outcome, "exit", ee.ExitCode(), "duration", res.Duration)
		return res, nil
	}
	return Result{}, fmt.Errorf("run sandbox command: %w", runErr)
}

// Sweep removes leftover run_* directories and reports how many it deleted.
func (r *Runner) Sweep() (int, error) {
	matches, err := filepath.Glob(filepath.Join(r.Root, "run_*"))
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, dir := range matches {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			return removed, fmt.Errorf("remove %s: %w", dir, err)
		}
		removed++
	}
	return removed, nil
}

func (r *Runner) truncate(s string) string {
	if r.OutputLimit <= 0 || len(s) <= r.OutputLimit {
		return s
	}
	return s[:r.OutputLimit] + "\n... [output truncated]"
}

// ModuleName derives a python module name from a repository file path.
// Anything that is not a valid identifier character becomes an underscore.
func ModuleName(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	var b strings.Builder
	for _, r := range base {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	name := b.String()
	if name == "" {
		return "module"
	}
	if name[0] >= '0' && name[0] <= '9' {
		name = "m_" + name
	}
	return name
}
