// Package command describes external processes and runs them with their output
// tee'd to the controlling terminal and captured for the run log.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/kballard/go-shellquote"
)

// Command is an opaque description of one external process. Projects and
// sandbox wrappers produce them; the executor only runs them.
type Command struct {
	Path  string
	Args  []string
	Env   []string // appended to the inherited environment
	Dir   string
	Stdin io.Reader
}

// New returns a command for path with args.
func New(path string, args ...string) Command {
	return Command{Path: path, Args: args}
}

// Shell returns a command that runs line through /bin/sh.
func Shell(line string) Command {
	return Command{Path: "/bin/sh", Args: []string{"-c", line}}
}

// Parse splits a shell-style command line into a Command without invoking a shell.
func Parse(line string) (Command, error) {
	words, err := shellquote.Split(line)
	if err != nil {
		return Command{}, fmt.Errorf("parse command %q: %w", line, err)
	}
	if len(words) == 0 {
		return Command{}, fmt.Errorf("parse command %q: empty", line)
	}
	return Command{Path: words[0], Args: words[1:]}, nil
}

// ParseRedirect is Parse for run lines that feed a file to stdin with a
// separate "<" word, as in "crafty < test1.sh". The file name is returned
// unopened; it is empty when the line has no redirect.
func ParseRedirect(line string) (Command, string, error) {
	words, err := shellquote.Split(line)
	if err != nil {
		return Command{}, "", fmt.Errorf("parse command %q: %w", line, err)
	}
	var (
		argv  []string
		input string
	)
	for i := 0; i < len(words); i++ {
		if words[i] != "<" {
			argv = append(argv, words[i])
			continue
		}
		if i+1 == len(words) {
			return Command{}, "", fmt.Errorf("parse command %q: missing stdin file", line)
		}
		if input != "" {
			return Command{}, "", fmt.Errorf("parse command %q: more than one stdin redirect", line)
		}
		i++
		input = words[i]
	}
	if len(argv) == 0 {
		return Command{}, "", fmt.Errorf("parse command %q: empty", line)
	}
	return Command{Path: argv[0], Args: argv[1:]}, input, nil
}

// String renders the command line as it would be typed into a shell.
func (c Command) String() string {
	return shellquote.Join(append([]string{c.Path}, c.Args...)...)
}

// WithEnv returns a copy of c with the extra environment entries appended.
func (c Command) WithEnv(env ...string) Command {
	out := c
	out.Env = append(append([]string(nil), c.Env...), env...)
	return out
}

// InDir returns a copy of c that runs in dir.
func (c Command) InDir(dir string) Command {
	out := c
	out.Dir = dir
	return out
}

// Result holds what a finished process left behind.
type Result struct {
	Stdout string
	Stderr string
}

// ExitError is a process execution failure: the command ran (or failed to
// start) and did not exit cleanly.
type ExitError struct {
	Command string
	Code    int
	Stdout  string
	Stderr  string
	Err     error
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("command %q exited with code %d", e.Command, e.Code)
	if tail := lastLine(e.Stderr); tail != "" {
		msg += ": " + tail
	}
	return msg
}

func (e *ExitError) Unwrap() error { return e.Err }

// StartFailureCode is recorded when a process could not be started at all.
const StartFailureCode = -1

// Runner executes commands, tee'ing their streams to Stdout and Stderr.
type Runner struct {
	Stdout io.Writer
	Stderr io.Writer
}

// Run executes cmd to completion. The process is not killed when ctx is
// cancelled; callers inspect ctx once Run returns. A non-nil error is always an
// *ExitError.
func (r Runner) Run(ctx context.Context, cmd Command) (Result, error) {
	var stdout, stderr bytes.Buffer
	c := exec.Command(cmd.Path, cmd.Args...)
	c.Dir = cmd.Dir
	c.Stdin = cmd.Stdin
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	c.Stdout = io.MultiWriter(orDiscard(r.Stdout), &stdout)
	c.Stderr = io.MultiWriter(orDiscard(r.Stderr), &stderr)

	err := c.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}
	exitErr := &ExitError{
		Command: cmd.String(),
		Code:    StartFailureCode,
		Stdout:  res.Stdout,
		Stderr:  res.Stderr,
		Err:     err,
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		exitErr.Code = ee.ExitCode()
	} else if exitErr.Stderr == "" {
		exitErr.Stderr = err.Error()
	}
	return res, exitErr
}

// Run executes cmd with the process's own stdout and stderr as tee targets.
func Run(ctx context.Context, cmd Command) (Result, error) {
	return Runner{Stdout: os.Stdout, Stderr: os.Stderr}.Run(ctx, cmd)
}

func orDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return s
}
