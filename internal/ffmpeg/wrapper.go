package ffmpeg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const maxStderrLines = 100

// Command is a transcoder invocation. Media never travels over its standard
// streams; stderr is only read for diagnostics.
type Command struct {
	Binary   string
	Args     []string
	Input    string
	Output   string
	LogLevel string

	mu      sync.RWMutex
	cmd     *exec.Cmd
	started time.Time
	doneCh  chan struct{}
	waitErr error
	monitor *ProcessMonitor

	onStderr    func(line string)
	stderrLines []string
	stderrMu    sync.RWMutex
}

// CommandBuilder builds transcoder commands with a fluent API.
type CommandBuilder struct {
	binary     string
	globalArgs []string
	inputArgs  []string
	input      string
	outputArgs []string
	output     string
	logLevel   string
	onStderr   func(line string)
}

// NewCommandBuilder creates a builder for the binary at ffmpegPath.
func NewCommandBuilder(ffmpegPath string) *CommandBuilder {
	return &CommandBuilder{
		binary:   ffmpegPath,
		logLevel: "error",
	}
}

// LogLevel sets the -loglevel value.
func (b *CommandBuilder) LogLevel(level string) *CommandBuilder {
	if level != "" {
		b.logLevel = level
	}
	return b
}

// HideBanner hides the FFmpeg banner.
func (b *CommandBuilder) HideBanner() *CommandBuilder {
	b.globalArgs = append(b.globalArgs, "-hide_banner")
	return b
}

// Input sets a plain -i input. Leave it empty when InputArgs already names
// the input.
func (b *CommandBuilder) Input(input string) *CommandBuilder {
	b.input = input
	return b
}

// InputArgs adds arguments placed before the output section. Media input
// descriptors supply these verbatim, including their own -i.
func (b *CommandBuilder) InputArgs(args ...string) *CommandBuilder {
	b.inputArgs = append(b.inputArgs, args...)
	return b
}

// OutputArgs adds output arguments.
func (b *CommandBuilder) OutputArgs(args ...string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, args...)
	return b
}

// Output sets the output destination.
func (b *CommandBuilder) Output(output string) *CommandBuilder {
	b.output = output
	return b
}

// StderrHandler receives every stderr line as it is read.
func (b *CommandBuilder) StderrHandler(fn func(line string)) *CommandBuilder {
	b.onStderr = fn
	return b
}

// Build builds the command.
func (b *CommandBuilder) Build() *Command {
	var args []string

	args = append(args, "-loglevel", b.logLevel)
	args = append(args, b.globalArgs...)
	args = append(args, b.inputArgs...)
	if b.input != "" {
		args = append(args, "-i", b.input)
	}
	args = append(args, b.outputArgs...)
	if b.output != "" {
		args = append(args, b.output)
	}

	return &Command{
		Binary:      b.binary,
		Args:        args,
		Input:       b.input,
		Output:      b.output,
		LogLevel:    b.logLevel,
		doneCh:      make(chan struct{}),
		onStderr:    b.onStderr,
		stderrLines: make([]string, 0, maxStderrLines),
	}
}

// String returns the command line.
func (c *Command) String() string {
	return c.Binary + " " + strings.Join(c.Args, " ")
}

// Start spawns the process. The process is killed when ctx is cancelled.
// Done is closed once it has exited and stderr has been drained.
func (c *Command) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.cmd != nil {
		c.mu.Unlock()
		return errors.New("command already started")
	}
	c.cmd = exec.CommandContext(ctx, c.Binary, c.Args...)
	c.cmd.Stdin = nil
	c.cmd.Stdout = io.Discard

	stderr, err := c.cmd.StderrPipe()
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("getting stderr pipe: %w", err)
	}

	if err := c.cmd.Start(); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("starting ffmpeg: %w", err)
	}
	c.started = time.Now()
	c.monitor = NewProcessMonitor(c.cmd.Process.Pid)
	c.monitor.Start()
	cmd := c.cmd
	c.mu.Unlock()

	go func() {
		c.captureStderr(stderr)
		err := cmd.Wait()
		c.monitor.Stop()

		c.mu.Lock()
		c.waitErr = err
		c.mu.Unlock()
		close(c.doneCh)
	}()
	return nil
}

// Done is closed when the process has exited.
func (c *Command) Done() <-chan struct{} {
	return c.doneCh
}

// Wait blocks until the process exits and returns its exit error.
func (c *Command) Wait() error {
	c.mu.RLock()
	started := c.cmd != nil
	c.mu.RUnlock()
	if !started {
		return errors.New("command not started")
	}

	<-c.doneCh
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.waitErr
}

// Kill terminates the process. Killing an exited process is a no-op.
func (c *Command) Kill() error {
	c.mu.RLock()
	cmd := c.cmd
	c.mu.RUnlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	select {
	case <-c.doneCh:
		return nil
	default:
	}

	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// PID returns the process id, or 0 before Start.
func (c *Command) PID() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cmd == nil || c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// IsRunning returns true while the process has not exited.
func (c *Command) IsRunning() bool {
	if c.PID() == 0 {
		return false
	}
	select {
	case <-c.doneCh:
		return false
	default:
		return true
	}
}

// Duration returns how long the command has been running.
func (c *Command) Duration() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.started.IsZero() {
		return 0
	}
	return time.Since(c.started)
}

// captureStderr keeps the last lines for debugging and forwards each line to
// the stderr handler.
func (c *Command) captureStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()

		c.stderrMu.Lock()
		if len(c.stderrLines) >= maxStderrLines {
			c.stderrLines = c.stderrLines[1:]
		}
		c.stderrLines = append(c.stderrLines, line)
		c.stderrMu.Unlock()

		if c.onStderr != nil {
			c.onStderr(line)
		}
	}
}

// StderrLines returns the recent stderr lines.
func (c *Command) StderrLines() []string {
	c.stderrMu.RLock()
	defer c.stderrMu.RUnlock()

	lines := make([]string, len(c.stderrLines))
	copy(lines, c.stderrLines)
	return lines
}

// ProcessStats returns the latest resource sample, or nil before Start.
func (c *Command) ProcessStats() *ProcessStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.monitor == nil {
		return nil
	}
	stats := c.monitor.Stats()
	return &stats
}

// AddBytesRead records output consumed from the process, for read-rate stats.
func (c *Command) AddBytesRead(n int) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.monitor != nil && n > 0 {
		c.monitor.AddBytesRead(uint64(n))
	}
}
