package adapter

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Turn timeout defaults and clamps. Idle resets on every output line;
// absolute runs from process start regardless of activity.
const (
	defaultIdleTimeout = 5 * time.Minute
	minIdleTimeout     = 30 * time.Second
	maxIdleTimeout     = 2 * time.Hour

	defaultAbsoluteTimeout = 15 * time.Minute
	minAbsoluteTimeout     = time.Minute
	maxAbsoluteTimeout     = 4 * time.Hour
)

// Output caps. A single line over maxLineSize, cumulative stdout over
// maxStdoutSize, or total stderr over maxStderrSize kills the process:
// a CLI emitting that much is looping.
const (
	maxLineSize   = 64 * 1024
	maxStdoutSize = 64 * 1024
	maxStderrSize = 5 * 1024 * 1024
)

// termGrace is how long a cancelled process gets between SIGTERM and
// SIGKILL.
const termGrace = 5 * time.Second

// Turn failure errors surfaced to the hub.
var (
	errIdleTimeout     = errors.New("Process timed out: agent produced no output")
	errAbsoluteTimeout = errors.New("Process timed out: absolute turn limit reached")
	errOutputFlood     = errors.New("agent output exceeded limits and was stopped")
)

func clampIdle(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultIdleTimeout
	}
	return clamp(d, minIdleTimeout, maxIdleTimeout)
}

func clampAbsolute(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultAbsoluteTimeout
	}
	return clamp(d, minAbsoluteTimeout, maxAbsoluteTimeout)
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

// procOptions configures one agent process run.
type procOptions struct {
	command string
	args    []string
	dir     string
	env     []string
	stdin   string

	idleTimeout     time.Duration
	absoluteTimeout time.Duration
}

// lineFunc consumes one stdout line.
type lineFunc func(line []byte)

// runProcess spawns the CLI and streams its stdout lines to onLine
// until exit or timeout. Timeouts and floods kill the process and come
// back as the corresponding error; a non-zero exit comes back as an
// error carrying trimmed stderr.
func runProcess(ctx context.Context, opts procOptions, onLine lineFunc) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, opts.command, opts.args...)
	cmd.Dir = opts.dir
	cmd.Env = opts.env
	if opts.stdin != "" {
		cmd.Stdin = bytes.NewReader([]byte(opts.stdin))
	}

	// SIGTERM first so the CLI can persist session state; Go escalates
	// to SIGKILL after WaitDelay.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = termGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	var stderrBuf cappedBuffer
	stderrBuf.limit = maxStderrSize
	cmd.Stderr = &stderrBuf

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return fmt.Errorf("command not found: %s (is it installed and on PATH?)", opts.command)
		}
		return fmt.Errorf("start %s: %w", opts.command, err)
	}

	idle := time.NewTimer(clampIdle(opts.idleTimeout))
	defer idle.Stop()
	absolute := time.NewTimer(clampAbsolute(opts.absoluteTimeout))
	defer absolute.Stop()

	var timeoutErr error
	var timeoutMu sync.Mutex
	setTimeout := func(err error) {
		timeoutMu.Lock()
		if timeoutErr == nil {
			timeoutErr = err
		}
		timeoutMu.Unlock()
		cancel()
	}
	// A stderr flood kills the process rather than filling the disk.
	stderrBuf.onOverflow = func() { setTimeout(errOutputFlood) }

	lines := make(chan []byte, 64)
	scanDone := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			cp := make([]byte, len(line))
			copy(cp, line)
			lines <- cp
		}
		scanDone <- scanner.Err()
	}()

	var stdoutBytes int
	flooded := false
	for running := true; running; {
		select {
		case line, ok := <-lines:
			if !ok {
				running = false
				break
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(clampIdle(opts.idleTimeout))
			if flooded {
				continue
			}
			stdoutBytes += len(line) + 1
			if stdoutBytes > maxStdoutSize {
				flooded = true
				setTimeout(errOutputFlood)
				continue
			}
			onLine(line)
		case <-idle.C:
			setTimeout(errIdleTimeout)
		case <-absolute.C:
			setTimeout(errAbsoluteTimeout)
		}
	}

	scanErr := <-scanDone
	waitErr := cmd.Wait()

	timeoutMu.Lock()
	tErr := timeoutErr
	timeoutMu.Unlock()
	if tErr != nil {
		return tErr
	}
	if ctx.Err() != nil {
		// Killed by the caller's Stop. The forced pipe teardown makes
		// the scanner error too, so this check comes first.
		return context.Canceled
	}
	if stderrBuf.overflowed {
		return errOutputFlood
	}
	if scanErr != nil {
		if errors.Is(scanErr, bufio.ErrTooLong) {
			return errOutputFlood
		}
		return fmt.Errorf("read agent output: %w", scanErr)
	}
	if waitErr != nil {
		stderr := bytes.TrimSpace(stderrBuf.Bytes())
		if len(stderr) > 0 {
			return fmt.Errorf("%s exited: %s", opts.command, Redact(string(stderr)))
		}
		return fmt.Errorf("%s exited: %w", opts.command, waitErr)
	}
	return nil
}

// cappedBuffer collects stderr up to a limit. Past it, writes are
// swallowed and the overflow flag is raised.
type cappedBuffer struct {
	mu         sync.Mutex
	buf        bytes.Buffer
	limit      int
	overflowed bool
	onOverflow func()
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	if b.buf.Len()+len(p) > b.limit {
		room := b.limit - b.buf.Len()
		if room > 0 {
			b.buf.Write(p[:room])
		}
		first := !b.overflowed
		b.overflowed = true
		cb := b.onOverflow
		b.mu.Unlock()
		if first && cb != nil {
			cb()
		}
		return len(p), nil
	}
	b.buf.Write(p)
	b.mu.Unlock()
	return len(p), nil
}

func (b *cappedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Bytes()
}

var _ io.Writer = (*cappedBuffer)(nil)

func logProcessEnd(agentID, command string, err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	slog.Warn("agent process ended with error", "agent_id", agentID, "command", command, "error", err)
}
