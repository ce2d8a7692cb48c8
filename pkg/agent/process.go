package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/forgeworks/hydra/pkg/models"
)

const (
	// DefaultTimeout is the hard deadline for a single agent run.
	DefaultTimeout = 30 * time.Minute

	// killGrace is how long a cancelled agent gets between SIGTERM and
	// SIGKILL.
	killGrace = 10 * time.Second

	// maxLineBytes bounds a single stdout line; agents emitting longer
	// lines get them split by the scanner rather than killing the stream.
	maxLineBytes = 256 * 1024
)

// Handlers receives the agent's mid-run output. All callbacks are invoked
// from the process's reader goroutine, in stdout order. Nil members are
// skipped.
type Handlers struct {
	OnStatus   func(status models.WorkerStatus)
	OnLine     func(line string)
	OnQuestion func(question string)
	OnCredits  func()
}

// Process is a single agent invocation. Create with Start, then Wait for the
// terminal result. Answer may be called while the process runs.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	logger *slog.Logger

	mu      sync.Mutex
	result  *Result
	credits bool

	readerDone chan struct{}
}

// Start launches command with input written to its stdin and begins
// consuming stdout. The context bounds the whole run: cancellation sends
// SIGTERM, escalating to SIGKILL after the grace period.
func Start(ctx context.Context, command string, args []string, input Input, handlers Handlers) (*Process, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killGrace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout // interleave stderr into the transcript stream

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent %q: %w", command, err)
	}

	p := &Process{
		cmd:        cmd,
		stdin:      stdin,
		logger:     slog.Default().With("component", "agent", "issue", input.IssueNumber, "role", input.Role),
		readerDone: make(chan struct{}),
	}

	// Hand the agent its invocation as one JSON line; the pipe stays open
	// for human answers routed via Answer.
	enc := json.NewEncoder(stdin)
	if err := enc.Encode(input); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, fmt.Errorf("write agent input: %w", err)
	}

	go p.readLoop(stdout, handlers)
	return p, nil
}

// Answer writes a human reply to the agent's stdin as a JSON line. Used to
// service in-flight questions raised via the ask marker.
func (p *Process) Answer(text string) error {
	data, err := json.Marshal(map[string]string{"answer": text})
	if err != nil {
		return err
	}
	if _, err := p.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write answer: %w", err)
	}
	return nil
}

// Wait blocks until the agent exits and returns its terminal result.
// Error kinds: ErrTimeout (deadline), CrashError (non-zero exit), ErrSchema
// (clean exit without a valid result), ErrCreditsExhausted.
func (p *Process) Wait(ctx context.Context) (Result, error) {
	// Drain stdout before reaping: cmd.Wait closes the pipe as soon as the
	// process exits, which can discard a buffered result line. On
	// cancellation fall through so Wait can force-close pipes held open by
	// the agent's children.
	select {
	case <-p.readerDone:
	case <-ctx.Done():
	}
	waitErr := p.cmd.Wait()
	<-p.readerDone
	_ = p.stdin.Close()

	p.mu.Lock()
	result := p.result
	credits := p.credits
	p.mu.Unlock()

	if credits {
		return Result{}, ErrCreditsExhausted
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Result{}, ErrTimeout
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return Result{}, context.Canceled
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return Result{}, &CrashError{ExitCode: exitErr.ExitCode()}
		}
		return Result{}, fmt.Errorf("wait for agent: %w", waitErr)
	}
	if result == nil {
		return Result{}, ErrSchema
	}
	return *result, nil
}

// PID returns the OS process id, or -1 before start.
func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return -1
	}
	return p.cmd.Process.Pid
}

func (p *Process) readLoop(stdout io.Reader, handlers Handlers) {
	defer close(p.readerDone)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		parsed := ParseLine(scanner.Text())
		switch parsed.Kind {
		case LineStatus:
			if handlers.OnStatus != nil {
				handlers.OnStatus(parsed.Status)
			}
		case LineResult:
			p.mu.Lock()
			p.result = parsed.Result
			p.mu.Unlock()
		case LineQuestion:
			if handlers.OnQuestion != nil {
				handlers.OnQuestion(parsed.Question)
			}
		case LineCredits:
			p.mu.Lock()
			p.credits = true
			p.mu.Unlock()
			if handlers.OnCredits != nil {
				handlers.OnCredits()
			}
		default:
			if handlers.OnLine != nil {
				handlers.OnLine(parsed.Text)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		p.logger.Warn("Agent stdout read error", "error", err)
	}
}
