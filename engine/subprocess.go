package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"

	"github.com/myrialabs/agentstream/internal/logger"
	"go.uber.org/zap"
)

// SubprocessSource runs turns by spawning an engine CLI per turn and
// decoding its stream-json stdout. One process per project path at a time;
// Interrupt signals the process serving that path.
type SubprocessSource struct {
	command string

	mu    sync.Mutex
	procs map[string]*exec.Cmd
}

// NewSubprocessSource creates a source that spawns the given command.
func NewSubprocessSource(command string) *SubprocessSource {
	return &SubprocessSource{
		command: command,
		procs:   make(map[string]*exec.Cmd),
	}
}

// Start spawns one engine process for the turn.
func (s *SubprocessSource) Start(ctx context.Context, req TurnRequest) (Turn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	args := []string{
		"-p", req.Prompt,
		"--output-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.ResumeToken != "" {
		args = append(args, "--resume", req.ResumeToken)
	}

	cmd := exec.CommandContext(ctx, s.command, args...)
	if req.ProjectPath != "" {
		cmd.Dir = req.ProjectPath
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("engine stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start engine %s: %w", s.command, err)
	}

	s.mu.Lock()
	s.procs[req.ProjectPath] = cmd
	s.mu.Unlock()

	logger.Debug("Engine process started",
		zap.String("command", s.command),
		zap.String("project_path", req.ProjectPath),
		zap.Int("pid", cmd.Process.Pid))

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	return &subprocessTurn{
		source:      s,
		projectPath: req.ProjectPath,
		cmd:         cmd,
		scanner:     scanner,
	}, nil
}

// Interrupt sends SIGINT to the process serving the project path so the
// engine can flush its final result before exiting.
func (s *SubprocessSource) Interrupt(projectPath string) error {
	s.mu.Lock()
	cmd, ok := s.procs[projectPath]
	s.mu.Unlock()
	if !ok || cmd.Process == nil {
		return fmt.Errorf("no engine process for %s", projectPath)
	}
	return cmd.Process.Signal(syscall.SIGINT)
}

func (s *SubprocessSource) forget(projectPath string, cmd *exec.Cmd) {
	s.mu.Lock()
	if s.procs[projectPath] == cmd {
		delete(s.procs, projectPath)
	}
	s.mu.Unlock()
}

type subprocessTurn struct {
	source      *SubprocessSource
	projectPath string
	cmd         *exec.Cmd
	scanner     *bufio.Scanner
	done        bool
}

// Next reads stdout lines until one decodes to a message. Unknown line
// types are skipped. The process exit status is collected on EOF.
func (t *subprocessTurn) Next(ctx context.Context) (*Message, error) {
	if t.done {
		return nil, io.EOF
	}
	for {
		if err := ctx.Err(); err != nil {
			t.finish()
			return nil, err
		}
		if !t.scanner.Scan() {
			if err := t.scanner.Err(); err != nil {
				t.finish()
				return nil, fmt.Errorf("engine output: %w", err)
			}
			if err := t.finish(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}

		line := t.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := DecodeLine(line)
		if err != nil {
			logger.Warn("Undecodable engine line",
				zap.String("project_path", t.projectPath),
				zap.Error(err))
			continue
		}
		if msg == nil {
			continue
		}
		return msg, nil
	}
}

func (t *subprocessTurn) finish() error {
	if t.done {
		return nil
	}
	t.done = true
	t.source.forget(t.projectPath, t.cmd)

	err := t.cmd.Wait()
	if err == nil {
		return nil
	}
	// An interrupt-driven exit is expected fallout of cancellation; the
	// orchestrator suppresses it via the context error.
	if ee, ok := err.(*exec.ExitError); ok {
		logger.Debug("Engine process exited",
			zap.String("project_path", t.projectPath),
			zap.Int("code", ee.ExitCode()))
		return nil
	}
	return fmt.Errorf("engine process: %w", err)
}
