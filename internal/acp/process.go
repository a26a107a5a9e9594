package acp

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"go.uber.org/zap"

	"github.com/routa-dev/routa/internal/common/logger"
)

// stderrTailSize bounds the retained stderr tail used for error context.
const stderrTailSize = 4096

// process wraps a subprocess with stdio pipes and lifecycle tracking. It is
// shared by both subprocess adapter variants.
type process struct {
	log *logger.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	started bool
	killed  bool

	done chan struct{}

	stderrMu   sync.Mutex
	stderrTail []byte
}

func newProcess(log *logger.Logger) *process {
	return &process{
		log:  log,
		done: make(chan struct{}),
	}
}

// start spawns the subprocess. Idempotent: a second call after a successful
// start returns nil.
func (p *process) start(command []string, workDir string, env []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.killed {
		return ErrAdapterDead
	}
	if p.started {
		return nil
	}
	if len(command) == 0 {
		return fmt.Errorf("empty agent command")
	}

	cmd := exec.Command(command[0], command[1:]...)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start agent process: %w", err)
	}

	p.cmd = cmd
	p.stdin = stdin
	p.stdout = stdout
	p.started = true

	go p.drainStderr(stderr)
	go func() {
		err := cmd.Wait()
		if err != nil {
			p.log.Warn("agent process exited", zap.Error(err))
		} else {
			p.log.Debug("agent process exited")
		}
		close(p.done)
	}()

	p.log.Info("agent process started",
		zap.String("command", command[0]),
		zap.Int("pid", cmd.Process.Pid))
	return nil
}

func (p *process) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	for scanner.Scan() {
		p.stderrMu.Lock()
		p.stderrTail = append(p.stderrTail, scanner.Bytes()...)
		p.stderrTail = append(p.stderrTail, '\n')
		if len(p.stderrTail) > stderrTailSize {
			p.stderrTail = p.stderrTail[len(p.stderrTail)-stderrTailSize:]
		}
		p.stderrMu.Unlock()
	}
}

// stderrContext returns the retained stderr tail for error messages.
func (p *process) stderrContext() string {
	p.stderrMu.Lock()
	defer p.stderrMu.Unlock()
	return string(p.stderrTail)
}

// alive reports whether the process has started and not yet exited.
func (p *process) alive() bool {
	p.mu.Lock()
	started, killed := p.started, p.killed
	p.mu.Unlock()
	if !started || killed {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// writer returns the process stdin, or nil before start.
func (p *process) writer() io.Writer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stdin
}

// reader returns the process stdout, or nil before start.
func (p *process) reader() io.Reader {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stdout
}

// kill terminates the subprocess. Idempotent and safe before start.
func (p *process) kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.killed {
		return nil
	}
	p.killed = true

	if !p.started {
		close(p.done)
		return nil
	}
	if p.stdin != nil {
		_ = p.stdin.Close()
	}
	if p.cmd != nil && p.cmd.Process != nil {
		if err := p.cmd.Process.Kill(); err != nil {
			p.log.Debug("process kill", zap.Error(err))
		}
	}
	return nil
}
