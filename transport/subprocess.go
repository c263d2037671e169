package transport

import (
	"bufio"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Epistates/turboclaude-sub003/logger"
	sdkerrors "github.com/Epistates/turboclaude-sub003/pkg/errors"
)

const (
	// DefaultCLIPath is the agent executable looked up on PATH.
	DefaultCLIPath = "claude"

	// EnvEntrypoint tells the agent which SDK launched it.
	EnvEntrypoint = "CLAUDE_CODE_ENTRYPOINT"

	stderrLimit = 64 * 1024
)

// killGrace bounds each wait after the child is signalled.
var killGrace = 2 * time.Second

// passthroughEnv is copied from the parent even when the environment is not
// inherited, so the child can locate its interpreter and home directory.
var passthroughEnv = []string{"PATH", "HOME", "USER", "TMPDIR", "SYSTEMROOT"}

// Config configures a Subprocess.
type Config struct {
	// Path is the executable. Defaults to DefaultCLIPath.
	Path string
	// Args are passed to the executable.
	Args []string
	// Env holds variables set for the child.
	Env map[string]string
	// InheritEnv passes the full parent environment, overlaid with Env.
	InheritEnv bool
	// Dir is the working directory.
	Dir string
	// ShutdownTimeout bounds the wait for a clean exit before SIGTERM.
	ShutdownTimeout time.Duration
	// ShutdownFrame, if set, is sent before stdin is closed on Shutdown.
	ShutdownFrame []byte
	// MaxLineSize overrides the frame size limit.
	MaxLineSize int
}

// Subprocess is a Transport over a child process's stdin and stdout.
// stderr is captured for failure reports.
type Subprocess struct {
	cfg  Config
	conn *lineConn

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	output  []io.Closer // stdout and stderr read ends
	started bool
	exitErr error

	stderr *tailBuffer
	done   chan struct{}
}

// NewSubprocess returns an unstarted Subprocess.
func NewSubprocess(cfg Config) *Subprocess {
	if cfg.Path == "" {
		cfg.Path = DefaultCLIPath
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	return &Subprocess{
		cfg:    cfg,
		conn:   newLineConn(cfg.Path, cfg.MaxLineSize),
		stderr: &tailBuffer{limit: stderrLimit},
		done:   make(chan struct{}),
	}
}

// buildEnv renders the child environment in KEY=VALUE form.
func (s *Subprocess) buildEnv() []string {
	vars := make(map[string]string)
	if s.cfg.InheritEnv {
		for _, kv := range os.Environ() {
			if k, v, ok := strings.Cut(kv, "="); ok {
				vars[k] = v
			}
		}
	} else {
		for _, k := range passthroughEnv {
			if v, ok := os.LookupEnv(k); ok {
				vars[k] = v
			}
		}
	}
	vars[EnvEntrypoint] = "sdk-go"
	for k, v := range s.cfg.Env {
		vars[k] = v
	}

	env := make([]string, 0, len(vars))
	for k, v := range vars {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

// Start spawns the child and begins the reader, writer and stderr loops.
// The child is not bound to ctx; use Shutdown to stop it.
func (s *Subprocess) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	cmd := exec.Command(s.cfg.Path, s.cfg.Args...) // NOSONAR: executable is caller configuration
	cmd.Env = s.buildEnv()
	cmd.Dir = s.cfg.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return sdkerrors.Wrap(sdkerrors.KindTransportClosed, err, "create stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return sdkerrors.Wrap(sdkerrors.KindTransportClosed, err, "create stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return sdkerrors.Wrap(sdkerrors.KindTransportClosed, err, "create stderr pipe")
	}
	if err := cmd.Start(); err != nil {
		return sdkerrors.Wrap(sdkerrors.KindTransportClosed, err, fmt.Sprintf("start %s", s.cfg.Path))
	}
	logger.Debug("agent process started", "path", s.cfg.Path, "pid", cmd.Process.Pid)

	s.cmd, s.stdin, s.started = cmd, stdin, true
	s.output = []io.Closer{stdout, stderr}

	s.conn.start(stdout, stdin)

	// cmd.Wait closes the pipes, so both readers must finish first.
	drain := new(errgroup.Group)
	drain.Go(func() error {
		s.captureStderr(stderr)
		return nil
	})
	drain.Go(func() error {
		<-s.conn.readerDone
		return nil
	})
	go s.wait(drain)
	return nil
}

// wait reaps the child once its output pipes are drained.
func (s *Subprocess) wait(drain *errgroup.Group) {
	_ = drain.Wait()
	err := s.cmd.Wait()
	s.conn.halt()
	<-s.conn.writerDone

	s.mu.Lock()
	if err != nil {
		s.exitErr = s.failure(err)
	}
	s.mu.Unlock()
	logger.Debug("agent process exited", "path", s.cfg.Path, "error", err)
	close(s.done)
}

func (s *Subprocess) failure(err error) error {
	msg := "agent process exited"
	var exitErr *exec.ExitError
	if stderrors.As(err, &exitErr) {
		msg = fmt.Sprintf("agent process exited with code %d", exitErr.ExitCode())
	}
	if tail := strings.TrimSpace(s.stderr.String()); tail != "" {
		msg += ": " + tail
	}
	return sdkerrors.Wrap(sdkerrors.KindTransportClosed, err, msg)
}

func (s *Subprocess) captureStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), MaxLineSize)
	for sc.Scan() {
		line := sc.Text()
		s.stderr.WriteLine(line)
		logger.Debug("agent stderr", "path", s.cfg.Path, "output", line)
	}
}

// Send writes one frame to the child's stdin.
func (s *Subprocess) Send(ctx context.Context, data []byte) error {
	if !s.isStarted() {
		return sdkerrors.New(sdkerrors.KindTransportClosed, "transport not started")
	}
	return s.conn.send(ctx, data)
}

// Receive returns frames read from the child's stdout.
func (s *Subprocess) Receive() <-chan Frame {
	return s.conn.inbound
}

// Done is closed once the child has been reaped.
func (s *Subprocess) Done() <-chan struct{} {
	return s.done
}

// Err returns the exit failure, with captured stderr, or nil for a clean exit.
func (s *Subprocess) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitErr
}

// Stderr returns the captured tail of the child's stderr.
func (s *Subprocess) Stderr() string {
	return s.stderr.String()
}

// Pid returns the child's process ID, or 0 before Start.
func (s *Subprocess) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

func (s *Subprocess) isStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Shutdown sends the shutdown frame, closes stdin and waits for the child to
// exit. After ShutdownTimeout the child receives SIGTERM, and after a short
// grace period it is killed.
func (s *Subprocess) Shutdown(ctx context.Context) error {
	if !s.isStarted() {
		return nil
	}
	select {
	case <-s.done:
		return nil
	default:
	}

	if len(s.cfg.ShutdownFrame) > 0 {
		sendCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		if err := s.conn.send(sendCtx, s.cfg.ShutdownFrame); err != nil {
			logger.Debug("shutdown frame not delivered", "error", err)
		}
		cancel()
	}
	_ = s.stdin.Close()

	timer := time.NewTimer(s.cfg.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-s.done:
		return nil
	case <-timer.C:
		logger.Warn("agent did not exit in time, terminating", "path", s.cfg.Path, "timeout", s.cfg.ShutdownTimeout)
	case <-ctx.Done():
	}

	s.conn.halt()
	if err := terminate(s.cmd.Process); err != nil {
		logger.Debug("terminate failed", "error", err)
	}
	select {
	case <-s.done:
		return nil
	case <-time.After(killGrace):
	}
	_ = s.cmd.Process.Kill()
	select {
	case <-s.done:
		return nil
	case <-time.After(killGrace):
	}

	// A descendant inherited stdout or stderr and keeps it open, so the
	// readers never see EOF. Closing our ends releases them.
	logger.Warn("agent output still open after kill, closing pipes", "path", s.cfg.Path)
	s.mu.Lock()
	for _, c := range s.output {
		_ = c.Close()
	}
	s.mu.Unlock()
	select {
	case <-s.done:
		return nil
	case <-time.After(killGrace):
		return sdkerrors.New(sdkerrors.KindTimeout, "agent process did not release its output")
	}
}

// tailBuffer keeps the last limit bytes of written lines.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (t *tailBuffer) WriteLine(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, line...)
	t.buf = append(t.buf, '\n')
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
