package orchestrator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"
)

// LaunchSpec describes one runner invocation.
type LaunchSpec struct {
	Command string
	Args    []string
	Dir     string
	// Env is added on top of the parent environment.
	Env map[string]string
	// OnLine receives every output line, stdout and stderr interleaved.
	OnLine func(stream, line string)
}

// Process is a started runner.
type Process interface {
	PID() int
	// Wait blocks until exit. A non-zero exit is reported through the code
	// with a nil error; err is set only when the process could not be
	// waited on.
	Wait() (exitCode int, err error)
}

// Launcher spawns runner processes.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

// ExecLauncher launches runners as local child processes.
type ExecLauncher struct{}

var _ Launcher = ExecLauncher{}

// Launch starts the command without tying its lifetime to ctx: a runner is
// never cancelled mid-run.
func (ExecLauncher) Launch(_ context.Context, spec LaunchSpec) (Process, error) {
	cmd := exec.Command(spec.Command, spec.Args...) //nolint:gosec // args are validated
	cmd.Dir = spec.Dir
	cmd.Env = mergeEnv(os.Environ(), spec.Env)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("getting stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("getting stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", spec.Command, err)
	}

	p := &execProcess{cmd: cmd}

	p.readers.Add(2)

	go p.scan(stdout, "stdout", spec.OnLine)
	go p.scan(stderr, "stderr", spec.OnLine)

	return p, nil
}

type execProcess struct {
	cmd     *exec.Cmd
	readers sync.WaitGroup
}

func (p *execProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}

	return p.cmd.Process.Pid
}

func (p *execProcess) scan(r io.Reader, stream string, onLine func(string, string)) {
	defer p.readers.Done()

	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		if onLine != nil {
			onLine(stream, scanner.Text())
		}
	}

	// Drain whatever the scanner gave up on so the child never blocks on
	// a full pipe.
	_, _ = io.Copy(io.Discard, r)
}

func (p *execProcess) Wait() (int, error) {
	// All pipe reads must finish before cmd.Wait closes them.
	p.readers.Wait()

	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code, nil
		}

		// Killed by a signal.
		return -1, fmt.Errorf("runner terminated: %w", err)
	}

	return -1, fmt.Errorf("waiting for runner: %w", err)
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}

	out := make([]string, 0, len(base)+len(extra))

	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, overridden := extra[key]; overridden {
			continue
		}

		out = append(out, kv)
	}

	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}

	return out
}

// tailBuffer keeps the last max bytes written to it. The content is always
// valid UTF-8 without NUL bytes, so it can be stored in a text column.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) WriteLine(stream, line string) {
	line = strings.ToValidUTF8(strings.ReplaceAll(line, "\x00", ""), "\uFFFD")

	t.mu.Lock()
	defer t.mu.Unlock()

	if stream == "stderr" {
		t.buf = append(t.buf, "[stderr] "...)
	}

	t.buf = append(t.buf, line...)
	t.buf = append(t.buf, '\n')

	if t.max <= 0 || len(t.buf) <= t.max {
		return
	}

	cut := len(t.buf) - t.max
	for cut < len(t.buf) && !utf8.RuneStart(t.buf[cut]) {
		cut++
	}

	t.buf = append(t.buf[:0], t.buf[cut:]...)
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return string(t.buf)
}

// notableLine reports whether a runner output line is worth logging at
// info level.
func notableLine(line string) bool {
	for _, marker := range []string{"ERROR", "FAILURE", "BUILD", "Tests run:"} {
		if strings.Contains(line, marker) {
			return true
		}
	}

	return false
}
