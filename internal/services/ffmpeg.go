package services

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bobarin/renderd/internal/pkg/logger"
)

// DefaultStderrTail bounds the diagnostics kept from a failed run.
const DefaultStderrTail = 4096

// ---------------------------------------------------------------------------
// Engine: one ffmpeg invocation
// ---------------------------------------------------------------------------

// Progress is one block of ffmpeg's -progress output.
type Progress struct {
	OutTime time.Duration
	Frame   int64
	Speed   string
	Done    bool
}

// Invocation is a single engine run. Relative paths in Args resolve against
// Dir, which is always a job workspace.
type Invocation struct {
	Dir      string
	Args     []string
	Progress func(Progress)
}

// ExitError is a failed or stopped engine run with the captured stderr tail.
type ExitError struct {
	Err        error
	StderrTail string
}

func (e *ExitError) Error() string {
	if e.StderrTail == "" {
		return fmt.Sprintf("ffmpeg failed: %v", e.Err)
	}
	return fmt.Sprintf("ffmpeg failed: %v: %s", e.Err, lastLine(e.StderrTail))
}

func (e *ExitError) Unwrap() error { return e.Err }

// Engine runs the render engine. Implementations must stop the process when
// ctx is done and return an error that wraps ctx's error in that case.
type Engine interface {
	Run(ctx context.Context, inv Invocation) error
}

// FFmpegService runs ffmpeg as a subprocess.
type FFmpegService struct {
	bin       string
	tailBytes int
	log       *logger.Logger
}

func NewFFmpegService(bin string, log *logger.Logger) *FFmpegService {
	if bin == "" {
		bin = "ffmpeg"
	}
	if log == nil {
		log = logger.Nop()
	}
	return &FFmpegService{bin: bin, tailBytes: DefaultStderrTail, log: log.WithComponent("ffmpeg")}
}

// Run executes ffmpeg with -progress on stdout and a bounded stderr buffer.
func (s *FFmpegService) Run(ctx context.Context, inv Invocation) error {
	args := append([]string{"-hide_banner", "-nostdin", "-nostats", "-progress", "pipe:1"}, inv.Args...)

	cmd := exec.CommandContext(ctx, s.bin, args...)
	cmd.Dir = inv.Dir
	cmd.WaitDelay = 5 * time.Second

	tail := newTailBuffer(s.tailBytes)
	cmd.Stderr = tail

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to attach ffmpeg stdout: %w", err)
	}

	s.log.Debug("running ffmpeg", "dir", inv.Dir, "args", strings.Join(inv.Args, " "))
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	// All of stdout must be consumed before Wait.
	readProgress(stdout, inv.Progress)

	err = cmd.Wait()
	if ctx.Err() != nil {
		// Keep what ffmpeg said before it was stopped.
		return &ExitError{Err: ctx.Err(), StderrTail: tail.String()}
	}
	if err != nil {
		return &ExitError{Err: err, StderrTail: tail.String()}
	}
	return nil
}

// readProgress parses key=value lines. A block ends at "progress=continue"
// or "progress=end".
func readProgress(r io.Reader, fn func(Progress)) {
	sc := bufio.NewScanner(r)
	var p Progress
	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "out_time_us", "out_time_ms":
			// Both keys carry microseconds.
			if us, err := strconv.ParseInt(value, 10, 64); err == nil && us >= 0 {
				p.OutTime = time.Duration(us) * time.Microsecond
			}
		case "frame":
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				p.Frame = n
			}
		case "speed":
			p.Speed = strings.TrimSpace(value)
		case "progress":
			p.Done = value == "end"
			if fn != nil {
				fn(p)
			}
		}
	}
	// Drain so the child never blocks on a full pipe.
	io.Copy(io.Discard, r)
}

// ---------------------------------------------------------------------------
// tailBuffer keeps the last N bytes written to it
// ---------------------------------------------------------------------------

type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func newTailBuffer(limit int) *tailBuffer {
	if limit <= 0 {
		limit = DefaultStderrTail
	}
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(p)
	if n >= t.limit {
		t.buf = append(t.buf[:0], p[n-t.limit:]...)
		return n, nil
	}
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return n, nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.ToValidUTF8(string(t.buf), "")
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\r\n ")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// IsExit reports whether err came from an engine run and returns its stderr tail.
func IsExit(err error) (string, bool) {
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.StderrTail, true
	}
	return "", false
}

// EscapeFilterPath escapes a path for use inside a filter argument.
func EscapeFilterPath(path string) string {
	path = strings.ReplaceAll(path, "\\", "\\\\")
	path = strings.ReplaceAll(path, ":", "\\:")
	path = strings.ReplaceAll(path, "'", "'\\''")
	return path
}
