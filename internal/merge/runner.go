// Package merge consolidates a document's staged audio fragments into final
// artifacts by driving an external audio tool.
package merge

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
	"github.com/nthree/aozorastation/internal/config"
)

// Tool abstracts the external concatenation and transcode invocations so
// orchestration can be tested without ffmpeg installed.
type Tool interface {
	Concat(ctx context.Context, inputs []string, output string) error
	Transcode(ctx context.Context, input, output string) error
}

// Runner invokes ffmpeg as a subprocess with a timeout and a bounded
// captured-output size.
type Runner struct {
	argv      []string
	bitrate   string
	timeout   time.Duration
	maxOutput int
	log       *slog.Logger
}

func NewRunner(cfg config.MergerConfig, log *slog.Logger) (*Runner, error) {
	parser := shellwords.NewParser()
	argv, err := parser.Parse(cfg.FfmpegCommand)
	if err != nil {
		return nil, fmt.Errorf("parse ffmpeg command: %w", err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("ffmpeg command empty")
	}
	timeout := time.Duration(cfg.ToolTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	maxOutput := cfg.MaxToolOutputBytes
	if maxOutput <= 0 {
		maxOutput = 1 << 20
	}
	return &Runner{
		argv:      argv,
		bitrate:   cfg.Bitrate,
		timeout:   timeout,
		maxOutput: maxOutput,
		log:       log.With(slog.String("component", "ffmpeg-runner")),
	}, nil
}

// ConcatArgs builds the argument list joining N single-stream audio inputs
// into one output through a concat filter graph.
func ConcatArgs(inputs []string, output string) []string {
	args := []string{"-y"}
	var graph strings.Builder
	for i, input := range inputs {
		args = append(args, "-i", input)
		fmt.Fprintf(&graph, "[%d:a]", i)
	}
	fmt.Fprintf(&graph, "concat=n=%d:v=0:a=1", len(inputs))
	args = append(args, "-filter_complex", graph.String(), output)
	return args
}

// TranscodeArgs builds the argument list re-encoding one input to AAC at
// the given bitrate.
func TranscodeArgs(input, output, bitrate string) []string {
	return []string{"-y", "-i", input, "-c:a", "aac", "-b:a", bitrate, output}
}

func (r *Runner) Concat(ctx context.Context, inputs []string, output string) error {
	if len(inputs) == 0 {
		return fmt.Errorf("concat: no input files")
	}
	return r.run(ctx, ConcatArgs(inputs, output))
}

func (r *Runner) Transcode(ctx context.Context, input, output string) error {
	return r.run(ctx, TranscodeArgs(input, output, r.bitrate))
}

func (r *Runner) run(ctx context.Context, args []string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	full := append(append([]string{}, r.argv[1:]...), args...)
	cmd := exec.CommandContext(ctx, r.argv[0], full...)
	out := newCappedBuffer(r.maxOutput)
	cmd.Stdout = out
	cmd.Stderr = out

	start := time.Now()
	err := cmd.Run()
	r.log.Debug("tool finished",
		slog.String("binary", r.argv[0]),
		slog.Duration("elapsed", time.Since(start)),
		slog.Bool("ok", err == nil))
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("%s timed out after %s: %s", r.argv[0], r.timeout, out.Tail())
		}
		return fmt.Errorf("%s: %w: %s", r.argv[0], err, out.Tail())
	}
	return nil
}

// cappedBuffer keeps at most max bytes of subprocess output, dropping the
// oldest data first so the tail of a failing run survives.
type cappedBuffer struct {
	max  int
	data []byte
}

func newCappedBuffer(max int) *cappedBuffer {
	return &cappedBuffer{max: max}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	if len(b.data) > b.max {
		b.data = b.data[len(b.data)-b.max:]
	}
	return len(p), nil
}

func (b *cappedBuffer) Tail() string {
	return strings.TrimSpace(string(b.data))
}
