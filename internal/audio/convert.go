package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultConversionTimeout = 30 * time.Second

	// diagnosticsLimit caps how much transcoder stderr is kept in errors.
	diagnosticsLimit = 1024
)

// Converter wraps the external transcoder. Its argument template is fixed:
//
//	<binary> <global args> -i <in> -f <format> -acodec <codec> -ab <bitrate> -ar <rate> -y <out>
//
// Channel layout is left as recorded.
type Converter struct {
	Binary     string
	GlobalArgs []string
	Format     string
	Codec      string
	Bitrate    string
	SampleRate int
	// MaxInputBytes is checked before the process is spawned.
	MaxInputBytes int64
	Timeout       time.Duration
	Logger        *slog.Logger
}

// NewConverter returns a converter producing 192 kbit/s 44.1 kHz mp3.
func NewConverter(binary string, logger *slog.Logger) *Converter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Converter{
		Binary:     binary,
		GlobalArgs: []string{"-hide_banner", "-loglevel", "error", "-nostdin"},
		Format:     "mp3",
		Codec:      "libmp3lame",
		Bitrate:    "192k",
		SampleRate: 44100,
		Timeout:    DefaultConversionTimeout,
		Logger:     logger,
	}
}

// Ext is the extension of converted files.
func (c *Converter) Ext() string { return "." + c.Format }

// Args returns the full argument list for converting in to out.
func (c *Converter) Args(in, out string) []string {
	args := append([]string(nil), c.GlobalArgs...)
	return append(args,
		"-i", in,
		"-f", c.Format,
		"-acodec", c.Codec,
		"-ab", c.Bitrate,
		"-ar", strconv.Itoa(c.SampleRate),
		"-y", out,
	)
}

// Convert transcodes in to out under the converter's own deadline. The
// process is killed when the deadline passes and ErrConversionTimeout is
// returned; cancellation of ctx itself returns ctx.Err().
func (c *Converter) Convert(ctx context.Context, in, out string) error {
	info, err := os.Stat(in)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConversionFailed, err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("%w: input is empty", ErrConversionFailed)
	}
	if c.MaxInputBytes > 0 && info.Size() > c.MaxInputBytes {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, info.Size(), c.MaxInputBytes)
	}

	path, err := exec.LookPath(c.Binary)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrUnavailable, c.Binary)
		}
		return fmt.Errorf("locate transcoder: %w", err)
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultConversionTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, path, c.Args(in, out)...)
	cmd.WaitDelay = 2 * time.Second
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()
	elapsed := time.Since(start)

	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		c.Logger.Warn("transcoder killed at deadline", "timeout", timeout, "input", in)
		return fmt.Errorf("%w after %s", ErrConversionTimeout, timeout)
	case err != nil:
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		diag := tail(stderr.String(), diagnosticsLimit)
		c.Logger.Warn("transcoder failed", "exit_code", code, "stderr", diag, "elapsed", elapsed)
		if diag == "" {
			return fmt.Errorf("%w: exit code %d", ErrConversionFailed, code)
		}
		return fmt.Errorf("%w: exit code %d: %s", ErrConversionFailed, code, diag)
	}

	outInfo, err := os.Stat(out)
	if err != nil || outInfo.Size() == 0 {
		return fmt.Errorf("%w: no output produced", ErrConversionFailed)
	}
	c.Logger.Debug("audio converted", "input_bytes", info.Size(), "output_bytes", outInfo.Size(), "elapsed", elapsed)
	return nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
