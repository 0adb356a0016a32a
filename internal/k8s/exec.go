package k8s

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"unicode"
	"unicode/utf8"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/tools/remotecommand"
	utilexec "k8s.io/client-go/util/exec"
)

const defaultMaxOutputBytes = 64 * 1024

// Exec runs req.Command non-interactively through the session token and returns its
// captured output. A non-zero exit status is reported in ExitCode, not as an error.
func (c *Client) Exec(ctx context.Context, token string, req ExecRequest) (*ExecResult, error) {
	cs, cfg, err := c.ForToken(token)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, ErrExecUnavailable
	}
	if err := c.waitRateLimit(ctx); err != nil {
		return nil, err
	}
	shell := req.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	r := cs.CoreV1().RESTClient().Post().
		Resource("pods").
		Namespace(req.Namespace).
		Name(req.Pod).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: req.Container,
			Command:   []string{shell, "-c", req.Command},
			Stdout:    true,
			Stderr:    true,
		}, scheme.ParameterCodec)

	executor, err := remotecommand.NewSPDYExecutor(cfg, "POST", r.URL())
	if err != nil {
		return nil, fmt.Errorf("failed to create executor: %w", err)
	}

	limit := req.MaxOutputBytes
	if limit <= 0 {
		limit = defaultMaxOutputBytes
	}
	stdout := &cappedBuffer{max: limit}
	stderr := &cappedBuffer{max: limit}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	err = executor.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdout: stdout,
		Stderr: stderr,
	})
	res := &ExecResult{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.truncated || stderr.truncated,
	}
	if err != nil {
		var exitErr utilexec.ExitError
		if errors.As(err, &exitErr) && exitErr.Exited() {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		return nil, fmt.Errorf("exec in %s/%s: %w", req.Namespace, req.Pod, err)
	}
	return res, nil
}

// truncatedMarker replaces the word cut at the capture limit. A partial secret is too
// short for the sanitizer's patterns to recognize.
const truncatedMarker = "[REDACTED:truncated]"

// cappedBuffer keeps the first max bytes and silently drains the rest so the remote
// stream never blocks on a full buffer.
type cappedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.max - b.buf.Len()
	if room <= 0 {
		if len(p) > 0 {
			b.truncated = true
		}
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

// String returns the captured text. When the cap was hit, an incomplete trailing rune
// is dropped and a trailing word, which may have been cut, is replaced by
// truncatedMarker.
func (b *cappedBuffer) String() string {
	if !b.truncated {
		return b.buf.String()
	}
	out := b.buf.Bytes()
	if i := lastRuneStart(out); i >= 0 && !utf8.FullRune(out[i:]) {
		out = out[:i]
	}
	end := len(out)
	for end > 0 {
		r, size := utf8.DecodeLastRune(out[:end])
		if unicode.IsSpace(r) {
			break
		}
		end -= size
	}
	if end == len(out) {
		return string(out)
	}
	return string(out[:end]) + truncatedMarker
}

func lastRuneStart(p []byte) int {
	for i := len(p) - 1; i >= 0 && len(p)-i <= utf8.UTFMax; i-- {
		if utf8.RuneStart(p[i]) {
			return i
		}
	}
	return -1
}
