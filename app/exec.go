package app

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const (
	defaultExecTimeout = 30 * time.Second
	maxStderr          = 4096
)

var ErrScript = errors.New("app: script failed")

// execApp runs a command per call using the CGI conventions: request metadata
// in the environment, the body on stdin, a header block, a blank line and the
// body on stdout.
type execApp struct {
	name    string
	argv    []string
	dir     string
	timeout time.Duration
}

// NewExec options: command (required, split on whitespace), dir, timeout.
func NewExec(name string, options map[string]string) (Application, error) {
	argv := strings.Fields(options["command"])
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: exec needs a command", ErrMisconfig)
	}

	timeout := defaultExecTimeout
	if v, found := options["timeout"]; found {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("%w: timeout %q", ErrMisconfig, v)
		}
		timeout = d
	}

	return &execApp{
		name:    name,
		argv:    argv,
		dir:     options["dir"],
		timeout: timeout,
	}, nil
}

func (app *execApp) Invoke(ctx context.Context, call Call) (Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, app.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, app.argv[0], app.argv[1:]...)
	cmd.Dir = app.dir
	cmd.Env = app.environ(call)
	cmd.Stdin = bytes.NewReader(call.Body)
	cmd.WaitDelay = time.Second

	var stdout bytes.Buffer
	stderr := &limitedBuffer{max: maxStderr}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Reply{}, fmt.Errorf("%w: %s timed out after %v", ErrScript, app.name, app.timeout)
		}
		return Reply{}, fmt.Errorf("%w: %s: %v: %s", ErrScript, app.name, err, strings.TrimSpace(stderr.String()))
	}

	return parseScriptOutput(stdout.Bytes())
}

func (app *execApp) environ(call Call) []string {
	path, query, _ := strings.Cut(call.Path, "?")

	env := []string{
		"GATEWAY_INTERFACE=CGI/1.1",
		"SERVER_PROTOCOL=HTTP/1.1",
		"SERVER_SOFTWARE=ember",
		"REQUEST_METHOD=" + call.Method,
		"REQUEST_URI=" + call.Path,
		"SCRIPT_NAME=" + strings.TrimSuffix(call.Prefix, "/"),
		"PATH_INFO=" + strings.TrimPrefix(path, strings.TrimSuffix(call.Prefix, "/")),
		"QUERY_STRING=" + query,
		"CONTENT_LENGTH=" + strconv.Itoa(len(call.Body)),
		"REMOTE_ADDR=" + call.RemoteAddr,
	}
	if v, found := os.LookupEnv("PATH"); found {
		env = append(env, "PATH="+v)
	}

	for _, h := range call.Headers {
		key := strings.ToUpper(strings.ReplaceAll(h.Key, "-", "_"))
		switch key {
		case "CONTENT_TYPE":
			env = append(env, "CONTENT_TYPE="+h.Value)
		case "CONTENT_LENGTH", "PROXY":
			// CONTENT_LENGTH comes from the body; HTTP_PROXY is httpoxy
		default:
			env = append(env, "HTTP_"+key+"="+h.Value)
		}
	}

	return env
}

func parseScriptOutput(out []byte) (Reply, error) {
	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(out)))

	header, err := tp.ReadMIMEHeader()
	if err != nil && !(errors.Is(err, io.EOF) && len(header) > 0) {
		return Reply{}, fmt.Errorf("%w: reading response headers: %v", ErrScript, err)
	}

	reply := Reply{Status: 200}
	if status := header.Get("Status"); status != "" {
		code, _, _ := strings.Cut(status, " ")
		n, err := strconv.Atoi(code)
		if err != nil || n < 100 || n > 999 {
			return Reply{}, fmt.Errorf("%w: bad status %q", ErrScript, status)
		}
		reply.Status = n
	}
	header.Del("Status")

	for key, values := range header {
		for _, value := range values {
			reply.Headers = append(reply.Headers, Header{Key: key, Value: value})
		}
	}

	body, err := io.ReadAll(tp.R)
	if err != nil {
		return Reply{}, fmt.Errorf("%w: reading response body: %v", ErrScript, err)
	}
	reply.Body = body

	return reply, nil
}

type limitedBuffer struct {
	bytes.Buffer
	max int
}

func (buffer *limitedBuffer) Write(p []byte) (int, error) {
	if room := buffer.max - buffer.Len(); room > 0 {
		if len(p) > room {
			buffer.Buffer.Write(p[:room])
		} else {
			buffer.Buffer.Write(p)
		}
	}
	return len(p), nil
}
