package personality

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/agentshell/agentshell/internal/backoff"
)

// ToolFunc is a host-side tool implementation. Arguments arrive as the
// key/value map taken verbatim from the step parameters; the return value
// becomes the step result.
type ToolFunc func(ctx context.Context, args map[string]any) (any, error)

// maxHTTPBodyBytes caps http_get responses so a tool cannot balloon a turn.
const maxHTTPBodyBytes = 64 * 1024

// Builtins returns the host tool catalog that pack tool bindings resolve
// against. Packs select and describe tools; they cannot introduce code.
func Builtins() map[string]ToolFunc {
	return map[string]ToolFunc{
		"echo":         echoTool,
		"current_time": currentTimeTool,
		"http_get":     httpGetTool,
		"calc":         calcTool,
		"sleep":        sleepTool,
		"fail":         failTool,
	}
}

func echoTool(_ context.Context, args map[string]any) (any, error) {
	return args["text"], nil
}

func currentTimeTool(_ context.Context, args map[string]any) (any, error) {
	layout := time.RFC3339
	if f, ok := args["format"].(string); ok && f != "" {
		layout = f
	}
	return time.Now().UTC().Format(layout), nil
}

func httpGetTool(ctx context.Context, args map[string]any) (any, error) {
	url, ok := args["url"].(string)
	if !ok || url == "" {
		return nil, errors.New("http_get requires a url argument")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http_get %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return map[string]any{
		"status": resp.StatusCode,
		"body":   string(body),
	}, nil
}

func calcTool(_ context.Context, args map[string]any) (any, error) {
	op, _ := args["op"].(string)
	a, aok := toFloat(args["a"])
	b, bok := toFloat(args["b"])
	if !aok || !bok {
		return nil, errors.New("calc requires numeric a and b arguments")
	}
	switch op {
	case "add":
		return a + b, nil
	case "sub":
		return a - b, nil
	case "mul":
		return a * b, nil
	case "div":
		if b == 0 {
			return nil, errors.New("division by zero")
		}
		return a / b, nil
	default:
		return nil, fmt.Errorf("calc: unknown op %q (add, sub, mul, div)", op)
	}
}

func sleepTool(ctx context.Context, args map[string]any) (any, error) {
	ms, ok := toFloat(args["duration_ms"])
	if !ok || ms < 0 {
		return nil, errors.New("sleep requires a non-negative duration_ms argument")
	}
	if err := backoff.Sleep(ctx, time.Duration(ms)*time.Millisecond); err != nil {
		return nil, err
	}
	return map[string]any{"slept_ms": ms}, nil
}

// failTool always errors. Kept in the catalog for fault injection in tests
// and demos.
func failTool(_ context.Context, args map[string]any) (any, error) {
	msg, _ := args["message"].(string)
	if msg == "" {
		msg = "tool failed on request"
	}
	return nil, errors.New(msg)
}

// toFloat widens the numeric shapes a JSON or YAML decode can produce.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
