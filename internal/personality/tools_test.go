package personality

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestEchoTool(t *testing.T) {
	got, err := echoTool(context.Background(), map[string]any{"text": "hello"})
	if err != nil || got != "hello" {
		t.Errorf("echo = %v, %v", got, err)
	}
}

func TestCurrentTimeTool(t *testing.T) {
	got, err := currentTimeTool(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := time.Parse(time.RFC3339, got.(string)); err != nil {
		t.Errorf("not RFC3339: %v", got)
	}
}

func TestCalcTool(t *testing.T) {
	tests := []struct {
		op      string
		a, b    float64
		want    float64
		wantErr bool
	}{
		{"add", 2, 3, 5, false},
		{"sub", 10, 4, 6, false},
		{"mul", 3, 3, 9, false},
		{"div", 8, 2, 4, false},
		{"div", 1, 0, 0, true},
		{"pow", 2, 3, 0, true},
	}
	for _, tt := range tests {
		got, err := calcTool(context.Background(), map[string]any{"op": tt.op, "a": tt.a, "b": tt.b})
		if tt.wantErr {
			if err == nil {
				t.Errorf("%s(%v,%v): expected error", tt.op, tt.a, tt.b)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("%s(%v,%v) = %v, %v; want %v", tt.op, tt.a, tt.b, got, err, tt.want)
		}
	}
}

func TestCalcToolRejectsNonNumeric(t *testing.T) {
	if _, err := calcTool(context.Background(), map[string]any{"op": "add", "a": "x", "b": 1}); err == nil {
		t.Error("expected error for non-numeric argument")
	}
}

func TestHTTPGetTool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	}))
	defer srv.Close()

	got, err := httpGetTool(context.Background(), map[string]any{"url": srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	res := got.(map[string]any)
	if res["status"] != http.StatusTeapot || res["body"] != "short and stout" {
		t.Errorf("result = %v", res)
	}

	if _, err := httpGetTool(context.Background(), map[string]any{}); err == nil {
		t.Error("missing url should fail")
	}
}

func TestSleepToolHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := sleepTool(ctx, map[string]any{"duration_ms": 10_000})
	if err == nil {
		t.Error("expected context error")
	}
	if time.Since(start) > time.Second {
		t.Error("sleep ignored cancellation")
	}
}

func TestFailTool(t *testing.T) {
	_, err := failTool(context.Background(), map[string]any{"message": "boom"})
	if err == nil || err.Error() != "boom" {
		t.Errorf("err = %v", err)
	}
}
