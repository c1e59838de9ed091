package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestLogFileName(t *testing.T) {
	got := logFileName(time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC))
	if got != "remora-2026-03-04.log" {
		t.Errorf("logFileName = %q", got)
	}
}

func TestWithContextFields(t *testing.T) {
	var buf bytes.Buffer
	prev := slogger
	slogger = slog.New(newHandler(&buf, true))
	t.Cleanup(func() { slogger = prev })

	ctx := With(context.Background(), ContextKeyExecutor, "threadpool")
	ctx = With(ctx, ContextKeyObjectHash, "abc")
	InfoContext(ctx, "executed")

	out := buf.String()
	for _, want := range []string{`"executor":"threadpool"`, `"object_hash":"abc"`, `"msg":"executed"`} {
		if !strings.Contains(out, want) {
			t.Errorf("output %s missing %s", out, want)
		}
	}
	if strings.Contains(out, "request_id") {
		t.Errorf("unexpected request_id in %s", out)
	}
}
