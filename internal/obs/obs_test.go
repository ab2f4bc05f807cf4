package obs

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestLoggerWritesOneJSONObjectPerLine(t *testing.T) {
	var buf bytes.Buffer
	lg := NewLoggerTo(&buf)

	lg.Info(map[string]interface{}{"op": "trylock", "lock": "R"})
	lg.Error(map[string]interface{}{"op": "release", "error": "boom"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), buf.String())
	}
	var first map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("line is not JSON: %v", err)
	}
	if first["level"] != "info" || first["op"] != "trylock" || first["ts"] == nil {
		t.Fatalf("unexpected fields: %v", first)
	}
	if !strings.Contains(lines[1], `"level":"error"`) {
		t.Fatalf("expected error level, got %q", lines[1])
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	var lg *Logger
	lg.Warn(map[string]interface{}{"op": "noop"})
}

func TestMetricsRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.AcquireTotal.WithLabelValues("success").Inc()
	m.LocksHeld.Set(3)

	if got := testutil.ToFloat64(m.LocksHeld); got != 3 {
		t.Fatalf("locks_held=%v", got)
	}
	n, err := testutil.GatherAndCount(reg, "lock_acquire_total")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one acquire series, got %d", n)
	}

	// unregistered metrics still work
	NewMetrics(nil).ReleaseTotal.WithLabelValues("fail").Inc()
}
