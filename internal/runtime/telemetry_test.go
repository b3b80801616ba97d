package runtime

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-chatbox/internal/config"
)

func TestChooseWindowTraces(t *testing.T) {
	cases := []struct {
		cfg  config.TelemetryConfig
		want windowTraces
	}{
		{config.TelemetryConfig{LogLevel: "info"}, windowTracesOff},
		{config.TelemetryConfig{LogLevel: "DEBUG"}, windowTracesStderr},
		{config.TelemetryConfig{LogLevel: "debug", OTLPEndpoint: "collector:4317"}, windowTracesOTLP},
		{config.TelemetryConfig{LogLevel: "info", OTLPEndpoint: "  "}, windowTracesOff},
	}
	for _, tc := range cases {
		if got := chooseWindowTraces(tc.cfg); got != tc.want {
			t.Fatalf("chooseWindowTraces(%+v) = %s, want %s", tc.cfg, got, tc.want)
		}
	}
}

func TestTelemetryServesPipelineMetrics(t *testing.T) {
	tel, err := newTelemetry(context.Background(), config.Default(), "run-metrics", newLogger())
	if err != nil {
		t.Fatalf("new telemetry: %v", err)
	}
	defer tel.shutdown(context.Background())

	counter, err := tel.metrics.Meter("test").Int64Counter("loqa.test.windows")
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	counter.Add(context.Background(), 3)

	srv := httptest.NewServer(tel.metricsHandler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}

	text := string(body)
	if !strings.Contains(text, "loqa_test_windows_total") {
		t.Fatalf("expected pipeline counter in /metrics, got:\n%s", text)
	}
	if !strings.Contains(text, "go_goroutines") {
		t.Fatal("expected Go runtime collector in /metrics")
	}
}
