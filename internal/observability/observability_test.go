package observability_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gregtusar/papertrade/internal/observability"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
)

func TestNewLoggerWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "papertrade.log")
	logger, err := observability.NewLogger("debug", "json", path)
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	if logger.GetLevel() != logrus.DebugLevel {
		t.Errorf("level: got %s, want debug", logger.GetLevel())
	}

	logger.WithField("symbol", "BTC").Info("hello")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), `"symbol":"BTC"`) {
		t.Errorf("log line is not JSON with fields: %s", data)
	}
}

func TestNewLoggerFallsBackToInfo(t *testing.T) {
	logger, err := observability.NewLogger("chatty", "text", "")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	if logger.GetLevel() != logrus.InfoLevel {
		t.Errorf("level: got %s, want info", logger.GetLevel())
	}
}

func TestMetricsInstancesAreIndependent(t *testing.T) {
	a := observability.NewMetrics()
	b := observability.NewMetrics()

	a.PositionsOpened.Inc()
	if got := testutil.ToFloat64(b.PositionsOpened); got != 0 {
		t.Errorf("second instance saw first's counter: %v", got)
	}
	if got := testutil.ToFloat64(a.PositionsOpened); got != 1 {
		t.Errorf("counter: got %v, want 1", got)
	}
}
