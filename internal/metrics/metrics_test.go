package metrics_test

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BrandonDHaskell/Portunus/kiosk/internal/metrics"
)

func TestMetrics_NilSafe(t *testing.T) {
	var m *metrics.Metrics
	m.FrameCaptured()
	m.FrameDropped("busy")
	m.RecognitionDone(time.Millisecond, nil)
	m.Decision("granted", "face")
	m.SetPending(3)
}

func TestMetrics_HandlerExposesCounters(t *testing.T) {
	m := metrics.New()
	m.FrameDropped("busy")
	m.FrameDropped("busy")
	m.Decision("granted", "card")
	m.SetGallerySize(4)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	out := string(body)

	for _, want := range []string{
		`portunus_kiosk_frames_dropped_total{reason="busy"} 2`,
		`portunus_kiosk_admission_decisions_total{method="card",outcome="granted"} 1`,
		`portunus_kiosk_gallery_identities 4`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in metrics output", want)
		}
	}
}
