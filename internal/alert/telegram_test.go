package alert

import (
	"strings"
	"testing"
	"time"

	"github.com/coldriver/messagepusher/internal/errlog"
)

func TestFormatAlert(t *testing.T) {
	rec := errlog.Record{
		Type:      errlog.TypeDispatch,
		Message:   "http 502: bad gateway",
		Severity:  errlog.SeverityMedium,
		Timestamp: time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC),
		Context:   map[string]string{"channel_id": "c1"},
	}
	out := formatAlert(errlog.SeverityMedium, 10, rec)

	for _, want := range []string{"[MEDIUM]", "10 error(s)", "dispatch", "http 502", "2026-03-01 12:30:00 UTC", "channel_id: c1"} {
		if !strings.Contains(out, want) {
			t.Fatalf("alert text missing %q:\n%s", want, out)
		}
	}
}
