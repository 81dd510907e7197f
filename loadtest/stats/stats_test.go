package stats

import (
	"strings"
	"testing"
	"time"
)

func TestParseMetricLine(t *testing.T) {
	tests := []struct {
		line  string
		name  string
		value float64
		ok    bool
	}{
		{"relay_active_rooms 3", "relay_active_rooms", 3, true},
		{`relay_frames_received_total{endpoint="chat",outcome="handled"} 12`, "relay_frames_received_total", 12, true},
		{`relay_broken{endpoint="chat" 1`, "", 0, false},
		{"relay_no_value", "", 0, false},
	}
	for _, tt := range tests {
		name, value, ok := parseMetricLine(tt.line)
		if name != tt.name || value != tt.value || ok != tt.ok {
			t.Errorf("parseMetricLine(%q) = %q, %v, %v; want %q, %v, %v", tt.line, name, value, ok, tt.name, tt.value, tt.ok)
		}
	}
}

func TestParseSnapshot_SumsLabeledSeries(t *testing.T) {
	body := `# HELP relay_online_users x
relay_online_users 4
relay_frames_received_total{endpoint="chat",outcome="handled"} 10
relay_frames_received_total{endpoint="signaling",outcome="dropped"} 2
relay_messages_persisted_total{kind="dm"} 5
relay_messages_persisted_total{kind="channel"} 1
`
	snap, err := parseSnapshot(strings.NewReader(body))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if snap.online != 4 || snap.framesIn != 12 || snap.persisted != 6 {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}

func TestPercentile(t *testing.T) {
	var ds []time.Duration
	for i := 1; i <= 100; i++ {
		ds = append(ds, time.Duration(i)*time.Millisecond)
	}
	if p := Percentile(ds, 0.95); p != 95*time.Millisecond {
		t.Errorf("expected p95 95ms, got %v", p)
	}
	if p := Percentile(nil, 0.5); p != 0 {
		t.Errorf("expected 0 for empty input, got %v", p)
	}
}
