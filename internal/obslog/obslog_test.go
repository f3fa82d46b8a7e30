package obslog

import "testing"

func TestNewDefaultsToInfoOnBadLevel(t *testing.T) {
	log, sync, err := New(Config{Format: FormatText, Level: "not-a-level"})
	defer sync()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if log.GetSink() == nil {
		t.Fatalf("expected a non-nil logger sink")
	}
}

func TestNewJSONFormat(t *testing.T) {
	log, sync, err := New(Config{Format: FormatJSON, Level: "debug"})
	defer sync()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	log.Info("test message", "key", "value")
}

func TestDiscardIsUsable(t *testing.T) {
	log := Discard()
	log.Info("discarded")
}
