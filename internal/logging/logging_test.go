package logging

import "testing"

func TestConfigureAcceptsKnownLevels(t *testing.T) {
	for _, level := range []string{"", LevelDebug, LevelInfo, LevelWarn, LevelError, " Info "} {
		if err := Configure(level); err != nil {
			t.Fatalf("Configure(%q): %v", level, err)
		}
	}
}

func TestConfigureRejectsUnknownLevel(t *testing.T) {
	if err := Configure("verbose"); err == nil {
		t.Fatal("expected an error for an unknown log level")
	}
}
