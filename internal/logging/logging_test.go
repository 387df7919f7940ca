package logging

import "testing"

func TestNewProducesUsableLogger(t *testing.T) {
	l, err := New(false)
	if err != nil {
		t.Fatalf("New(false) = %v", err)
	}
	defer l.Sync()
	l.Info("smoke test")
}

func TestNewVerbose(t *testing.T) {
	l, err := New(true)
	if err != nil {
		t.Fatalf("New(true) = %v", err)
	}
	defer l.Sync()
	l.Debug("verbose smoke test")
}
