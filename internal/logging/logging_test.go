package logging

import "testing"

func TestNewReturnsUsableLogger(t *testing.T) {
	l := New("selector")
	if l == nil {
		t.Fatal("New returned nil")
	}
	l.Sync()
}

func TestNopDiscardsWithoutPanicking(t *testing.T) {
	l := Nop()
	l.Info("ignored")
}
