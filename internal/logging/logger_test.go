package logging

import "testing"

func TestLevelGating(t *testing.T) {
	l := New("test")
	l.SetLevel(LevelWarn)
	if l.enabled(LevelDebug) {
		t.Fatal("debug should not be enabled at warn level")
	}
	if l.enabled(LevelInfo) {
		t.Fatal("info should not be enabled at warn level")
	}
	if !l.enabled(LevelWarn) {
		t.Fatal("warn should be enabled at warn level")
	}
	if !l.enabled(LevelError) {
		t.Fatal("error should always be enabled at warn level")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"error":   LevelError,
		"warn":    LevelWarn,
		"warning": LevelWarn,
		"debug":   LevelDebug,
		"info":    LevelInfo,
		"bogus":   LevelInfo,
		"":        LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestWithDerivesTagAndLevel(t *testing.T) {
	l := New("worker")
	l.SetLevel(LevelDebug)
	child := l.With("engine")
	if child.Level() != LevelDebug {
		t.Fatalf("child level = %v, want debug", child.Level())
	}
}
