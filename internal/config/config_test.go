package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParse_serverRoleRequiresPath(t *testing.T) {
	_, err := Parse([]string{"-role=server"})
	if err == nil {
		t.Fatal("Parse() err = nil, want error when -path is missing")
	}
	var exitErr *ExitError
	if !asExitError(err, &exitErr) || exitErr.Code != 1 {
		t.Fatalf("err = %v, want *ExitError{Code: 1}", err)
	}
}

func TestParse_serverRoleWithDefaults(t *testing.T) {
	cfg, err := Parse([]string{"-role=server", "-path=/data", "-path=/archive"})
	if err != nil {
		t.Fatalf("Parse() err = %v", err)
	}
	if len(cfg.ScanPaths) != 2 || cfg.ScanPaths[0] != "/data" || cfg.ScanPaths[1] != "/archive" {
		t.Errorf("ScanPaths = %v", cfg.ScanPaths)
	}
	if cfg.Threads != DefaultThreads {
		t.Errorf("Threads = %d, want default %d", cfg.Threads, DefaultThreads)
	}
}

func TestParse_threadsFlagOverridesEnv(t *testing.T) {
	t.Setenv(EnvThreadCount, "4")
	cfg, err := Parse([]string{"-role=server", "-path=/data", "-threads=8"})
	if err != nil {
		t.Fatalf("Parse() err = %v", err)
	}
	if cfg.Threads != 8 {
		t.Errorf("Threads = %d, want 8 (flag overrides env)", cfg.Threads)
	}
}

func TestParse_threadsFromEnvWhenFlagUnset(t *testing.T) {
	t.Setenv(EnvThreadCount, "4")
	cfg, err := Parse([]string{"-role=server", "-path=/data"})
	if err != nil {
		t.Fatalf("Parse() err = %v", err)
	}
	if cfg.Threads != 4 {
		t.Errorf("Threads = %d, want 4 from env", cfg.Threads)
	}
}

func TestParse_commandRoleRequiresCmdAndListen(t *testing.T) {
	_, err := Parse([]string{"-role=command", "-listen=127.0.0.1:8770"})
	if err == nil {
		t.Fatal("Parse() err = nil, want error when -cmd is missing")
	}
	_, err = Parse([]string{"-role=command", "-cmd=quit"})
	if err == nil {
		t.Fatal("Parse() err = nil, want error when -listen is missing")
	}
}

func TestParse_sinkDSNKindDetection(t *testing.T) {
	cases := map[string]string{
		"sqlite:/tmp/scan.db":                    "sqlite",
		"postgres://user@host/db":                "postgres",
		"postgresql://user@host/db?sslmode=none": "postgres",
	}
	for dsn, want := range cases {
		cfg, err := Parse([]string{"-role=server", "-path=/data", "-sink-dsn=" + dsn})
		if err != nil {
			t.Fatalf("Parse() err = %v for dsn %q", err, dsn)
		}
		if cfg.SinkKind != want {
			t.Errorf("dsn %q: SinkKind = %q, want %q", dsn, cfg.SinkKind, want)
		}
	}
}

func TestParse_unrecognizedSinkDSNScheme(t *testing.T) {
	_, err := Parse([]string{"-role=server", "-path=/data", "-sink-dsn=mongodb://x"})
	if err == nil {
		t.Fatal("Parse() err = nil, want error for unrecognized scheme")
	}
}

func TestLoadSinkCredentials(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "creds.json")
	if err := os.WriteFile(path, []byte(`{"dsn":"postgres://x","username":"u"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	creds, err := LoadSinkCredentials(path)
	if err != nil {
		t.Fatalf("LoadSinkCredentials() err = %v", err)
	}
	if creds.DSN != "postgres://x" || creds.Username != "u" {
		t.Errorf("creds = %+v", creds)
	}
}

func TestLoadSinkCredentials_missingFileIsExitCode3(t *testing.T) {
	_, err := LoadSinkCredentials("/nonexistent/creds.json")
	var exitErr *ExitError
	if !asExitError(err, &exitErr) || exitErr.Code != 3 {
		t.Fatalf("err = %v, want *ExitError{Code: 3}", err)
	}
}

func asExitError(err error, target **ExitError) bool {
	e, ok := err.(*ExitError)
	if !ok {
		return false
	}
	*target = e
	return true
}
