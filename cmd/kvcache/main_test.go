package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "kvcache.yaml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestRunAgainstBolt(t *testing.T) {
	db := filepath.Join(t.TempDir(), "cli.db")
	cfg := writeConfig(t, "store:\n  kind: bolt\n  bolt:\n    path: "+db+"\nlog:\n  level: error\n")

	var out, errOut bytes.Buffer
	if code := run([]string{"-config", cfg, "put", "greeting", "hello"}, &out, &errOut); code != 0 {
		t.Fatalf("put exit %d: %s", code, errOut.String())
	}
	out.Reset()
	if code := run([]string{"-config", cfg, "get", "greeting"}, &out, &errOut); code != 0 {
		t.Fatalf("get exit %d: %s", code, errOut.String())
	}
	if strings.TrimSpace(out.String()) != "hello" {
		t.Fatalf("get printed %q", out.String())
	}
	out.Reset()
	if code := run([]string{"-config", cfg, "keys"}, &out, &errOut); code != 0 {
		t.Fatalf("keys exit %d: %s", code, errOut.String())
	}
	if strings.TrimSpace(out.String()) != "greeting\thello" {
		t.Fatalf("keys printed %q", out.String())
	}
	if code := run([]string{"-config", cfg, "get", "missing"}, &out, &errOut); code != 1 {
		t.Fatalf("missing key exit %d", code)
	}
}

func TestRunUsage(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run(nil, &out, &errOut); code != 2 {
		t.Fatalf("no command exit %d", code)
	}
	if code := run([]string{"get"}, &out, &errOut); code != 2 {
		t.Fatalf("missing arg exit %d", code)
	}
	if code := run([]string{"frobnicate"}, &out, &errOut); code != 2 {
		t.Fatalf("unknown command exit %d", code)
	}
	if !strings.Contains(errOut.String(), "usage: kvcache") {
		t.Fatalf("usage not printed: %q", errOut.String())
	}
}

func TestRunBadConfig(t *testing.T) {
	cfg := writeConfig(t, "store:\n  kind: floppy\n")
	var out, errOut bytes.Buffer
	if code := run([]string{"-config", cfg, "keys"}, &out, &errOut); code != 1 {
		t.Fatalf("exit %d", code)
	}
	if !strings.Contains(errOut.String(), "floppy") {
		t.Fatalf("error not reported: %q", errOut.String())
	}
}
