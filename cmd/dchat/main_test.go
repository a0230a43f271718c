package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"dchat/internal/config"
	"dchat/internal/network"
)

func TestHelp(t *testing.T) {
	var out bytes.Buffer
	code := run([]string{"--help"}, strings.NewReader(""), &out, &out)
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if !strings.Contains(out.String(), "dchat") {
		t.Fatalf("expected help output to mention dchat")
	}
}

func TestUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run([]string{"bogus"}, strings.NewReader(""), &out, &errOut); code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(errOut.String(), "unknown command: bogus") {
		t.Fatalf("unexpected stderr: %s", errOut.String())
	}
}

func TestVersion(t *testing.T) {
	var out bytes.Buffer
	if code := run([]string{"version"}, strings.NewReader(""), &out, &out); code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if !strings.Contains(out.String(), "DCHAT: 1.0") {
		t.Fatalf("version output lacks protocol: %s", out.String())
	}
}

func TestLoadConfigFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dchat.yaml")
	data := "onion: aaaaaaaaaaaaaaaa.onion\nnickname: alice\nlisten_port: 7000\ntransport: tcp\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	var errOut bytes.Buffer
	cfg, debug, err := loadConfig([]string{"-c", path, "-n", "bob", "-s", "bbbbbbbbbbbbbbbb.onion", "-p", "7001", "--debug"}, &errOut)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !debug {
		t.Fatalf("debug flag lost")
	}
	if cfg.Nickname != "bob" || cfg.Onion != "aaaaaaaaaaaaaaaa.onion" || cfg.ListenPort != 7000 || cfg.Transport != network.KindTCP {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Remote == nil || cfg.Remote.Onion != "bbbbbbbbbbbbbbbb.onion" || cfg.Remote.Port != 7001 {
		t.Fatalf("unexpected remote %+v", cfg.Remote)
	}
	if cfg.ListenAddr != "127.0.0.1:7000" {
		t.Fatalf("listen addr not derived: %q", cfg.ListenAddr)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	var errOut bytes.Buffer
	_, _, err := loadConfig([]string{"-d", "example.com", "-l", "7000"}, &errOut)
	if !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("expected invalid config, got %v", err)
	}
	_, _, err = loadConfig([]string{"-d", "aaaaaaaaaaaaaaaa.onion", "-l", "7000", "-s", "bbbbbbbbbbbbbbbb.onion"}, &errOut)
	if !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("expected invalid remote without port, got %v", err)
	}
	if _, _, err := loadConfig([]string{"extra"}, &errOut); err == nil {
		t.Fatalf("expected error for positional arguments")
	}
}

func TestRunExitsOnExitCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dchat.yaml")
	data := "onion: aaaaaaaaaaaaaaaa.onion\nlisten_port: 7000\nlisten_addr: 127.0.0.1:0\ntransport: tcp\n" +
		"metrics_path: " + filepath.Join(t.TempDir(), "metrics.json") + "\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	var out, errOut bytes.Buffer
	code := run([]string{"run", "-c", path}, strings.NewReader("/help\n/exit\n"), &out, &errOut)
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d: %s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "READY onion=aaaaaaaaaaaaaaaa.onion port=7000 transport=tcp") {
		t.Fatalf("missing ready line: %s", out.String())
	}
	if !strings.Contains(out.String(), "/connect <onion-id> <port>") {
		t.Fatalf("help not printed: %s", out.String())
	}
}
