package ssh

import (
	"encoding/base64"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"golang.org/x/crypto/ssh"
)

var (
	hostA = &net.TCPAddr{IP: net.ParseIP("192.0.2.1"), Port: 22}
	hostB = &net.TCPAddr{IP: net.ParseIP("192.0.2.2"), Port: 22}
)

func newCallback(t *testing.T, path string) ssh.HostKeyCallback {
	t.Helper()
	cb, err := NewHostKeyCallback(path, nil)
	if err != nil {
		t.Fatalf("NewHostKeyCallback: %v", err)
	}
	return cb
}

func knownHostsLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path) //nolint:gosec // Test path from t.TempDir().
	if err != nil {
		t.Fatal(err)
	}
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func TestHostKeyCallbackDisabled(t *testing.T) {
	cb := newCallback(t, "")
	if err := cb(hostA.String(), hostA, mustGenerateKey(t).PublicKey()); err != nil {
		t.Fatalf("disabled checking rejected a key: %v", err)
	}
}

func TestHostKeyCallbackCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subdir", "known_hosts")
	newCallback(t, path)

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("file not created: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode %o, want 600", info.Mode().Perm())
	}
}

func TestHostKeyCallbackTrustOnFirstUse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_hosts")
	log, hook := logtest.NewNullLogger()
	cb, err := NewHostKeyCallback(path, log)
	if err != nil {
		t.Fatal(err)
	}
	key := mustGenerateKey(t)

	if err := cb(hostA.String(), hostA, key.PublicKey()); err != nil {
		t.Fatalf("unknown host rejected: %v", err)
	}
	e := hook.LastEntry()
	if e == nil || e.Level != logrus.WarnLevel || e.Data["host"] != hostA.String() {
		t.Fatalf("expected a warning naming the host, got %+v", e)
	}
	if !strings.Contains(e.Message, ssh.FingerprintSHA256(key.PublicKey())) {
		t.Fatalf("warning lacks fingerprint: %q", e.Message)
	}

	// Seen again by the same callback: accepted without a second line.
	hook.Reset()
	if err := cb(hostA.String(), hostA, key.PublicKey()); err != nil {
		t.Fatal(err)
	}
	if n := len(knownHostsLines(t, path)); n != 1 {
		t.Fatalf("known_hosts has %d lines, want 1", n)
	}
	if len(hook.AllEntries()) != 0 {
		t.Fatal("known host logged as new")
	}

	// A fresh callback trusts the recorded key.
	if err := newCallback(t, path)(hostA.String(), hostA, key.PublicKey()); err != nil {
		t.Fatalf("recorded key rejected after reload: %v", err)
	}
}

func TestHostKeyCallbackMismatch(t *testing.T) {
	tests := []struct {
		name   string
		reload bool
	}{
		{name: "same process"},
		{name: "after reload", reload: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "known_hosts")
			cb := newCallback(t, path)
			first, second := mustGenerateKey(t), mustGenerateKey(t)

			if err := cb(hostA.String(), hostA, first.PublicKey()); err != nil {
				t.Fatal(err)
			}
			if tt.reload {
				cb = newCallback(t, path)
			}

			err := cb(hostA.String(), hostA, second.PublicKey())
			var mismatch *HostKeyMismatchError
			if !errors.As(err, &mismatch) {
				t.Fatalf("got %v, want HostKeyMismatchError", err)
			}
			if mismatch.Fingerprint != ssh.FingerprintSHA256(second.PublicKey()) {
				t.Fatalf("fingerprint %q", mismatch.Fingerprint)
			}
			if n := len(knownHostsLines(t, path)); n != 1 {
				t.Fatalf("known_hosts has %d lines, want 1", n)
			}
		})
	}
}

func TestHostKeyCallbackSeparateHosts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_hosts")
	cb := newCallback(t, path)
	keyA, keyB := mustGenerateKey(t), mustGenerateKey(t)

	if err := cb(hostA.String(), hostA, keyA.PublicKey()); err != nil {
		t.Fatal(err)
	}
	if err := cb(hostB.String(), hostB, keyB.PublicKey()); err != nil {
		t.Fatal(err)
	}

	cb = newCallback(t, path)
	if err := cb(hostA.String(), hostA, keyA.PublicKey()); err != nil {
		t.Fatalf("host A: %v", err)
	}
	if err := cb(hostB.String(), hostB, keyB.PublicKey()); err != nil {
		t.Fatalf("host B: %v", err)
	}
}

func TestHostKeyCallbackExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_hosts")
	key := mustGenerateKey(t)

	line := "192.0.2.1 " + key.PublicKey().Type() + " " +
		base64.StdEncoding.EncodeToString(key.PublicKey().Marshal()) + "\n"
	if err := os.WriteFile(path, []byte(line), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := newCallback(t, path)(hostA.String(), hostA, key.PublicKey()); err != nil {
		t.Fatalf("existing entry rejected: %v", err)
	}
}
