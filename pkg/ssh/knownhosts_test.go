package ssh

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"
)

func mustGenerateKey(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	return signer
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading known_hosts: %v", err)
	}
	return bytes.Count(data, []byte("\n"))
}

func TestKnownHosts(t *testing.T) {
	t.Parallel()
	addr := &net.TCPAddr{IP: net.ParseIP("192.0.2.1"), Port: 22}

	t.Run("creates directory and file if missing", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "sub", "known_hosts")
		if _, err := NewKnownHosts(path); err != nil {
			t.Fatalf("NewKnownHosts: %v", err)
		}
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("file not created: %v", err)
		}
		if info.Mode().Perm() != 0o600 {
			t.Errorf("expected mode 0600, got %o", info.Mode().Perm())
		}
	})

	t.Run("first contact writes exactly one entry", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "known_hosts")
		kh, err := NewKnownHosts(path)
		if err != nil {
			t.Fatal(err)
		}
		key := mustGenerateKey(t)
		if err := kh.Check("192.0.2.1:22", addr, key.PublicKey()); err != nil {
			t.Fatalf("TOFU should accept unknown host: %v", err)
		}
		if n := countLines(t, path); n != 1 {
			t.Fatalf("expected 1 line, got %d", n)
		}
		data, _ := os.ReadFile(path)
		if !strings.HasPrefix(string(data), "192.0.2.1 ") {
			t.Errorf("unexpected entry %q", data)
		}
	})

	t.Run("repeat contact with same key writes nothing", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "known_hosts")
		kh, _ := NewKnownHosts(path)
		key := mustGenerateKey(t)
		for i := 0; i < 3; i++ {
			if err := kh.Check("example.com:2222", addr, key.PublicKey()); err != nil {
				t.Fatalf("contact %d: %v", i, err)
			}
		}
		if n := countLines(t, path); n != 1 {
			t.Fatalf("expected 1 line after repeated contacts, got %d", n)
		}
		data, _ := os.ReadFile(path)
		if !strings.HasPrefix(string(data), "[example.com]:2222 ") {
			t.Errorf("non-default port should be bracketed, got %q", data)
		}
	})

	t.Run("changed key is refused and nothing is written", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "known_hosts")
		kh, _ := NewKnownHosts(path)
		if err := kh.Check("192.0.2.1:22", addr, mustGenerateKey(t).PublicKey()); err != nil {
			t.Fatal(err)
		}
		before, _ := os.ReadFile(path)

		err := kh.Check("192.0.2.1:22", addr, mustGenerateKey(t).PublicKey())
		var mismatch *HostKeyMismatchError
		if !errors.As(err, &mismatch) {
			t.Fatalf("expected HostKeyMismatchError, got %v", err)
		}
		after, _ := os.ReadFile(path)
		if !bytes.Equal(before, after) {
			t.Fatal("known_hosts must not change on mismatch")
		}
	})

	t.Run("guard reports mismatch kind", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "known_hosts")
		kh, _ := NewKnownHosts(path)
		_ = kh.Check("192.0.2.1:22", addr, mustGenerateKey(t).PublicKey())

		g := &hostKeyGuard{store: kh}
		if err := g.callback("192.0.2.1:22", addr, mustGenerateKey(t).PublicKey()); err == nil {
			t.Fatal("expected failure")
		}
		e := g.failure("192.0.2.1:22")
		if e == nil || e.Kind != KindHostKeyMismatch || e.Retryable() {
			t.Fatalf("unexpected guard failure %#v", e)
		}
	})
}
