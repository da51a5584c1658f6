package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"testing"

	"github.com/wentf9/xops-link/pkg/models"
	"golang.org/x/crypto/ssh"
)

func mustPrivateKeyPEM(t *testing.T, passphrase string) ([]byte, ssh.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	var block *pem.Block
	if passphrase != "" {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(priv, "", []byte(passphrase))
	} else {
		block, err = ssh.MarshalPrivateKey(priv, "")
	}
	if err != nil {
		t.Fatal(err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	return pem.EncodeToMemory(block), sshPub
}

func useKeyDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	old := keyDir
	keyDir = dir
	t.Cleanup(func() { keyDir = old })
	return dir
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("transient key files left behind: %v", entries)
	}
}

func TestKeyAuthRemovesTransientFiles(t *testing.T) {
	dir := useKeyDir(t)
	pemBytes, _ := mustPrivateKeyPEM(t, "s3cret")

	auth := &KeyAuth{Data: string(pemBytes), Passphrase: "s3cret"}
	method, cleanup, err := auth.GetMethod()
	if err != nil {
		t.Fatalf("GetMethod: %v", err)
	}
	if method == nil {
		t.Fatal("nil auth method")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("expected one transient key dir while authenticating, got %d", len(entries))
	}
	cleanup()
	assertEmptyDir(t, dir)
}

func TestKeyAuthWrongPassphrase(t *testing.T) {
	dir := useKeyDir(t)
	pemBytes, _ := mustPrivateKeyPEM(t, "right")

	_, _, err := (&KeyAuth{Data: string(pemBytes), Passphrase: "wrong"}).GetMethod()
	if err == nil {
		t.Fatal("expected passphrase failure")
	}
	assertEmptyDir(t, dir)

	_, _, err = (&KeyAuth{Data: string(pemBytes)}).GetMethod()
	if err == nil {
		t.Fatal("expected missing passphrase failure")
	}
	assertEmptyDir(t, dir)
}

func TestAuthMethodFor(t *testing.T) {
	if _, err := authMethodFor(models.Credential{AuthType: models.AuthPassword}); err == nil {
		t.Error("empty password should be rejected")
	}
	if _, err := authMethodFor(models.Credential{AuthType: "agent"}); err == nil {
		t.Error("unsupported type should be rejected")
	}
	m, err := authMethodFor(models.Credential{AuthType: models.AuthKey, KeyPath: "~/id"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := m.(*KeyAuth); !ok {
		t.Errorf("expected *KeyAuth, got %T", m)
	}
}
