package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/wentf9/xops-link/pkg/crypto"
	"github.com/wentf9/xops-link/pkg/models"
	"gopkg.in/yaml.v3"
)

func testStore(t *testing.T) (Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	s, err := NewDefaultStore(path, bytes.Repeat([]byte{1}, 32))
	if err != nil {
		t.Fatal(err)
	}
	return s, path
}

func sampleConfig() *Configuration {
	cfg := NewConfiguration()
	cfg.Settings.MaxBackgroundSessions = 5
	cfg.Identities.Set("web-id", models.Identity{User: "deploy", Password: "pw-web"})
	cfg.Identities.Set("key-id", models.Identity{User: "ops", KeyData: "PEM DATA", Passphrase: "pp"})
	cfg.Identities.Set("bastion-id", models.Identity{User: "jump", Password: "pw-jump"})
	cfg.Hosts.Set("web-host", models.Host{Address: "10.0.0.5", Alias: []string{"web.local"}})
	cfg.Hosts.Set("db-host", models.Host{Address: "10.0.0.6", Port: 2222})
	cfg.Hosts.Set("bastion-host", models.Host{Address: "203.0.113.1", Port: 22})
	cfg.Nodes.Set("web", models.Node{HostRef: "web-host", IdentityRef: "web-id", Alias: []string{"w"}, Tags: []string{"prod"}})
	cfg.Nodes.Set("db", models.Node{HostRef: "db-host", IdentityRef: "key-id", ProxyJump: "bastion", Tags: []string{"prod", "db"}, OSType: "Linux"})
	cfg.Nodes.Set("bastion", models.Node{HostRef: "bastion-host", IdentityRef: "bastion-id"})
	return cfg
}

func TestStoreMissingFile(t *testing.T) {
	s, _ := testStore(t)
	cfg, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Nodes.Count() != 0 || cfg.Identities == nil || cfg.Hosts == nil {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestStoreEncryptsSecrets(t *testing.T) {
	s, path := testStore(t)
	if err := s.Save(sampleConfig()); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, secret := range []string{"pw-web", "pw-jump", "PEM DATA"} {
		if strings.Contains(string(raw), secret) {
			t.Errorf("secret %q stored in plain text", secret)
		}
	}
	if !strings.Contains(string(raw), "ENC:") {
		t.Error("expected encrypted fields")
	}
	st, _ := os.Stat(path)
	if st.Mode().Perm() != 0o600 {
		t.Errorf("config mode = %v", st.Mode().Perm())
	}

	cfg, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	id, _ := cfg.Identities.Get("key-id")
	if id.KeyData != "PEM DATA" || id.Passphrase != "pp" {
		t.Errorf("decrypted identity = %+v", id)
	}
	if cfg.Settings.MaxBackgroundSessions != 5 || cfg.Nodes.Count() != 3 {
		t.Errorf("round trip lost data: %+v", cfg.Settings)
	}
}

func TestStoreAcceptsPlainSecrets(t *testing.T) {
	s, path := testStore(t)
	doc := "identities:\n  a:\n    user: root\n    password: hunter2\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if id, _ := cfg.Identities.Get("a"); id.Password != "hunter2" {
		t.Fatalf("password = %q", id.Password)
	}
	if cfg.Nodes == nil {
		t.Fatal("missing sections should be initialised")
	}
}

func TestStoreRejectsSwappedSecrets(t *testing.T) {
	s, path := testStore(t)
	if err := s.Save(sampleConfig()); err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		t.Fatal(err)
	}
	// 把跳板机的密码密文复制给 web 身份
	ids := doc["identities"].(map[string]any)
	web := ids["web-id"].(map[string]any)
	web["password"] = ids["bastion-id"].(map[string]any)["password"]
	out, err := yaml.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		t.Fatal(err)
	}

	_, err = s.Load()
	if !errors.Is(err, crypto.ErrOpen) || !strings.Contains(err.Error(), "web-id") {
		t.Fatalf("swapped ciphertext = %v", err)
	}
}

func TestStoreWrongKey(t *testing.T) {
	s, path := testStore(t)
	if err := s.Save(sampleConfig()); err != nil {
		t.Fatal(err)
	}
	other, _ := NewDefaultStore(path, bytes.Repeat([]byte{2}, 32))
	if _, err := other.Load(); err == nil {
		t.Fatal("expected decryption error")
	}
}

func TestProviderFind(t *testing.T) {
	p, err := NewProvider(sampleConfig())
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		input, want string
	}{
		{"web", "web"},
		{"w", "web"},
		{"deploy@10.0.0.5:22", "web"},
		{"deploy@10.0.0.5", "web"},
		{"deploy@web.local:22", "web"},
		{"ops@10.0.0.6:2222", "db"},
		{"nobody", ""},
	}
	for _, tt := range tests {
		if got := p.Find(tt.input); got != tt.want {
			t.Errorf("Find(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestProviderConnectionConfig(t *testing.T) {
	p, err := NewProvider(sampleConfig())
	if err != nil {
		t.Fatal(err)
	}

	web, err := p.ConnectionConfig("w")
	if err != nil {
		t.Fatal(err)
	}
	if web.Name != "web" || web.Port != 22 || web.User != "deploy" || web.Credential.AuthType != models.AuthPassword || web.HasJump() {
		t.Errorf("web = %+v", web)
	}

	db, err := p.ConnectionConfig("db")
	if err != nil {
		t.Fatal(err)
	}
	if db.Credential.AuthType != models.AuthKey || db.Credential.KeyData != "PEM DATA" || db.OSType != "Linux" {
		t.Errorf("db credential = %+v", db.Credential)
	}
	if !db.HasJump() || db.Jump.Host != "203.0.113.1" || db.Jump.User != "jump" || db.Jump.Password != "pw-jump" {
		t.Errorf("db jump = %+v", db.Jump)
	}

	if _, err := p.ConnectionConfig("missing"); err == nil {
		t.Error("expected error for unknown node")
	}
}

func TestProviderJumpRequiresPassword(t *testing.T) {
	cfg := sampleConfig()
	cfg.Identities.Set("bastion-id", models.Identity{User: "jump", KeyPath: "~/.ssh/id_ed25519"})
	p, _ := NewProvider(cfg)
	if _, err := p.ConnectionConfig("db"); err == nil || !strings.Contains(err.Error(), "password") {
		t.Fatalf("err = %v", err)
	}

	cfg.Nodes.Set("loop", models.Node{HostRef: "web-host", IdentityRef: "web-id", ProxyJump: "loop"})
	p, _ = NewProvider(cfg)
	if _, err := p.ConnectionConfig("loop"); err == nil {
		t.Fatal("self jump should fail")
	}
}

func TestProviderDeleteNode(t *testing.T) {
	cfg := sampleConfig()
	cfg.Nodes.Set("web2", models.Node{HostRef: "web-host", IdentityRef: "bastion-id"})
	p, _ := NewProvider(cfg)

	p.DeleteNode("web")
	if p.Find("w") != "" || p.Find("web") != "" {
		t.Error("index entries should be removed")
	}
	if _, ok := cfg.Hosts.Get("web-host"); !ok {
		t.Error("host still referenced by web2 must be kept")
	}
	if _, ok := cfg.Identities.Get("web-id"); ok {
		t.Error("unreferenced identity should be removed")
	}
	p.DeleteNode("web")
}

func TestProviderTags(t *testing.T) {
	p, _ := NewProvider(sampleConfig())
	if got := p.GetNodesByTag("prod"); len(got) != 2 {
		t.Errorf("prod nodes = %v", got)
	}
	if got := p.GetNodesByTag("db"); len(got) != 1 {
		t.Errorf("db nodes = %v", got)
	}
	if len(p.ListNodes()) != 3 {
		t.Error("ListNodes")
	}
}

func TestSettingsFromEnvironment(t *testing.T) {
	cfg := sampleConfig()
	t.Setenv("XLINK_MAX_BACKGROUND_SESSIONS", "7")
	t.Setenv("XLINK_KNOWN_HOSTS", "/tmp/kh")
	p, err := NewProvider(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if p.MaxBackgroundSessions() != 7 || p.KnownHostsPath() != "/tmp/kh" {
		t.Errorf("settings = %d %s", p.MaxBackgroundSessions(), p.KnownHostsPath())
	}
	if cfg.Settings.MaxBackgroundSessions != 5 {
		t.Error("environment overrides must not leak into the stored configuration")
	}

	t.Setenv("XLINK_MAX_BACKGROUND_SESSIONS", "many")
	if _, err := NewProvider(cfg); err == nil {
		t.Error("invalid integer should be rejected")
	}
}

func TestSettingsDefaults(t *testing.T) {
	p, _ := NewProvider(NewConfiguration())
	if p.MaxBackgroundSessions() != DefaultMaxBackgroundSessions {
		t.Errorf("default = %d", p.MaxBackgroundSessions())
	}
	if filepath.Base(p.KnownHostsPath()) != "known_hosts" {
		t.Errorf("known hosts = %s", p.KnownHostsPath())
	}
}
