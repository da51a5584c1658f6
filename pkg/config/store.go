package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/wentf9/xops-link/pkg/crypto"
	"github.com/wentf9/xops-link/pkg/logger"
	"github.com/wentf9/xops-link/pkg/models"
	"github.com/wentf9/xops-link/pkg/utils/concurrent"
	"github.com/wentf9/xops-link/pkg/utils/file"
	"gopkg.in/yaml.v3"
)

type Store interface {
	Load() (*Configuration, error)
	Save(cfg *Configuration) error
}

type defaultStore struct {
	Path    string
	crypter *crypto.Crypter // 用于加解密配置文件中的敏感字段
}

// NewDefaultStore key 必须是 32 字节
func NewDefaultStore(path string, key []byte) (Store, error) {
	c, err := crypto.NewCrypter(key)
	if err != nil {
		return nil, err
	}
	return &defaultStore{Path: path, crypter: c}, nil
}

// Open 使用配置文件同目录下的 key 文件打开存储, key 不存在时自动生成
func Open(path string) (Store, error) {
	key, err := crypto.LoadOrGenerateKey(filepath.Join(filepath.Dir(path), "key"))
	if err != nil {
		return nil, err
	}
	return NewDefaultStore(path, key)
}

// Load 文件不存在时返回空配置, 加密字段在返回前解密
func (s *defaultStore) Load() (*Configuration, error) {
	cfg := NewConfiguration()
	data, err := os.ReadFile(s.Path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logger.Logger.Debug("config file not found, using empty configuration", "path", s.Path)
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config '%s': %w", s.Path, err)
		}
		cfg.ensure()
	}

	var decryptErr error
	for _, name := range cfg.Identities.Keys() {
		id, _ := cfg.Identities.Get(name)
		plain, err := s.transformSecrets(name, id, s.decrypt)
		if err != nil {
			decryptErr = errors.Join(decryptErr, fmt.Errorf("identity '%s': %w", name, err))
			continue
		}
		cfg.Identities.Set(name, plain)
	}
	if decryptErr != nil {
		return nil, decryptErr
	}
	return cfg, nil
}

// Save 在副本上加密敏感字段后写入, 文件权限 0600
func (s *defaultStore) Save(cfg *Configuration) error {
	out := &Configuration{
		Settings:   cfg.Settings,
		Identities: concurrent.NewMap[string, models.Identity](concurrent.HashString),
		Hosts:      cfg.Hosts,
		Nodes:      cfg.Nodes,
	}
	out.ensure()
	for name, id := range cfg.Identities.Snapshot() {
		enc, err := s.transformSecrets(name, id, s.encrypt)
		if err != nil {
			return fmt.Errorf("identity '%s': %w", name, err)
		}
		out.Identities.Set(name, enc)
	}

	data, err := yaml.Marshal(out)
	if err != nil {
		return err
	}
	if err := file.WriteFileAtomic(s.Path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// transformSecrets 对身份的三个敏感字段逐一调用 fn, 字段位置随值一起传入
func (s *defaultStore) transformSecrets(name string, id models.Identity, fn func(v, field string) (string, error)) (models.Identity, error) {
	var err error
	if id.Password, err = fn(id.Password, crypto.Field("identity", name, "password")); err != nil {
		return id, err
	}
	if id.Passphrase, err = fn(id.Passphrase, crypto.Field("identity", name, "passphrase")); err != nil {
		return id, err
	}
	if id.KeyData, err = fn(id.KeyData, crypto.Field("identity", name, "key_data")); err != nil {
		return id, err
	}
	return id, nil
}

func (s *defaultStore) encrypt(v, field string) (string, error) {
	if v == "" || crypto.IsEncrypted(v) {
		return v, nil
	}
	return s.crypter.Seal(v, field)
}

// 手工编辑写入的明文值原样接受
func (s *defaultStore) decrypt(v, field string) (string, error) {
	if !crypto.IsEncrypted(v) {
		return v, nil
	}
	return s.crypter.Open(v, field)
}
