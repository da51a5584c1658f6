package ssh

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/wentf9/xops-link/pkg/models"
	"golang.org/x/crypto/ssh"
)

// 临时私钥文件所在的父目录, 为空时使用系统临时目录
var keyDir = ""

// AuthMethod 定义获取 SSH 认证方法的接口
// 返回的 cleanup 必须在认证结束后调用, 无论成功与否
type AuthMethod interface {
	GetMethod() (method ssh.AuthMethod, cleanup func(), err error)
}

// PasswordAuth 实现密码认证
type PasswordAuth struct {
	Password string
}

func (p *PasswordAuth) GetMethod() (ssh.AuthMethod, func(), error) {
	return ssh.Password(p.Password), func() {}, nil
}

// KeyAuth 实现私钥认证
// 私钥内容先落到只有当前用户可读的临时文件中, 公钥由私钥推导后写在旁边,
// 临时目录在 cleanup 中整体删除
type KeyAuth struct {
	Path       string
	Data       string
	Passphrase string
}

func (k *KeyAuth) GetMethod() (ssh.AuthMethod, func(), error) {
	material := []byte(k.Data)
	if len(material) == 0 {
		if k.Path == "" {
			return nil, nil, errors.New("auth type is key but neither key data nor key path is set")
		}
		data, err := os.ReadFile(expandHomeDir(k.Path))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read key file: %w", err)
		}
		material = data
	}

	dir, err := os.MkdirTemp(keyDir, "xlink-key-")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create key dir: %w", err)
	}
	cleanup := func() { _ = os.RemoveAll(dir) }

	signer, err := materializeKey(dir, material, k.Passphrase)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return ssh.PublicKeys(signer), cleanup, nil
}

func materializeKey(dir string, material []byte, passphrase string) (ssh.Signer, error) {
	privPath := filepath.Join(dir, "id")
	if err := os.WriteFile(privPath, material, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}
	keyBytes, err := os.ReadFile(privPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	var signer ssh.Signer
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(keyBytes)
	}
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("private key is encrypted, passphrase required: %w", err)
		}
		return nil, fmt.Errorf("failed to parse private key (wrong passphrase?): %w", err)
	}

	pub := ssh.MarshalAuthorizedKey(signer.PublicKey())
	if err := os.WriteFile(privPath+".pub", pub, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write public key: %w", err)
	}
	return signer, nil
}

// authMethodFor 根据凭据类型选择认证实现
func authMethodFor(c models.Credential) (AuthMethod, error) {
	switch c.AuthType {
	case models.AuthPassword, "":
		if c.Password == "" {
			return nil, errors.New("auth type is password but password is empty")
		}
		return &PasswordAuth{Password: c.Password}, nil
	case models.AuthKey:
		return &KeyAuth{Path: c.KeyPath, Data: c.KeyData, Passphrase: c.Passphrase}, nil
	}
	return nil, fmt.Errorf("unsupported auth type: %s", c.AuthType)
}

func expandHomeDir(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return home + path[1:]
		}
	}
	return path
}
