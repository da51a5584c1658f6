package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"

	"github.com/wentf9/xops-link/pkg/utils/file"
)

const KeySize = 32 // AES-256 需要 32 字节密钥

// LoadOrGenerateKey 尝试从指定路径加载密钥
// 如果文件不存在，会自动生成一个新的随机密钥并保存，权限设置为 0600
func LoadOrGenerateKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) != KeySize {
			return nil, fmt.Errorf("invalid key file size in '%s': expected %d, got %d", path, KeySize, len(key))
		}
		return key, nil
	}

	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	key = make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate random key: %w", err)
	}

	// 保存密钥, 目录 0700, 文件 0600 仅所有者可读写
	if err := file.WriteFileAtomic(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("failed to save key file: %w", err)
	}

	return key, nil
}
