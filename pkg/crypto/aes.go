package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// Prefix 标识配置文件中的加密字段
const Prefix = "ENC:"

var (
	ErrNotSealed = errors.New("value is not sealed")
	// ErrOpen 密钥不对, 密文被改动或被挪到了其他字段
	ErrOpen = errors.New("cannot open sealed value")
)

// Crypter 用 AES-256-GCM 加密配置中的敏感字段
// 每个密文都绑定所在字段的位置 (见 Field), 作为 GCM 附加数据参与认证
type Crypter struct {
	aead cipher.AEAD
}

// NewCrypter key 必须是 KeySize 字节
func NewCrypter(key []byte) (*Crypter, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key size: expected %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Crypter{aead: aead}, nil
}

// Field 生成密文绑定的位置, 例如 Field("identity", "prod", "password")
func Field(parts ...string) string {
	return strings.Join(parts, "/")
}

// Seal 加密 plaintext 并绑定到 field
// 输出格式: ENC:<Base64(Nonce + Ciphertext)>
func (c *Crypter) Seal(plaintext, field string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), []byte(field))
	return Prefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open 解密 Seal 的输出, field 必须与加密时一致
func (c *Crypter) Open(sealed, field string) (string, error) {
	raw, ok := strings.CutPrefix(sealed, Prefix)
	if !ok {
		return "", ErrNotSealed
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return "", fmt.Errorf("%s: %w", field, err)
	}
	n := c.aead.NonceSize()
	if len(data) < n+c.aead.Overhead() {
		return "", fmt.Errorf("%s: ciphertext too short", field)
	}
	plain, err := c.aead.Open(nil, data[:n], data[n:], []byte(field))
	if err != nil {
		return "", fmt.Errorf("%s: %w", field, ErrOpen)
	}
	return string(plain), nil
}

// IsEncrypted 判断字符串是否为加密格式
func IsEncrypted(s string) bool {
	return strings.HasPrefix(s, Prefix)
}
