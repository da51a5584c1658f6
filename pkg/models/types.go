package models

import (
	"net"
	"strconv"
	"strings"
)

const (
	AuthPassword = "password"
	AuthKey      = "key"
)

// Identity 定义认证信息
type Identity struct {
	User       string `yaml:"user"`
	KeyPath    string `yaml:"key_path,omitempty"`
	KeyData    string `yaml:"key_data,omitempty"`   // 内联私钥内容, 优先于 KeyPath
	Passphrase string `yaml:"passphrase,omitempty"` // 私钥密码
	Password   string `yaml:"password,omitempty"`   // 登录密码
	AuthType   string `yaml:"auth_type"`            // "key", "password"
}

// Host 定义网络连接信息
type Host struct {
	Alias   []string `yaml:"alias,omitempty"`
	Address string   `yaml:"address"` // IP 或 域名
	Port    int      `yaml:"port"`
}

// Node 是用户操作的最小单元，聚合了 Host 和 Identity
type Node struct {
	Alias []string `yaml:"alias,omitempty"`
	Tags  []string `yaml:"tags,omitempty"`

	HostRef     string `yaml:"host_ref"`
	IdentityRef string `yaml:"identity_ref"`

	// 指向另一个 Node 的名称, 作为跳板机
	ProxyJump string `yaml:"proxy_jump,omitempty"`
	// 目标系统提示, 为空时连接后探测
	OSType string `yaml:"os_type,omitempty"`
}

// Credential 目标主机的认证材料
type Credential struct {
	AuthType   string
	Password   string
	KeyPath    string
	KeyData    string
	Passphrase string
}

// JumpHost 跳板机只支持密码认证
type JumpHost struct {
	Host     string
	Port     int
	User     string
	Password string
}

func (j JumpHost) Addr() string {
	return joinHostPort(j.Host, j.Port)
}

// ConnectionConfig 一次连接的完整描述, 创建后只读
type ConnectionConfig struct {
	Name       string
	Host       string
	Port       int
	User       string
	Credential Credential
	Jump       *JumpHost
	OSType     string
}

// HasJump 空字符串的跳板机地址等同于没有配置跳板机
func (c ConnectionConfig) HasJump() bool {
	return c.Jump != nil && strings.TrimSpace(c.Jump.Host) != ""
}

func (c ConnectionConfig) Addr() string {
	return joinHostPort(c.Host, c.Port)
}

func joinHostPort(host string, port int) string {
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(strings.TrimSpace(host), strconv.Itoa(port))
}

// FileEntry 远程目录列表中的一项
type FileEntry struct {
	Name        string `json:"name"`
	IsDir       bool   `json:"isDir"`
	Size        uint64 `json:"size"`
	Mtime       int64  `json:"mtime"`
	Permissions uint32 `json:"permissions"`
	UID         uint32 `json:"uid"`
	Owner       string `json:"owner"`
}

// TransferProgress 传输进度事件, 按传输 ID 区分
type TransferProgress struct {
	ID          string `json:"id"`
	Transferred uint64 `json:"transferred"`
	Total       uint64 `json:"total"`
}
