package config

import (
	"os"
	"path/filepath"

	"github.com/wentf9/xops-link/pkg/models"
	"github.com/wentf9/xops-link/pkg/utils/concurrent"
)

// DefaultMaxBackgroundSessions 未配置时每个连接的后台会话上限
const DefaultMaxBackgroundSessions = 3

// Configuration 对应 yaml 文件的顶层结构
type Configuration struct {
	Settings   Settings                                 `yaml:"settings,omitempty"`
	Identities *concurrent.Map[string, models.Identity] `yaml:"identities"`
	Hosts      *concurrent.Map[string, models.Host]     `yaml:"hosts"`
	Nodes      *concurrent.Map[string, models.Node]     `yaml:"nodes"`
}

// Settings 全局设置, 可被 XLINK_ 前缀的环境变量覆盖
type Settings struct {
	MaxBackgroundSessions int    `yaml:"max_background_sessions,omitempty" envconfig:"MAX_BACKGROUND_SESSIONS"`
	KnownHosts            string `yaml:"known_hosts,omitempty" envconfig:"KNOWN_HOSTS"`
	LogLevel              string `yaml:"log_level,omitempty" envconfig:"LOG_LEVEL"`
}

// NewConfiguration 返回一份空配置
func NewConfiguration() *Configuration {
	cfg := &Configuration{}
	cfg.ensure()
	return cfg
}

// yaml 中缺失的段落反序列化后为 nil
func (c *Configuration) ensure() {
	if c.Identities == nil {
		c.Identities = concurrent.NewMap[string, models.Identity](concurrent.HashString)
	}
	if c.Hosts == nil {
		c.Hosts = concurrent.NewMap[string, models.Host](concurrent.HashString)
	}
	if c.Nodes == nil {
		c.Nodes = concurrent.NewMap[string, models.Node](concurrent.HashString)
	}
}

// ConfigProvider 定义连接层获取配置数据的接口
type ConfigProvider interface {
	GetNode(name string) (models.Node, bool)
	GetHost(name string) (models.Host, bool)
	GetIdentity(name string) (models.Identity, bool)
	AddHost(name string, host models.Host)
	AddIdentity(name string, identity models.Identity)
	AddNode(name string, node models.Node)
	DeleteNode(name string)
	ListNodes() map[string]models.Node
	GetNodesByTag(tag string) map[string]models.Node
	Find(input string) string
	ConnectionConfig(name string) (models.ConnectionConfig, error)
	MaxBackgroundSessions() int
	KnownHostsPath() string
}

// DefaultDir 配置目录 ~/.xlink
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".xlink"
	}
	return filepath.Join(home, ".xlink")
}

func DefaultConfigPath() string     { return filepath.Join(DefaultDir(), "config.yaml") }
func DefaultKeyPath() string        { return filepath.Join(DefaultDir(), "key") }
func DefaultKnownHostsPath() string { return filepath.Join(DefaultDir(), "known_hosts") }
