package config

import (
	"fmt"
	"slices"

	"github.com/kelseyhightower/envconfig"
	"github.com/wentf9/xops-link/pkg/logger"
	"github.com/wentf9/xops-link/pkg/models"
	"github.com/wentf9/xops-link/pkg/utils/concurrent"
)

// EnvPrefix 环境变量前缀, 如 XLINK_MAX_BACKGROUND_SESSIONS
const EnvPrefix = "XLINK"

type Provider struct {
	cfg         *Configuration
	settings    Settings // 叠加环境变量后的生效设置, 不回写配置文件
	lookupIndex *concurrent.Map[string, string]
}

func NewProvider(cfg *Configuration) (*Provider, error) {
	cfg.ensure()
	settings := cfg.Settings
	if err := envconfig.Process(EnvPrefix, &settings); err != nil {
		return nil, fmt.Errorf("failed to read settings from environment: %w", err)
	}
	provider := &Provider{
		cfg:         cfg,
		settings:    settings,
		lookupIndex: concurrent.NewMap[string, string](concurrent.HashString),
	}
	provider.init()
	return provider, nil
}

// add 将节点及其所有标识符加入索引
// 标识符: 节点名, 节点别名, user@address:port 以及 user@主机别名:port
func (cp *Provider) add(nodeId string) {
	node, ok := cp.GetNode(nodeId)
	if !ok {
		return
	}
	cp.lookupIndex.Set(nodeId, nodeId)
	for _, alias := range node.Alias {
		if alias == "" {
			continue
		}
		cp.lookupIndex.Set(alias, nodeId)
	}

	identity, ok := cp.GetIdentity(nodeId)
	if !ok || identity.User == "" {
		return
	}
	host, ok := cp.GetHost(nodeId)
	if !ok {
		return
	}
	port := host.Port
	if port == 0 {
		port = 22
	}
	cp.lookupIndex.Set(fmt.Sprintf("%s@%s:%d", identity.User, host.Address, port), nodeId)
	for _, addr := range host.Alias {
		if addr == "" {
			continue
		}
		cp.lookupIndex.Set(fmt.Sprintf("%s@%s:%d", identity.User, addr, port), nodeId)
	}
}

// Find 匹配用户输入, 未找到返回空字符串
// 不带端口的 user@host 按 22 端口再匹配一次
func (cp *Provider) Find(input string) string {
	if nodeId, ok := cp.lookupIndex.Get(input); ok {
		return nodeId
	}
	if nodeId, ok := cp.lookupIndex.Get(input + ":22"); ok {
		return nodeId
	}
	return ""
}

func (cp *Provider) GetNode(nodeId string) (models.Node, bool) {
	return cp.cfg.Nodes.Get(nodeId)
}

func (cp *Provider) GetHost(nodeId string) (models.Host, bool) {
	if node, ok := cp.cfg.Nodes.Get(nodeId); ok {
		return cp.cfg.Hosts.Get(node.HostRef)
	}
	return models.Host{}, false
}

func (cp *Provider) GetIdentity(nodeId string) (models.Identity, bool) {
	if node, ok := cp.cfg.Nodes.Get(nodeId); ok {
		return cp.cfg.Identities.Get(node.IdentityRef)
	}
	return models.Identity{}, false
}

func (cp *Provider) AddNode(nodeId string, node models.Node) {
	cp.cfg.Nodes.Set(nodeId, node)
	cp.add(nodeId)
}

func (cp *Provider) AddHost(hostId string, host models.Host) {
	cp.cfg.Hosts.Set(hostId, host)
}

func (cp *Provider) AddIdentity(identityId string, identity models.Identity) {
	cp.cfg.Identities.Set(identityId, identity)
}

// DeleteNode 删除节点及其索引; 不再被任何节点引用的 Host 和 Identity 一并删除
func (cp *Provider) DeleteNode(nodeId string) {
	node, ok := cp.cfg.Nodes.Pop(nodeId)
	if !ok {
		return
	}
	for _, key := range cp.lookupIndex.Keys() {
		if val, ok := cp.lookupIndex.Get(key); ok && val == nodeId {
			cp.lookupIndex.Remove(key)
		}
	}

	hostUsed, identityUsed := false, false
	cp.cfg.Nodes.IterCb(func(_ string, n models.Node) bool {
		hostUsed = hostUsed || n.HostRef == node.HostRef
		identityUsed = identityUsed || n.IdentityRef == node.IdentityRef
		return !(hostUsed && identityUsed)
	})
	if !hostUsed {
		cp.cfg.Hosts.Remove(node.HostRef)
	}
	if !identityUsed {
		cp.cfg.Identities.Remove(node.IdentityRef)
	}
}

func (cp *Provider) ListNodes() map[string]models.Node {
	return cp.cfg.Nodes.Snapshot()
}

func (cp *Provider) GetNodesByTag(tag string) map[string]models.Node {
	nodes := make(map[string]models.Node)
	cp.cfg.Nodes.IterCb(func(name string, n models.Node) bool {
		if slices.Contains(n.Tags, tag) {
			nodes[name] = n
		}
		return true
	})
	return nodes
}

// ConnectionConfig 把节点解析为一次连接的完整描述
// proxy_jump 指向的节点作为跳板机, 跳板机只支持密码认证
func (cp *Provider) ConnectionConfig(name string) (models.ConnectionConfig, error) {
	nodeId := cp.Find(name)
	if nodeId == "" {
		return models.ConnectionConfig{}, fmt.Errorf("node '%s' not found", name)
	}
	node, _ := cp.GetNode(nodeId)
	host, ok := cp.GetHost(nodeId)
	if !ok {
		return models.ConnectionConfig{}, fmt.Errorf("node '%s' references unknown host '%s'", nodeId, node.HostRef)
	}
	identity, ok := cp.GetIdentity(nodeId)
	if !ok {
		return models.ConnectionConfig{}, fmt.Errorf("node '%s' references unknown identity '%s'", nodeId, node.IdentityRef)
	}

	cfg := models.ConnectionConfig{
		Name:   nodeId,
		Host:   host.Address,
		Port:   defaultPort(host.Port),
		User:   identity.User,
		OSType: node.OSType,
		Credential: models.Credential{
			AuthType:   authType(identity),
			Password:   identity.Password,
			KeyPath:    identity.KeyPath,
			KeyData:    identity.KeyData,
			Passphrase: identity.Passphrase,
		},
	}

	if node.ProxyJump == "" {
		return cfg, nil
	}
	jumpId := cp.Find(node.ProxyJump)
	if jumpId == "" {
		return models.ConnectionConfig{}, fmt.Errorf("jump host '%s' of node '%s' not found", node.ProxyJump, nodeId)
	}
	if jumpId == nodeId {
		return models.ConnectionConfig{}, fmt.Errorf("node '%s' cannot use itself as jump host", nodeId)
	}
	jumpHost, hostOk := cp.GetHost(jumpId)
	jumpIdentity, idOk := cp.GetIdentity(jumpId)
	if !hostOk || !idOk {
		return models.ConnectionConfig{}, fmt.Errorf("jump host '%s' is incomplete", jumpId)
	}
	if jumpIdentity.Password == "" {
		return models.ConnectionConfig{}, fmt.Errorf("jump host '%s' requires password authentication", jumpId)
	}
	cfg.Jump = &models.JumpHost{
		Host:     jumpHost.Address,
		Port:     defaultPort(jumpHost.Port),
		User:     jumpIdentity.User,
		Password: jumpIdentity.Password,
	}
	logger.Logger.Debug("resolved jump host", "node", nodeId, "jump", jumpId)
	return cfg, nil
}

// MaxBackgroundSessions 未配置或非法时返回默认值
func (cp *Provider) MaxBackgroundSessions() int {
	if cp.settings.MaxBackgroundSessions <= 0 {
		return DefaultMaxBackgroundSessions
	}
	return cp.settings.MaxBackgroundSessions
}

func (cp *Provider) KnownHostsPath() string {
	if cp.settings.KnownHosts != "" {
		return cp.settings.KnownHosts
	}
	return DefaultKnownHostsPath()
}

func (cp *Provider) LogLevel() string {
	return cp.settings.LogLevel
}

func (cp *Provider) Configuration() *Configuration {
	return cp.cfg
}

func (cp *Provider) init() {
	for _, nodeId := range cp.cfg.Nodes.Keys() {
		cp.add(nodeId)
	}
}

func defaultPort(port int) int {
	if port == 0 {
		return 22
	}
	return port
}

// authType 未显式配置时, 有私钥材料按私钥认证, 否则按密码认证
func authType(id models.Identity) string {
	if id.AuthType != "" {
		return id.AuthType
	}
	if id.KeyData != "" || id.KeyPath != "" {
		return models.AuthKey
	}
	return models.AuthPassword
}

var _ ConfigProvider = (*Provider)(nil)
