package cmd

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/wentf9/xops-link/cmd/utils"
	"github.com/wentf9/xops-link/pkg/models"
)

func NewCmdNode() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "node",
		Aliases: []string{"nodes", "host"},
		Short:   "管理存储的节点信息",
		Long:    `管理存储的主机、身份认证和节点信息。支持列出、添加和删除操作。`,
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}

	cmd.AddCommand(NewCmdNodeList())
	cmd.AddCommand(NewCmdNodeAdd())
	cmd.AddCommand(NewCmdNodeDelete())
	cmd.AddCommand(NewCmdNodeTags())
	return cmd
}

type nodeAddOptions struct {
	address  string
	port     uint16
	user     string
	password string
	keyPath  string
	keyPass  string
	osType   string
	jump     string
	alias    []string
	tags     []string
}

func NewCmdNodeAdd() *cobra.Command {
	o := &nodeAddOptions{}
	cmd := &cobra.Command{
		Use:   "add [user@]host[:port]",
		Short: "添加一个新节点",
		Example: `  xlink node add root@10.0.0.5 -P secret -a web1 -t web
  xlink node add deploy@db.internal -k ~/.ssh/id_ed25519 -j web1`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.complete(args); err != nil {
				return err
			}
			return o.run()
		},
	}

	cmd.Flags().StringVarP(&o.address, "address", "H", "", "主机 IP 或域名")
	cmd.Flags().Uint16VarP(&o.port, "port", "p", 0, "SSH 端口 (默认 22)")
	cmd.Flags().StringVarP(&o.user, "user", "u", "", "SSH 用户名 (默认当前用户)")
	cmd.Flags().StringVarP(&o.password, "password", "P", "", "SSH 密码")
	cmd.Flags().StringVarP(&o.keyPath, "key", "k", "", "SSH 私钥路径")
	cmd.Flags().StringVarP(&o.keyPass, "key-pass", "w", "", "SSH 私钥密码")
	cmd.Flags().StringVar(&o.osType, "os", "", "目标系统提示 (linux/windows), 为空时连接后探测")
	cmd.Flags().StringVarP(&o.jump, "jump", "j", "", "跳板机节点名称")
	cmd.Flags().StringSliceVarP(&o.alias, "alias", "a", nil, "节点别名")
	cmd.Flags().StringSliceVarP(&o.tags, "tag", "t", nil, "节点标签")
	return cmd
}

func (o *nodeAddOptions) complete(args []string) error {
	if len(args) == 1 {
		user, host, port := utils.ParseAddr(args[0])
		if o.user == "" {
			o.user = user
		}
		if o.address == "" {
			o.address = host
		}
		if o.port == 0 {
			o.port = port
		}
	}
	if o.address == "" {
		return fmt.Errorf("必须指定主机地址")
	}
	if o.port == 0 {
		o.port = 22
	}
	if o.user == "" {
		o.user = utils.GetCurrentUser()
	}
	if o.keyPath == "" && o.password == "" {
		if !utils.IsTerminal() {
			return fmt.Errorf("非交互式环境下必须通过 --password 或 --key 指定认证方式")
		}
		pass, err := utils.ReadPasswordFromTerminal(fmt.Sprintf("请输入用户 %s 的密码: ", o.user))
		if err != nil {
			return err
		}
		o.password = pass
	}
	return nil
}

func (o *nodeAddOptions) run() error {
	w, err := loadWorkspace()
	if err != nil {
		return err
	}
	name := fmt.Sprintf("%s@%s:%d", o.user, o.address, o.port)
	if _, ok := w.provider.GetNode(name); ok {
		return fmt.Errorf("节点 %s 已存在", name)
	}
	if o.jump != "" && w.provider.Find(o.jump) == "" {
		return fmt.Errorf("跳板机 %s 不存在", o.jump)
	}

	identity := models.Identity{User: o.user}
	if o.keyPath != "" {
		identity.KeyPath = o.keyPath
		identity.Passphrase = o.keyPass
		identity.AuthType = models.AuthKey
	} else {
		identity.Password = o.password
		identity.AuthType = models.AuthPassword
	}
	node := models.Node{
		HostRef:     fmt.Sprintf("host-%s:%d", o.address, o.port),
		IdentityRef: "id-" + name,
		Alias:       o.alias,
		Tags:        o.tags,
		ProxyJump:   o.jump,
		OSType:      o.osType,
	}

	// 同一地址的主机条目被多个节点共用
	if _, ok := w.cfg.Hosts.Get(node.HostRef); !ok {
		w.provider.AddHost(node.HostRef, models.Host{Address: o.address, Port: int(o.port)})
	}
	w.provider.AddIdentity(node.IdentityRef, identity)
	w.provider.AddNode(name, node)
	if err := w.save(); err != nil {
		return err
	}
	fmt.Printf("成功添加节点: %s\n", name)
	return nil
}

func NewCmdNodeList() *cobra.Command {
	var tagFilter string
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "列出所有存储的节点",
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := loadWorkspace()
			if err != nil {
				return err
			}
			var nodes map[string]models.Node
			if tagFilter != "" {
				nodes = w.provider.GetNodesByTag(tagFilter)
			} else {
				nodes = w.provider.ListNodes()
			}
			if len(nodes) == 0 {
				if tagFilter != "" {
					fmt.Printf("没有找到带有标签 %s 的节点。\n", tagFilter)
				} else {
					fmt.Println("没有找到已存储的节点。")
				}
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(tw, "名称/ID\t别名\t主机地址\t用户\t认证方式\t跳板机\t标签")
			keys := make([]string, 0, len(nodes))
			for k := range nodes {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, nodeId := range keys {
				node := nodes[nodeId]
				host, _ := w.provider.GetHost(nodeId)
				identity, _ := w.provider.GetIdentity(nodeId)
				fmt.Fprintf(tw, "%s\t%s\t%s:%d\t%s\t%s\t%s\t%s\n",
					nodeId,
					strings.Join(node.Alias, ", "),
					host.Address, host.Port,
					identity.User,
					identity.AuthType,
					node.ProxyJump,
					strings.Join(node.Tags, ", "),
				)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVarP(&tagFilter, "tag", "t", "", "按标签筛选节点")
	return cmd
}

func NewCmdNodeDelete() *cobra.Command {
	return &cobra.Command{
		Use:     "rm <node>...",
		Aliases: []string{"delete"},
		Short:   "删除节点",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := loadWorkspace()
			if err != nil {
				return err
			}
			removed := 0
			for _, arg := range args {
				nodeId := w.provider.Find(arg)
				if nodeId == "" {
					fmt.Printf("警告: 节点 %s 不存在，跳过\n", arg)
					continue
				}
				w.provider.DeleteNode(nodeId)
				fmt.Printf("已删除节点: %s\n", nodeId)
				removed++
			}
			if removed == 0 {
				return nil
			}
			return w.save()
		},
	}
}

func NewCmdNodeTags() *cobra.Command {
	return &cobra.Command{
		Use:   "tags",
		Short: "列出所有标签及对应的节点数量",
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := loadWorkspace()
			if err != nil {
				return err
			}
			tagMap := make(map[string]int)
			for _, node := range w.provider.ListNodes() {
				for _, tag := range node.Tags {
					tagMap[tag]++
				}
			}
			if len(tagMap) == 0 {
				fmt.Println("当前没有已定义的标签。")
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(tw, "标签\t节点数量")
			tags := make([]string, 0, len(tagMap))
			for t := range tagMap {
				tags = append(tags, t)
			}
			sort.Strings(tags)
			for _, t := range tags {
				fmt.Fprintf(tw, "%s\t%d\n", t, tagMap[t])
			}
			return tw.Flush()
		},
	}
}

func init() {
	rootCmd.AddCommand(NewCmdNode())
}
