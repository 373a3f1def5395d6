// Package main 提供 notifyd 命令行入口
//
// notifyd 是通知子流服务的演示守护进程：监听或拨号 TCP，在 yamux 连接上
// 注册一个通知协议，把标准输入的每一行作为通知发给所有已打开的节点，
// 并把收到的事件打印到标准输出。
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dep2p/go-notifications/config"
	"github.com/dep2p/go-notifications/pkg/lib/log"
)

var logger = log.Logger("notifyd")

var (
	configFile string
	presetName string
	logFile    string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "notifyd",
	Short: "通知子流演示守护进程",
	Long: `notifyd 在 TCP + yamux 连接上运行通知子流服务。

示例：
  notifyd run --listen 127.0.0.1:4001
  notifyd run --dial 127.0.0.1:4001 --protocol /chat/1
  notifyd config --preset light > notifyd.json`,
	SilenceUsage: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "配置文件路径（JSON）")
	pf.StringVar(&presetName, "preset", "", "预设配置 (light/full)")
	pf.StringVar(&logFile, "log-file", "", "日志文件路径，覆盖配置文件")
	pf.StringVar(&logLevel, "log-level", "", "日志级别 (debug/info/warn/error)，覆盖配置文件")

	rootCmd.AddCommand(runCmd, configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig 按 配置文件 → 预设 → 命令行 的顺序构建配置
func loadConfig() (*config.Config, error) {
	cfg := config.NewConfig()
	if configFile != "" {
		loaded, err := config.LoadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("加载配置文件失败: %w", err)
		}
		cfg = loaded
	}
	if err := config.ApplyPreset(cfg, presetName); err != nil {
		return nil, err
	}
	if logFile != "" {
		cfg.Log.File = logFile
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置错误: %w", err)
	}
	return cfg, nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "打印生效的配置（JSON）",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		data, err := cfg.ToJSON()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	},
}
