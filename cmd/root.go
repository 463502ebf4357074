// Package cmd 提供 mcpi CLI 的命令实现
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"yqhp/mcpi/internal/config"
	"yqhp/mcpi/pkg/logger"
)

const (
	// Version 是当前版本号
	Version = "0.1.0"
	// Banner 是 version 命令显示的 ASCII 艺术
	Banner = `
     _ __ ___   ___ _ __ (_)
    | '_ ' _ \ / __| '_ \| |   mcpi %s
    | | | | | | (__| |_) | |
    |_| |_| |_|\___| .__/|_|
                   |_|
`
)

var (
	// 全局配置
	cfgFile string
	debug   bool
	quiet   bool
)

// rootCmd 是根命令
var rootCmd = &cobra.Command{
	Use:   "mcpi",
	Short: "分组协同的蒙特卡洛 π 估算",
	Long: `mcpi 在一组协同进程上估算 π：
管理者解析参数并广播运行配置，每个成员投掷自己份额的飞镖，
命中数归约到管理者后输出估算结果。`,
	Version:       Version,
	SilenceErrors: true,
}

// exitError 携带进程退出码
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// Execute 执行根命令并返回进程退出码
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

func init() {
	// 全局 flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "配置文件路径")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "启用调试日志")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "静默模式，只输出错误日志")

	// 禁用默认的 completion 命令
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	// 自定义版本模板
	rootCmd.SetVersionTemplate(fmt.Sprintf(Banner, Version) + "\n")
}

// GetRootCmd 返回根命令（用于测试）
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// loadConfig 按 默认值 < 文件 < 环境变量 < 命令行 的顺序加载配置
func loadConfig(overrides map[string]string) (*config.Config, error) {
	loader := config.NewLoader().WithCmdArgs(overrides)
	if cfgFile != "" {
		loader = loader.WithConfigPath(cfgFile)
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}

	if debug {
		cfg.Logging.Level = "debug"
	} else if quiet {
		cfg.Logging.Level = "error"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// initLogger 初始化全局日志
func initLogger(cfg *config.Config) {
	logger.Init(&cfg.Logging)
	if debug {
		logger.EnableDebug()
	}
}
