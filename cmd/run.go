package cmd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"yqhp/mcpi/internal/collective/local"
	"yqhp/mcpi/internal/collective/ws"
	"yqhp/mcpi/internal/config"
	"yqhp/mcpi/internal/coordinator"
	"yqhp/mcpi/internal/estimator"
	"yqhp/mcpi/internal/montecarlo"
	"yqhp/mcpi/pkg/logger"
)

var (
	// run 命令的 flags
	runTransport       string
	runHub             string
	runListen          string
	runRank            int
	runSize            int
	runSession         string
	runGroupName       string
	runManagerRank     int
	runHubRank         int
	runSyncStarts      bool
	runSyncEnds        bool
	runJoinTimeout     time.Duration
	runShutdownTimeout time.Duration
	runTimeout         time.Duration
	runSeed            string
	runSeedBase        uint64
	runLocal           int
)

// runFlagPaths 把 run 的 flag 映射到配置路径
var runFlagPaths = map[string]string{
	"transport":        "group.transport",
	"hub":              "group.hub_address",
	"listen":           "group.listen_address",
	"rank":             "group.rank",
	"size":             "group.size",
	"session":          "group.session",
	"name":             "group.name",
	"manager-rank":     "group.manager_rank",
	"hub-rank":         "group.hub_rank",
	"sync-starts":      "group.sync_starts",
	"sync-ends":        "group.sync_ends",
	"join-timeout":     "group.join_timeout",
	"shutdown-timeout": "group.shutdown_timeout",
	"run-timeout":      "group.run_timeout",
	"seed":             "run.seed",
	"seed-base":        "run.seed_base",
}

// runCmd 是 run 子命令
var runCmd = &cobra.Command{
	Use:   "run [flags] [-- app args]",
	Short: "作为分组成员运行一次 π 估算",
	Long: `以一个分组成员的身份运行：加入分组、执行管理者或工作者逻辑、离开分组。
进程退出码为本成员遇到的第一个错误码（0 表示成功）。

应用参数写在 -- 之后：
  -t N, --throws N   飞镖总数（默认 5000000）
未识别的参数会被忽略。`,
	Example: `  # 进程内 4 个成员
  mcpi run --local 4 -- -t 1000000

  # 每个进程一个成员，rank 0 承载 hub
  mcpi run --rank 0 --size 2 --hub 127.0.0.1:7400 -- --throws 2000000
  mcpi run --rank 1 --size 2 --hub 127.0.0.1:7400

  # 固定种子，结果可复现
  mcpi run --local 2 --seed fixed -- -t 10000`,
	SilenceUsage: true,
	RunE:         runMember,
}

func init() {
	rootCmd.AddCommand(runCmd)

	f := runCmd.Flags()
	f.StringVar(&runTransport, "transport", config.TransportWS, "分组传输 (ws, local)")
	f.StringVar(&runHub, "hub", "127.0.0.1:7400", "hub 地址")
	f.StringVar(&runListen, "listen", "", "hub 监听地址（默认与 --hub 相同）")
	f.IntVar(&runRank, "rank", 0, "本成员的 rank")
	f.IntVar(&runSize, "size", 1, "分组大小")
	f.StringVar(&runSession, "session", "", "会话 ID，hub 拒绝其他会话的成员")
	f.StringVar(&runGroupName, "name", "WORLD", "分组名称")
	f.IntVar(&runManagerRank, "manager-rank", 0, "管理者 rank")
	f.IntVar(&runHubRank, "hub-rank", 0, "承载 hub 的 rank")
	f.BoolVar(&runSyncStarts, "sync-starts", true, "开始前执行 barrier")
	f.BoolVar(&runSyncEnds, "sync-ends", false, "结束后执行 barrier")
	f.DurationVar(&runJoinTimeout, "join-timeout", 30*time.Second, "等待分组就绪的超时")
	f.DurationVar(&runShutdownTimeout, "shutdown-timeout", 10*time.Second, "finalize 与 hub 关闭的超时")
	f.DurationVar(&runTimeout, "run-timeout", 0, "整个运行的超时，0 表示不限制")
	f.StringVar(&runSeed, "seed", config.SeedTime, "随机种子来源 (time, fixed)")
	f.Uint64Var(&runSeedBase, "seed-base", 0, "fixed 模式下 rank r 的种子为 seed-base+r")
	f.IntVar(&runLocal, "local", 0, "在进程内运行 N 个成员（等同 --transport local --size N）")
}

// flagOverrides 收集显式设置的 flag，转换成配置覆盖
func flagOverrides(flags *pflag.FlagSet, paths map[string]string) map[string]string {
	overrides := make(map[string]string)
	flags.VisitAll(func(f *pflag.Flag) {
		if !f.Changed {
			return
		}
		if p, ok := paths[f.Name]; ok {
			overrides[p] = f.Value.String()
		}
	})
	return overrides
}

func runMember(cmd *cobra.Command, args []string) error {
	overrides := flagOverrides(cmd.Flags(), runFlagPaths)
	if runLocal > 0 {
		overrides["group.transport"] = config.TransportLocal
		overrides["group.size"] = fmt.Sprint(runLocal)
	}

	cfg, err := loadConfig(overrides)
	if err != nil {
		return err
	}
	initLogger(cfg)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if cfg.Group.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Group.RunTimeout)
		defer cancel()
	}

	argv := append([]string{"mcpi"}, args...)
	behavior := newBehavior(cfg)

	logger.Info("running member",
		zap.String("transport", cfg.Group.Transport),
		zap.Int("size", cfg.Group.Size),
		zap.Uint64("throws", cfg.Run.Throws))

	var code coordinator.ExitCode
	switch cfg.Group.Transport {
	case config.TransportLocal:
		var codes []coordinator.ExitCode
		codes, err = runLocalGroup(ctx, cfg, behavior, argv, cmd.OutOrStdout())
		code = firstFailure(codes)
		if logger.IsDebugEnabled() {
			names := make([]string, len(codes))
			for i, c := range codes {
				names[i] = c.String()
			}
			logger.Debug("local group finished", zap.Strings("codes", names))
		}
	default:
		code = runWSMember(ctx, cfg, behavior, argv, cmd.OutOrStdout())
	}
	if err != nil {
		logger.Error("group did not complete", zap.Error(err))
	}

	if code != coordinator.ExitOK {
		logger.Warn("run failed", zap.Stringer("code", code))
		return &exitError{code: int(code)}
	}
	return nil
}

// newBehavior 根据配置创建 π 估算逻辑
func newBehavior(cfg *config.Config) *montecarlo.Behavior {
	b := montecarlo.NewBehavior()
	b.Defaults = montecarlo.RunConfig{TotalThrows: cfg.Run.Throws}
	if cfg.Run.Seed == config.SeedFixed {
		b.Seeds = estimator.FixedSeed{Base: cfg.Run.SeedBase}
	}
	return b
}

func coordinatorOptions(cfg *config.Config, out io.Writer, log *zap.Logger) *coordinator.Options {
	opts := coordinator.DefaultOptions()
	opts.ManagerRank = cfg.Group.ManagerRank
	opts.SyncStarts = cfg.Group.SyncStarts
	opts.SyncEnds = cfg.Group.SyncEnds
	opts.Out = out
	opts.Logger = log
	return opts
}

// runWSMember 以 WebSocket 成员身份运行，本 rank 为 hub rank 时同时承载 hub
func runWSMember(ctx context.Context, cfg *config.Config, b coordinator.Behavior, argv []string, out io.Writer) coordinator.ExitCode {
	log := logger.L().With(zap.Int("rank", cfg.Group.Rank))

	wsCfg := ws.DefaultConfig()
	wsCfg.HubAddress = cfg.Group.HubAddress
	wsCfg.Rank = cfg.Group.Rank
	wsCfg.Size = cfg.Group.Size
	wsCfg.Session = cfg.Group.Session
	wsCfg.ServeHub = cfg.Group.IsHubHost()
	wsCfg.ListenAddress = cfg.Group.ListenAddress
	wsCfg.GroupName = cfg.Group.Name
	wsCfg.JoinTimeout = cfg.Group.JoinTimeout
	wsCfg.ShutdownTimeout = cfg.Group.ShutdownTimeout

	member := ws.NewMember(wsCfg, log)
	code := coordinator.New(member, b, coordinatorOptions(cfg, out, log)).Run(ctx, argv)
	if code == coordinator.ExitInit || code == coordinator.ExitVersion {
		log.Warn("could not join group",
			zap.String("hub", cfg.Group.HubAddress),
			zap.Int("size", cfg.Group.Size),
			zap.Bool("hub_host", wsCfg.ServeHub))
	}
	return code
}

// runLocalGroup 在进程内运行整个分组，按 rank 顺序输出各成员的结果，
// 返回各 rank 的退出码
func runLocalGroup(ctx context.Context, cfg *config.Config, b coordinator.Behavior, argv []string, out io.Writer) ([]coordinator.ExitCode, error) {
	host, _ := os.Hostname()
	g, err := local.NewGroup(cfg.Group.Size, &local.Options{
		Name:            cfg.Group.Name,
		Host:            host,
		LeaveOnFinalize: true,
	})
	if err != nil {
		return []coordinator.ExitCode{coordinator.ExitInit}, err
	}

	outs := make([]*bytes.Buffer, g.Size())
	for i := range outs {
		outs[i] = &bytes.Buffer{}
	}

	codes, runErr := local.RunGroup(ctx, g, func(ctx context.Context, m *local.Member) coordinator.ExitCode {
		log := logger.L().With(zap.Int("rank", m.Index()))
		return coordinator.New(m, b, coordinatorOptions(cfg, outs[m.Index()], log)).Run(ctx, argv)
	})

	for _, buf := range outs {
		_, _ = buf.WriteTo(out)
	}
	return codes, runErr
}

// firstFailure 返回按 rank 顺序的第一个非零退出码
func firstFailure(codes []coordinator.ExitCode) coordinator.ExitCode {
	for _, code := range codes {
		if code != coordinator.ExitOK {
			return code
		}
	}
	return coordinator.ExitOK
}
