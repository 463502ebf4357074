package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"yqhp/mcpi/pkg/logger"
)

var (
	// launch 命令的 flags
	launchSize      int
	launchHub       string
	launchSession   string
	launchTagOutput bool
	launchRunFlags  []string
)

// launchCmd 是 launch 子命令
var launchCmd = &cobra.Command{
	Use:   "launch -n N [flags] [-- app args]",
	Short: "启动 N 个 mcpi run 进程组成一个分组",
	Long: `启动 N 个子进程，每个子进程以 ws 传输运行 mcpi run，
通过 MCPI_RANK、MCPI_SIZE、MCPI_HUB、MCPI_SESSION 环境变量分配身份。
rank 0 承载 hub。返回按 rank 顺序第一个非零的子进程退出码。`,
	Example: `  mcpi launch -n 4 -- -t 10000000
  mcpi launch -n 2 --tag-output --run-flag=--sync-ends -- --throws 1000`,
	SilenceUsage: true,
	RunE:         runLaunch,
}

func init() {
	rootCmd.AddCommand(launchCmd)

	launchCmd.Flags().IntVarP(&launchSize, "np", "n", 1, "进程数")
	launchCmd.Flags().StringVar(&launchHub, "hub", "", "hub 地址（默认选择一个空闲的本地端口）")
	launchCmd.Flags().StringVar(&launchSession, "session", "", "会话 ID（不指定则自动生成）")
	launchCmd.Flags().BoolVar(&launchTagOutput, "tag-output", false, "每行输出前加上 [rank] 前缀")
	launchCmd.Flags().StringArrayVar(&launchRunFlags, "run-flag", nil, "透传给 mcpi run 的 flag，可重复")
}

// launcher 启动并等待一组子进程
type launcher struct {
	executable string
	size       int
	hub        string
	session    string
	runFlags   []string
	appArgs    []string
	tagOutput  bool
	stdout     io.Writer
	stderr     io.Writer
	log        *zap.Logger
}

func runLaunch(cmd *cobra.Command, args []string) error {
	if launchSize < 1 {
		return fmt.Errorf("进程数必须至少为 1，实际为 %d", launchSize)
	}

	cfg, err := loadConfig(nil)
	if err != nil {
		return err
	}
	initLogger(cfg)
	defer logger.Sync()

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("无法定位 mcpi 可执行文件: %w", err)
	}

	hub := launchHub
	if hub == "" {
		if hub, err = freeLocalAddr(); err != nil {
			return err
		}
	}
	session := launchSession
	if session == "" {
		session = uuid.New().String()
	}

	l := &launcher{
		executable: exe,
		size:       launchSize,
		hub:        hub,
		session:    session,
		runFlags:   launchRunFlags,
		appArgs:    args,
		tagOutput:  launchTagOutput,
		stdout:     cmd.OutOrStdout(),
		stderr:     cmd.ErrOrStderr(),
		log:        logger.Named("launch"),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code, err := l.run(ctx)
	if err != nil {
		return err
	}
	if code != 0 {
		return &exitError{code: code}
	}
	return nil
}

// childArgs 返回子进程的命令行
func (l *launcher) childArgs() []string {
	args := []string{"run", "--transport", "ws"}
	if cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}
	if debug {
		args = append(args, "--debug")
	}
	if quiet {
		args = append(args, "--quiet")
	}
	args = append(args, l.runFlags...)
	if len(l.appArgs) > 0 {
		args = append(args, "--")
		args = append(args, l.appArgs...)
	}
	return args
}

// childEnv 返回 rank 子进程的环境变量
func (l *launcher) childEnv(rank int) []string {
	return append(os.Environ(),
		"MCPI_TRANSPORT=ws",
		"MCPI_RANK="+strconv.Itoa(rank),
		"MCPI_SIZE="+strconv.Itoa(l.size),
		"MCPI_HUB="+l.hub,
		"MCPI_SESSION="+l.session,
	)
}

// run 启动所有子进程并等待结束，返回按 rank 顺序第一个非零退出码
func (l *launcher) run(ctx context.Context) (int, error) {
	l.log.Info("launching group",
		zap.Int("size", l.size),
		zap.String("hub", l.hub),
		zap.String("session", l.session))

	var outMu sync.Mutex
	codes := make([]int, l.size)
	cmds := make([]*exec.Cmd, l.size)
	writers := make([]*lineWriter, 0, 2*l.size)

	for rank := 0; rank < l.size; rank++ {
		c := exec.CommandContext(ctx, l.executable, l.childArgs()...)
		c.Env = l.childEnv(rank)

		prefix := ""
		if l.tagOutput {
			prefix = fmt.Sprintf("[%d] ", rank)
		}
		stdout := newLineWriter(l.stdout, prefix, &outMu)
		stderr := newLineWriter(l.stderr, prefix, &outMu)
		writers = append(writers, stdout, stderr)
		c.Stdout = stdout
		c.Stderr = stderr

		if err := c.Start(); err != nil {
			for _, started := range cmds[:rank] {
				_ = started.Process.Kill()
				_ = started.Wait()
			}
			return 0, fmt.Errorf("启动 rank %d 失败: %w", rank, err)
		}
		cmds[rank] = c
	}

	var wg sync.WaitGroup
	for rank, c := range cmds {
		wg.Add(1)
		go func(rank int, c *exec.Cmd) {
			defer wg.Done()
			codes[rank] = exitCode(c.Wait())
			l.log.Debug("member exited", zap.Int("rank", rank), zap.Int("code", codes[rank]))
		}(rank, c)
	}
	wg.Wait()

	for _, w := range writers {
		w.Flush()
	}

	for rank, code := range codes {
		if code != 0 {
			l.log.Warn("member failed", zap.Int("rank", rank), zap.Int("code", code))
			return code, nil
		}
	}
	return 0, nil
}

// exitCode 把 Wait 的结果转换成退出码
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) && ee.ExitCode() >= 0 {
		return ee.ExitCode()
	}
	return 1
}

// freeLocalAddr 选择一个空闲的本地端口
func freeLocalAddr() (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("选择 hub 端口失败: %w", err)
	}
	defer ln.Close()
	return ln.Addr().String(), nil
}

// lineWriter 按行转发子进程输出，可选加前缀，多个子进程共享同一把锁
type lineWriter struct {
	dst    io.Writer
	prefix string
	mu     *sync.Mutex
	buf    bytes.Buffer
}

func newLineWriter(dst io.Writer, prefix string, mu *sync.Mutex) *lineWriter {
	return &lineWriter{dst: dst, prefix: prefix, mu: mu}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		i := bytes.IndexByte(w.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := w.buf.Next(i + 1)
		if _, err := io.WriteString(w.dst, w.prefix); err != nil {
			return len(p), err
		}
		if _, err := w.dst.Write(line); err != nil {
			return len(p), err
		}
	}
	return len(p), nil
}

// Flush 输出最后一个不完整的行
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() == 0 {
		return
	}
	_, _ = io.WriteString(w.dst, w.prefix)
	_, _ = w.dst.Write(w.buf.Bytes())
	_, _ = io.WriteString(w.dst, "\n")
	w.buf.Reset()
}
