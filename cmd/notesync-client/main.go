package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/notesync/internal/localqueue"
	"github.com/agentworkforce/notesync/internal/syncclient"
)

const defaultConfigName = ".notesync.yaml"

// exitError carries a process exit code without printing anything extra.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return "exit status " + strconv.Itoa(e.code)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}
	var exitErr *exitError
	if errors.As(err, &exitErr) {
		os.Exit(exitErr.code)
	}
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}

type clientConfig struct {
	BaseURL        string        `yaml:"base_url"`
	Token          string        `yaml:"token"`
	Queue          string        `yaml:"queue"`
	LogFile        string        `yaml:"log_file"`
	Verbose        bool          `yaml:"verbose"`
	BatchSize      int           `yaml:"batch_size"`
	RetryCeiling   int           `yaml:"retry_ceiling"`
	Timeout        time.Duration `yaml:"timeout"`
	WatchDir       string        `yaml:"watch_dir"`
	Interval       time.Duration `yaml:"interval"`
	IntervalJitter float64       `yaml:"interval_jitter"`
}

func defaultConfig() clientConfig {
	queue := filepath.Join(".notesync", "queue.db")
	if home, err := os.UserHomeDir(); err == nil {
		queue = filepath.Join(home, ".notesync", "queue.db")
	}
	return clientConfig{
		BaseURL:        "http://127.0.0.1:8080",
		Queue:          queue,
		BatchSize:      syncclient.DefaultMaxBatchSize,
		RetryCeiling:   syncclient.DefaultRetryCeiling,
		Timeout:        syncclient.DefaultRequestTimeout,
		Interval:       syncclient.DefaultFlushInterval,
		IntervalJitter: syncclient.DefaultIntervalJitter,
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, defaultConfigName)
}

// loadConfig overlays the YAML file at path on the defaults. A missing file
// is only an error when the path was given explicitly.
func loadConfig(path string, explicit bool) (clientConfig, error) {
	cfg := defaultConfig()
	path = strings.TrimSpace(path)
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *clientConfig) applyEnv(getenv func(string) string) {
	if v := strings.TrimSpace(getenv("NOTESYNC_BASE_URL")); v != "" {
		c.BaseURL = v
	}
	if v := strings.TrimSpace(getenv("NOTESYNC_TOKEN")); v != "" {
		c.Token = v
	}
	if v := strings.TrimSpace(getenv("NOTESYNC_QUEUE")); v != "" {
		c.Queue = v
	}
	if v := strings.TrimSpace(getenv("NOTESYNC_LOG_FILE")); v != "" {
		c.LogFile = v
	}
	if v := strings.TrimSpace(getenv("NOTESYNC_WATCH_DIR")); v != "" {
		c.WatchDir = v
	}
}

// applyFlags copies only the flags the user actually set, so flags beat the
// environment and the config file but unset flags leave them alone.
func (c *clientConfig) applyFlags(flags *pflag.FlagSet, set clientConfig) {
	changed := func(name string) bool {
		f := flags.Lookup(name)
		return f != nil && f.Changed
	}
	if changed("base-url") {
		c.BaseURL = set.BaseURL
	}
	if changed("token") {
		c.Token = set.Token
	}
	if changed("queue") {
		c.Queue = set.Queue
	}
	if changed("log-file") {
		c.LogFile = set.LogFile
	}
	if changed("verbose") {
		c.Verbose = set.Verbose
	}
	if changed("batch-size") {
		c.BatchSize = set.BatchSize
	}
	if changed("retry-ceiling") {
		c.RetryCeiling = set.RetryCeiling
	}
	if changed("timeout") {
		c.Timeout = set.Timeout
	}
	if changed("watch-dir") {
		c.WatchDir = set.WatchDir
	}
	if changed("interval") {
		c.Interval = set.Interval
	}
	if changed("interval-jitter") {
		c.IntervalJitter = set.IntervalJitter
	}
}

type app struct {
	cfg    clientConfig
	out    io.Writer
	errOut io.Writer
	logger *slog.Logger
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	a := &app{out: out, errOut: errOut}
	var (
		cfgPath string
		flagCfg clientConfig
	)
	root := &cobra.Command{
		Use:           "notesync-client",
		Short:         "Queue note edits offline and sync them in batches",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgPath, cmd.Flags().Changed("config"))
			if err != nil {
				return err
			}
			cfg.applyEnv(os.Getenv)
			cfg.applyFlags(cmd.Flags(), flagCfg)
			a.cfg = cfg
			a.logger = newLogger(errOut, cfg.LogFile, cfg.Verbose)
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&cfgPath, "config", defaultConfigPath(), "YAML config file")
	pf.StringVar(&flagCfg.BaseURL, "base-url", "", "notesync server base URL (NOTESYNC_BASE_URL)")
	pf.StringVar(&flagCfg.Token, "token", "", "bearer token (NOTESYNC_TOKEN)")
	pf.StringVar(&flagCfg.Queue, "queue", "", "local queue DSN or path (NOTESYNC_QUEUE)")
	pf.StringVar(&flagCfg.LogFile, "log-file", "", "write JSON logs to a rotated file (NOTESYNC_LOG_FILE)")
	pf.BoolVarP(&flagCfg.Verbose, "verbose", "v", false, "log debug output")
	pf.IntVar(&flagCfg.BatchSize, "batch-size", syncclient.DefaultMaxBatchSize, "max operations per batch")
	pf.IntVar(&flagCfg.RetryCeiling, "retry-ceiling", syncclient.DefaultRetryCeiling, "automatic retries before an operation stays failed")
	pf.DurationVar(&flagCfg.Timeout, "timeout", syncclient.DefaultRequestTimeout, "per-batch request timeout")

	root.AddCommand(
		a.newRunCmd(&flagCfg),
		a.newAddCmd(),
		a.newEditCmd(),
		a.newRemoveCmd(),
		a.newFlushCmd(),
		a.newStatusCmd(),
		a.newRetryCmd(),
		a.newDiscardCmd(),
		a.newPendingCmd(),
		a.newTokenCmd(),
	)
	return root
}

func newLogger(errOut io.Writer, logFile string, verbose bool) *slog.Logger {
	out := errOut
	if logFile != "" {
		out = &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     14,
		}
	}
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}))
}

// withOrchestrator opens the queue, builds an orchestrator over it and closes
// the queue when fn returns.
func (a *app) withOrchestrator(ctx context.Context, status syncclient.StatusProvider, fn func(*syncclient.Orchestrator) error) error {
	queue, err := a.openQueue()
	if err != nil {
		return err
	}
	defer queue.Close()
	orch, err := syncclient.NewOrchestrator(ctx, queue, a.remote(), syncclient.Options{
		MaxBatchSize:   a.cfg.BatchSize,
		RetryCeiling:   a.cfg.RetryCeiling,
		FlushInterval:  a.cfg.Interval,
		IntervalJitter: a.cfg.IntervalJitter,
		RequestTimeout: a.cfg.Timeout,
		Status:         status,
		Logger:         a.logger,
	})
	if err != nil {
		return fmt.Errorf("init orchestrator: %w", err)
	}
	return fn(orch)
}

func (a *app) openQueue() (localqueue.Store, error) {
	dsn := strings.TrimSpace(a.cfg.Queue)
	if dsn == "" {
		return nil, fmt.Errorf("queue is required (--queue or NOTESYNC_QUEUE)")
	}
	if !strings.Contains(dsn, "://") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("create queue directory: %w", err)
		}
	}
	queue, err := localqueue.BuildStoreFromDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("open queue %s: %w", dsn, err)
	}
	return queue, nil
}

func (a *app) remote() *syncclient.HTTPClient {
	timeout := a.cfg.Timeout
	if timeout <= 0 {
		timeout = syncclient.DefaultRequestTimeout
	}
	return syncclient.NewHTTPClient(a.cfg.BaseURL, a.cfg.Token, &http.Client{Timeout: timeout})
}

func (a *app) requireToken() error {
	if strings.TrimSpace(a.cfg.Token) == "" {
		return fmt.Errorf("token is required (--token or NOTESYNC_TOKEN)")
	}
	return nil
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
