// ad-dirsync streams Active Directory changes as JSON lines.
//
// Each poll resumes from the checkpoint stored in the state database and
// writes one line per CREATE, UPDATE or DELETE to stdout. Logs go to
// stderr.
//
// Usage:
//
//	ad-dirsync [--config FILE] [--once] [--interval DURATION] [--reset]
//	ad-dirsync set-password [--config FILE] --dn DN < password
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/hashicorp/terraform-plugin-log/tfsdklog"
	"github.com/spf13/pflag"

	"github.com/isometry/ad-dirsync/internal/config"
	"github.com/isometry/ad-dirsync/internal/dirsync"
	ldapclient "github.com/isometry/ad-dirsync/internal/ldap"
	"github.com/isometry/ad-dirsync/internal/state"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// options are the parsed command-line flags.
type options struct {
	command    string
	configPath string
	once       bool
	reset      bool
	interval   time.Duration
	logLevel   string
	dn         string
}

func parseArgs(args []string) (*options, error) {
	opts := &options{command: "sync"}
	if len(args) > 0 && args[0] == "set-password" {
		opts.command = args[0]
		args = args[1:]
	}

	flagSet := pflag.NewFlagSet("ad-dirsync "+opts.command, pflag.ContinueOnError)
	flagSet.StringVarP(&opts.configPath, "config", "c", os.Getenv(config.EnvPrefix+"CONFIG"), "path to the YAML configuration file")
	flagSet.StringVar(&opts.logLevel, "log-level", "", "log level (trace, debug, info, warn, error); overrides the configuration")

	switch opts.command {
	case "sync":
		flagSet.BoolVar(&opts.once, "once", false, "poll once and exit")
		flagSet.BoolVar(&opts.reset, "reset", false, "discard the stored checkpoint before polling")
		flagSet.DurationVar(&opts.interval, "interval", 0, "time between polls; overrides the configuration")
	case "set-password":
		flagSet.StringVar(&opts.dn, "dn", "", "distinguished name of the account")
	}

	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}

	if rest := flagSet.Args(); len(rest) > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", rest[0])
	}

	if opts.interval < 0 {
		return nil, errors.New("--interval cannot be negative")
	}

	if opts.command == "set-password" && opts.dn == "" {
		return nil, errors.New("--dn is required")
	}

	return opts, nil
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	opts, err := parseArgs(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}

	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if opts.interval > 0 {
		cfg.Sync.Interval = opts.interval
	}

	level := cfg.LogLevel()
	if level == hclog.NoLevel {
		return fmt.Errorf("unknown log level %q", cfg.Log.Level)
	}

	ctx = tfsdklog.NewRootProviderLogger(ctx,
		tfsdklog.WithLogName("ad-dirsync"),
		tfsdklog.WithLevel(level),
	)
	ctx = ldapclient.NewLoggingContext(ctx)
	ctx = dirsync.NewLoggingContext(ctx)

	client, err := ldapclient.NewClient(ctx, cfg.LDAPConfig())
	if err != nil {
		return fmt.Errorf("create directory client: %w", err)
	}
	defer client.Close()

	if opts.command == "set-password" {
		return setPassword(ctx, client, opts.dn, stdin)
	}

	return syncLoop(ctx, client, cfg, opts, stdout)
}

func syncLoop(ctx context.Context, client ldapclient.Client, cfg *config.Config, opts *options, stdout io.Writer) error {
	dse, err := dirsync.CheckSupport(ctx, client)
	if err != nil {
		return err
	}

	syncCfg := cfg.SyncConfig()
	if syncCfg.NamingContext == "" {
		syncCfg.NamingContext = dse.DefaultNamingContext
	}

	store, err := state.OpenSQLite(cfg.State.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Init(ctx); err != nil {
		return err
	}

	engine, err := dirsync.NewEngine(client, syncCfg, dirsync.WithStateStore(store))
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	if opts.reset {
		if err := engine.Reset(ctx); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
		tflog.Info(ctx, "Checkpoint discarded", map[string]any{"scope": engine.Config().Name})
	}

	out := newJSONLines(stdout)

	for {
		res, err := engine.Resume(ctx, out)
		switch {
		case errors.Is(err, context.Canceled):
			return nil
		case err != nil && opts.once:
			return err
		case err != nil && !dirsync.IsRetryable(err):
			return err
		case err != nil:
			tflog.Warn(ctx, "Poll failed, retrying on the next interval", map[string]any{"error": err.Error()})
		default:
			logResult(ctx, engine.Config().Name, res)
		}

		if opts.once {
			return nil
		}

		timer := time.NewTimer(cfg.Sync.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func logResult(ctx context.Context, scope string, res *dirsync.Result) {
	fields := map[string]any{
		"scope":     scope,
		"delivered": res.Delivered,
		"rounds":    res.Rounds,
		"baseline":  res.Baseline,
	}
	if res.Restarted {
		fields["restarted"] = true
	}
	if res.TombstoneScanFailed {
		fields["tombstone_scan_failed"] = true
	}
	tflog.Info(ctx, "Poll completed", fields)
}

func setPassword(ctx context.Context, client ldapclient.Client, dn string, stdin io.Reader) error {
	password, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read password: %w", err)
	}
	password = strings.TrimRight(password, "\r\n")

	req, err := ldapclient.NewPasswordModifyRequest(dn, password)
	if err != nil {
		return err
	}

	if err := client.Modify(ctx, req); err != nil {
		return fmt.Errorf("set password for %s: %w", dn, err)
	}

	tflog.Info(ctx, "Password updated", map[string]any{"dn": dn})
	return nil
}
