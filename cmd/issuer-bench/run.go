package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync/atomic"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"golang.org/x/sync/errgroup"

	"github.com/giantswarm/oauth-issuer/instrumentation"
	"github.com/giantswarm/oauth-issuer/security"
	"github.com/giantswarm/oauth-issuer/server"
	"github.com/giantswarm/oauth-issuer/storage"
	"github.com/giantswarm/oauth-issuer/storage/memory"
	"github.com/giantswarm/oauth-issuer/storage/valkey"
)

const benchClientID = "issuer-bench"

type runOptions struct {
	*rootOptions

	users   int
	cycles  int
	grant   string
	backend string
	rotate  bool
	metrics bool
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run concurrent grant, validate and refresh cycles",
		Long: `Run starts one goroutine per user. Every user performs the configured
number of cycles: obtain tokens with a code or password grant, validate the
access token, refresh it, check that the previous access token is rejected,
validate the new one and revoke the grant.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.run(cmd)
		},
	}

	cmd.Flags().IntVar(&opts.users, "users", 0, "number of concurrent users (overrides config)")
	cmd.Flags().IntVar(&opts.cycles, "cycles", 0, "cycles per user (overrides config)")
	cmd.Flags().StringVar(&opts.grant, "grant", "", "grant used to obtain tokens: code or password (overrides config)")
	cmd.Flags().StringVar(&opts.backend, "backend", "", "token store: memory or valkey (overrides config)")
	cmd.Flags().BoolVar(&opts.rotate, "rotate", false, "rotate refresh tokens on every refresh (overrides config)")
	cmd.Flags().BoolVar(&opts.metrics, "metrics", false, "collect and print issuer metrics after the run")

	return cmd
}

func (o *runOptions) run(cmd *cobra.Command) error {
	logger, err := o.logger()
	if err != nil {
		return err
	}

	cfg, err := loadConfig(o.configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("users") {
		cfg.Users = o.users
	}
	if flags.Changed("cycles") {
		cfg.Cycles = o.cycles
	}
	if flags.Changed("grant") {
		cfg.Grant = o.grant
	}
	if flags.Changed("backend") {
		cfg.Backend = o.backend
	}
	if flags.Changed("rotate") {
		cfg.Server.RotateRefreshTokens = o.rotate
	}

	if err := cfg.validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	return execute(cmd.Context(), cfg, logger, o.metrics, cmd.OutOrStdout())
}

// execute builds the store and server described by cfg, runs the load and
// writes the report to out
func execute(ctx context.Context, cfg *benchConfig, logger *slog.Logger, withMetrics bool, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		inst   *instrumentation.Instrumentation
		reader *sdkmetric.ManualReader
	)
	if withMetrics {
		reader = sdkmetric.NewManualReader()
		var err error
		inst, err = instrumentation.New(instrumentation.Config{
			ServiceName:   "issuer-bench",
			Enabled:       true,
			MeterProvider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
		})
		if err != nil {
			return fmt.Errorf("failed to create instrumentation: %w", err)
		}
		defer func() { _ = inst.Shutdown(context.Background()) }()
	}

	store, closeStore, err := openStore(cfg, logger, inst)
	if err != nil {
		return err
	}
	defer closeStore()

	srvCfg := cfg.serverConfig()
	srvCfg.Instrumentation = inst
	srv, err := server.New(store, nil, nil, srvCfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	defer srv.Stop()

	rep, err := runBench(ctx, srv, cfg)
	rep.write(out)
	if err != nil {
		return err
	}

	if reader != nil {
		var rm metricdata.ResourceMetrics
		if err := reader.Collect(ctx, &rm); err != nil {
			return fmt.Errorf("failed to collect metrics: %w", err)
		}
		writeMetrics(out, &rm)
	}
	return nil
}

// openStore returns the configured token store and a func releasing it
func openStore(cfg *benchConfig, logger *slog.Logger, inst *instrumentation.Instrumentation) (storage.TokenStore, func(), error) {
	switch cfg.Backend {
	case backendValkey:
		store, err := valkey.New(valkey.Config{
			Address:   cfg.Valkey.Address,
			Password:  cfg.Valkey.Password,
			DB:        cfg.Valkey.DB,
			KeyPrefix: cfg.Valkey.KeyPrefix,
			Logger:    logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to valkey: %w", err)
		}
		if cfg.Valkey.EncryptionKey != "" {
			key, err := security.KeyFromBase64(cfg.Valkey.EncryptionKey)
			if err != nil {
				store.Close()
				return nil, nil, fmt.Errorf("invalid valkey.encryption_key: %w", err)
			}
			enc, err := security.NewEncryptor(key)
			if err != nil {
				store.Close()
				return nil, nil, fmt.Errorf("failed to create encryptor: %w", err)
			}
			enc.SetInstrumentation(inst)
			store.SetEncryptor(enc)
		}
		store.SetInstrumentation(inst)
		return store, store.Close, nil

	default:
		store := memory.New()
		store.SetLogger(logger)
		store.SetInstrumentation(inst)
		return store, store.Stop, nil
	}
}

// report summarizes a benchmark run
type report struct {
	Users     int
	Cycles    int
	Grant     string
	Rotate    bool
	Completed int64
	Refreshed int64
	Elapsed   time.Duration
}

func (r *report) write(out io.Writer) {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "users\t%d\n", r.Users)
	fmt.Fprintf(tw, "cycles per user\t%d\n", r.Cycles)
	fmt.Fprintf(tw, "grant\t%s\n", r.Grant)
	fmt.Fprintf(tw, "rotate refresh tokens\t%t\n", r.Rotate)
	fmt.Fprintf(tw, "completed cycles\t%d/%d\n", r.Completed, int64(r.Users)*int64(r.Cycles))
	fmt.Fprintf(tw, "refreshes\t%d\n", r.Refreshed)
	fmt.Fprintf(tw, "elapsed\t%s\n", r.Elapsed.Round(time.Millisecond))
	if secs := r.Elapsed.Seconds(); secs > 0 {
		fmt.Fprintf(tw, "cycles/s\t%.0f\n", float64(r.Completed)/secs)
	}
	_ = tw.Flush()
}

// runBench runs cfg.Users goroutines of cfg.Cycles cycles each. The first
// failing cycle cancels the others; the report covers the cycles completed
// until then.
func runBench(ctx context.Context, srv *server.Server, cfg *benchConfig) (*report, error) {
	rep := &report{
		Users:  cfg.Users,
		Cycles: cfg.Cycles,
		Grant:  cfg.Grant,
		Rotate: srv.Config.RotateRefreshTokens,
	}
	scope := storage.NewScope(cfg.Scope...)

	var completed, refreshed atomic.Int64
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	for u := 0; u < cfg.Users; u++ {
		p := storage.Principal{ID: fmt.Sprintf("user-%d", u), ClientID: benchClientID}
		g.Go(func() error {
			for c := 0; c < cfg.Cycles; c++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				didRefresh, err := cycle(gctx, srv, cfg.Grant, p, scope)
				if err != nil {
					return fmt.Errorf("%s cycle %d: %w", p.ID, c, err)
				}
				if didRefresh {
					refreshed.Add(1)
				}
				completed.Add(1)
			}
			return nil
		})
	}
	err := g.Wait()

	rep.Elapsed = time.Since(start)
	rep.Completed = completed.Load()
	rep.Refreshed = refreshed.Load()
	return rep, err
}

var errStaleAccepted = errors.New("replaced access token still validates")

// cycle performs one grant, validate, refresh, validate and revoke sequence.
// It reports whether a refresh took place; unlimited access tokens come
// without a refresh token.
func cycle(ctx context.Context, srv *server.Server, grantType string, p storage.Principal, scope storage.Scope) (bool, error) {
	var (
		grant *server.TokenGrant
		err   error
	)
	switch grantType {
	case grantPassword:
		grant, err = srv.ExchangePassword(ctx, p, server.ClientCredentials{ClientID: p.ClientID}, scope)
		if err != nil {
			return false, fmt.Errorf("password grant: %w", err)
		}
	default:
		code, err := srv.IssueCode(ctx, p, scope)
		if err != nil {
			return false, fmt.Errorf("issue code: %w", err)
		}
		grant, err = srv.ExchangeCode(ctx, code)
		if err != nil {
			return false, fmt.Errorf("exchange code: %w", err)
		}
	}

	if _, err := srv.Validate(ctx, grant.AccessToken, scope); err != nil {
		return false, fmt.Errorf("validate issued token: %w", err)
	}

	if grant.RefreshToken == "" {
		return false, srv.Revoke(ctx, grant.AccessToken)
	}

	refreshed, err := srv.Refresh(ctx, grant.RefreshToken)
	if err != nil {
		return false, fmt.Errorf("refresh: %w", err)
	}

	_, err = srv.Validate(ctx, grant.AccessToken, scope)
	switch {
	case err == nil:
		return true, errStaleAccepted
	case !errors.Is(err, server.ErrTokenNotFound):
		return true, fmt.Errorf("validate replaced token: %w", err)
	}

	if _, err := srv.Validate(ctx, refreshed.AccessToken, scope); err != nil {
		return true, fmt.Errorf("validate refreshed token: %w", err)
	}

	if err := srv.Revoke(ctx, refreshed.RefreshToken); err != nil {
		return true, fmt.Errorf("revoke: %w", err)
	}
	return true, nil
}

// writeMetrics prints every issuer counter with its attributes
func writeMetrics(out io.Writer, rm *metricdata.ResourceMetrics) {
	type line struct{ name, attrs string }
	totals := make(map[line]int64)

	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				key := line{name: m.Name, attrs: dp.Attributes.Encoded(attribute.DefaultEncoder())}
				totals[key] += dp.Value
			}
		}
	}

	lines := make([]line, 0, len(totals))
	for l := range totals {
		lines = append(lines, l)
	}
	sort.Slice(lines, func(i, j int) bool {
		if lines[i].name != lines[j].name {
			return lines[i].name < lines[j].name
		}
		return lines[i].attrs < lines[j].attrs
	})

	fmt.Fprintln(out)
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, l := range lines {
		fmt.Fprintf(tw, "%s\t{%s}\t%d\n", l.name, l.attrs, totals[l])
	}
	_ = tw.Flush()
}
