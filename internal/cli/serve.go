package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/keyzf/vanessa/internal/ca"
	"github.com/keyzf/vanessa/internal/logger"
	"github.com/keyzf/vanessa/internal/metrics"
	"github.com/keyzf/vanessa/internal/observability"
	"github.com/keyzf/vanessa/internal/pac"
	"github.com/keyzf/vanessa/internal/pipeline"
	"github.com/keyzf/vanessa/internal/pipeline/builtin"
	"github.com/keyzf/vanessa/internal/proxyconfig"
	"github.com/keyzf/vanessa/internal/proxyserver"
	"github.com/keyzf/vanessa/internal/resources"
	"github.com/keyzf/vanessa/internal/runtime"
	"github.com/keyzf/vanessa/internal/sysproxy"
	"github.com/keyzf/vanessa/internal/upstream"
	"github.com/keyzf/vanessa/internal/util"
	"github.com/keyzf/vanessa/internal/version"
)

func newServeCommand(opts *runtime.Options) *cobra.Command {
	var configPath string
	var tracingExporter string
	var tracingEnabled bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the intercepting proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, configPath, tracingEnabled, tracingExporter)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML configuration file (optional)")
	cmd.Flags().BoolVar(&tracingEnabled, "tracing", false, "enable OpenTelemetry tracing")
	cmd.Flags().StringVar(&tracingExporter, "tracing-exporter", "stdout", "tracing exporter: stdout, otlp-grpc, otlp-http")

	return cmd
}

func runServe(opts *runtime.Options, configPath string, tracingEnabled bool, tracingExporter string) error {
	ctx, cancel := util.WithSignalContext(context.Background())
	defer cancel()

	log, err := logger.New(logger.Config{
		Format:      formatFor(opts.JSONLogs),
		Level:       opts.LogLevel,
		ServiceName: "vanessa",
		Version:     version.Version,
	})
	if err != nil {
		return fmt.Errorf("cli: setting up logger: %w", err)
	}

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:  tracingEnabled,
		Exporter: tracingExporter,
	})
	if err != nil {
		return fmt.Errorf("cli: initializing tracing: %w", err)
	}
	defer shutdownTracing(ctx)

	cfg := proxyconfig.Config{}
	if configPath != "" {
		cfg, err = proxyconfig.Load(configPath)
		if err != nil {
			return fmt.Errorf("cli: loading config: %w", err)
		}
	} else {
		cfg.ListenAddr = "127.0.0.1:8080"
		cfg.AdminAddr = "127.0.0.1:8081"
	}

	authority, err := ca.NewLocalAuthority(ca.Options{Organization: cfg.CA.Organization})
	if err != nil {
		return fmt.Errorf("cli: building certificate authority: %w", err)
	}

	upstreamCfg, err := buildUpstreamConfig(cfg)
	if err != nil {
		return fmt.Errorf("cli: building upstream configuration: %w", err)
	}
	selector := upstream.NewSelector(upstreamCfg)

	reg := metrics.New()
	tracker := resources.NewTracker()

	var mws []pipeline.Middleware
	if len(cfg.BlockHosts) > 0 {
		mws = append(mws, builtin.BlockHosts(cfg.BlockHosts...))
	}

	srv, err := proxyserver.New(proxyserver.Options{
		ListenAddr:       cfg.ListenAddr,
		AdminAddr:        cfg.AdminAddr,
		Authority:        authority,
		Selector:         selector,
		Middleware:       mws,
		Logger:           log,
		Metrics:          reg,
		Resources:        tracker,
		MaxTunnelBytes:   cfg.MaxTunnelBytes,
		StreamIDMode:     cfg.StreamIDMode,
		SysProxyResolver: sysproxy.Resolver{},
		AdminACME: proxyserver.AdminACMEOptions{
			Hosts:    cfg.AdminACME.Hosts,
			Email:    cfg.AdminACME.Email,
			CacheDir: cfg.AdminACME.CacheDir,
			HTTPAddr: cfg.AdminACME.HTTPAddr,
		},
	})
	if err != nil {
		return fmt.Errorf("cli: building proxy server: %w", err)
	}

	log.Info("starting vanessa", "listen", cfg.ListenAddr, "admin", cfg.AdminAddr)
	return srv.Run(ctx)
}

// buildUpstreamConfig parses cfg.Upstream's explicit fields into the static
// agents a Selector falls back to once the per-request system-proxy
// snapshot (resolved fresh by the ClientProxy stage, see
// Options.SysProxyResolver) leaves a field unset.
func buildUpstreamConfig(cfg proxyconfig.Config) (upstream.Config, error) {
	httpURL, err := cfg.ParsedHTTP()
	if err != nil {
		return upstream.Config{}, err
	}
	httpsURL, err := cfg.ParsedHTTPS()
	if err != nil {
		return upstream.Config{}, err
	}
	socksURL, err := cfg.ParsedSOCKS()
	if err != nil {
		return upstream.Config{}, err
	}

	upstreamCfg := upstream.Config{HTTP: httpURL, HTTPS: httpsURL, SOCKS: socksURL}

	if cfg.Upstream.PACFile != "" {
		source, err := os.ReadFile(cfg.Upstream.PACFile)
		if err != nil {
			return upstream.Config{}, fmt.Errorf("reading pac file %q: %w", cfg.Upstream.PACFile, err)
		}
		script, err := pac.Compile(string(source))
		if err != nil {
			return upstream.Config{}, fmt.Errorf("compiling pac file %q: %w", cfg.Upstream.PACFile, err)
		}
		upstreamCfg.PAC = script
	}

	return upstreamCfg, nil
}

func formatFor(jsonLogs bool) logger.Format {
	if jsonLogs {
		return logger.FormatJSON
	}
	return logger.FormatText
}
