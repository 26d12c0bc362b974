package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/secureproxy/gateway/pkg/ca"
	"github.com/secureproxy/gateway/pkg/config"
	"github.com/secureproxy/gateway/pkg/listener"
	"github.com/secureproxy/gateway/pkg/pipeline"
	"github.com/secureproxy/gateway/pkg/policy"
	"github.com/secureproxy/gateway/pkg/trafficlog"
)

var errFlagConflict = errors.New("--connect-only and --sni-only are mutually exclusive")

// shutdownGrace bounds how long serveUntilSignal waits, after a shutdown
// signal, for the listeners' accept loops to return. Connection
// goroutines are not tracked, so in-flight connections are not waited
// for.
const shutdownGrace = 5 * time.Second

type runFlags struct {
	configPath  string
	caCertPath  string
	caKeyPath   string
	logPath     string
	listen      string
	sniListen   string
	connectOnly bool
	sniOnly     bool
	logLevel    string
}

func newRunCmd() *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the gateway in the foreground",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runGateway(f)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.configPath, "config", "/config/rules.json", "path to the policy config JSON document")
	flags.StringVar(&f.caCertPath, "ca-cert", "/ca/certs/ca.pem", "path to the CA root certificate (PEM)")
	flags.StringVar(&f.caKeyPath, "ca-key", "/ca/keys/ca.private.key", "path to the CA root private key (PEM PKCS#8)")
	flags.StringVar(&f.logPath, "log", "/logs/traffic.jsonl", "path to the append-only traffic log")
	flags.StringVar(&f.listen, "listen", "0.0.0.0:58080", "address the CONNECT proxy listens on")
	flags.StringVar(&f.sniListen, "sni-listen", "0.0.0.0:58443", "address the transparent SNI interceptor listens on")
	flags.BoolVar(&f.connectOnly, "connect-only", false, "run only the CONNECT-proxy ingress")
	flags.BoolVar(&f.sniOnly, "sni-only", false, "run only the transparent SNI ingress")
	flags.StringVar(&f.logLevel, "log-level", "info", "log level: debug, info, warn, error")

	return cmd
}

func runGateway(f *runFlags) error {
	logger, err := buildLogger(f.logLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if f.connectOnly && f.sniOnly {
		logger.Error("--connect-only and --sni-only are mutually exclusive")
		return errFlagConflict
	}

	snapshot, err := config.Load(f.configPath)
	if err != nil {
		logger.Error("failed to load policy config", zap.Error(err))
		return err
	}
	logger.Info("policy loaded", zap.String("mode", snapshot.Mode.String()), zap.Int("rules", len(snapshot.Rules)))

	authority, err := ca.LoadOrGenerate(f.caCertPath, f.caKeyPath)
	if err != nil {
		logger.Error("failed to load or generate CA", zap.Error(err))
		return err
	}

	sink, err := trafficlog.NewFileSink(f.logPath)
	if err != nil {
		logger.Error("failed to open traffic log", zap.Error(err))
		return err
	}
	defer sink.Close()

	deps := &pipeline.Deps{
		CA:     authority,
		Policy: policy.NewStore(snapshot),
		Sink:   sink,
		Logger: logger,
	}

	var listeners []*listener.Listener
	if !f.sniOnly {
		listeners = append(listeners, &listener.Listener{
			Addr:   f.listen,
			Handle: pipeline.RunConnect,
			Deps:   deps,
			Logger: logger.With(zap.String("ingress", "connect")),
		})
	}
	if !f.connectOnly {
		listeners = append(listeners, &listener.Listener{
			Addr:   f.sniListen,
			Handle: pipeline.RunSNI,
			Deps:   deps,
			Logger: logger.With(zap.String("ingress", "sni")),
		})
	}

	return serveUntilSignal(logger, listeners)
}

// serveUntilSignal runs every listener's accept loop concurrently and
// blocks until SIGINT/SIGTERM, then closes the listeners and waits up to
// shutdownGrace for their accept loops to return. It does not wait for
// connection goroutines: connections still in flight when it returns
// are cut off when the process exits.
func serveUntilSignal(logger *zap.Logger, listeners []*listener.Listener) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	errs := make(chan error, len(listeners))
	for _, l := range listeners {
		wg.Add(1)
		go func(l *listener.Listener) {
			defer wg.Done()
			if err := l.Serve(); err != nil {
				errs <- err
			}
		}(l)
	}

	<-ctx.Done()
	logger.Info("shutdown signal received, closing listeners", zap.Duration("grace", shutdownGrace))

	for _, l := range listeners {
		l.Close()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownGrace):
		logger.Warn("grace period elapsed before every listener stopped, exiting anyway")
	}

	close(errs)
	for err := range errs {
		if err != nil {
			logger.Warn("listener exited with error", zap.Error(err))
		}
	}
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}
