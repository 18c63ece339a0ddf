// Command brokerd is the process entrypoint wiring the broker session
// manager, request/reply worker pool, and media request dispatcher into
// one long-lived service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/opencall/brokerhub/internal/config"
	"github.com/opencall/brokerhub/pkg/amqpx"
	"github.com/opencall/brokerhub/pkg/envelope"
	"github.com/opencall/brokerhub/pkg/media"
	"github.com/opencall/brokerhub/pkg/pool"
	"github.com/opencall/brokerhub/pkg/session"
)

func main() {
	v := viper.New()
	root := &cobra.Command{
		Use:   "brokerd",
		Short: "brokerd runs the AMQP broker session, request/reply pool, and media dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, v)
		},
	}
	config.BindFlags(root, v)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "brokerd: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, v *viper.Viper) error {
	cfg, err := config.Load(v)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	dialer := amqpx.RealDialer{}
	sessionMgr := session.New(dialer, log)

	clientDone := make(chan struct{})
	poolConn, err := sessionMgr.Connection(cfg.BrokerHost)
	if err != nil {
		return fmt.Errorf("connect pool: %w", err)
	}
	workerPool := pool.New(poolConn, cfg.PoolBaseline, log)

	mediaNotify := make(chan error, 1)
	mediaChannel, _, err := sessionMgr.OpenChannel("brokerd-media", cfg.BrokerHost, clientDone, mediaNotify)
	if err != nil {
		return fmt.Errorf("open media channel: %w", err)
	}
	dispatcher := media.New(mediaChannel, noopDocStore{}, noopStreamSupervisor{}, media.Config{
		DefaultMediaDB:   cfg.MediaDefaultDB,
		MaxReservedPorts: cfg.MediaMaxPorts,
		PortRangeLo:      cfg.MediaPortRangeLo,
		PortRangeHi:      cfg.MediaPortRangeHi,
	}, log)

	// relay host-down notifications so the dispatcher flips into its
	// consumer-retry mode when the broker connection dies
	go func() {
		for {
			select {
			case err := <-mediaNotify:
				log.Warn("broker host down", zap.Error(err))
				dispatcher.NotifyBrokerHostDown()
			case <-clientDone:
				return
			}
		}
	}()

	ctx, cancel := context.WithCancel(cmd.Context())
	dispatcher.Start(ctx)

	log.Info("brokerd started",
		zap.String("broker_host", cfg.BrokerHost),
		zap.Int("pool_baseline", cfg.PoolBaseline),
	)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Info("shutdown signal received")

	shutdownDone := make(chan struct{})
	go func() {
		cancel()
		dispatcher.Shutdown()
		workerPool.Shutdown()
		close(clientDone)
		sessionMgr.Shutdown()
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
		log.Info("shutdown complete")
	case <-time.After(cfg.ShutdownTimeout):
		log.Warn("shutdown timed out, exiting anyway")
	}
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zapcore.InfoLevel
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(zapLevel)
	return zcfg.Build()
}

// noopDocStore and noopStreamSupervisor satisfy the media package's
// document-store and streaming-child seams until a deployment wires in the
// real document store and streaming supervisor it runs alongside.
type noopDocStore struct{}

func (noopDocStore) Resolve(db, doc string) (media.DocMeta, bool) { return media.DocMeta{}, false }

type noopStreamSupervisor struct{}

func (noopStreamSupervisor) StartStream(ref envelope.MediaRef, replyAddress string, mode media.StreamMode, lease media.PortLease) (media.StreamHandle, error) {
	return nil, fmt.Errorf("no stream supervisor configured")
}
