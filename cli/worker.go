package cli

import (
	"callgate/codec"
	"callgate/loadbalance"
	"callgate/ops"
	"callgate/worker"
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.Flags().String("name", "", "Worker name (overrides worker.name)")
	workerCmd.Flags().String("controller", "", "Controller address; skips discovery (overrides worker.controller)")
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a worker agent connected to a controller",
	RunE:  runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	wc := cfg.Worker
	if v, _ := cmd.Flags().GetString("name"); v != "" {
		wc.Name = v
	}
	if v, _ := cmd.Flags().GetString("controller"); v != "" {
		wc.Controller = v
	}

	codecType, err := codec.ParseCodecType(wc.Codec)
	if err != nil {
		return err
	}

	opts := []worker.Option{
		worker.WithLogger(logger),
		worker.WithBaseContext(ops.WithNode(context.Background(), wc.Name)),
	}
	if wc.Controller == "" {
		reg, err := newRegistry(cfg.Registry)
		if err != nil {
			return err
		}
		if reg != nil {
			defer reg.Close()
			bal, err := loadbalance.New(wc.Balancer)
			if err != nil {
				return err
			}
			opts = append(opts, worker.WithDiscovery(reg, bal))
		}
	}

	agent, err := worker.New(worker.Config{
		Name:             wc.Name,
		ControllerAddr:   wc.Controller,
		Service:          cfg.Registry.Service,
		Version:          version,
		Codec:            codecType,
		DialTimeout:      wc.DialTimeout,
		HandshakeTimeout: wc.HandshakeTimeout,
		Heartbeat:        wc.Heartbeat,
		MaxRetries:       wc.MaxRetries,
		RetryBase:        wc.RetryBase,
		ReconnectMin:     wc.ReconnectMin,
		ReconnectMax:     wc.ReconnectMax,
	}, ops.DefaultCatalog(), opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go announce(ctx, agent, wc.Name)
	return agent.Run(ctx)
}

// announce records the worker in the controller journal once it is connected.
func announce(ctx context.Context, agent *worker.Agent, name string) {
	if err := agent.WaitConnected(ctx); err != nil {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var idx int
	if err := agent.Call(callCtx, &ops.AppendLogLine{Source: name, Text: "worker online"}, &idx); err != nil {
		logger.Warn().Err(err).Msg("announce failed")
		return
	}
	logger.Info().Int("journal_index", idx).Str("controller", agent.Controller()).Msg("announced")
}
