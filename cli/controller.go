package cli

import (
	"callgate/audit"
	"callgate/codec"
	"callgate/controller"
	"callgate/ops"
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(controllerCmd)
	controllerCmd.Flags().String("listen", "", "Listen address (overrides controller.listen)")
	controllerCmd.Flags().String("audit-log", "", "Hash-chained audit log path (overrides controller.audit_log)")
}

var controllerCmd = &cobra.Command{
	Use:   "controller",
	Short: "Run the controller and accept workers",
	RunE:  runController,
}

func runController(cmd *cobra.Command, args []string) error {
	cc := cfg.Controller
	if v, _ := cmd.Flags().GetString("listen"); v != "" {
		cc.Listen = v
	}
	if v, _ := cmd.Flags().GetString("audit-log"); v != "" {
		cc.AuditLog = v
	}

	codecType, err := codec.ParseCodecType(cc.Codec)
	if err != nil {
		return err
	}

	journal := ops.NewJournal(cc.JournalLimit)
	baseCtx := ops.WithJournal(ops.WithNode(context.Background(), cc.Name), journal)
	opts := []controller.Option{
		controller.WithLogger(logger),
		controller.WithBaseContext(baseCtx),
	}

	reg, err := newRegistry(cfg.Registry)
	if err != nil {
		return err
	}
	if reg != nil {
		defer reg.Close()
		opts = append(opts, controller.WithRegistry(reg))
	}

	if cc.AuditLog != "" {
		log, err := audit.Open(cc.AuditLog)
		if err != nil {
			return err
		}
		defer log.Close()
		opts = append(opts, controller.WithAuditLog(log))
	}

	ctl := controller.New(controller.Config{
		Name:             cc.Name,
		Addr:             cc.Listen,
		AdvertiseAddr:    cc.Advertise,
		Service:          cfg.Registry.Service,
		RegistryTTL:      cfg.Registry.TTL,
		Version:          version,
		Codec:            codecType,
		HandshakeTimeout: cc.HandshakeTimeout,
		RequestTimeout:   cc.RequestTimeout,
		Heartbeat:        cc.Heartbeat,
		RateLimit:        cc.RateLimit,
		RateBurst:        cc.RateBurst,
	}, ops.DefaultCatalog(), opts...)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	served := make(chan error, 1)
	go func() { served <- ctl.Serve() }()

	select {
	case err := <-served:
		return err
	case <-ctx.Done():
	}
	logger.Info().Msg("shutting down")
	if err := ctl.Shutdown(cc.ShutdownTimeout); err != nil {
		return err
	}
	return <-served
}
