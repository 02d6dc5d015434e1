package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/appsim/simulate/internal/config"
	"github.com/appsim/simulate/internal/lifecycle"
	"github.com/appsim/simulate/internal/livereload"
	"github.com/appsim/simulate/internal/logging"
	"github.com/appsim/simulate/internal/project"
	"github.com/appsim/simulate/internal/server"
	"github.com/appsim/simulate/internal/telemetry"
	"github.com/appsim/simulate/internal/watcher"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the simulator with live reload",
	Long: `Start the simulator server: serve the prepared platform output and the
simulation-host UI, watch the project for changes, and push live-reload
notifications to connected browsers.

Examples:
  simulate serve                        # Serve the project in the current directory
  simulate serve --dir ./myapp -p 8000  # Serve a specific project on port 8000
  simulate serve --forceprepare         # Rebuild instead of copying on each change`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntP("port", "p", 0, "Port to serve on (0 picks a free port)")
	serveCmd.Flags().StringP("dir", "d", "", "Project directory (default is the working directory)")
	serveCmd.Flags().String("platform", "browser", "Platform to simulate")
	serveCmd.Flags().String("simhostui", "", "Override path for the simulation-host UI")
	serveCmd.Flags().String("simulationpath", "", "Where simulation state files are written")
	serveCmd.Flags().Bool("telemetry", false, "Enable metrics collection and the /metrics endpoint")
	serveCmd.Flags().Bool("livereload", true, "Enable the live-reload propagation engine")
	serveCmd.Flags().Bool("forceprepare", false, "Rerun prepare on every change instead of copying")
	serveCmd.Flags().Bool("corsproxy", true, "Enable the cross-origin proxy")
	serveCmd.Flags().Bool("touchevents", true, "Enable synthetic touch-event injection")
	serveCmd.Flags().String("preparecmd", "", "Command used for the prepare step")

	for _, key := range []string{
		"port", "dir", "platform", "simhostui", "simulationpath",
		"telemetry", "livereload", "forceprepare", "corsproxy", "touchevents", "preparecmd",
	} {
		if err := viper.BindPFlag(key, serveCmd.Flags().Lookup(key)); err != nil {
			fmt.Fprintf(os.Stderr, "Error binding %s flag: %v\n", key, err)
		}
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logging.NewLogger(&logging.Config{
		Level:  logging.ParseLevel(viper.GetString("log-level")),
		Format: "text",
		Output: os.Stderr,
	})

	var metrics *telemetry.Recorder
	if cfg.Telemetry {
		metrics = telemetry.NewRecorder(nil)
	}

	proj := project.New(cfg.PrepareCmd, logger)
	srv := server.New(logger, metrics)
	controller := lifecycle.NewController(cfg, srv, proj, logger, metrics)

	propagator := livereload.New(proj, cfg.ForcePrepare,
		func(root string) (livereload.Watcher, error) {
			return watcher.New(root, logger)
		},
		livereload.Options{
			PrepareAttempts: config.DefaultPrepareAttempts,
			PrepareDelay:    config.DefaultPrepareDelay,
			SettleDelay:     config.DefaultSettleDelay,
		},
		logger, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := controller.StartSimulation(ctx); err != nil {
		return err
	}

	if cfg.LiveReload {
		if err := propagator.Start(srv.Connection()); err != nil {
			if stopErr := controller.StopSimulation(ctx); stopErr != nil {
				logger.Warn(ctx, stopErr, "stopping after live-reload start failure")
			}
			return fmt.Errorf("starting live reload: %w", err)
		}
	}

	fmt.Printf("Simulator running at %s\n", controller.URLRoot())
	fmt.Printf("App:      %s\n", controller.AppURL())
	fmt.Printf("Sim host: %s\n", controller.SimHostURL())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	fmt.Println("Shutting down simulator...")

	propagator.Stop()
	if err := controller.StopSimulation(ctx); err != nil {
		return fmt.Errorf("stopping simulation: %w", err)
	}

	return nil
}
