package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/config"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/logger"
)

func newRootCommand() *cobra.Command {
	v := config.New()
	var configFile string

	cmd := &cobra.Command{
		Use:   "depthd",
		Short: "Depth sensor capture daemon",
		Long: `depthd reads color and depth frames from the capture daemon's shared memory,
pairs them into synchronized captures and serves status, previews and metrics.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, configFile)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&configFile, "config", "c", "", "Config file (default ./config.yaml, $HOME/.depthd or /etc/depthd)")
	f.String("log-level", "info", "Log level (debug, info, warn, error, silent)")
	f.Bool("log-color", true, "Enable colored log output")
	f.String("http", ":8082", "Status and preview server address")
	f.String("metrics", ":9091", "Metrics server address")
	f.String("record-path", "./recordings", "Capture recording output path")
	f.String("shm-color", "/depth_sensor_color", "Shared memory ring for color frames")
	f.String("shm-depth", "/depth_sensor_depth", "Shared memory ring for depth frames")
	f.Int("queue-depth", 2, "Synchronized captures buffered for the consumer")
	f.String("plugin", "", "Depth engine plugin name (empty disables the engine)")
	f.StringSlice("streams", []string{"color", "depth"}, "Enabled streams")

	for key, flag := range map[string]string{
		"log.level":    "log-level",
		"log.color":    "log-color",
		"http_addr":    "http",
		"metrics_addr": "metrics",
		"record_path":  "record-path",
		"shm.color":    "shm-color",
		"shm.depth":    "shm-depth",
		"queue_depth":  "queue-depth",
		"plugin.name":  "plugin",
		"streams":      "streams",
	} {
		if err := v.BindPFlag(key, f.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", flag, err))
		}
	}
	return cmd
}

func run(cfg *config.Config) error {
	level, _ := logger.ParseLevel(cfg.Log.Level)
	logger.Init(level, os.Stderr, cfg.Log.Color)

	logger.Info("Main", "Depth sensor daemon starting...")
	logger.Info("Main", "Log level: %s", level)

	srv, err := NewServer(cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Main", "Received %s, shutting down...", sig)

	if err := srv.Shutdown(); err != nil {
		logger.Error("Main", "Error during shutdown: %v", err)
		return err
	}
	logger.Info("Main", "Server stopped")
	return nil
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
