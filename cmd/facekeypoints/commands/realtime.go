package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bryanchriswhite/FaceKeypoints/internal/api"
	"github.com/bryanchriswhite/FaceKeypoints/internal/capture"
	"github.com/bryanchriswhite/FaceKeypoints/internal/capture/gstreamer"
	"github.com/bryanchriswhite/FaceKeypoints/internal/capture/opencv"
	"github.com/bryanchriswhite/FaceKeypoints/internal/capture/portal"
	"github.com/bryanchriswhite/FaceKeypoints/internal/capture/screen"
	"github.com/bryanchriswhite/FaceKeypoints/internal/config"
	"github.com/bryanchriswhite/FaceKeypoints/internal/encoder"
	"github.com/bryanchriswhite/FaceKeypoints/internal/logger"
	"github.com/bryanchriswhite/FaceKeypoints/internal/metrics"
	"github.com/bryanchriswhite/FaceKeypoints/internal/output"
	"github.com/bryanchriswhite/FaceKeypoints/internal/overlay"
	"github.com/bryanchriswhite/FaceKeypoints/internal/pipeline"
	"github.com/bryanchriswhite/FaceKeypoints/internal/sampler"
	"github.com/bryanchriswhite/FaceKeypoints/internal/session"
	"github.com/spf13/cobra"
)

var realtimeCmd = &cobra.Command{
	Use:   "realtime",
	Short: "Stream the camera to the detector and overlay the results",
	Long: `Capture the local camera, send one frame roughly every second to the
detector's websocket, and draw each returned result over the live picture.

The overlay is published on the viewer server (http://localhost:PORT/).
Press Ctrl+C to stop; the timer, detector connection and camera are released
in that order.`,
	Example: `  # Default camera, default detector
  facekeypoints realtime

  # Use a still image instead of a camera
  facekeypoints realtime --source file --file face.png

  # Screen capture with a status label, against a remote detector
  facekeypoints realtime --source screen --status-label --detector-url ws://gpu-box:8000/ws`,
	RunE: runRealtime,
}

var (
	sourceFlag      string
	fileFlag        string
	statusLabelFlag bool
	windowFlag      bool
)

func init() {
	rootCmd.AddCommand(realtimeCmd)

	realtimeCmd.Flags().StringVar(&sourceFlag, "source", "", "comma-separated capture sources to try (opencv, gstreamer, screen, portal, file)")
	realtimeCmd.Flags().StringVar(&fileFlag, "file", "", "image file for the file source")
	realtimeCmd.Flags().BoolVar(&statusLabelFlag, "status-label", false, "draw a status label on the overlay")
	realtimeCmd.Flags().BoolVar(&windowFlag, "window", false, "also show the overlay in a local X11 window")
}

// buildSource creates the configured capture backends behind a fallback router
func buildSource(cfg *config.Config) (*capture.Router, error) {
	var sources []capture.Source
	for _, name := range cfg.Capture.Sources {
		switch strings.TrimSpace(name) {
		case config.SourceOpenCV:
			sources = append(sources, opencv.New(cfg.Capture.Device, cfg.Capture.Width, cfg.Capture.Height))
		case config.SourceGStreamer:
			sources = append(sources, gstreamer.New(gstreamer.Config{
				Device: cfg.Capture.GStreamerDevice,
				Width:  cfg.Capture.Width,
				Height: cfg.Capture.Height,
			}))
		case config.SourceScreen:
			sources = append(sources, screen.New())
		case config.SourcePortal:
			sources = append(sources, portal.New(cfg.Capture.Width, cfg.Capture.Height))
		case config.SourceFile:
			sources = append(sources, capture.NewStillSource(cfg.Capture.File))
		default:
			return nil, fmt.Errorf("unknown capture source: %s", name)
		}
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("no capture sources configured")
	}
	return capture.NewRouter(sources...), nil
}

// applyRealtimeFlags copies command-line overrides into the loaded config
func applyRealtimeFlags(configMgr *config.Manager) error {
	if sourceFlag != "" {
		sources, _ := parseConfigValue("capture.sources", sourceFlag)
		if err := configMgr.Set("capture.sources", sources); err != nil {
			return err
		}
	}
	if fileFlag != "" {
		if err := configMgr.Set("capture.file", fileFlag); err != nil {
			return err
		}
	}
	if statusLabelFlag {
		if err := configMgr.Set("render.status_label", true); err != nil {
			return err
		}
	}
	if windowFlag {
		if err := configMgr.Set("render.window", true); err != nil {
			return err
		}
	}
	return configMgr.Get().Validate()
}

func runRealtime(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	if err := applyRealtimeFlags(configMgr); err != nil {
		return err
	}
	cfg := configMgr.Get()

	log := logger.WithComponent("realtime")
	log.Info().
		Str("config", configMgr.GetConfigPath()).
		Str("detector", cfg.Detector.WSURL).
		Strs("sources", cfg.Capture.Sources).
		Msg("Starting realtime mode")

	source, err := buildSource(cfg)
	if err != nil {
		return err
	}

	m := metrics.New()
	hub := api.NewResultHub()
	outCfg := output.Config{Width: cfg.Render.Width, Height: cfg.Render.Height}
	stream := output.NewMJPEGOutput(outCfg)
	outputs := []output.Output{stream}
	if cfg.Render.Window {
		outputs = append(outputs, output.NewWindowOutput(outCfg))
	}

	p := pipeline.New(pipeline.Options{
		Source: source,
		Dial: func(ctx context.Context) pipeline.Conn {
			return session.Connect(ctx, session.Config{
				URL:              cfg.Detector.WSURL,
				HandshakeTimeout: cfg.Detector.HandshakeTimeout,
				CloseTimeout:     cfg.Detector.CloseTimeout,
			})
		},
		Sampler:   sampler.New(cfg.Sampler.Every),
		NewTicker: func() sampler.Ticker { return sampler.NewTicker(cfg.Sampler.Interval) },
		Encoder:   encoder.New(cfg.Encoder.Quality),
		Renderer: overlay.NewRenderer(overlay.Config{
			Width:       cfg.Render.Width,
			Height:      cfg.Render.Height,
			StatusLabel: cfg.Render.StatusLabel,
		}),
		Outputs:   outputs,
		Observers: []pipeline.Observer{hub},
		Metrics:   m,
	})

	var server *api.Server
	if cfg.ServerPort > 0 {
		server = api.NewServer(hub, p, stream, m, configMgr)
		go func() {
			if err := server.Start(cfg.ServerPort); err != nil {
				log.Error().Err(err).Msg("Viewer server stopped")
			}
		}()
		log.Info().Msgf("Viewer: http://localhost:%d/", cfg.ServerPort)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := p.Run(ctx)

	log.Info().Msg("Shutting down gracefully...")
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Viewer server shutdown")
		}
	}
	return runErr
}
