package commands

import (
	"fmt"
	"os"

	"github.com/bryanchriswhite/FaceKeypoints/internal/config"
	"github.com/bryanchriswhite/FaceKeypoints/internal/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "facekeypoints",
		Short: "FaceKeypoints - live face keypoint overlay from a remote detector",
		Long: `FaceKeypoints streams camera frames to a face keypoint detector and draws
the returned bounding boxes and keypoints over the live picture.

Modes:
  • realtime     capture, send ~1 frame/s, render each result as it arrives
  • image FILE   upload one image and save the processed result
  • video FILE   upload one video and save the processed result

The realtime overlay is served as an MJPEG stream and viewer page on a
local HTTP server, together with a small status API and Prometheus metrics.`,
		SilenceUsage: true,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/facekeypoints/config.yaml)")
	rootCmd.PersistentFlags().Int("port", 0, "viewer server port (default is 8080)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("detector-url", "", "detector websocket URL (default is ws://localhost:8000/ws)")

	viper.BindPFlag("server_port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("detector.ws_url", rootCmd.PersistentFlags().Lookup("detector-url"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// GetConfigFile returns the config file path
func GetConfigFile() string {
	return cfgFile
}

// loadConfig opens the config file, applies flag overrides and initializes logging
func loadConfig() (*config.Manager, error) {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize config manager: %w", err)
	}

	if viper.IsSet("server_port") {
		if port := viper.GetInt("server_port"); port > 0 {
			configMgr.SetPort(port)
		}
	}
	if viper.IsSet("log_level") {
		if level := viper.GetString("log_level"); level != "" {
			configMgr.SetLogLevel(level)
		}
	}
	if viper.IsSet("detector.ws_url") {
		if u := viper.GetString("detector.ws_url"); u != "" {
			configMgr.SetDetectorURL(u)
		}
	}

	cfg := configMgr.Get()
	logger.Init(cfg.LogLevel, cfg.LogPretty)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return configMgr, nil
}
