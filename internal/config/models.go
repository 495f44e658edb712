package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Capture source names, in the order they are tried by default
const (
	SourceOpenCV    = "opencv"
	SourceGStreamer = "gstreamer"
	SourceScreen    = "screen"
	SourcePortal    = "portal"
	SourceFile      = "file"
)

// Config represents the application configuration
type Config struct {
	Detector   DetectorConfig `json:"detector" mapstructure:"detector"`
	Capture    CaptureConfig  `json:"capture" mapstructure:"capture"`
	Sampler    SamplerConfig  `json:"sampler" mapstructure:"sampler"`
	Encoder    EncoderConfig  `json:"encoder" mapstructure:"encoder"`
	Render     RenderConfig   `json:"render" mapstructure:"render"`
	ServerPort int            `json:"server_port" mapstructure:"server_port"`
	LogLevel   string         `json:"log_level" mapstructure:"log_level"`
	LogPretty  bool           `json:"log_pretty" mapstructure:"log_pretty"`
}

// DetectorConfig points at the remote keypoint detector
type DetectorConfig struct {
	WSURL            string        `json:"ws_url" mapstructure:"ws_url"`     // realtime endpoint
	HTTPURL          string        `json:"http_url" mapstructure:"http_url"` // base for /detect/image and /detect/video
	HandshakeTimeout time.Duration `json:"handshake_timeout" mapstructure:"handshake_timeout"`
	CloseTimeout     time.Duration `json:"close_timeout" mapstructure:"close_timeout"`
	UploadTimeout    time.Duration `json:"upload_timeout" mapstructure:"upload_timeout"`
}

// CaptureConfig selects and sizes the camera feed
type CaptureConfig struct {
	Sources         []string `json:"sources" mapstructure:"sources"`
	Device          int      `json:"device" mapstructure:"device"`
	GStreamerDevice string   `json:"gstreamer_device" mapstructure:"gstreamer_device"`
	Width           int      `json:"width" mapstructure:"width"`
	Height          int      `json:"height" mapstructure:"height"`
	File            string   `json:"file" mapstructure:"file"`
}

// SamplerConfig controls the send rate: one frame every Every ticks of Interval
type SamplerConfig struct {
	Interval time.Duration `json:"interval" mapstructure:"interval"`
	Every    int           `json:"every" mapstructure:"every"`
}

// EncoderConfig holds the JPEG quality used for outbound frames
type EncoderConfig struct {
	Quality int `json:"quality" mapstructure:"quality"`
}

// RenderConfig sizes the overlay surface
type RenderConfig struct {
	Width       int  `json:"width" mapstructure:"width"`
	Height      int  `json:"height" mapstructure:"height"`
	StatusLabel bool `json:"status_label" mapstructure:"status_label"`
	Window      bool `json:"window" mapstructure:"window"` // also show the overlay in a local X11 window
}

// Defaults returns the default settings keyed the way they appear in the config file.
// Durations are kept as strings so they round-trip through YAML readably.
func Defaults() map[string]interface{} {
	return map[string]interface{}{
		"detector.ws_url":            "ws://localhost:8000/ws",
		"detector.http_url":          "http://localhost:8000",
		"detector.handshake_timeout": "10s",
		"detector.close_timeout":     "1s",
		"detector.upload_timeout":    "5m",
		"capture.sources":            []string{SourceOpenCV, SourceGStreamer, SourceScreen},
		"capture.device":             0,
		"capture.gstreamer_device":   "/dev/video0",
		"capture.width":              640,
		"capture.height":             480,
		"capture.file":               "",
		"sampler.interval":           "100ms",
		"sampler.every":              10,
		"encoder.quality":            92,
		"render.width":               640,
		"render.height":              480,
		"render.status_label":        false,
		"render.window":              false,
		"server_port":                8080,
		"log_level":                  "info",
		"log_pretty":                 true,
	}
}

// Validate checks that values are within usable ranges
func (c *Config) Validate() error {
	var problems []string

	if u, err := url.Parse(c.Detector.WSURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		problems = append(problems, "detector.ws_url must be a ws:// or wss:// URL")
	}
	if u, err := url.Parse(c.Detector.HTTPURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		problems = append(problems, "detector.http_url must be an http:// or https:// URL")
	}
	if c.Detector.HandshakeTimeout <= 0 {
		problems = append(problems, "detector.handshake_timeout must be positive")
	}

	valid := map[string]bool{SourceOpenCV: true, SourceGStreamer: true, SourceScreen: true, SourcePortal: true, SourceFile: true}
	if len(c.Capture.Sources) == 0 {
		problems = append(problems, "capture.sources must name at least one source")
	}
	for _, s := range c.Capture.Sources {
		if !valid[s] {
			problems = append(problems, fmt.Sprintf("unknown capture source %q", s))
		}
		if s == SourceFile && c.Capture.File == "" {
			problems = append(problems, "capture.file is required when the file source is enabled")
		}
	}
	if c.Capture.Width <= 0 || c.Capture.Height <= 0 {
		problems = append(problems, "capture.width and capture.height must be positive")
	}

	if c.Sampler.Interval <= 0 {
		problems = append(problems, "sampler.interval must be positive")
	}
	if c.Sampler.Every < 1 {
		problems = append(problems, "sampler.every must be at least 1")
	}
	if c.Encoder.Quality < 1 || c.Encoder.Quality > 100 {
		problems = append(problems, "encoder.quality must be between 1 and 100")
	}
	if c.Render.Width <= 0 || c.Render.Height <= 0 {
		problems = append(problems, "render.width and render.height must be positive")
	}
	if c.ServerPort < 0 || c.ServerPort > 65535 {
		problems = append(problems, "server_port must be between 0 and 65535")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
