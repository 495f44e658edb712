package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bryanchriswhite/FaceKeypoints/internal/logger"
	"github.com/bryanchriswhite/FaceKeypoints/internal/upload"
	"github.com/spf13/cobra"
)

var imageCmd = &cobra.Command{
	Use:   "image FILE",
	Short: "Upload an image and save the processed result",
	Long:  `Send one image to the detector's /detect/image endpoint and save the returned file.`,
	Example: `  # Writes detected_image.jpg
  facekeypoints image portrait.jpg

  # Choose the output file
  facekeypoints image portrait.jpg -o out.jpg`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runUpload(cmd, upload.KindImage, args[0])
	},
}

var videoCmd = &cobra.Command{
	Use:   "video FILE",
	Short: "Upload a video and save the processed result",
	Long:  `Send one video to the detector's /detect/video endpoint and save the returned file.`,
	Example: `  # Writes detected_video.mp4
  facekeypoints video clip.mp4`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runUpload(cmd, upload.KindVideo, args[0])
	},
}

var (
	outputFlag  string
	httpURLFlag string
)

func init() {
	for _, c := range []*cobra.Command{imageCmd, videoCmd} {
		rootCmd.AddCommand(c)
		c.Flags().StringVarP(&outputFlag, "output", "o", "", "where to save the processed file")
		c.Flags().StringVar(&httpURLFlag, "http-url", "", "detector base URL (default is http://localhost:8000)")
	}
}

func runUpload(cmd *cobra.Command, kind upload.Kind, path string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	cfg := configMgr.Get()

	baseURL := cfg.Detector.HTTPURL
	if httpURLFlag != "" {
		baseURL = httpURLFlag
	}
	out := outputFlag
	if out == "" {
		out = kind.DefaultOutput()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := upload.NewClient(baseURL, cfg.Detector.UploadTimeout)
	res, err := client.Submit(ctx, kind, path)
	if err != nil {
		// details stay in the log; the user gets one generic message
		logger.WithComponent("upload").Error().Err(err).Str("file", path).Msg("Upload failed")
		return errors.New(upload.UserMessage)
	}

	if err := res.Save(out); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Saved %s (%d bytes)\n", out, len(res.Body))
	return nil
}
