package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vnmchuo/fauxweb/config"
	"github.com/vnmchuo/fauxweb/internal/telemetry"
)

type commander struct {
	cfg *config.Config

	hostname      string
	port          int
	model         string
	imageProvider string
	imageModel    string
	videoProvider string
	videoModel    string
	apiKey        string
	imageAPIKey   string
	videoAPIKey   string
	browserBin    string
	headless      bool
	devtools      bool
	debug         bool
}

const rootLongDesc string = `Browse a web that does not exist.

fauxweb starts a local proxy and a browser whose every page, image and
video is invented on demand by a language model. Pick the text backend with
a subcommand; image and video generation use the same backend when it can,
otherwise Google.`

// providerCommands maps subcommand names to the text provider they select.
var providerCommands = []struct {
	use     string
	aliases []string
	name    string
}{
	{"gemini", []string{"google"}, "google"},
	{"openai", nil, "openai"},
	{"anthropic", []string{"claude"}, "anthropic"},
	{"groq", nil, "groq"},
}

func NewRootCmd() *cobra.Command {
	return newRootCmd(&commander{})
}

func newRootCmd(c *commander) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "fauxweb",
		Short:        "Browse a web invented by a language model",
		Long:         rootLongDesc,
		Version:      telemetry.Version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			c.cfg = cfg
			return c.applyFlags(cmd)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd.Context(), "", true)
		},
	}

	f := cmd.PersistentFlags()
	f.StringVarP(&c.hostname, "hostname", "H", "127.0.0.1", "Address for the proxy to listen on")
	f.IntVarP(&c.port, "port", "p", 3001, "Port for the proxy to listen on")
	f.StringVarP(&c.model, "model", "m", "", "Text model (default: provider default)")
	f.StringVar(&c.imageProvider, "image-provider", "", "Image provider (default: text provider if it supports images, else google)")
	f.StringVarP(&c.imageModel, "image-model", "i", "", "Image model (default: provider default)")
	f.StringVar(&c.videoProvider, "video-provider", "", "Video provider (default: text provider if it supports video, else google)")
	f.StringVarP(&c.videoModel, "video-model", "v", "", "Video model (default: provider default)")
	f.StringVar(&c.apiKey, "api-key", "", "API key for the text provider")
	f.StringVar(&c.imageAPIKey, "image-api-key", "", "API key for the image provider")
	f.StringVar(&c.videoAPIKey, "video-api-key", "", "API key for the video provider")
	f.StringVar(&c.browserBin, "browser", "", "Path to a Chromium-compatible browser")
	f.BoolVar(&c.headless, "headless", false, "Run the browser without a window")
	f.BoolVar(&c.devtools, "devtools", false, "Open devtools for each tab")
	f.BoolVar(&c.debug, "debug", false, "Enable debug logging")

	for _, pc := range providerCommands {
		name := pc.name
		cmd.AddCommand(&cobra.Command{
			Use:     pc.use,
			Aliases: pc.aliases,
			Short:   fmt.Sprintf("Browse with %s generating text", name),
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.run(cmd.Context(), name, true)
			},
		})
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "browse",
		Short: "Run the proxy and a browser using the configured text provider",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd.Context(), "", true)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run only the generation proxy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd.Context(), "", false)
		},
	})

	return cmd
}

// applyFlags overrides environment configuration with flags the user set.
func (c *commander) applyFlags(cmd *cobra.Command) error {
	changed := cmd.Flags().Changed
	cfg := c.cfg

	if changed("hostname") {
		cfg.Host = c.hostname
	}
	if changed("port") {
		cfg.Port = c.port
	}
	if changed("model") {
		cfg.Text.Model = c.model
	}
	if changed("api-key") {
		cfg.Text.APIKey = c.apiKey
	}
	if changed("image-provider") {
		cfg.Image.Provider = c.imageProvider
	}
	if changed("image-model") {
		cfg.Image.Model = c.imageModel
	}
	if changed("image-api-key") {
		cfg.Image.APIKey = c.imageAPIKey
	}
	if changed("video-provider") {
		cfg.Video.Provider = c.videoProvider
	}
	if changed("video-model") {
		cfg.Video.Model = c.videoModel
	}
	if changed("video-api-key") {
		cfg.Video.APIKey = c.videoAPIKey
	}
	if changed("browser") {
		cfg.BrowserBin = c.browserBin
	}
	if changed("headless") {
		cfg.Headless = c.headless
	}
	if changed("devtools") {
		cfg.DevTools = c.devtools
	}
	if changed("debug") {
		cfg.Debug = c.debug
	}
	return cfg.Validate()
}
