// Talk is a hands free voice conversation with a realtime dialogue service.
//
// Usage:
//
//	talk [flags]
//	talk --config /path/to/talk.yaml
//	talk --list-devices
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	orchestration "github.com/ym-dskr/talk-system/core"
	"github.com/ym-dskr/talk-system/core/audio"
	"github.com/ym-dskr/talk-system/core/audio/miniaudio"
	"github.com/ym-dskr/talk-system/core/audio/portaudio"
	"github.com/ym-dskr/talk-system/core/dialogue"
	"github.com/ym-dskr/talk-system/core/dialogue/openai"
	"github.com/ym-dskr/talk-system/core/presentation"
	"github.com/ym-dskr/talk-system/core/presentation/tui"
	"github.com/ym-dskr/talk-system/core/tools"
	"github.com/ym-dskr/talk-system/core/tools/websearch"
	"github.com/ym-dskr/talk-system/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	showVersion := flag.Bool("version", false, "print version and exit")
	listDevices := flag.Bool("list-devices", false, "print the audio devices and exit")
	configFile := flag.String("config", "", "path to config file (e.g. configs/talk.yaml)")
	uiMode := flag.String("ui", "", "override ui.mode (tui or log)")
	backend := flag.String("backend", "", "override audio.backend (portaudio or miniaudio)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("talk %s\n", version)
		return 0
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		return 1
	}
	if *uiMode != "" {
		cfg.UI.Mode = *uiMode
	}
	if *backend != "" {
		cfg.Audio.Backend = *backend
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid flags", "error", err)
		return 1
	}

	hw := newHardware(cfg.Audio.Backend)
	if *listDevices {
		return printDevices(hw)
	}

	useTUI := cfg.UI.Mode == "tui"
	logger, logFile, err := config.SetupLogging(cfg.Logging, useTUI)
	if err != nil {
		slog.Error("failed to set up logging", "error", err)
		return 1
	}
	defer logFile.Close()
	logger.Info("talk starting", "version", version, "backend", cfg.Audio.Backend, "ui", cfg.UI.Mode)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	registry := tools.NewRegistry(enabledTools(cfg, logger)...)

	channel := audio.NewChannel(hw, cfg.DeviceConfig(),
		audio.WithLogger(logger.With("component", "audio")),
		audio.WithRegisterer(reg),
	)

	dialer := openai.NewDialer(cfg.Credentials.OpenAIAPIKey)
	dialer.URL = cfg.Realtime.URL
	dialer.Model = cfg.Realtime.Model
	dialer.HandshakeTimeout = cfg.Realtime.HandshakeTimeout

	link := dialogue.NewLink(dialer, cfg.DialogueConfig(registry.Definitions()),
		dialogue.WithLogger(logger.With("component", "dialogue")),
		dialogue.WithRegisterer(reg),
	)

	var (
		presenter presentation.Presenter = presentation.NewLog(logger.With("component", "presentation"))
		terminal  *tui.Presenter
	)
	if useTUI {
		terminal = tui.New(tui.WithQuitHandler(cancel))
		presenter = presentation.Multi{presenter, terminal}
	}

	orchestrator := orchestration.NewOrchestrator(channel, link,
		orchestration.WithConfig(cfg.OrchestratorConfig()),
		orchestration.WithPresenter(presenter),
		orchestration.WithToolHandler(registry),
		orchestration.WithLogger(logger.With("component", "orchestrator")),
		orchestration.WithRegisterer(reg),
	)

	var wg sync.WaitGroup
	if cfg.Metrics.Listen != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveMetrics(ctx, cfg.Metrics.Listen, reg, logger)
		}()
	}

	if terminal != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := terminal.Run(ctx); err != nil {
				logger.Error("terminal presenter stopped", "error", err)
			}
			cancel()
		}()
	}

	orchestrator.Activate()
	err = orchestrator.Run(ctx)

	cancel()
	wg.Wait()

	stats := orchestrator.Stats()
	logger.Info("talk stopped",
		"interrupts", stats.Interrupts,
		"reconnects", stats.Reconnects,
		"dropped_stale_frames", stats.DroppedStaleFrames)

	if err != nil {
		logger.Error("conversation failed", "error", err)
		if useTUI {
			fmt.Fprintf(os.Stderr, "talk: %v\n", err)
		}
		return 1
	}
	return 0
}

func newHardware(backend string) audio.Hardware {
	if backend == "miniaudio" {
		return miniaudio.NewClient()
	}
	return portaudio.NewClient()
}

func printDevices(hw audio.Hardware) int {
	defer hw.Close()

	devices, err := hw.Devices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "talk: listing devices: %v\n", err)
		return 1
	}
	for _, device := range devices {
		marker := " "
		if device.IsDefault {
			marker = "*"
		}
		fmt.Printf("%s %s\n", marker, device)
	}
	return 0
}

func enabledTools(cfg *config.Config, logger *slog.Logger) []tools.Tool {
	if !cfg.Search.Enabled {
		return nil
	}
	if cfg.Credentials.TavilyAPIKey == "" {
		logger.Warn("web search disabled, TAVILY_API_KEY is not set")
		return nil
	}
	return []tools.Tool{
		websearch.NewClient(cfg.Credentials.TavilyAPIKey, websearch.WithMaxResults(cfg.Search.MaxResults)),
	}
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("serving metrics", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server failed", "error", err)
	}
}
