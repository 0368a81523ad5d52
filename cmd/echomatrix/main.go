// Command echomatrix runs the voice agent: it answers inbound SIP calls,
// records the caller, and speaks generated replies back into the call.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/echomatrix/echomatrix/internal/agent"
	aiopenai "github.com/echomatrix/echomatrix/internal/ai/openai"
	"github.com/echomatrix/echomatrix/internal/api"
	"github.com/echomatrix/echomatrix/internal/config"
	"github.com/echomatrix/echomatrix/internal/dialogue"
	"github.com/echomatrix/echomatrix/internal/event"
	"github.com/echomatrix/echomatrix/internal/metrics"
	"github.com/echomatrix/echomatrix/internal/registry"
	sipgoep "github.com/echomatrix/echomatrix/internal/telephony/sipgo"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(&cfg.Log)
	slog.SetDefault(logger)

	slog.Info("starting echomatrix",
		"agent_id", cfg.AgentID,
		"sip_port", cfg.SIP.PublicPort,
		"api_addr", cfg.API.Addr,
	)

	// Registry and the event mirror feeding it.
	reg, err := registry.Open(cfg.Registry.Path)
	if err != nil {
		slog.Error("failed to open registry", "error", err)
		os.Exit(1)
	}
	defer reg.Close()

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	bus := event.NewBus(logger)

	regSub := registry.NewSubscriber(reg, &cfg.Recording, bus, logger)
	regSub.Attach()
	defer regSub.Detach()
	registry.StartCleanupTicker(appCtx, reg, &cfg.Recording, logger)

	// Telephony endpoint and the agent's media loop.
	endpoint, err := sipgoep.New(sipgoep.Config{
		PublicIP:     cfg.SIP.PublicIP,
		Port:         cfg.SIP.PublicPort,
		BindAddress:  cfg.SIP.BindAddress,
		Username:     cfg.SIP.Username,
		Password:     cfg.SIP.Password,
		Domain:       cfg.SIP.Domain,
		Proxy:        cfg.SIP.Proxy,
		ContactURI:   cfg.SIP.ContactURI,
		CodecOrder:   codecOrder(cfg.Media.Codecs),
		PtimeMS:      cfg.Media.PtimeMS,
		STUNServer:   cfg.SIP.STUNServer,
		NATTypeInSDP: cfg.SIP.NATTypeInSDP,
		KeepaliveSec: cfg.SIP.KeepaliveSec,
	}, logger)
	if err != nil {
		slog.Error("failed to create sip endpoint", "error", err)
		os.Exit(1)
	}
	logUnappliedMediaOptions(&cfg.Media)

	ag := agent.New(cfg, endpoint, bus, logger)
	if err := ag.StartNonblocking(appCtx); err != nil {
		slog.Error("failed to start agent", "error", err)
		os.Exit(1)
	}

	collector := metrics.NewCollector(ag, time.Now())
	collector.Attach(bus)
	defer collector.Detach()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collector)

	// Dialogue orchestrator, wired to OpenAI when a key is configured.
	var orch *dialogue.Orchestrator
	if cfg.AI.APIKey != "" {
		provider, err := newProvider(&cfg.AI)
		if err != nil {
			slog.Error("failed to create ai provider", "error", err)
			os.Exit(1)
		}
		orch = dialogue.New(cfg, ag, provider, provider, provider, bus, logger)
		orch.SetFailureHook(collector.IncCollaboratorFailure)
		if err := orch.Start(appCtx); err != nil {
			slog.Error("failed to start dialogue orchestrator", "error", err)
			os.Exit(1)
		}
	} else {
		slog.Warn("no openai api key configured, calls will be recorded but not answered conversationally")
	}

	// Operator HTTP surface.
	handler := api.NewServer(&cfg.API, ag, reg, promReg)
	defer handler.Close()

	srv := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gCtx := errgroup.WithContext(appCtx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-quit:
			slog.Info("received shutdown signal", "signal", sig.String())
		case <-gCtx.Done():
		}
		appCancel()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	})

	err = g.Wait()

	slog.Info("shutting down")
	if orch != nil {
		orch.Stop()
	}
	if stopErr := ag.Stop(); stopErr != nil {
		slog.Error("agent stop", "error", stopErr)
	}

	if err != nil {
		slog.Error("exiting with error", "error", err)
		os.Exit(1)
	}
	slog.Info("echomatrix stopped")
}

// newLogger builds the process logger from config: text or json handler,
// writing to stderr or a size-rotated file.
func newLogger(cfg *config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	if cfg.File != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(out, opts))
	}
	return slog.New(slog.NewTextHandler(out, opts))
}

// logUnappliedMediaOptions records device-side media options the RTP path
// has no use for, so a deployment carrying them over from another stack can
// see they were accepted but not applied.
func logUnappliedMediaOptions(cfg *config.MediaConfig) {
	if cfg.SoundClockRate != 0 && cfg.SoundClockRate != cfg.ClockRate {
		slog.Warn("media.sound_clock_rate differs from clock_rate; playback stays at clock_rate",
			"sound_clock_rate", cfg.SoundClockRate,
			"clock_rate", cfg.ClockRate,
		)
	}
	if cfg.ECTailMS != 0 || cfg.ECOptions != 0 || cfg.VAD || cfg.TxDropPercent != 0 {
		slog.Warn("echo-cancellation, vad and tx-drop options are not applied on the server-side media path",
			"ec_tail_ms", cfg.ECTailMS,
			"ec_options", cfg.ECOptions,
			"vad", cfg.VAD,
			"tx_drop_percent", cfg.TxDropPercent,
		)
	}
}

// codecOrder flattens the configured codecs into a priority-ordered name
// list, dropping disabled entries.
func codecOrder(codecs []config.Codec) []string {
	var enabled []config.Codec
	for _, c := range codecs {
		if c.Priority > 0 {
			enabled = append(enabled, c)
		}
	}
	for i := 1; i < len(enabled); i++ {
		for j := i; j > 0 && enabled[j].Priority > enabled[j-1].Priority; j-- {
			enabled[j], enabled[j-1] = enabled[j-1], enabled[j]
		}
	}
	names := make([]string, len(enabled))
	for i, c := range enabled {
		names[i] = c.Name
	}
	return names
}

// newProvider builds the OpenAI-backed collaborators from config.
func newProvider(cfg *config.AIConfig) (*aiopenai.Provider, error) {
	var opts []aiopenai.Option
	if cfg.BaseURL != "" {
		opts = append(opts, aiopenai.WithBaseURL(cfg.BaseURL))
	}
	return aiopenai.New(cfg.APIKey, aiopenai.Models{
		Transcribe: cfg.TranscribeModel,
		Chat:       cfg.ChatModel,
		TTS:        cfg.TTSModel,
		TTSVoice:   cfg.TTSVoice,
	}, cfg.SystemPrompt, opts...)
}
