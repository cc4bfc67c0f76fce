// Command beamgend runs the beam-search image generation service: an HTTP
// API for job submission, a WebSocket event stream, and Prometheus metrics.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dshills/beamgen-go/beam"
	"github.com/dshills/beamgen-go/beam/emit"
	"github.com/dshills/beamgen-go/provider"
	"github.com/dshills/beamgen-go/provider/anthropic"
	"github.com/dshills/beamgen-go/provider/google"
	"github.com/dshills/beamgen-go/provider/openai"
	"github.com/dshills/beamgen-go/server"
	"github.com/dshills/beamgen-go/store"
)

func main() {
	if err := run(); err != nil {
		log.Printf("[beamgend] fatal: %v", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := loadConfig()
	logger := log.New(os.Stderr, "", log.LstdFlags)

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	bus := emit.NewBus()
	bus.Tap(emit.NewLogEmitter(os.Stderr, cfg.JSONLogs))
	if os.Getenv("BEAMGEN_TRACE") == "1" {
		bus.Tap(emit.NewOTelEmitter(nil))
	}

	registry := beam.NewRegistry(bus, st)
	if n, err := registry.RecoverInterrupted(context.Background()); err != nil {
		logger.Printf("[beamgend] pending-job recovery failed: %v", err)
	} else if n > 0 {
		logger.Printf("[beamgend] marked %d interrupted jobs failed", n)
	}

	providers, names, err := buildProviders(cfg)
	if err != nil {
		return err
	}

	promRegistry := prometheus.NewRegistry()
	metrics := beam.NewMetrics(promRegistry)

	orch := &beam.Orchestrator{
		Registry:      registry,
		Providers:     providers,
		Conns:         buildConns(metrics),
		Gates:         beam.NewGateSet(cfg.RemoteLimit),
		Persist:       beam.NewFilePersist(cfg.OutputDir),
		Pricing:       cfg.Pricing,
		Metrics:       metrics,
		ProviderNames: names,
		Logger:        logger,
	}

	srv := server.New(registry, orch, promRegistry)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Printf("[beamgend] listening on %s", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Printf("[beamgend] received %s, shutting down", sig)
	}

	for _, job := range registry.List() {
		if !job.Status().Terminal() {
			job.Cancel()
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

type config struct {
	Addr      string
	OutputDir string
	JSONLogs  bool

	SQLitePath string
	MySQLDSN   string

	RemoteLimit int
	Pricing     beam.PricingTable

	TextFamily   string
	ImageFamily  string
	VisionFamily string
	VLMFamily    string

	OpenAIKey     string
	OpenAIBaseURL string
	AnthropicKey  string
	GoogleKey     string

	TextModel   string
	ImageModel  string
	VisionModel string
	VLMModel    string
}

func loadConfig() config {
	cfg := config{
		Addr:         envOr("BEAMGEN_ADDR", ":8080"),
		OutputDir:    envOr("BEAMGEN_OUTPUT_DIR", "./output"),
		JSONLogs:     os.Getenv("BEAMGEN_JSON_LOGS") == "1",
		SQLitePath:   envOr("BEAMGEN_DB", "./beamgen.db"),
		MySQLDSN:     os.Getenv("BEAMGEN_MYSQL_DSN"),
		RemoteLimit:  envIntOr("BEAMGEN_REMOTE_LIMIT", beam.DefaultRemoteLimit),
		TextFamily:   envOr("BEAMGEN_TEXT_PROVIDER", "openai"),
		ImageFamily:  envOr("BEAMGEN_IMAGE_PROVIDER", "openai"),
		VisionFamily: envOr("BEAMGEN_VISION_PROVIDER", "openai"),
		VLMFamily:    envOr("BEAMGEN_VLM_PROVIDER", "anthropic"),

		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL: os.Getenv("OPENAI_BASE_URL"),
		AnthropicKey:  os.Getenv("ANTHROPIC_API_KEY"),
		GoogleKey:     os.Getenv("GOOGLE_API_KEY"),

		TextModel:   os.Getenv("BEAMGEN_TEXT_MODEL"),
		ImageModel:  os.Getenv("BEAMGEN_IMAGE_MODEL"),
		VisionModel: os.Getenv("BEAMGEN_VISION_MODEL"),
		VLMModel:    os.Getenv("BEAMGEN_VLM_MODEL"),
	}

	cfg.Pricing = beam.DefaultPricing()
	if path := os.Getenv("BEAMGEN_PRICING"); path != "" {
		if table, err := loadPricing(path); err != nil {
			log.Printf("[beamgend] pricing table %s unusable, using defaults: %v", path, err)
		} else {
			cfg.Pricing = table
		}
	}
	return cfg
}

func loadPricing(path string) (beam.PricingTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var table beam.PricingTable
	if err := json.Unmarshal(data, &table); err != nil {
		return nil, err
	}
	return table, nil
}

func openStore(cfg config) (store.Store, error) {
	if cfg.MySQLDSN != "" {
		return store.NewMySQLStore(cfg.MySQLDSN)
	}
	return store.NewSQLiteStore(cfg.SQLitePath)
}

func buildProviders(cfg config) (beam.Providers, map[beam.Capability]string, error) {
	var (
		p     beam.Providers
		names = map[beam.Capability]string{
			beam.CapabilityText:   cfg.TextFamily,
			beam.CapabilityImage:  cfg.ImageFamily,
			beam.CapabilityVision: cfg.VisionFamily,
			beam.CapabilityVLM:    cfg.VLMFamily,
		}
		oaClient *openai.Client
	)

	needOpenAI := cfg.TextFamily == "openai" || cfg.ImageFamily == "openai" || cfg.VisionFamily == "openai"
	if needOpenAI {
		var err error
		oaClient, err = openai.NewClient(cfg.OpenAIKey, cfg.OpenAIBaseURL)
		if err != nil {
			return p, nil, err
		}
	}

	switch cfg.TextFamily {
	case "openai":
		p.Text = openai.NewTextProvider(oaClient, cfg.TextModel)
	default:
		return p, nil, fmt.Errorf("unsupported text provider %q", cfg.TextFamily)
	}

	switch cfg.ImageFamily {
	case "openai":
		p.Image = openai.NewImageProvider(oaClient, cfg.ImageModel)
	default:
		return p, nil, fmt.Errorf("unsupported image provider %q", cfg.ImageFamily)
	}

	switch cfg.VisionFamily {
	case "openai":
		p.Vision = openai.NewVisionProvider(oaClient, cfg.VisionModel)
	case "google":
		vp, err := google.NewVisionProvider(cfg.GoogleKey, cfg.VisionModel)
		if err != nil {
			return p, nil, err
		}
		p.Vision = vp
	default:
		return p, nil, fmt.Errorf("unsupported vision provider %q", cfg.VisionFamily)
	}

	switch cfg.VLMFamily {
	case "anthropic":
		vlm, err := anthropic.NewVLMProvider(cfg.AnthropicKey, cfg.VLMModel)
		if err != nil {
			return p, nil, err
		}
		p.VLM = vlm
	case "none":
		// Score-mode only; submitting rankingMode "vlm" will degrade.
		p.VLM = noVLM{}
	default:
		return p, nil, fmt.Errorf("unsupported vlm provider %q", cfg.VLMFamily)
	}

	return p, names, nil
}

// noVLM rejects every comparison, forcing the tournament's score fallback.
type noVLM struct{}

func (noVLM) Compare(context.Context, string, string, string) (provider.Comparison, error) {
	return provider.Comparison{}, errors.New("no VLM provider configured")
}

func buildConns(metrics *beam.Metrics) *beam.Conns {
	mk := func(cap beam.Capability) *beam.ServiceConnection {
		service := string(cap)
		return beam.NewServiceConnection(service,
			beam.WithBaseTimeout(beam.DefaultBaseTimeout(cap)),
			beam.WithRetryObserver(func(kind beam.ConnKind) {
				metrics.IncRetry(service, kind)
			}))
	}
	return &beam.Conns{
		Text:   mk(beam.CapabilityText),
		Image:  mk(beam.CapabilityImage),
		Vision: mk(beam.CapabilityVision),
		VLM:    mk(beam.CapabilityVLM),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
