package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"threatscope/config"
	"threatscope/internal/features"
	inputjsonl "threatscope/internal/input/jsonl"
	"threatscope/internal/logger"
	"threatscope/internal/metrics"
	"threatscope/internal/pipeline"
	"threatscope/internal/scoring"
	"threatscope/internal/store"
	"threatscope/internal/transform/eventjson"
	"threatscope/pkg/models"
)

func findConfigFile(configArg string) string {
	if configArg != "" {
		path := configArg
		if _, err := os.Stat(path); err == nil {
			return path
		}
		log.Printf("Warning: config file not found at %s, trying default locations", path)
	}

	if _, err := os.Stat("threatscope.yml"); err == nil {
		return "threatscope.yml"
	}

	exePath, err := os.Executable()
	if err == nil {
		exeDir := filepath.Dir(exePath)
		path := filepath.Join(exeDir, "threatscope.yml")
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return "threatscope.yml"
}

func applyDefaults(cfg *config.Config) {
	ts := &cfg.ThreatScope

	if ts.Input.Mode == "" {
		ts.Input.Mode = "redis"
	}
	if ts.Input.Redis.Addr == "" {
		ts.Input.Redis.Addr = "127.0.0.1:6379"
	}
	if ts.Input.Redis.Key == "" {
		ts.Input.Redis.Key = "security_events"
	}
	if ts.Input.Redis.BlockTimeout == 0 {
		ts.Input.Redis.BlockTimeout = 5 * time.Second
	}
	if ts.Input.File.Path == "" {
		ts.Input.File.Path = "-"
	}

	if ts.Pipeline.Workers <= 0 {
		ts.Pipeline.Workers = 8
	}
	if ts.Pipeline.BatchSize <= 0 {
		ts.Pipeline.BatchSize = 500
	}
	if ts.Pipeline.FlushInterval <= 0 {
		ts.Pipeline.FlushInterval = 2 * time.Second
	}
	// A negative prune interval disables pruning.
	if ts.Pipeline.PruneInterval == 0 {
		ts.Pipeline.PruneInterval = 10 * time.Minute
	}
	if ts.Pipeline.PruneSkew <= 0 {
		ts.Pipeline.PruneSkew = 24 * time.Hour
	}

	if ts.Features.HomeCountry == "" {
		ts.Features.HomeCountry = "US"
	}

	if ts.Scoring.Timeout <= 0 {
		ts.Scoring.Timeout = 2 * time.Second
	}
	if ts.Scoring.DefaultCategory == "" {
		ts.Scoring.DefaultCategory = defaultCategory()
	}
	if len(ts.Scoring.Estimators) == 0 {
		ts.Scoring.Estimators = defaultEstimators()
	}
	th := scoring.Thresholds{
		Critical: ts.Scoring.Thresholds.Critical,
		High:     ts.Scoring.Thresholds.High,
		Medium:   ts.Scoring.Thresholds.Medium,
	}.WithDefaults()
	ts.Scoring.Thresholds = config.ThresholdsConfig{Critical: th.Critical, High: th.High, Medium: th.Medium}

	if ts.Correlation.WindowMinutes <= 0 {
		ts.Correlation.WindowMinutes = 60
	}
	if ts.Correlation.TriggerLevel == "" {
		ts.Correlation.TriggerLevel = string(models.LevelHigh)
	}
	if ts.Correlation.Cooldown == 0 {
		ts.Correlation.Cooldown = 30 * time.Second
	}
	if ts.Correlation.CooldownSize <= 0 {
		ts.Correlation.CooldownSize = 10000
	}

	if ts.Store.Mode == "" {
		ts.Store.Mode = "memory"
	}
	if ts.Store.Redis.Addr == "" {
		ts.Store.Redis.Addr = ts.Input.Redis.Addr
	}
	if ts.Store.WriteTimeout <= 0 {
		ts.Store.WriteTimeout = 5 * time.Second
	}

	if ts.Output.Mode == "" {
		ts.Output.Mode = "file"
	}
	if ts.Output.File.AlertsPath == "" {
		ts.Output.File.AlertsPath = "output/alerts.jsonl"
	}
	if ts.Output.File.IncidentsPath == "" {
		ts.Output.File.IncidentsPath = "output/incidents.jsonl"
	}
	if ts.Output.ClickHouse.Database == "" {
		ts.Output.ClickHouse.Database = "threatscope"
	}

	if ts.Metrics.Addr == "" {
		ts.Metrics.Addr = ":9108"
	}
	if ts.Metrics.Path == "" {
		ts.Metrics.Path = "/metrics"
	}

	if ts.Logging.Level == "" {
		ts.Logging.Level = "info"
	}
}

func loadConfig(configArg string) (*config.Config, string, error) {
	configPath := findConfigFile(configArg)
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, configPath, err
		}
		log.Printf("Warning: no config file at %s, using defaults", configPath)
		cfg = &config.Config{}
	}
	if err := config.ApplyEnv(cfg); err != nil {
		return nil, configPath, err
	}
	applyDefaults(cfg)
	return cfg, configPath, nil
}

func runService(args []string) {
	configArg := ""
	if len(args) > 0 {
		configArg = args[0]
	}

	cfg, configPath, err := loadConfig(configArg)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	ts := cfg.ThreatScope

	if err := logger.Init(ts.Logging.Enabled, ts.Logging.Level, ts.Logging.File, ts.Logging.Console); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Infof("ThreatScope starting")
	logger.Infof("Config loaded from: %s", configPath)

	st, err := buildStore(ts.Store)
	if err != nil {
		logger.Errorf("Failed to create store: %v", err)
		log.Fatalf("Failed to create store: %v", err)
	}
	defer st.Close()

	scorer, err := buildScorer(ts, st)
	if err != nil {
		logger.Errorf("Failed to create scorer: %v", err)
		log.Fatalf("Failed to create scorer: %v", err)
	}
	th := scorer.Thresholds()
	logger.Infof("Thresholds: critical=%.2f high=%.2f medium=%.2f", th.Critical, th.High, th.Medium)

	classifier, err := buildClassifier(ts)
	if err != nil {
		logger.Errorf("Failed to create classifier: %v", err)
		log.Fatalf("Failed to create classifier: %v", err)
	}

	sinks, err := buildSinks(ts.Output)
	if err != nil {
		logger.Errorf("Failed to create output: %v", err)
		log.Fatalf("Failed to create output: %v", err)
	}

	source, err := buildSource(ts.Input)
	if err != nil {
		logger.Errorf("Failed to create input: %v", err)
		log.Fatalf("Failed to create input: %v", err)
	}

	pcfg, err := buildPipelineConfig(ts)
	if err != nil {
		log.Fatalf("Invalid pipeline config: %v", err)
	}

	var m *metrics.Metrics
	reg := prometheus.NewRegistry()
	if ts.Metrics.Enabled {
		m = metrics.New(reg)
	}

	pipe, err := pipeline.New(pcfg, source, classifier, scorer, buildCorrelator(ts, st), sinks, m)
	if err != nil {
		log.Fatalf("Failed to create pipeline: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if ts.Metrics.Enabled {
		go func() {
			logger.Infof("Metrics listening on %s%s", ts.Metrics.Addr, ts.Metrics.Path)
			if err := metrics.Serve(ctx, ts.Metrics.Addr, ts.Metrics.Path, reg); err != nil {
				logger.Errorf("Metrics server error: %v", err)
			}
		}()
	}

	if err := pipe.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Errorf("Pipeline error: %v", err)
	}

	logger.Infof("Shutting down")
	if err := pipe.Close(); err != nil {
		logger.Errorf("Error closing pipeline: %v", err)
	}

	logger.Infof("ThreatScope stopped")
}

func runFeatures(args []string) int {
	fs := flag.NewFlagSet("features", flag.ContinueOnError)
	input := fs.String("input", "-", "Event JSONL input path (- for stdin)")
	output := fs.String("output", "output/features.jsonl", "Feature rows JSONL output path")
	homeCountry := fs.String("home-country", "US", "Country code that is not a geo anomaly")
	timezone := fs.String("timezone", "", "IANA timezone for off-hours (empty keeps event offsets)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	events, rejected, err := loadEvents(*input)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load events: %v\n", err)
		return 1
	}

	fc, err := featuresConfig(config.FeaturesConfig{HomeCountry: *homeCountry, Timezone: *timezone})
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid features config: %v\n", err)
		return 2
	}
	rows, err := features.ComputeBatch(fc, events)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to compute features: %v\n", err)
		return 1
	}

	if err := writeJSONLines(*output, rows); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write features: %v\n", err)
		return 1
	}

	fmt.Printf("computed events=%d rejected=%d rows=%d output=%s\n", len(events), rejected, len(rows), *output)
	return 0
}

func loadEvents(path string) ([]models.Event, int, error) {
	r, err := inputjsonl.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer r.Close()

	var events []models.Event
	rejected := 0
	ctx := context.Background()
	for {
		line, err := r.Pop(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return events, rejected, nil
			}
			return nil, rejected, err
		}
		ev, err := eventjson.Parse(line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "skipping event: %v\n", err)
			rejected++
			continue
		}
		events = append(events, *ev)
	}
}

func runIncidents(args []string) int {
	fs := flag.NewFlagSet("incidents", flag.ContinueOnError)
	configArg := fs.String("config", "", "Config file path")
	user := fs.String("user", "", "Only list incidents of this user")
	id := fs.String("id", "", "Incident number to update")
	status := fs.String("status", "", "New status: open, resolved or false_positive")
	assignee := fs.String("assign", "", "Analyst assigned to the incident")
	notes := fs.String("notes", "", "Analyst notes")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, _, err := loadConfig(*configArg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}
	if cfg.ThreatScope.Store.Mode != "redis" {
		fmt.Fprintf(os.Stderr, "incidents requires store.mode=redis\n")
		return 2
	}
	st, err := buildStore(cfg.ThreatScope.Store)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open store: %v\n", err)
		return 1
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if strings.TrimSpace(*id) != "" {
		s := models.IncidentStatus(strings.TrimSpace(*status))
		if err := st.SetIncidentStatus(ctx, *id, s, *assignee, *notes); err != nil {
			fmt.Fprintf(os.Stderr, "failed to update incident: %v\n", err)
			if errors.Is(err, store.ErrNotFound) {
				return 2
			}
			return 1
		}
		fmt.Printf("updated incident=%s status=%s\n", *id, s)
		return 0
	}

	incidents, err := st.ListIncidents(ctx, *user)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to list incidents: %v\n", err)
		return 1
	}
	enc := json.NewEncoder(os.Stdout)
	for _, inc := range incidents {
		if err := enc.Encode(inc); err != nil {
			fmt.Fprintf(os.Stderr, "failed to encode incident: %v\n", err)
			return 1
		}
	}
	return 0
}

func writeJSONLines[T any](path string, rows []T) error {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create output directory: %w", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, item := range rows {
		if err := enc.Encode(item); err != nil {
			return fmt.Errorf("encode row: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush output: %w", err)
	}
	return nil
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "run":
			runService(os.Args[2:])
			return
		case "features":
			os.Exit(runFeatures(os.Args[2:]))
		case "incidents":
			os.Exit(runIncidents(os.Args[2:]))
		default:
			// First arg is a config path.
			runService(os.Args[1:])
			return
		}
	}

	runService(nil)
}
