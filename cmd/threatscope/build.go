package main

import (
	"fmt"
	"strings"
	"time"

	"threatscope/config"
	"threatscope/internal/correlator"
	"threatscope/internal/estimator/httpmodel"
	"threatscope/internal/estimator/linear"
	"threatscope/internal/features"
	inputjsonl "threatscope/internal/input/jsonl"
	inputkafka "threatscope/internal/input/kafka"
	inputredis "threatscope/internal/input/redis"
	"threatscope/internal/logger"
	"threatscope/internal/mitre"
	"threatscope/internal/output/alertclickhouse"
	"threatscope/internal/output/alerthttp"
	"threatscope/internal/output/alertjson"
	"threatscope/internal/output/alertkafka"
	"threatscope/internal/output/alertnats"
	"threatscope/internal/pipeline"
	"threatscope/internal/rules"
	"threatscope/internal/scoring"
	"threatscope/internal/store"
)

func buildSource(cfg config.InputConfig) (pipeline.Source, error) {
	switch cfg.Mode {
	case "redis":
		logger.Infof("Input mode: redis (%s key=%s)", cfg.Redis.Addr, cfg.Redis.Key)
		return inputredis.NewConsumer(inputredis.Config{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			Key:          cfg.Redis.Key,
			DeadKey:      cfg.Redis.DeadKey,
			BlockTimeout: cfg.Redis.BlockTimeout,
		})
	case "kafka":
		logger.Infof("Input mode: kafka (%s topic=%s)", strings.Join(cfg.Kafka.Brokers, ","), cfg.Kafka.Topic)
		return inputkafka.NewConsumer(inputkafka.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			GroupID: cfg.Kafka.GroupID,
			MaxWait: cfg.Kafka.MaxWait,
		})
	case "file":
		logger.Infof("Input mode: file (%s)", cfg.File.Path)
		return inputjsonl.Open(cfg.File.Path)
	default:
		return nil, fmt.Errorf("unknown input mode: %s", cfg.Mode)
	}
}

func buildStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Mode {
	case "memory":
		logger.Infof("Store mode: memory")
		return store.NewMemoryStore(), nil
	case "redis":
		logger.Infof("Store mode: redis (%s prefix=%s)", cfg.Redis.Addr, cfg.Redis.KeyPrefix)
		return store.NewRedisStore(store.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
	default:
		return nil, fmt.Errorf("unknown store mode: %s", cfg.Mode)
	}
}

func buildEstimator(cfg config.EstimatorConfig) (scoring.Estimator, error) {
	switch cfg.Type {
	case "builtin", "":
		return linear.Builtin(cfg.Name)
	case "linear":
		return linear.Load(cfg.Path)
	case "http":
		return httpmodel.New(httpmodel.Config{
			URL:     cfg.URL,
			Timeout: cfg.Timeout,
			Headers: cfg.Headers,
		})
	default:
		return nil, fmt.Errorf("unknown estimator type: %s", cfg.Type)
	}
}

func buildScorer(cfg config.ThreatScopeConfig, recorder scoring.AlertRecorder) (*scoring.Scorer, error) {
	if len(cfg.Scoring.Estimators) != 2 {
		return nil, fmt.Errorf("scoring needs exactly two estimators, got %d", len(cfg.Scoring.Estimators))
	}
	var est [2]scoring.Estimator
	for i, ec := range cfg.Scoring.Estimators {
		e, err := buildEstimator(ec)
		if err != nil {
			return nil, fmt.Errorf("estimator %d: %w", i, err)
		}
		est[i] = e
		logger.Infof("Estimator %d: type=%s name=%s path=%s url=%s", i, ec.Type, ec.Name, ec.Path, ec.URL)
	}
	th := cfg.Scoring.Thresholds
	return scoring.NewScorer(scoring.Config{
		Thresholds: scoring.Thresholds{
			Critical: th.Critical,
			High:     th.High,
			Medium:   th.Medium,
		},
		Timeout:          cfg.Scoring.Timeout,
		StoreTimeout:     cfg.Store.WriteTimeout,
		DefaultCategory:  cfg.Scoring.DefaultCategory,
		SnapshotFeatures: cfg.Scoring.SnapshotFeatures,
	}, est[0], est[1], recorder)
}

func buildClassifier(cfg config.ThreatScopeConfig) (rules.Classifier, error) {
	fallback := cfg.Scoring.DefaultCategory
	if !cfg.Rules.Enabled {
		return rules.StaticClassifier{Category: fallback}, nil
	}
	if strings.TrimSpace(cfg.Rules.Path) == "" {
		logger.Warnf("Rules enabled but rules.path is empty; using category %s", fallback)
		return rules.StaticClassifier{Category: fallback}, nil
	}
	c, stats, err := rules.NewSigmaClassifier(cfg.Rules.Path, fallback)
	if err != nil {
		return nil, fmt.Errorf("load sigma rules from %s: %w", cfg.Rules.Path, err)
	}
	logger.Infof("Sigma rules loaded: loaded=%d skipped_complex=%d skipped_datasource=%d skipped_untagged=%d skipped_invalid=%d files=%d",
		stats.Loaded,
		stats.SkippedComplex,
		stats.SkippedDatasource,
		stats.SkippedUntagged,
		stats.SkippedInvalid,
		stats.TotalFiles,
	)
	if stats.Loaded == 0 {
		logger.Warnf("No compatible Sigma rules loaded; every event uses category %s", fallback)
	}
	return c, nil
}

func buildSinks(cfg config.OutputConfig) (pipeline.MultiSink, error) {
	var sinks pipeline.MultiSink
	fail := func(err error) (pipeline.MultiSink, error) {
		_ = sinks.Close()
		return nil, err
	}
	for _, mode := range splitModes(cfg.Mode) {
		switch mode {
		case "file":
			w, err := alertjson.NewWriter(alertjson.Config{
				AlertsPath:    cfg.File.AlertsPath,
				IncidentsPath: cfg.File.IncidentsPath,
			})
			if err != nil {
				return fail(fmt.Errorf("create file writer: %w", err))
			}
			sinks = append(sinks, w)
			logger.Infof("Output mode: file (%s, %s)", cfg.File.AlertsPath, cfg.File.IncidentsPath)
		case "http":
			w, err := alerthttp.NewWriter(alerthttp.Config{
				AlertsURL:    cfg.HTTP.AlertsURL,
				IncidentsURL: cfg.HTTP.IncidentsURL,
				Timeout:      cfg.HTTP.Timeout,
				Headers:      cfg.HTTP.Headers,
			})
			if err != nil {
				return fail(fmt.Errorf("create http writer: %w", err))
			}
			sinks = append(sinks, w)
			logger.Infof("Output mode: http (%s, %s)", cfg.HTTP.AlertsURL, cfg.HTTP.IncidentsURL)
		case "clickhouse":
			ch := cfg.ClickHouse
			w, err := alertclickhouse.NewWriter(alertclickhouse.Config{
				URL:           ch.URL,
				Database:      ch.Database,
				AlertTable:    ch.AlertTable,
				IncidentTable: ch.IncidentTable,
				Username:      ch.Username,
				Password:      ch.Password,
				Timeout:       ch.Timeout,
				Headers:       ch.Headers,
			})
			if err != nil {
				return fail(fmt.Errorf("create clickhouse writer: %w", err))
			}
			sinks = append(sinks, w)
			logger.Infof("Output mode: clickhouse (%s/%s)", ch.URL, ch.Database)
		case "kafka":
			w, err := alertkafka.NewWriter(alertkafka.Config{
				Brokers:       cfg.Kafka.Brokers,
				AlertTopic:    cfg.Kafka.AlertTopic,
				IncidentTopic: cfg.Kafka.IncidentTopic,
				Timeout:       cfg.Kafka.Timeout,
			})
			if err != nil {
				return fail(fmt.Errorf("create kafka writer: %w", err))
			}
			sinks = append(sinks, w)
			logger.Infof("Output mode: kafka (%s)", strings.Join(cfg.Kafka.Brokers, ","))
		case "nats":
			w, err := alertnats.NewWriter(alertnats.Config{
				URL:           cfg.NATS.URL,
				SubjectPrefix: cfg.NATS.SubjectPrefix,
			})
			if err != nil {
				return fail(fmt.Errorf("create nats writer: %w", err))
			}
			sinks = append(sinks, w)
			logger.Infof("Output mode: nats (%s prefix=%s)", cfg.NATS.URL, cfg.NATS.SubjectPrefix)
		default:
			return fail(fmt.Errorf("unknown output mode: %s", mode))
		}
	}
	if len(sinks) == 0 {
		return nil, fmt.Errorf("no output mode configured")
	}
	return sinks, nil
}

func buildPipelineConfig(cfg config.ThreatScopeConfig) (pipeline.Config, error) {
	fc, err := featuresConfig(cfg.Features)
	if err != nil {
		return pipeline.Config{}, err
	}
	return pipeline.Config{
		Workers:       cfg.Pipeline.Workers,
		QueueSize:     cfg.Pipeline.QueueSize,
		BatchSize:     cfg.Pipeline.BatchSize,
		FlushInterval: cfg.Pipeline.FlushInterval,
		PruneInterval: cfg.Pipeline.PruneInterval,
		PruneSkew:     cfg.Pipeline.PruneSkew,
		Features:      fc,
		Correlation: pipeline.CorrelationConfig{
			Enabled:      cfg.Correlation.Enabled,
			Window:       time.Duration(cfg.Correlation.WindowMinutes) * time.Minute,
			TriggerLevel: pipeline.ParseTriggerLevel(cfg.Correlation.TriggerLevel),
			Cooldown:     cfg.Correlation.Cooldown,
			CooldownSize: cfg.Correlation.CooldownSize,
		},
	}, nil
}

func buildCorrelator(cfg config.ThreatScopeConfig, st store.Store) *correlator.Correlator {
	return correlator.New(st, correlator.Config{
		Window: time.Duration(cfg.Correlation.WindowMinutes) * time.Minute,
	})
}

func featuresConfig(cfg config.FeaturesConfig) (features.Config, error) {
	fc := features.Config{HomeCountry: cfg.HomeCountry}
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return features.Config{}, fmt.Errorf("load timezone %s: %w", tz, err)
		}
		fc.Location = loc
	}
	return fc, nil
}

func splitModes(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		v := strings.ToLower(strings.TrimSpace(p))
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func defaultEstimators() []config.EstimatorConfig {
	return []config.EstimatorConfig{
		{Type: "builtin", Name: "primary"},
		{Type: "builtin", Name: "secondary"},
	}
}

func defaultCategory() string {
	return mitre.CategoryAPT
}
