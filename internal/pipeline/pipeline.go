package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/spaolacci/murmur3"

	"threatscope/internal/features"
	"threatscope/internal/logger"
	"threatscope/internal/metrics"
	"threatscope/internal/rules"
	"threatscope/internal/scoring"
	"threatscope/internal/transform/eventjson"
	"threatscope/pkg/models"
)

// Scorer turns a feature vector into a verdict.
type Scorer interface {
	Score(ctx context.Context, in scoring.Input) (*scoring.Result, error)
}

// Correlator groups an entity's recent alerts relative to a reference time.
type Correlator interface {
	CorrelateAt(ctx context.Context, entityID string, window time.Duration, now time.Time) (*models.Incident, error)
}

// CorrelationConfig controls when a new alert triggers correlation.
type CorrelationConfig struct {
	Enabled bool
	Window  time.Duration
	// TriggerLevel is the minimum alert level that triggers correlation.
	TriggerLevel models.ThreatLevel
	// Cooldown suppresses repeated triggers for one entity, measured in event time.
	Cooldown     time.Duration
	CooldownSize int
}

// Config controls the streaming pipeline.
type Config struct {
	Workers       int
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	// PruneInterval is how much event time passes between extractor prunes. Negative disables pruning.
	PruneInterval time.Duration
	// PruneSkew is how far an entity's clock may trail the newest event in its shard
	// before its idle windows are dropped.
	PruneSkew     time.Duration
	RetryInterval time.Duration
	Features      features.Config
	Correlation   CorrelationConfig
}

// Pipeline consumes events, scores them and forwards alerts and incidents to a sink.
type Pipeline struct {
	cfg        Config
	source     Source
	classifier rules.Classifier
	scorer     Scorer
	correlator Correlator
	sink       Sink
	metrics    *metrics.Metrics
	cooldown   *lru.Cache[string, time.Time]
}

type shardItem struct {
	payload []byte
	event   *models.Event
}

// worker is the state owned by one shard goroutine.
type worker struct {
	x *features.Extractor
	// pending holds triggers suppressed by the cooldown, keyed by entity with the latest alert time.
	pending   map[string]time.Time
	watermark time.Time
	lastPrune time.Time
}

type outItem struct {
	alert    *models.Alert
	incident *models.Incident
}

// New creates a pipeline. classifier, correlator and m may be nil.
func New(cfg Config, source Source, classifier rules.Classifier, scorer Scorer, correlator Correlator, sink Sink, m *metrics.Metrics) (*Pipeline, error) {
	if source == nil {
		return nil, fmt.Errorf("pipeline source is required")
	}
	if scorer == nil {
		return nil, fmt.Errorf("pipeline scorer is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("pipeline sink is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Workers * 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.PruneInterval == 0 {
		cfg.PruneInterval = 10 * time.Minute
	}
	if cfg.PruneSkew <= 0 {
		cfg.PruneSkew = 24 * time.Hour
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Second
	}
	if cfg.Correlation.Window <= 0 {
		cfg.Correlation.Window = 60 * time.Minute
	}
	if cfg.Correlation.TriggerLevel.Rank() == 0 {
		cfg.Correlation.TriggerLevel = models.LevelHigh
	}
	if cfg.Correlation.CooldownSize <= 0 {
		cfg.Correlation.CooldownSize = 10000
	}
	if correlator == nil {
		cfg.Correlation.Enabled = false
	}

	p := &Pipeline{
		cfg:        cfg,
		source:     source,
		classifier: classifier,
		scorer:     scorer,
		correlator: correlator,
		sink:       sink,
		metrics:    m,
	}
	if cfg.Correlation.Enabled && cfg.Correlation.Cooldown > 0 {
		cache, err := lru.New[string, time.Time](cfg.Correlation.CooldownSize)
		if err != nil {
			return nil, fmt.Errorf("create correlation cooldown cache: %w", err)
		}
		p.cooldown = cache
	}
	return p, nil
}

// Run processes events until ctx is cancelled or the source is exhausted.
// Events already handed to a worker are finished after cancellation, and
// buffered output gets one final flush. An exhausted source returns nil.
func (p *Pipeline) Run(ctx context.Context) error {
	logger.Infof("Threat pipeline started: workers=%d batch=%d", p.cfg.Workers, p.cfg.BatchSize)

	shards := make([]chan shardItem, p.cfg.Workers)
	for i := range shards {
		shards[i] = make(chan shardItem, p.cfg.QueueSize)
	}
	outCh := make(chan outItem, p.cfg.Workers*4)

	var readErr error
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		readErr = p.readLoop(ctx, shards)
		for _, ch := range shards {
			close(ch)
		}
	}()

	var workers sync.WaitGroup
	for i := range shards {
		workers.Add(1)
		go func(in <-chan shardItem) {
			defer workers.Done()
			p.workerLoop(ctx, in, outCh)
		}(shards[i])
	}

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		p.writeLoop(ctx, outCh)
	}()

	<-readDone
	workers.Wait()
	close(outCh)
	<-writeDone

	if readErr != nil {
		return readErr
	}
	logger.Infof("Threat pipeline stopped")
	return nil
}

// Close releases the sink and then the source.
func (p *Pipeline) Close() error {
	if p.sink != nil {
		if err := p.sink.Close(); err != nil {
			logger.Errorf("Failed to close sink: %v", err)
		}
	}
	if p.source != nil {
		return p.source.Close()
	}
	return nil
}

// readLoop returns ctx.Err() on cancellation and nil when the source is exhausted.
func (p *Pipeline) readLoop(ctx context.Context, shards []chan shardItem) error {
	for {
		payload, err := p.source.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				logger.Infof("Event source exhausted")
				return nil
			}
			logger.Errorf("Failed to pop event: %v", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}
		if payload == nil {
			continue
		}

		event, err := eventjson.Parse(payload)
		if err != nil {
			logger.Warnf("Rejected event: %v", err)
			p.metrics.Event(metrics.ResultInvalid)
			p.deadLetter(ctx, payload, err.Error())
			continue
		}

		shard := shards[shardFor(event.EntityID, len(shards))]
		select {
		case shard <- shardItem{payload: payload, event: event}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func shardFor(entityID string, n int) int {
	return int(murmur3.Sum32([]byte(entityID)) % uint32(n))
}

// workerLoop owns one extractor, so each entity's windows live on exactly one goroutine.
func (p *Pipeline) workerLoop(ctx context.Context, in <-chan shardItem, out chan<- outItem) {
	w := &worker{
		x:       features.NewExtractor(p.cfg.Features),
		pending: make(map[string]time.Time),
	}
	pctx := context.WithoutCancel(ctx)

	for item := range in {
		ts := item.event.Timestamp
		p.flushPending(pctx, w, ts, false, out)

		before := w.x.Entities()
		p.process(pctx, w, item, out)
		p.metrics.AddEntities(w.x.Entities() - before)

		if ts.After(w.watermark) {
			w.watermark = ts
		}
		p.prune(w)
	}
	p.flushPending(pctx, w, time.Time{}, true, out)
}

// prune drops entities idle relative to the shard watermark minus PruneSkew.
func (p *Pipeline) prune(w *worker) {
	if p.cfg.PruneInterval < 0 {
		return
	}
	if w.lastPrune.IsZero() {
		w.lastPrune = w.watermark
		return
	}
	if w.watermark.Sub(w.lastPrune) < p.cfg.PruneInterval {
		return
	}
	if removed := w.x.Prune(w.watermark.Add(-p.cfg.PruneSkew)); removed > 0 {
		p.metrics.AddEntities(-removed)
		logger.Debugf("Pruned %d idle entities", removed)
	}
	w.lastPrune = w.watermark
}

func (p *Pipeline) process(ctx context.Context, w *worker, item shardItem, out chan<- outItem) {
	event := item.event

	fv, err := w.x.Ingest(event.EntityID, event)
	if err != nil {
		if errors.Is(err, features.ErrOutOfOrder) {
			logger.Warnw("Skipped out-of-order event",
				"user_id", event.EntityID,
				"timestamp", event.Timestamp,
				"error", err,
			)
			p.metrics.Event(metrics.ResultOutOfOrder)
			return
		}
		logger.Warnf("Rejected event: %v", err)
		p.metrics.Event(metrics.ResultInvalid)
		p.deadLetter(ctx, item.payload, err.Error())
		return
	}

	var category string
	if p.classifier != nil {
		category = p.classifier.Classify(event)
	}

	start := time.Now()
	res, err := p.scorer.Score(ctx, scoring.Input{
		EntityID: event.EntityID,
		Event:    event,
		Features: fv,
		Category: category,
	})
	if err != nil {
		if res == nil {
			kind := "error"
			if errors.Is(err, scoring.ErrUnavailable) {
				kind = "unavailable"
			}
			logger.Errorf("Failed to score event for %s: %v", event.EntityID, err)
			p.metrics.ScoringError(kind)
			p.metrics.Event(metrics.ResultFailed)
			return
		}
		// Verdict computed but the alert was not stored.
		logger.Errorf("Failed to persist alert for %s: %v", event.EntityID, err)
		p.metrics.Prediction(res.Level, time.Since(start))
		p.metrics.ScoringError("persistence")
		p.metrics.Event(metrics.ResultFailed)
		p.deadLetter(ctx, item.payload, err.Error())
		return
	}
	p.metrics.Prediction(res.Level, time.Since(start))
	p.metrics.Event(metrics.ResultScored)

	if res.Alert == nil {
		return
	}
	p.metrics.Alert()
	logger.Infow("Threat alert",
		"alert_id", res.Alert.ID,
		"user_id", res.Alert.EntityID,
		"threat_score", res.Alert.Score,
		"threat_level", res.Alert.Level,
		"mitre_tactic", res.Alert.Tactic,
	)
	out <- outItem{alert: res.Alert}

	cc := p.cfg.Correlation
	if !cc.Enabled || res.Alert.Level.Rank() < cc.TriggerLevel.Rank() {
		return
	}
	if p.cooldown != nil {
		if last, ok := p.cooldown.Get(event.EntityID); ok && res.Alert.Timestamp.Sub(last) < cc.Cooldown {
			w.pending[event.EntityID] = res.Alert.Timestamp
			return
		}
	}
	delete(w.pending, event.EntityID)
	p.correlate(ctx, event.EntityID, res.Alert.Timestamp, out)
}

// flushPending correlates suppressed triggers whose cooldown has passed by event
// time now. force correlates all of them, which the worker does when its shard closes.
func (p *Pipeline) flushPending(ctx context.Context, w *worker, now time.Time, force bool, out chan<- outItem) {
	for entityID, at := range w.pending {
		if !force {
			if last, ok := p.cooldown.Peek(entityID); ok && now.Sub(last) < p.cfg.Correlation.Cooldown {
				continue
			}
		}
		delete(w.pending, entityID)
		p.correlate(ctx, entityID, at, out)
	}
}

// correlate groups the entity's unlinked alerts up to at and forwards the incident.
func (p *Pipeline) correlate(ctx context.Context, entityID string, at time.Time, out chan<- outItem) {
	cc := p.cfg.Correlation
	if p.cooldown != nil {
		p.cooldown.Add(entityID, at)
	}
	inc, err := p.correlator.CorrelateAt(ctx, entityID, cc.Window, at)
	if err != nil {
		logger.Errorf("Failed to correlate alerts for %s: %v", entityID, err)
		p.metrics.ScoringError("correlation")
		return
	}
	if inc == nil {
		return
	}
	p.metrics.Incident()
	logger.Infow("Incident created",
		"incident_number", inc.ID,
		"user_id", inc.EntityID,
		"severity", inc.Severity,
		"alerts", len(inc.AlertIDs),
	)
	out <- outItem{incident: inc}
}

func (p *Pipeline) deadLetter(ctx context.Context, payload []byte, reason string) {
	dl, ok := p.source.(DeadLetterer)
	if !ok {
		return
	}
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := dl.DeadLetter(dctx, payload, reason); err != nil {
		logger.Errorf("Failed to dead-letter event: %v", err)
	}
}

func (p *Pipeline) writeLoop(ctx context.Context, in <-chan outItem) {
	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	var batchAlerts []*models.Alert
	var batchIncidents []*models.Incident

	// Each destination is retried on its own so a healthy one never sees a batch twice.
	dests := members(p.sink)

	// write retries until it succeeds or ctx is done; after that a single attempt is made.
	write := func(stream string, fn func() error) bool {
		for {
			err := fn()
			if err == nil {
				return true
			}
			logger.Errorf("Failed to write %s: %v", stream, err)
			p.metrics.SinkError(stream)
			select {
			case <-ctx.Done():
				return false
			case <-time.After(p.cfg.RetryInterval):
			}
		}
	}

	flush := func() {
		if len(batchAlerts) > 0 {
			for _, d := range dests {
				if !write("alerts", func() error { return d.WriteAlerts(batchAlerts) }) {
					logger.Warnf("Dropped %d alerts after shutdown", len(batchAlerts))
				}
			}
			batchAlerts = nil
		}
		if len(batchIncidents) > 0 {
			for _, d := range dests {
				if !write("incidents", func() error { return d.WriteIncidents(batchIncidents) }) {
					logger.Warnf("Dropped %d incidents after shutdown", len(batchIncidents))
				}
			}
			batchIncidents = nil
		}
	}

	for {
		select {
		case <-ticker.C:
			flush()
		case item, ok := <-in:
			if !ok {
				flush()
				return
			}
			if item.alert != nil {
				batchAlerts = append(batchAlerts, item.alert)
			}
			if item.incident != nil {
				batchIncidents = append(batchIncidents, item.incident)
			}
			if len(batchAlerts)+len(batchIncidents) >= p.cfg.BatchSize {
				flush()
			}
		}
	}
}

// ParseTriggerLevel maps a level name to a ThreatLevel, defaulting to high.
func ParseTriggerLevel(name string) models.ThreatLevel {
	level := models.ThreatLevel(strings.ToLower(strings.TrimSpace(name)))
	if level.Rank() == 0 {
		return models.LevelHigh
	}
	return level
}
