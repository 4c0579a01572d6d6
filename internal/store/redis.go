package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"threatscope/pkg/models"
)

const maxTxRetries = 8

// RedisConfig configures Redis access for alert and incident persistence.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore keeps alerts and incidents as JSON values indexed by per-entity sorted sets.
//
// Keys:
//
//	<prefix>:alert:<id>          alert JSON
//	<prefix>:alerts:<entity>     ZSET of alert ids scored by unix ms
//	<prefix>:incident:<id>       incident JSON, created with SETNX
//	<prefix>:incidents:<entity>  ZSET of incident ids scored by start unix ms
//	<prefix>:incidents           ZSET of all incident ids
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisStore constructs a Redis-backed store.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	if strings.TrimSpace(cfg.KeyPrefix) == "" {
		cfg.KeyPrefix = "threatscope"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis store: %w", err)
	}

	return &RedisStore{client: client, prefix: strings.TrimSpace(cfg.KeyPrefix), now: time.Now}, nil
}

func (s *RedisStore) SaveAlert(ctx context.Context, alert *models.Alert) (string, error) {
	if alert == nil || alert.EntityID == "" {
		return "", fmt.Errorf("alert with entity id is required")
	}
	cp := *alert
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	data, err := json.Marshal(&cp)
	if err != nil {
		return "", fmt.Errorf("marshal alert: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.alertKey(cp.ID), data, 0)
	pipe.ZAdd(ctx, s.entityAlertsKey(cp.EntityID), redis.Z{Score: float64(cp.Timestamp.UnixMilli()), Member: cp.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("save alert %s: %w", cp.ID, err)
	}
	return cp.ID, nil
}

func (s *RedisStore) GetAlert(ctx context.Context, id string) (*models.Alert, error) {
	var a models.Alert
	if err := s.getJSON(ctx, s.client, s.alertKey(id), &a); err != nil {
		return nil, fmt.Errorf("alert %s: %w", id, err)
	}
	return &a, nil
}

func (s *RedisStore) QueryAlerts(ctx context.Context, entityID string, from, to time.Time) ([]*models.Alert, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.entityAlertsKey(entityID), &redis.ZRangeBy{
		Min: strconv.FormatInt(from.UnixMilli(), 10),
		Max: strconv.FormatInt(to.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("query alert index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.alertKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read alerts: %w", err)
	}

	out := make([]*models.Alert, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var a models.Alert
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return nil, fmt.Errorf("decode alert %s: %w", ids[i], err)
		}
		if inRange(a.Timestamp, from, to) {
			out = append(out, &a)
		}
	}
	sortAlerts(out)
	return out, nil
}

func (s *RedisStore) SaveIncident(ctx context.Context, inc *models.Incident) (string, error) {
	if inc == nil || inc.ID == "" {
		return "", fmt.Errorf("incident id is required")
	}
	cp := cloneIncident(inc)
	if cp.Status == "" {
		cp.Status = models.StatusOpen
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now().UTC()
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return "", fmt.Errorf("marshal incident: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.incidentKey(cp.ID), data, 0).Result()
	if err != nil {
		return "", fmt.Errorf("save incident %s: %w", cp.ID, err)
	}
	if !ok {
		return "", fmt.Errorf("incident %s: %w", cp.ID, ErrIncidentExists)
	}
	score := float64(cp.StartTime.UnixMilli())
	pipe := s.client.Pipeline()
	pipe.ZAdd(ctx, s.entityIncidentsKey(cp.EntityID), redis.Z{Score: score, Member: cp.ID})
	pipe.ZAdd(ctx, s.allIncidentsKey(), redis.Z{Score: score, Member: cp.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("index incident %s: %w", cp.ID, err)
	}
	return cp.ID, nil
}

func (s *RedisStore) GetIncident(ctx context.Context, id string) (*models.Incident, error) {
	var inc models.Incident
	if err := s.getJSON(ctx, s.client, s.incidentKey(id), &inc); err != nil {
		return nil, fmt.Errorf("incident %s: %w", id, err)
	}
	return &inc, nil
}

func (s *RedisStore) ListIncidents(ctx context.Context, entityID string) ([]*models.Incident, error) {
	index := s.allIncidentsKey()
	if entityID != "" {
		index = s.entityIncidentsKey(entityID)
	}
	ids, err := s.client.ZRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read incident index: %w", err)
	}
	out := make([]*models.Incident, 0, len(ids))
	for _, id := range ids {
		inc, err := s.GetIncident(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	sortIncidents(out)
	return out, nil
}

func (s *RedisStore) SetIncidentStatus(ctx context.Context, id string, status models.IncidentStatus, assignedTo, notes string) error {
	if !status.Valid() {
		return fmt.Errorf("invalid incident status %q", status)
	}
	key := s.incidentKey(id)
	return s.watch(ctx, func(tx *redis.Tx) error {
		var inc models.Incident
		if err := s.getJSON(ctx, tx, key, &inc); err != nil {
			return fmt.Errorf("incident %s: %w", id, err)
		}
		applyStatus(&inc, status, assignedTo, notes)
		data, err := json.Marshal(&inc)
		if err != nil {
			return fmt.Errorf("marshal incident: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}, key)
}

func (s *RedisStore) LinkAlertsToIncident(ctx context.Context, alertIDs []string, incidentID string) error {
	incKey := s.incidentKey(incidentID)
	keys := make([]string, 0, len(alertIDs)+1)
	keys = append(keys, incKey)
	for _, id := range alertIDs {
		keys = append(keys, s.alertKey(id))
	}

	return s.watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, incKey).Result()
		if err != nil {
			return fmt.Errorf("check incident %s: %w", incidentID, err)
		}
		if n == 0 {
			return fmt.Errorf("incident %s: %w", incidentID, ErrNotFound)
		}

		updates := make(map[string][]byte, len(alertIDs))
		for _, id := range alertIDs {
			var a models.Alert
			if err := s.getJSON(ctx, tx, s.alertKey(id), &a); err != nil {
				return fmt.Errorf("alert %s: %w", id, err)
			}
			if a.IncidentID == incidentID {
				continue
			}
			if a.IncidentID != "" {
				return fmt.Errorf("alert %s owned by %s: %w", id, a.IncidentID, ErrAlreadyLinked)
			}
			a.IncidentID = incidentID
			data, err := json.Marshal(&a)
			if err != nil {
				return fmt.Errorf("marshal alert: %w", err)
			}
			updates[s.alertKey(id)] = data
		}
		if len(updates) == 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for k, v := range updates {
				pipe.Set(ctx, k, v, 0)
			}
			return nil
		})
		return err
	}, keys...)
}

// DeleteIncident removes an incident and clears the link on its alerts.
func (s *RedisStore) DeleteIncident(ctx context.Context, id string) error {
	inc, err := s.GetIncident(ctx, id)
	if err != nil {
		return err
	}
	keys := []string{s.incidentKey(id)}
	for _, aid := range inc.AlertIDs {
		keys = append(keys, s.alertKey(aid))
	}
	return s.watch(ctx, func(tx *redis.Tx) error {
		updates := make(map[string][]byte)
		for _, aid := range inc.AlertIDs {
			var a models.Alert
			err := s.getJSON(ctx, tx, s.alertKey(aid), &a)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if a.IncidentID != id {
				continue
			}
			a.IncidentID = ""
			data, err := json.Marshal(&a)
			if err != nil {
				return fmt.Errorf("marshal alert: %w", err)
			}
			updates[s.alertKey(aid)] = data
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for k, v := range updates {
				pipe.Set(ctx, k, v, 0)
			}
			pipe.Del(ctx, s.incidentKey(id))
			pipe.ZRem(ctx, s.entityIncidentsKey(inc.EntityID), id)
			pipe.ZRem(ctx, s.allIncidentsKey(), id)
			return nil
		})
		return err
	}, keys...)
}

// Close closes Redis resources.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := s.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("redis transaction contention on %s", strings.Join(keys, ","))
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) getJSON(ctx context.Context, c getter, key string, dst interface{}) error {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) alertKey(id string) string {
	return s.prefix + ":alert:" + id
}

func (s *RedisStore) entityAlertsKey(entity string) string {
	return s.prefix + ":alerts:" + entity
}

func (s *RedisStore) incidentKey(id string) string {
	return s.prefix + ":incident:" + id
}

func (s *RedisStore) entityIncidentsKey(entity string) string {
	return s.prefix + ":incidents:" + entity
}

func (s *RedisStore) allIncidentsKey() string {
	return s.prefix + ":incidents"
}
