// Package redis implements the unified Store on Redis. Records are stored as
// JSON strings; sorted sets index leased sessions by lease time and running
// executions by last update. Finished execution records can be given a TTL.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jkaninda/shellbox/internal/execution"
	"github.com/jkaninda/shellbox/internal/session"
	"github.com/jkaninda/shellbox/internal/storage"
)

const (
	defaultKeyPrefix = "shellbox:"
	maxTxRetries     = 16
	staleListLimit   = 500
)

// Compile-time interface checks.
var (
	_ storage.Store   = (*Store)(nil)
	_ session.Store   = (*Store)(nil)
	_ execution.Store = (*Store)(nil)
)

// Store implements storage.Store, session.Store and execution.Store.
type Store struct {
	client    *redis.Client
	keyPrefix string
	recordTTL time.Duration
	logger    *slog.Logger

	closeOnce sync.Once
}

// Open connects to Redis and verifies the connection.
func Open(ctx context.Context, cfg storage.RedisConfig, logger *slog.Logger) (*Store, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}

	s := New(client, cfg.KeyPrefix, time.Duration(cfg.RecordTTLS)*time.Second, logger)
	logger.Info("redis store opened",
		slog.String("addr", cfg.Addr),
		slog.Int("db", cfg.DB),
		slog.String("key_prefix", s.keyPrefix),
	)
	return s, nil
}

// New wraps an existing client. A zero recordTTL keeps finished records.
func New(client *redis.Client, keyPrefix string, recordTTL time.Duration, logger *slog.Logger) *Store {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{client: client, keyPrefix: keyPrefix, recordTTL: recordTTL, logger: logger}
}

func (s *Store) Sessions() session.Store     { return s }
func (s *Store) Executions() execution.Store { return s }

// Migrate is a no-op: Redis has no schema.
func (s *Store) Migrate(context.Context) error { return nil }

func (s *Store) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.client.Close() })
	return err
}

func (s *Store) Driver() string { return storage.DriverRedis }

// --- keys ---

func (s *Store) sessionKey(id string) string { return s.keyPrefix + "session:" + id }
func (s *Store) leasedKey() string           { return s.keyPrefix + "sessions:leased" }
func (s *Store) execKey(id string) string    { return s.keyPrefix + "exec:" + id }
func (s *Store) runningKey() string          { return s.keyPrefix + "exec:running" }

func score(t time.Time) float64 { return float64(t.UnixMilli()) }

// below returns an exclusive ZRANGEBYSCORE upper bound.
func below(t time.Time) string { return "(" + strconv.FormatInt(t.UnixMilli(), 10) }

// --- session.Store ---

// GetSession returns the stored record, or an empty record for an unknown session.
func (s *Store) GetSession(ctx context.Context, sessionID string) (session.Record, error) {
	data, err := s.client.Get(ctx, s.sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return session.Empty(sessionID), nil
	}
	if err != nil {
		return session.Record{}, fmt.Errorf("loading session: %w", err)
	}
	var rec session.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return session.Record{}, fmt.Errorf("decoding session %s: %w", sessionID, err)
	}
	rec.SessionID = sessionID
	if !rec.HasSandbox() {
		return session.Empty(sessionID), nil
	}
	return rec, nil
}

// SaveSession writes the record and keeps the leased index in step with it.
func (s *Store) SaveSession(ctx context.Context, rec session.Record) error {
	if !rec.HasSandbox() {
		rec = session.Empty(rec.SessionID)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.sessionKey(rec.SessionID), data, 0)
		if rec.HasSandbox() {
			at := time.Now().UTC()
			if rec.LeasedAt != nil {
				at = *rec.LeasedAt
			}
			pipe.ZAdd(ctx, s.leasedKey(), redis.Z{Score: score(at), Member: rec.SessionID})
		} else {
			pipe.ZRem(ctx, s.leasedKey(), rec.SessionID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

// ListLeased returns sessions holding a lease taken before leasedBefore, oldest first.
func (s *Store) ListLeased(ctx context.Context, leasedBefore time.Time) ([]session.Record, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.leasedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: below(leasedBefore),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("listing leased sessions: %w", err)
	}

	out := make([]session.Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec.HasSandbox() {
			out = append(out, rec)
		}
	}
	return out, nil
}

// --- execution.Store ---

// CreateExecution inserts a new running record. Ids must be unique.
func (s *Store) CreateExecution(ctx context.Context, rec *execution.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding execution: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.execKey(rec.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("creating execution: %w", err)
	}
	if !ok {
		return fmt.Errorf("creating execution: %s already exists", rec.ID)
	}
	if !rec.Done {
		if err := s.client.ZAdd(ctx, s.runningKey(), redis.Z{Score: score(rec.UpdatedAt), Member: rec.ID}).Err(); err != nil {
			return fmt.Errorf("indexing execution: %w", err)
		}
	}
	return nil
}

// GetExecution loads a record by id.
func (s *Store) GetExecution(ctx context.Context, id string) (*execution.Record, error) {
	return s.load(ctx, s.client, id)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *Store) load(ctx context.Context, c getter, id string) (*execution.Record, error) {
	data, err := c.Get(ctx, s.execKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", execution.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading execution: %w", err)
	}
	var rec execution.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding execution %s: %w", id, err)
	}
	return &rec, nil
}

// UpdateOutput replaces the output of a running execution.
func (s *Store) UpdateOutput(ctx context.Context, id, stdout, stderr string) error {
	return s.mutate(ctx, id, func(rec *execution.Record, now time.Time) error {
		return rec.ApplyOutput(stdout, stderr, now)
	})
}

// CompleteExecution performs the single terminal write.
func (s *Store) CompleteExecution(ctx context.Context, id string, c execution.Completion) error {
	return s.mutate(ctx, id, func(rec *execution.Record, now time.Time) error {
		return rec.ApplyCompletion(c, now)
	})
}

// mutate is an optimistic read-validate-write on the record key. A
// concurrent writer aborts the transaction and the change is re-validated
// against the newer record.
func (s *Store) mutate(ctx context.Context, id string, apply func(*execution.Record, time.Time) error) error {
	key := s.execKey(id)
	txf := func(tx *redis.Tx) error {
		rec, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := apply(rec, time.Now().UTC()); err != nil {
			return err
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encoding execution: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			ttl := time.Duration(0)
			if rec.Done {
				ttl = s.recordTTL
				pipe.ZRem(ctx, s.runningKey(), id)
			} else {
				pipe.ZAdd(ctx, s.runningKey(), redis.Z{Score: score(rec.UpdatedAt), Member: id})
			}
			pipe.Set(ctx, key, data, ttl)
			return nil
		})
		return err
	}

	for range maxTxRetries {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("updating execution %s: too much contention", id)
}

// ListStale returns running executions not updated since updatedBefore, oldest first.
func (s *Store) ListStale(ctx context.Context, updatedBefore time.Time) ([]execution.Record, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.runningKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   below(updatedBefore),
		Count: staleListLimit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("listing stale executions: %w", err)
	}

	out := make([]execution.Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.GetExecution(ctx, id)
		if errors.Is(err, execution.ErrNotFound) {
			// Expired or removed behind the index.
			s.client.ZRem(ctx, s.runningKey(), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if !rec.Done {
			out = append(out, *rec)
		}
	}
	return out, nil
}
