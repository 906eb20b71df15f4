package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lxplabs/ai-fabric/internal/logger"
)

var (
	// ErrNotFound is returned when no session exists under the given id.
	ErrNotFound = errors.New("session: not found")
	// ErrCASConflict is returned when an optimistic update lost the race
	// three times in a row.
	ErrCASConflict = errors.New("session: concurrent update conflict")
	// ErrClosed is returned when an update is attempted against a session
	// that already reached its terminal phase.
	ErrClosed = errors.New("session: closed")
)

const casRetries = 3

// Store persists session state in Redis. All values carry the
// configured TTL so abandoned sessions expire on their own.
type Store struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *logger.Logger
}

// NewStore connects to Redis using a redis:// URL.
func NewStore(redisURL string, ttl time.Duration, log *logger.Logger) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Store{rdb: rdb, ttl: ttl, logger: log.WithComponent("session")}, nil
}

// Ping verifies connectivity. Called from the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

func sessionKey(id string) string     { return "session:" + id }
func closedKey(id string) string      { return "session_closed:" + id }
func ttsQueueKey(id string) string    { return "tts_queue:" + id }
func ttsDoneChannel(id string) string { return "tts_done_flag:" + id }

// Put stores a session unconditionally. Used only at creation; every
// later write goes through Update.
func (s *Store) Put(ctx context.Context, state *State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return s.rdb.Set(ctx, sessionKey(state.ID), raw, s.ttl).Err()
}

// Get loads the session state for the given id.
func (s *Store) Get(ctx context.Context, id string) (*State, error) {
	raw, err := s.rdb.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &state, nil
}

// Update applies fn to the current state inside an optimistic
// transaction. The watched key guards against a concurrent writer; on
// conflict the read-modify-write cycle is retried up to three times
// before giving up with ErrCASConflict. fn may return ErrClosed (or
// any other error) to abort without writing.
func (s *Store) Update(ctx context.Context, id string, fn func(*State) error) (*State, error) {
	var updated *State

	txn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, sessionKey(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		var state State
		if err := json.Unmarshal(raw, &state); err != nil {
			return fmt.Errorf("decode session: %w", err)
		}

		if err := fn(&state); err != nil {
			return err
		}
		state.Touch()

		out, err := json.Marshal(&state)
		if err != nil {
			return fmt.Errorf("marshal session: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, sessionKey(id), out, s.ttl)
			return nil
		})
		if err != nil {
			return err
		}
		updated = &state
		return nil
	}

	for attempt := 0; attempt < casRetries; attempt++ {
		err := s.rdb.Watch(ctx, txn, sessionKey(id))
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			s.logger.Debug("session update conflict, retrying", "session_id", id, "attempt", attempt+1)
			continue
		}
		return nil, err
	}
	return nil, ErrCASConflict
}

// MarkClosed sets the closed marker alongside the state so cheap
// existence checks do not need to parse the full session.
func (s *Store) MarkClosed(ctx context.Context, id string) error {
	return s.rdb.Set(ctx, closedKey(id), "1", s.ttl).Err()
}

// IsClosed checks the closed marker.
func (s *Store) IsClosed(ctx context.Context, id string) (bool, error) {
	n, err := s.rdb.Exists(ctx, closedKey(id)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Delete removes the session and its side keys.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.rdb.Del(ctx, sessionKey(id), closedKey(id), ttsQueueKey(id)).Err()
}

// EnqueueTTS appends a synthesized-audio reference to the session's
// playback queue.
func (s *Store) EnqueueTTS(ctx context.Context, id, ref string) error {
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, ttsQueueKey(id), ref)
	pipe.Expire(ctx, ttsQueueKey(id), s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// DequeueTTS pops the oldest playback reference, blocking up to the
// given timeout. Returns empty string when the timeout elapses.
func (s *Store) DequeueTTS(ctx context.Context, id string, timeout time.Duration) (string, error) {
	vals, err := s.rdb.BLPop(ctx, timeout, ttsQueueKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if len(vals) < 2 {
		return "", nil
	}
	return vals[1], nil
}

// SignalTTSDone publishes the completion flag for a session. Workers
// raise this after the last audio segment is queued.
func (s *Store) SignalTTSDone(ctx context.Context, id string) error {
	return s.rdb.Publish(ctx, ttsDoneChannel(id), "done").Err()
}

// WaitTTSDone blocks until the completion flag arrives or the context
// is cancelled.
func (s *Store) WaitTTSDone(ctx context.Context, id string) error {
	sub := s.rdb.Subscribe(ctx, ttsDoneChannel(id))
	defer sub.Close()

	ch := sub.Channel()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
