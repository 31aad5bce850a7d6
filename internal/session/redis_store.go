// Package session owns saved canvases: the durable keyed session map and
// the manager that keeps the in-memory graph in sync with it.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"cassandra/api/internal/canvas"
)

// ErrNotFound is returned for unknown session ids.
var ErrNotFound = errors.New("session not found")

// Session is one saved canvas: a named node graph with a creation time.
type Session struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	CreatedAt int64         `json:"createdAt"` // unix milliseconds
	Renamed   bool          `json:"renamed,omitempty"`
	Nodes     []canvas.Node `json:"nodes"`
	Edges     []canvas.Edge `json:"edges"`
}

// Clone returns a deep copy of the session.
func (s Session) Clone() Session {
	out := s
	out.Nodes = canvas.CloneNodes(s.Nodes)
	out.Edges = canvas.CloneEdges(s.Edges)
	return out
}

// Store is the persistence port for canvas sessions. Snapshots must
// round-trip through Save/Get without loss of node or edge shape.
type Store interface {
	Save(ctx context.Context, s Session) error
	Get(ctx context.Context, id string) (Session, error)
	List(ctx context.Context) ([]Session, error)
	Delete(ctx context.Context, id string) error
	SetActive(ctx context.Context, id string) error
	Active(ctx context.Context) (string, error)
	Close() error
}

// RedisStore implements Store on Redis, one key per session.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed session store.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "canvas:session:"}
}

func (s *RedisStore) key(id string) string {
	return s.prefix + id
}

func (s *RedisStore) activeKey() string {
	return "canvas:active"
}

// Save writes one session snapshot. Sessions never expire on their own;
// they are removed explicitly through Delete.
func (s *RedisStore) Save(ctx context.Context, sess Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", sess.ID, err)
	}
	if err := s.client.Set(ctx, s.key(sess.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	return nil
}

// Get loads one session by id.
func (s *RedisStore) Get(ctx context.Context, id string) (Session, error) {
	data, err := s.client.Get(ctx, s.key(id)).Result()
	if err == redis.Nil {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("load session %s: %w", id, err)
	}
	var sess Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return Session{}, fmt.Errorf("unmarshal session %s: %w", id, err)
	}
	return sess, nil
}

// List returns all saved sessions in unspecified order.
func (s *RedisStore) List(ctx context.Context) ([]Session, error) {
	var sessions []Session
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load session %s: %w", iter.Val(), err)
		}
		var sess Session
		if err := json.Unmarshal([]byte(data), &sess); err != nil {
			return nil, fmt.Errorf("unmarshal session %s: %w", iter.Val(), err)
		}
		sessions = append(sessions, sess)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan sessions: %w", err)
	}
	return sessions, nil
}

// Delete removes one session. Deleting an unknown id is not an error.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// SetActive records the active-session pointer.
func (s *RedisStore) SetActive(ctx context.Context, id string) error {
	if err := s.client.Set(ctx, s.activeKey(), id, 0).Err(); err != nil {
		return fmt.Errorf("set active session: %w", err)
	}
	return nil
}

// Active returns the recorded active-session pointer, or "" if unset.
func (s *RedisStore) Active(ctx context.Context) (string, error) {
	id, err := s.client.Get(ctx, s.activeKey()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get active session: %w", err)
	}
	return id, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
