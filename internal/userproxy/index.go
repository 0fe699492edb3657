package userproxy

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"collectbot/internal/models"
	"collectbot/internal/redis"
)

// Field names a secondary key of a user record.
type Field string

const (
	FieldEmail    Field = "email"
	FieldUserName Field = "username"
)

func (f Field) of(u models.User) string {
	if f == FieldEmail {
		return u.Email
	}
	return u.UserName
}

// Presence is what an index knows about a key.
type Presence int

const (
	// Unknown means the index is not built or has expired.
	Unknown Presence = iota
	// Absent means the index is fresh and has no such key.
	Absent
	// Present means the index maps the key onto an id.
	Present
)

// Index maps emails and usernames onto user ids. Entries may be stale; callers confirm
// a hit against the user service before trusting it. A miss on a fresh index is
// authoritative until the ttl runs out.
type Index interface {
	Lookup(ctx context.Context, field Field, value string) (int64, Presence, error)
	Rebuild(ctx context.Context, users []models.User) error
	Put(ctx context.Context, user models.User) error
	Forget(ctx context.Context, id int64) error
}

// MemoryIndex keeps the maps in process and treats them as missing once ttl has passed
// since the last rebuild.
type MemoryIndex struct {
	mu      sync.RWMutex
	ttl     time.Duration
	builtAt time.Time
	keys    map[Field]map[string]int64
	now     func() time.Time
}

func NewMemoryIndex(ttl time.Duration) *MemoryIndex {
	return &MemoryIndex{
		ttl:  ttl,
		keys: emptyKeys(),
		now:  time.Now,
	}
}

func emptyKeys() map[Field]map[string]int64 {
	return map[Field]map[string]int64{
		FieldEmail:    {},
		FieldUserName: {},
	}
}

func (m *MemoryIndex) Lookup(_ context.Context, field Field, value string) (int64, Presence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.builtAt.IsZero() || (m.ttl > 0 && m.now().Sub(m.builtAt) > m.ttl) {
		return 0, Unknown, nil
	}
	if id, ok := m.keys[field][value]; ok {
		return id, Present, nil
	}
	return 0, Absent, nil
}

func (m *MemoryIndex) Rebuild(_ context.Context, users []models.User) error {
	keys := emptyKeys()
	for _, u := range users {
		for field, values := range keys {
			if v := field.of(u); v != "" {
				if _, taken := values[v]; !taken {
					values[v] = u.ID
				}
			}
		}
	}
	m.mu.Lock()
	m.keys = keys
	m.builtAt = m.now()
	m.mu.Unlock()
	return nil
}

func (m *MemoryIndex) Put(_ context.Context, user models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for field, values := range m.keys {
		if v := field.of(user); v != "" {
			values[v] = user.ID
		}
	}
	return nil
}

func (m *MemoryIndex) Forget(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, values := range m.keys {
		for k, v := range values {
			if v == id {
				delete(values, k)
			}
		}
	}
	return nil
}

// RedisIndex stores one hash per field so every instance shares the same maps.
type RedisIndex struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisIndex(client *redis.Client, prefix string, ttl time.Duration) *RedisIndex {
	if prefix == "" {
		prefix = "collectbot:users"
	}
	return &RedisIndex{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisIndex) key(field Field) string {
	return r.prefix + ":" + string(field)
}

// builtKey lives as long as the hashes of the last rebuild.
func (r *RedisIndex) builtKey() string {
	return r.prefix + ":built"
}

func (r *RedisIndex) Lookup(ctx context.Context, field Field, value string) (int64, Presence, error) {
	raw, err := r.client.HGet(ctx, r.key(field), value)
	if err == nil {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, Unknown, nil
		}
		return id, Present, nil
	}
	if !errors.Is(err, redis.ErrCacheMiss) {
		return 0, Unknown, err
	}
	built, err := r.client.Exists(ctx, r.builtKey())
	if err != nil {
		return 0, Unknown, err
	}
	if built {
		return 0, Absent, nil
	}
	return 0, Unknown, nil
}

func (r *RedisIndex) Rebuild(ctx context.Context, users []models.User) error {
	for _, field := range []Field{FieldEmail, FieldUserName} {
		values := make(map[string]interface{}, len(users))
		for _, u := range users {
			if v := field.of(u); v != "" {
				if _, taken := values[v]; !taken {
					values[v] = u.ID
				}
			}
		}
		if err := r.client.ReplaceHash(ctx, r.key(field), values, r.ttl); err != nil {
			return err
		}
	}
	return r.client.Set(ctx, r.builtKey(), time.Now().Unix(), r.ttl)
}

func (r *RedisIndex) Put(ctx context.Context, user models.User) error {
	for _, field := range []Field{FieldEmail, FieldUserName} {
		v := field.of(user)
		if v == "" {
			continue
		}
		if err := r.client.HSet(ctx, r.key(field), map[string]interface{}{v: user.ID}); err != nil {
			return err
		}
	}
	return nil
}

func (r *RedisIndex) Forget(ctx context.Context, id int64) error {
	want := strconv.FormatInt(id, 10)
	for _, field := range []Field{FieldEmail, FieldUserName} {
		all, err := r.client.HGetAll(ctx, r.key(field))
		if err != nil {
			return err
		}
		var stale []string
		for k, v := range all {
			if v == want {
				stale = append(stale, k)
			}
		}
		if err := r.client.HDel(ctx, r.key(field), stale...); err != nil {
			return err
		}
	}
	return nil
}
