package convq

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	ikeys "github.com/UniQw/convq/internal/keys"
	"github.com/redis/go-redis/v9"
)

// DefaultNamespace is the key namespace used when none is given.
const DefaultNamespace = "default"

// createScript atomically inserts a record and its index entries unless the id exists.
var createScript = redis.NewScript(`
local tkey = KEYS[1]
local xkey = KEYS[2]
local lkey = KEYS[3]
if redis.call('EXISTS', tkey) == 1 then return 0 end
redis.call('SET', tkey, ARGV[1])
if ARGV[3] == '1' then redis.call('SADD', lkey, ARGV[2]) end
if tonumber(ARGV[4]) > 0 then redis.call('ZADD', xkey, ARGV[4], ARGV[2]) end
return 1
`)

// deleteScript removes a record and every index entry pointing at it.
var deleteScript = redis.NewScript(`
local n = redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('SREM', KEYS[3], ARGV[1])
return n
`)

// RedisStore persists task records in Redis. Each record is a JSON string;
// an expiry ZSET and a live SET index the records for sweeps and recovery.
type RedisStore struct {
	rdb        redis.UniversalClient
	keys       ikeys.Space
	encoder    Encoder
	maxRetries int
}

// NewRedisStore creates a store in the given namespace (DefaultNamespace if empty).
func NewRedisStore(rdb redis.UniversalClient, namespace string) *RedisStore {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &RedisStore{rdb: rdb, keys: ikeys.For(namespace), encoder: &JSONEncoder{}, maxRetries: 32}
}

func (s *RedisStore) Create(ctx context.Context, t *Task) error {
	raw, err := s.encoder.Encode(t)
	if err != nil {
		return err
	}
	live := "0"
	if !t.Status.Terminal() {
		live = "1"
	}
	res, err := createScript.Run(ctx, s.rdb,
		[]string{s.keys.Task(t.ID), s.keys.Expiry, s.keys.Live},
		raw, t.ID, live, expiryScore(t),
	).Int()
	if err != nil {
		return err
	}
	if res == 0 {
		return ErrDuplicateTaskID
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Task, error) {
	raw, err := s.rdb.Get(ctx, s.keys.Task(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeTask(s.encoder, raw)
}

// Update runs fn inside a WATCH/MULTI transaction on the record key and
// retries when a concurrent writer touched the record first.
func (s *RedisStore) Update(ctx context.Context, id string, fn func(*Task) error) (*Task, error) {
	key := s.keys.Task(id)
	var out *Task
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		t, err := decodeTask(s.encoder, raw)
		if err != nil {
			return err
		}
		if err := fn(t); err != nil {
			return err
		}
		data, err := s.encoder.Encode(t)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, data, 0)
			if t.Status.Terminal() {
				p.SRem(ctx, s.keys.Live, id)
			}
			if !t.ExpiresAt.IsZero() {
				p.ZAdd(ctx, s.keys.Expiry, redis.Z{Score: float64(t.ExpiresAt.UnixMilli()), Member: id})
			}
			return nil
		})
		if err == nil {
			out = t
		}
		return err
	}
	for i := 0; i < s.maxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, fmt.Errorf("convq: update %s: too much contention", id)
}

func (s *RedisStore) ListExpired(ctx context.Context, now time.Time) ([]*Task, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, s.keys.Expiry, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}
	tasks, missing, err := s.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		// index entries left behind by a record deleted out of band
		_ = s.rdb.ZRem(ctx, s.keys.Expiry, toAny(missing)...).Err()
	}
	return tasks, nil
}

func (s *RedisStore) ListByStatus(ctx context.Context, statuses ...Status) ([]*Task, error) {
	var ids []string
	if slices.ContainsFunc(statuses, Status.Terminal) {
		var cursor uint64
		for {
			keys, next, err := s.rdb.Scan(ctx, cursor, s.keys.Prefix+"*", 256).Result()
			if err != nil {
				return nil, err
			}
			for _, k := range keys {
				if id := s.keys.TaskID(k); id != "" {
					ids = append(ids, id)
				}
			}
			if next == 0 {
				break
			}
			cursor = next
		}
	} else {
		members, err := s.rdb.SMembers(ctx, s.keys.Live).Result()
		if err != nil {
			return nil, err
		}
		ids = members
	}
	tasks, _, err := s.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := tasks[:0]
	for _, t := range tasks {
		if slices.Contains(statuses, t.Status) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	n, err := deleteScript.Run(ctx, s.rdb, []string{s.keys.Task(id), s.keys.Expiry, s.keys.Live}, id).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// load fetches records by id, returning the ids whose record no longer exists.
func (s *RedisStore) load(ctx context.Context, ids []string) ([]*Task, []string, error) {
	if len(ids) == 0 {
		return nil, nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.keys.Task(id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, nil, err
	}
	out := make([]*Task, 0, len(vals))
	var missing []string
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			missing = append(missing, ids[i])
			continue
		}
		t, err := decodeTask(s.encoder, []byte(str))
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	slices.SortFunc(out, byCreated)
	return out, missing, nil
}

func expiryScore(t *Task) string {
	if t.ExpiresAt.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.ExpiresAt.UnixMilli(), 10)
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
