// Package redisstore — хранилище записей поверх Redis для агентов на разных машинах.
// Запись: hash <ns>:rec:<id> (collection, data, updated); коллекция: ZSET <ns>:col:<name>
// со score = created (ms), так что равные score упорядочены по ID.
package redisstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/agentvault/internal/infra"
	"github.com/xela07ax/agentvault/internal/store"
)

// KEYS: rec(id), col(from), col(to), rec(newID), cols
// ARGV: id, from, to, newID, now
var moveScript = redis.NewScript(`
local col = redis.call('HGET', KEYS[1], 'collection')
if col ~= ARGV[2] then return 0 end
if ARGV[1] ~= ARGV[4] and redis.call('EXISTS', KEYS[4]) == 1 then return -1 end
local score = redis.call('ZSCORE', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
if ARGV[1] ~= ARGV[4] then redis.call('RENAME', KEYS[1], KEYS[4]) end
redis.call('HSET', KEYS[4], 'collection', ARGV[3], 'updated', ARGV[5])
redis.call('ZADD', KEYS[3], score or 0, ARGV[4])
redis.call('SADD', KEYS[5], ARGV[3])
return 1
`)

// KEYS: rec(id), col(to), cols
// ARGV: collection, id, data, now, colPrefix, score
var putScript = redis.NewScript(`
local old = redis.call('HGET', KEYS[1], 'collection')
if old and old ~= ARGV[1] then redis.call('ZREM', ARGV[5] .. old, ARGV[2]) end
redis.call('HSET', KEYS[1], 'collection', ARGV[1], 'data', ARGV[3], 'updated', ARGV[4])
redis.call('ZADD', KEYS[2], ARGV[6], ARGV[2])
redis.call('SADD', KEYS[3], ARGV[1])
return 1
`)

// KEYS: rec(id)
// ARGV: collection, data, now
var updateScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'collection') ~= ARGV[1] then return 0 end
redis.call('HSET', KEYS[1], 'data', ARGV[2], 'updated', ARGV[3])
return 1
`)

type Store struct {
	rdb    *redis.Client
	logger *zap.Logger
	now    func() time.Time
}

var _ store.Replica = (*Store)(nil)

func New(rdb *redis.Client, logger *zap.Logger) *Store {
	return &Store{rdb: rdb, logger: logger.Named("redisstore"), now: time.Now}
}

func (s *Store) List(ctx context.Context, c store.Collection) ([]string, error) {
	ids, err := s.rdb.ZRange(ctx, infra.CollectionKey(string(c)), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", c, err)
	}
	return ids, nil
}

func (s *Store) Read(ctx context.Context, id string) (*store.Record, error) {
	if err := store.ValidateID(id); err != nil {
		return nil, err
	}
	fields, err := s.rdb.HGetAll(ctx, infra.RecordKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, store.ErrNotFound
	}
	rec, err := store.Decode(id, []byte(fields["data"]))
	if err != nil {
		return nil, err
	}
	rec.Collection = store.Collection(fields["collection"])
	return rec, nil
}

func (s *Store) TryMove(ctx context.Context, id string, from, to store.Collection) (bool, error) {
	return s.TryMoveAs(ctx, id, from, to, id)
}

func (s *Store) TryMoveAs(ctx context.Context, id string, from, to store.Collection, newID string) (bool, error) {
	if err := store.ValidateID(id); err != nil {
		return false, err
	}
	if err := store.ValidateID(newID); err != nil {
		return false, err
	}
	keys := []string{
		infra.RecordKey(id),
		infra.CollectionKey(string(from)),
		infra.CollectionKey(string(to)),
		infra.RecordKey(newID),
		infra.RedisKeyCollections,
	}
	res, err := moveScript.Run(ctx, s.rdb, keys, id, string(from), string(to), newID, s.now().UnixMilli()).Int()
	if err != nil {
		return false, fmt.Errorf("move %s %s->%s: %w", id, from, to, err)
	}
	switch res {
	case 1:
		return true, nil
	case -1:
		return false, store.ErrExists
	default:
		return false, nil
	}
}

func (s *Store) put(ctx context.Context, cmd redis.Scripter, c store.Collection, rec *store.Record) error {
	cp := rec.Clone()
	if cp.Meta.Created.IsZero() {
		cp.Meta.Created = s.now().UTC()
	}
	data, err := store.Encode(cp)
	if err != nil {
		return err
	}
	keys := []string{infra.RecordKey(cp.ID), infra.CollectionKey(string(c)), infra.RedisKeyCollections}
	args := []interface{}{string(c), cp.ID, data, s.now().UnixMilli(), infra.RedisKeyCollectionPrefix, cp.Meta.Created.UnixMilli()}
	// В транзакции EVALSHA не может откатиться на EVAL, поэтому шлем скрипт целиком.
	if pipe, ok := cmd.(redis.Pipeliner); ok {
		return putScript.Eval(ctx, pipe, keys, args...).Err()
	}
	return putScript.Run(ctx, cmd, keys, args...).Err()
}

func (s *Store) Put(ctx context.Context, c store.Collection, rec *store.Record) error {
	if err := store.ValidateID(rec.ID); err != nil {
		return err
	}
	if err := s.put(ctx, s.rdb, c, rec); err != nil {
		return fmt.Errorf("put %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, id string, in store.Collection, rec *store.Record) (bool, error) {
	if err := store.ValidateID(id); err != nil {
		return false, err
	}
	cp := rec.Clone()
	cp.ID = id
	if cp.Meta.Created.IsZero() {
		cp.Meta.Created = s.now().UTC()
	}
	data, err := store.Encode(cp)
	if err != nil {
		return false, err
	}
	n, err := updateScript.Run(ctx, s.rdb, []string{infra.RecordKey(id)}, string(in), data, s.now().UnixMilli()).Int()
	if err != nil {
		return false, fmt.Errorf("update %s in %s: %w", id, in, err)
	}
	return n == 1, nil
}

func (s *Store) Collections(ctx context.Context, prefix store.Collection) ([]store.Collection, error) {
	names, err := s.rdb.SMembers(ctx, infra.RedisKeyCollections).Result()
	if err != nil {
		return nil, fmt.Errorf("collections: %w", err)
	}
	var out []store.Collection
	for _, n := range names {
		if !strings.HasPrefix(n, string(prefix)) {
			continue
		}
		size, err := s.rdb.ZCard(ctx, infra.CollectionKey(n)).Result()
		if err != nil {
			return nil, err
		}
		if size > 0 {
			out = append(out, store.Collection(n))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *Store) Snapshot(ctx context.Context) ([]store.Entry, error) {
	var out []store.Entry
	iter := s.rdb.Scan(ctx, 0, infra.RedisKeyRecordPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		fields, err := s.rdb.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, err
		}
		if len(fields) == 0 {
			continue
		}
		id := strings.TrimPrefix(key, infra.RedisKeyRecordPrefix)
		e := store.Entry{ID: id, Collection: store.Collection(fields["collection"])}
		if ms, err := strconv.ParseInt(fields["updated"], 10, 64); err == nil {
			e.UpdatedAt = time.UnixMilli(ms)
		}
		if rec, err := store.Decode(id, []byte(fields["data"])); err == nil {
			rec.Collection = e.Collection
			e.Digest = store.Digest(rec)
		}
		out = append(out, e)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Apply выполняет все записи в одной транзакции MULTI/EXEC.
func (s *Store) Apply(ctx context.Context, recs []*store.Record) error {
	for _, r := range recs {
		if err := store.ValidateID(r.ID); err != nil {
			return err
		}
	}
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, r := range recs {
			if err := s.put(ctx, pipe, r.Collection, r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("apply: %w", err)
	}
	return nil
}
