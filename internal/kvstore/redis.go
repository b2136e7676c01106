package kvstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix = "nutri:"
	casRetries         = 8
	scanBatch          = 200
)

// writeAndPublish sets or deletes KEYS[1] and then announces it. A failing
// redis.call aborts the script before the PUBLISH.
var writeAndPublish = redis.NewScript(`
if ARGV[1] == "1" then
	redis.call("DEL", KEYS[1])
else
	redis.call("SET", KEYS[1], ARGV[2])
end
redis.call("PUBLISH", ARGV[3], ARGV[4])
return 1
`)

// RedisStore maps store paths onto plain redis keys. Changes are announced
// on a pub/sub channel so subscribers in other processes see them.
// The client is owned by the caller.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	channel string
}

func NewRedisStore(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = defaultRedisPrefix
	}
	return &RedisStore{
		client:  client,
		prefix:  keyPrefix,
		channel: keyPrefix + "changes",
	}
}

func (s *RedisStore) key(path string) string {
	return s.prefix + path
}

func (s *RedisStore) Read(ctx context.Context, path string) ([]byte, bool, error) {
	if err := validatePath(path); err != nil {
		return nil, false, err
	}
	v, err := s.client.Get(ctx, s.key(path)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", path, err)
	}
	return v, true, nil
}

func (s *RedisStore) List(ctx context.Context, path string) (map[string][]byte, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}

	match := escapeGlob(s.key(path)) + "/*"
	var keys []string
	iter := s.client.Scan(ctx, 0, match, scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan %s: %w", path, err)
	}

	out := make(map[string][]byte, len(keys))
	for start := 0; start < len(keys); start += scanBatch {
		end := start + scanBatch
		if end > len(keys) {
			end = len(keys)
		}
		chunk := keys[start:end]

		vals, err := s.client.MGet(ctx, chunk...).Result()
		if err != nil {
			return nil, fmt.Errorf("redis mget %s: %w", path, err)
		}
		for i, v := range vals {
			str, ok := v.(string)
			if !ok {
				// deleted between SCAN and MGET
				continue
			}
			out[strings.TrimPrefix(chunk[i], s.prefix)] = []byte(str)
		}
	}
	return out, nil
}

func (s *RedisStore) Write(ctx context.Context, values map[string][]byte) error {
	for p := range values {
		if err := validatePath(p); err != nil {
			return err
		}
	}

	// each path is written and announced by one script, so a failed
	// SET or DEL never reaches subscribers
	pipe := s.client.Pipeline()
	cmds := make(map[string]redis.Cmder, len(values))
	for _, p := range sortedPaths(values) {
		v, del := values[p], "0"
		if v == nil {
			v, del = []byte{}, "1"
		}
		cmds[p] = writeAndPublish.Eval(ctx, pipe, []string{s.key(p)},
			del, v, s.channel, encodeChange(Change{Path: p, Value: values[p]}, 0))
	}

	// Exec reports the first failed command; per-path results are
	// collected from the commands themselves.
	_, _ = pipe.Exec(ctx)

	failed := make(map[string]error)
	for p, cmd := range cmds {
		if err := cmd.Err(); err != nil {
			failed[p] = fmt.Errorf("redis write %s: %w", p, err)
		}
	}
	return writeResult(len(values), failed)
}

func (s *RedisStore) CompareAndSet(ctx context.Context, path string, pred Predicate, newValue []byte) (bool, error) {
	if err := validatePath(path); err != nil {
		return false, err
	}
	key := s.key(path)

	var committed bool
	txf := func(tx *redis.Tx) error {
		committed = false

		cur, err := tx.Get(ctx, key).Bytes()
		exists := true
		if errors.Is(err, redis.Nil) {
			cur, exists = nil, false
		} else if err != nil {
			return err
		}
		if !pred(cur, exists) {
			return nil
		}

		// EXEC aborts with TxFailedErr if the key moved after WATCH.
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if newValue == nil {
				pipe.Del(ctx, key)
			} else {
				pipe.Set(ctx, key, newValue, 0)
			}
			pipe.Publish(ctx, s.channel, encodeChange(Change{Path: path, Value: newValue}, 0))
			return nil
		})
		if err != nil {
			return err
		}
		committed = true
		return nil
	}

	for i := 0; i < casRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return committed, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return false, fmt.Errorf("redis compare and set %s: %w", path, err)
	}
	return false, fmt.Errorf("%w: %s", ErrContention, path)
}

func (s *RedisStore) Subscribe(ctx context.Context, prefix string, fn func(Change)) (func(), error) {
	if prefix != "" {
		if err := validatePath(prefix); err != nil {
			return nil, err
		}
	}

	ps := s.client.Subscribe(ctx, s.channel)
	// wait for the subscription to be confirmed so no change is missed
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	ch := ps.Channel()
	go func() {
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				n, err := decodeChange(msg.Payload)
				if err != nil {
					continue
				}
				if under(n.Path, prefix) {
					fn(n.change())
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			_ = ps.Close()
		})
	}, nil
}

func (s *RedisStore) Close() error {
	return nil
}

var globReplacer = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globReplacer.Replace(s)
}
