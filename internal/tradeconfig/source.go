package tradeconfig

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"gopkg.in/yaml.v3"
)

// Source fetches a raw configuration document.
type Source interface {
	Name() string
	Fetch(ctx context.Context) (*Document, error)
}

// FileSource reads the YAML configuration file on every fetch.
type FileSource struct {
	Path string
}

// NewFileSource creates a YAML file source.
func NewFileSource(path string) *FileSource { return &FileSource{Path: path} }

func (f *FileSource) Name() string { return "file:" + f.Path }

func (f *FileSource) Fetch(_ context.Context) (*Document, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("tradeconfig: read %s: %w", f.Path, err)
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("tradeconfig: parse %s: %w", f.Path, err)
	}
	return &doc, nil
}

// OverrideRedisKey holds an operator override document as JSON.
const OverrideRedisKey = "tradeconfig:override"

// redisKV is the subset of the redis client the override source needs.
type redisKV interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.StatusCmd
}

// RedisSource reads an override document from redis. A missing key is an
// empty override, not an error.
type RedisSource struct {
	rdb redisKV
	key string
}

// NewRedisSource creates an override source on the default key.
func NewRedisSource(rdb redisKV) *RedisSource {
	return &RedisSource{rdb: rdb, key: OverrideRedisKey}
}

func (r *RedisSource) Name() string { return "redis:" + r.key }

func (r *RedisSource) Fetch(ctx context.Context) (*Document, error) {
	data, err := r.rdb.Get(ctx, r.key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return &Document{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("tradeconfig: redis get %s: %w", r.key, err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("tradeconfig: decode %s: %w", r.key, err)
	}
	return &doc, nil
}

// Publish stores an override document. It takes effect on the next reload.
func (r *RedisSource) Publish(ctx context.Context, doc *Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, r.key, data, 0).Err()
}
