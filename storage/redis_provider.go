package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/calderalabs/actionexec/core"
)

// RedisProvider persists objects in Redis under namespaced keys.
type RedisProvider struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration
	logger    core.Logger
}

// RedisProviderOptions configures the Redis provider.
type RedisProviderOptions struct {
	RedisURL  string
	Namespace string        // Key namespace, defaults to "actionexec:storage"
	TTL       time.Duration // Object lifetime, 0 means no expiry
	Logger    core.Logger
}

// redisObject is the stored wire format.
type redisObject struct {
	Data    string     `json:"data"` // base64
	Info    ObjectInfo `json:"info"`
	SavedAt time.Time  `json:"savedAt"`
}

// NewRedisProvider creates a Redis-backed provider and verifies connectivity.
func NewRedisProvider(opts RedisProviderOptions) (*RedisProvider, error) {
	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if opts.RedisURL == "" {
		return nil, fmt.Errorf("redis URL is required: %w", core.ErrInvalidConfiguration)
	}
	namespace := opts.Namespace
	if namespace == "" {
		namespace = "actionexec:storage"
	}

	redisOpt, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", core.ErrInvalidConfiguration)
	}
	client := redis.NewClient(redisOpt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", core.ErrConnectionFailed)
	}

	logger.Info("Redis storage provider connected", map[string]interface{}{
		"namespace": namespace,
	})
	return &RedisProvider{
		client:    client,
		namespace: namespace,
		ttl:       opts.TTL,
		logger:    logger,
	}, nil
}

func (p *RedisProvider) Name() string { return "redis" }

// Close closes the Redis connection
func (p *RedisProvider) Close() error {
	return p.client.Close()
}

func (p *RedisProvider) formatKey(collection, id string) string {
	return fmt.Sprintf("%s:%s:%s", p.namespace, collection, id)
}

func (p *RedisProvider) Save(ctx context.Context, collection, id string, data []byte) (*ObjectInfo, error) {
	info := ObjectInfo{
		ID:       id,
		Path:     fmt.Sprintf("redis://%s/%s/%s", p.namespace, collection, id),
		Size:     int64(len(data)),
		Checksum: checksum(data),
	}
	obj := redisObject{
		Data:    base64.StdEncoding.EncodeToString(data),
		Info:    info,
		SavedAt: time.Now(),
	}
	encoded, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("cannot encode stored object: %w", err)
	}

	if err := p.client.Set(ctx, p.formatKey(collection, id), encoded, p.ttl).Err(); err != nil {
		return nil, fmt.Errorf("redis save %s/%s: %w", collection, id, err)
	}
	return &info, nil
}

func (p *RedisProvider) Load(ctx context.Context, collection, id string) (*Object, error) {
	raw, err := p.client.Get(ctx, p.formatKey(collection, id)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrObjectNotFound, collection, id)
	}
	if err != nil {
		return nil, fmt.Errorf("redis load %s/%s: %w", collection, id, err)
	}

	var obj redisObject
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil, fmt.Errorf("corrupt stored object %s/%s: %w", collection, id, err)
	}
	data, err := base64.StdEncoding.DecodeString(obj.Data)
	if err != nil {
		return nil, fmt.Errorf("corrupt stored object %s/%s: %w", collection, id, err)
	}
	return &Object{Data: data, Info: obj.Info, SavedAt: obj.SavedAt}, nil
}

// HealthCheck verifies Redis connectivity
func (p *RedisProvider) HealthCheck(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
