package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Plonkawojciech/open-kaap-pro/internal/core"
	"github.com/Plonkawojciech/open-kaap-pro/internal/util"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

const redisOpTimeout = 5 * time.Second

// FileStorage keeps every key in one JSON document on disk
type FileStorage struct {
	filePath string
	mu       sync.Mutex
	data     map[string]json.RawMessage
}

// NewFileStorage opens (or lazily creates) the store file.
func NewFileStorage(filePath string) (*FileStorage, error) {
	if filePath == "" {
		filePath = core.DefaultStoreFile
	}
	fs := &FileStorage{filePath: filePath, data: make(map[string]json.RawMessage)}

	raw, err := os.ReadFile(filePath) //nolint:gosec // G304: path from config, not user input
	if err != nil {
		if os.IsNotExist(err) {
			return fs, nil
		}
		return nil, fmt.Errorf("read store file %s: %w", filePath, err)
	}
	if len(raw) == 0 {
		return fs, nil
	}
	if err := sonic.Unmarshal(raw, &fs.data); err != nil {
		return nil, fmt.Errorf("parse store file %s: %w", filePath, err)
	}
	if fs.data == nil {
		fs.data = make(map[string]json.RawMessage)
	}
	return fs, nil
}

func (fs *FileStorage) Load(key string) ([]byte, bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	value, ok := fs.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

func (fs *FileStorage) Save(key string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("store key %s: value is not valid JSON", key)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.data[key] = append(json.RawMessage(nil), data...)
	return fs.flushLocked()
}

func (fs *FileStorage) flushLocked() error {
	out, err := sonic.MarshalIndent(fs.data, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(fs.filePath)
	tmp, err := os.CreateTemp(dir, ".store-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(out); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, core.FilePermissionReadWrite); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, fs.filePath)
}

func (fs *FileStorage) Close() error {
	return nil
}

// MemoryStorage is a process-local store, used when persistence is disabled
type MemoryStorage struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{data: make(map[string][]byte)}
}

func (ms *MemoryStorage) Load(key string) ([]byte, bool, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	value, ok := ms.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

func (ms *MemoryStorage) Save(key string, data []byte) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.data[key] = append([]byte(nil), data...)
	return nil
}

func (ms *MemoryStorage) Close() error {
	return nil
}

// RedisStorage implements persistence using Redis
type RedisStorage struct {
	client *redis.Client
	prefix string
}

// RedisStorageConfig Redis storage config
type RedisStorageConfig struct {
	URL    string
	Prefix string
}

func NewRedisStorage(config RedisStorageConfig) (*RedisStorage, error) {
	opts, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	prefix := config.Prefix
	if prefix == "" {
		prefix = core.RedisKeyPrefix
	}

	return &RedisStorage{client: client, prefix: prefix}, nil
}

func (rs *RedisStorage) Load(key string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	val, err := rs.client.Get(ctx, rs.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return val, true, nil
}

func (rs *RedisStorage) Save(key string, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	return rs.client.Set(ctx, rs.prefix+key, data, 0).Err()
}

func (rs *RedisStorage) Close() error {
	return rs.client.Close()
}

// LoadJSON decodes key into v. It reports false when the key is absent.
func LoadJSON(store core.StorageInterface, key string, v any) (bool, error) {
	data, found, err := store.Load(key)
	if err != nil || !found {
		return false, err
	}
	if err := util.UnmarshalJSON(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// SaveJSON encodes v under key.
func SaveJSON(store core.StorageInterface, key string, v any) error {
	data, err := util.MarshalJSON(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return store.Save(key, data)
}

// Options selects the storage backend.
type Options struct {
	RedisURL  string
	StoreFile string
}

// InitStorage initializes storage: Redis when configured and reachable, else the JSON file.
// StoreFile ":memory:" keeps everything in process.
func InitStorage(opts Options, logger core.Logger) (core.StorageInterface, error) {
	if opts.RedisURL != "" {
		redisStorage, err := NewRedisStorage(RedisStorageConfig{URL: opts.RedisURL})
		if err == nil {
			logger.Info("Using Redis storage")
			return redisStorage, nil
		}
		logger.Warn("Failed to initialize Redis storage: %v, falling back to file storage", err)
	}

	if opts.StoreFile == ":memory:" {
		logger.Info("Using in-memory storage")
		return NewMemoryStorage(), nil
	}

	fileStorage, err := NewFileStorage(opts.StoreFile)
	if err != nil {
		return nil, err
	}
	logger.Info("Using file storage at %s", fileStorage.filePath)
	return fileStorage, nil
}
