package statuscache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logs "github.com/danmuck/fleetctl/internal/logging"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const DefaultBucket = "fleet_status"

// bucket narrows a JetStream KeyValue handle to the calls the cache makes.
type bucket interface {
	get(ctx context.Context, key string) ([]byte, bool, error)
	put(ctx context.Context, key string, value []byte) error
}

type jsBucket struct {
	kv jetstream.KeyValue
}

func (b jsBucket) get(ctx context.Context, key string) ([]byte, bool, error) {
	entry, err := b.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return entry.Value(), true, nil
}

func (b jsBucket) put(ctx context.Context, key string, value []byte) error {
	_, err := b.kv.Put(ctx, key, value)
	return err
}

// NATSConfig selects the server and bucket backing a NATSCache.
type NATSConfig struct {
	URL     string
	Bucket  string
	TTL     time.Duration
	Timeout time.Duration
}

// NATSCache stores vectors in a JetStream key-value bucket.
type NATSCache struct {
	nc     *nats.Conn
	bucket bucket
	name   string
}

var _ Cache = (*NATSCache)(nil)

// OpenNATS connects to cfg.URL and binds (or creates) the bucket.
func OpenNATS(ctx context.Context, cfg NATSConfig) (*NATSCache, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		url = nats.DefaultURL
	}
	name := strings.TrimSpace(cfg.Bucket)
	if name == "" {
		name = DefaultBucket
	}
	opts := []nats.Option{nats.Name("fleetctl-status-cache")}
	if cfg.Timeout > 0 {
		opts = append(opts, nats.Timeout(cfg.Timeout))
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("statuscache: connect nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("statuscache: jetstream context: %w", err)
	}
	kv, err := js.KeyValue(ctx, name)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kvCfg := jetstream.KeyValueConfig{Bucket: name}
		if cfg.TTL > 0 {
			kvCfg.TTL = cfg.TTL
		}
		kv, err = js.CreateKeyValue(ctx, kvCfg)
	}
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("statuscache: bind bucket %q: %w", name, err)
	}
	logs.Infof("statuscache.OpenNATS bound url=%q bucket=%q", url, name)
	return &NATSCache{nc: nc, bucket: jsBucket{kv: kv}, name: name}, nil
}

func (c *NATSCache) Get(ctx context.Context, key string) (string, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", false, ErrKeyRequired
	}
	raw, ok, err := c.bucket.get(ctx, key)
	if err != nil {
		return "", false, fmt.Errorf("statuscache: get key %s: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return string(raw), true, nil
}

// SetIfChanged reads the current entry and writes only on difference.
// The read and write are not atomic; concurrent probes of one host write
// values derived from the same remote state.
func (c *NATSCache) SetIfChanged(ctx context.Context, key, value string) (bool, error) {
	cur, ok, err := c.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if ok && cur == value {
		return false, nil
	}
	if err := c.bucket.put(ctx, strings.TrimSpace(key), []byte(value)); err != nil {
		return false, fmt.Errorf("statuscache: put key %s: %w", key, err)
	}
	return true, nil
}

func (c *NATSCache) Close() error {
	if c.nc != nil {
		c.nc.Close()
	}
	return nil
}
