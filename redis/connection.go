package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	log "log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/sharedcode/uow"
)

// Options are the Redis connection options.
type Options struct {
	// Redis server(cluster) address.
	Address string
	// Password required when connecting to the Redis server.
	Password string
	// DB to connect to.
	DB int
	// TLS config.
	TLSConfig *tls.Config
}

// Connection contains the Redis client and the Options used to connect.
type Connection struct {
	Client  *redis.Client
	Options Options
}

func DefaultOptions() Options {
	return Options{
		Address: "localhost:6379",
	}
}

// OptionsFromConfig converts the cache configuration, giving URL precedence.
func OptionsFromConfig(cfg *uow.RedisCacheConfig) (Options, error) {
	if cfg == nil {
		return DefaultOptions(), nil
	}
	if cfg.URL != "" {
		ro, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return Options{}, fmt.Errorf("invalid redis url: %w", err)
		}
		return Options{Address: ro.Addr, Password: ro.Password, DB: ro.DB, TLSConfig: ro.TLSConfig}, nil
	}
	return Options{Address: cfg.Address, Password: cfg.Password, DB: cfg.DB}, nil
}

var connection *Connection
var mux sync.Mutex

// IsConnectionInstantiated returns true if the shared connection is open.
func IsConnectionInstantiated() bool {
	mux.Lock()
	defer mux.Unlock()
	return connection != nil
}

// OpenConnection creates the shared connection on first call and returns it for every call.
// The server is pinged with retries before the connection is handed out.
func OpenConnection(ctx context.Context, options Options) (*Connection, error) {
	mux.Lock()
	defer mux.Unlock()

	if connection != nil {
		return connection, nil
	}
	c := openConnection(options)
	if err := uow.RetryTransient(ctx, func(ctx context.Context) error {
		return c.Client.Ping(ctx).Err()
	}); err != nil {
		closeConnection(c)
		return nil, fmt.Errorf("failed to reach redis at %s: %w", options.Address, err)
	}
	log.Info(fmt.Sprintf("connected to redis at %s, db %d", options.Address, options.DB))
	connection = c
	return connection, nil
}

// CloseConnection closes the shared connection if open.
func CloseConnection() error {
	mux.Lock()
	defer mux.Unlock()
	if connection == nil {
		return nil
	}
	err := closeConnection(connection)
	connection = nil
	return err
}

func openConnection(options Options) *Connection {
	client := redis.NewClient(&redis.Options{
		TLSConfig: options.TLSConfig,
		Addr:      options.Address,
		Password:  options.Password,
		DB:        options.DB})

	return &Connection{
		Client:  client,
		Options: options,
	}
}

func closeConnection(c *Connection) error {
	if c == nil || c.Client == nil {
		return nil
	}
	err := c.Client.Close()
	c.Client = nil
	return err
}
