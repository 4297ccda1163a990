// Package db stores retrospective sessions and records in SurrealDB.
package db

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/contrib/rews"
	"github.com/surrealdb/surrealdb.go/pkg/connection"
	"github.com/surrealdb/surrealdb.go/pkg/connection/gorillaws"
	"github.com/surrealdb/surrealdb.go/pkg/logger"
	"github.com/surrealdb/surrealdb.go/surrealcbor"
)

func init() {
	// WebSocket upgrades need HTTP/1.1; ALPN would otherwise pick h2 on wss.
	gorillaws.DefaultDialer.TLSClientConfig = &tls.Config{
		NextProtos: []string{"http/1.1"},
	}
}

// Config holds SurrealDB connection configuration.
type Config struct {
	URL       string
	Namespace string
	Database  string
	Username  string
	Password  string
	AuthLevel string // "root" or "database"
	// MaxReconnects bounds reconnect attempts after the link drops.
	MaxReconnects int
	// DialTimeout limits each websocket dial. Defaults to 5s.
	DialTimeout time.Duration
}

func (c Config) withDefaults() Config {
	c.URL = strings.TrimSuffix(c.URL, "/rpc") // gorillaws appends /rpc itself
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = 10
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	return c
}

// auth builds sign-in credentials for the configured level.
func (c Config) auth() surrealdb.Auth {
	a := surrealdb.Auth{Username: c.Username, Password: c.Password}
	if c.AuthLevel == "database" {
		a.Namespace, a.Database = c.Namespace, c.Database
	}
	return a
}

// Client is a reconnecting SurrealDB connection. It implements
// session.Store and the service's record sink.
type Client struct {
	conn   *rews.Connection[*gorillaws.Connection]
	db     *surrealdb.DB
	logger logger.Logger
}

// NewClient connects, signs in and selects the namespace and database.
func NewClient(ctx context.Context, cfg Config, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	c := &Client{logger: logger.New(log.With("component", "surrealdb").Handler())}

	c.conn = c.dial(cfg)
	c.logger.Info("connecting", "url", cfg.URL, "namespace", cfg.Namespace, "database", cfg.Database)
	if err := c.conn.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	if err := c.open(ctx, cfg); err != nil {
		_ = c.conn.Close(ctx)
		return nil, err
	}
	return c, nil
}

// dial prepares the websocket connection with exponential reconnects.
func (c *Client) dial(cfg Config) *rews.Connection[*gorillaws.Connection] {
	codec := surrealcbor.New()
	conn := rews.New(
		func(context.Context) (*gorillaws.Connection, error) {
			return gorillaws.New(&connection.Config{
				BaseURL:     cfg.URL,
				Marshaler:   codec,
				Unmarshaler: codec,
				Logger:      c.logger,
			}), nil
		},
		cfg.DialTimeout,
		codec,
		c.logger,
	)

	retryer := rews.NewExponentialBackoffRetryer()
	retryer.InitialDelay = time.Second
	retryer.MaxDelay = 30 * time.Second
	retryer.Multiplier = 2.0
	retryer.MaxRetries = cfg.MaxReconnects
	conn.Retryer = retryer
	return conn
}

func (c *Client) open(ctx context.Context, cfg Config) error {
	db, err := surrealdb.FromConnection(ctx, c.conn)
	if err != nil {
		return fmt.Errorf("from connection: %w", err)
	}
	if _, err := db.SignIn(ctx, cfg.auth()); err != nil {
		return fmt.Errorf("signin as %s (%s): %w", cfg.Username, cfg.AuthLevel, err)
	}
	if err := db.Use(ctx, cfg.Namespace, cfg.Database); err != nil {
		return fmt.Errorf("use %s/%s: %w", cfg.Namespace, cfg.Database, err)
	}
	c.db = db
	return nil
}

// Close closes the SurrealDB connection.
func (c *Client) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}

// InitSchema defines the retrospective tables.
func (c *Client) InitSchema(ctx context.Context) error {
	if _, err := surrealdb.Query[any](ctx, c.db, SchemaSQL, nil); err != nil {
		return fmt.Errorf("init schema: %w", wrapQueryError(err))
	}
	c.logger.Info("schema ready")
	return nil
}

// WipeData deletes every session and record but keeps the schema. Tests only.
func (c *Client) WipeData(ctx context.Context) error {
	for _, table := range []string{"retro_record", "retro_session"} {
		if _, err := surrealdb.Query[any](ctx, c.db, "DELETE "+table, nil); err != nil {
			return fmt.Errorf("delete %s: %w", table, err)
		}
	}
	return nil
}
