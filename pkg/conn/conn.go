package conn

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/yanun0323/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"tradecore/pkg/exception"
)

// Driver selects the SQL dialect.
type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverSQLite   Driver = "sqlite"
)

const sqliteMemory = ":memory:"

// Option describes a database. An empty Driver means postgres. The sqlite
// driver reads Path only, a file name or ":memory:".
type Option struct {
	Driver Driver
	Path   string

	Host       string
	Port       int
	User       string
	Password   string
	Database   string
	SSLMode    string
	Params     map[string]string
	ConnString string

	// Pool limits, zero keeps the database/sql defaults. sqlite always uses
	// one connection so that in-memory databases survive and writers queue.
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	Config *gorm.Config
}

// Client owns a gorm connection pool.
type Client struct {
	db *gorm.DB
}

func New(opt Option) (*Client, error) {
	dialector, err := opt.dialector()
	if err != nil {
		return nil, err
	}
	cfg := opt.Config
	if cfg == nil {
		cfg = &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	}
	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "open database").With("driver", opt.driver())
	}
	pool, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "database pool")
	}
	if opt.driver() == DriverSQLite {
		pool.SetMaxOpenConns(1)
	} else {
		if opt.MaxOpenConns > 0 {
			pool.SetMaxOpenConns(opt.MaxOpenConns)
		}
		if opt.MaxIdleConns > 0 {
			pool.SetMaxIdleConns(opt.MaxIdleConns)
		}
	}
	if opt.ConnMaxLifetime > 0 {
		pool.SetConnMaxLifetime(opt.ConnMaxLifetime)
	}
	return &Client{db: db}, nil
}

func (opt Option) driver() Driver {
	if opt.Driver == "" {
		return DriverPostgres
	}
	return opt.Driver
}

func (opt Option) dialector() (gorm.Dialector, error) {
	switch opt.driver() {
	case DriverPostgres:
		return postgres.Open(opt.postgresDSN()), nil
	case DriverSQLite:
		switch opt.Path {
		case "":
			return nil, errors.Wrap(exception.ErrInvalidArgument, "sqlite path is empty")
		case sqliteMemory:
			return sqlite.Open("file::memory:"), nil
		default:
			return sqlite.Open(opt.Path), nil
		}
	default:
		return nil, errors.Wrap(exception.ErrInvalidArgument, "unsupported sql driver").With("driver", opt.Driver)
	}
}

// postgresDSN builds a URL form DSN unless ConnString is given. sslmode
// defaults to disable.
func (opt Option) postgresDSN() string {
	if opt.ConnString != "" {
		return opt.ConnString
	}
	host, port := opt.Host, opt.Port
	if host == "" {
		host = "localhost"
	}
	if port == 0 {
		port = 5432
	}
	u := url.URL{Scheme: "postgres", Host: net.JoinHostPort(host, strconv.Itoa(port))}
	switch {
	case opt.User != "" && opt.Password != "":
		u.User = url.UserPassword(opt.User, opt.Password)
	case opt.User != "":
		u.User = url.User(opt.User)
	}
	if opt.Database != "" {
		u.Path = "/" + opt.Database
	}

	q := url.Values{"sslmode": {"disable"}}
	if opt.SSLMode != "" {
		q.Set("sslmode", opt.SSLMode)
	}
	for k, v := range opt.Params {
		if k != "" {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// DB is nil on a nil Client.
func (c *Client) DB() *gorm.DB {
	if c == nil {
		return nil
	}
	return c.db
}

// Ping checks the database is reachable.
func (c *Client) Ping(ctx context.Context) error {
	pool, err := c.db.DB()
	if err != nil {
		return err
	}
	if err := pool.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

func (c *Client) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	pool, err := c.db.DB()
	if err != nil {
		return err
	}
	return pool.Close()
}
