package cassandra

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gocql/gocql"
	"github.com/super-hydro/superhydro/internal/config"
	"github.com/super-hydro/superhydro/pkg/logger"
)

// journalRetries bounds retries of transient journal write failures.
const journalRetries = 3

// Client owns the gocql session backing the session journal.
type Client struct {
	session *gocql.Session
	config  config.CassandraConfig
	logger  *logger.Logger
}

// NewClient connects to the cluster and makes sure the journal schema exists.
func NewClient(cfg config.CassandraConfig, log *logger.Logger) (*Client, error) {
	log = log.With(logger.F("component", "journal"))

	consistency, err := gocql.ParseConsistencyWrapper(strings.ToUpper(cfg.Consistency))
	if err != nil {
		log.Warn("Unknown consistency, using QUORUM", logger.F("consistency", cfg.Consistency))
		consistency = gocql.Quorum
	}

	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Timeout = cfg.Timeout
	cluster.ConnectTimeout = cfg.Timeout
	cluster.Consistency = consistency
	cluster.RetryPolicy = RetryPolicy(journalRetries)
	cluster.NumConns = 2
	cluster.PoolConfig.HostSelectionPolicy = gocql.TokenAwareHostPolicy(gocql.RoundRobinHostPolicy())
	if cfg.Username != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: cfg.Username,
			Password: cfg.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create Cassandra session: %w", err)
	}
	log.Info("Connected to Cassandra",
		logger.F("hosts", strings.Join(cfg.Hosts, ",")),
		logger.F("keyspace", cfg.Keyspace),
		logger.F("consistency", consistency.String()))

	c := &Client{session: session, config: cfg, logger: log}
	if err := c.initializeSchema(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return c, nil
}

// Session returns the underlying gocql.Session
func (c *Client) Session() *gocql.Session {
	return c.session
}

// Keyspace returns the configured keyspace
func (c *Client) Keyspace() string {
	return c.config.Keyspace
}

// Close closes the Cassandra session
func (c *Client) Close() {
	if c.session != nil {
		c.session.Close()
		c.logger.Info("Cassandra session closed")
	}
}

// schemaStatements create the keyspace and the journal. One row per session
// name; a re-created session overwrites its destroyed predecessor.
var schemaStatements = []struct {
	what     string
	query    string
	optional bool
}{
	{"keyspace", `CREATE KEYSPACE IF NOT EXISTS %[1]s
		WITH replication = {'class': 'SimpleStrategy', 'replication_factor': 1}`, false},
	{"session_journal table", `CREATE TABLE IF NOT EXISTS %[1]s.session_journal (
			name text PRIMARY KEY,
			model text,
			server_id text,
			created_at timestamp,
			destroyed_at timestamp,
			status text,
			step_count bigint,
			peak_clients int
		)`, false},
	{"server_id index", `CREATE INDEX IF NOT EXISTS ON %[1]s.session_journal (server_id)`, true},
}

func (c *Client) initializeSchema() error {
	for _, stmt := range schemaStatements {
		err := c.session.Query(fmt.Sprintf(stmt.query, c.config.Keyspace)).Exec()
		if err == nil {
			continue
		}
		if stmt.optional {
			c.logger.Debug("Skipped "+stmt.what, logger.Err(err))
			continue
		}
		return fmt.Errorf("failed to create %s: %w", stmt.what, err)
	}
	c.logger.Info("Cassandra schema initialized", logger.F("keyspace", c.config.Keyspace))
	return nil
}

// RetryPolicy retries timeouts and unavailable replicas up to maxRetries
// times. Anything else, including a rejected lightweight transaction, is
// returned to the caller.
func RetryPolicy(maxRetries int) gocql.RetryPolicy {
	return &journalRetryPolicy{maxRetries: maxRetries}
}

type journalRetryPolicy struct {
	maxRetries int
}

func (p *journalRetryPolicy) Attempt(q gocql.RetryableQuery) bool {
	return q.Attempts() <= p.maxRetries
}

func (p *journalRetryPolicy) GetRetryType(err error) gocql.RetryType {
	if transient(err) {
		return gocql.Retry
	}
	return gocql.Rethrow
}

func transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gocql.ErrTimeoutNoResponse) || errors.Is(err, gocql.ErrConnectionClosed) {
		return true
	}
	var unavailable *gocql.RequestErrUnavailable
	var readTimeout *gocql.RequestErrReadTimeout
	var writeTimeout *gocql.RequestErrWriteTimeout
	return errors.As(err, &unavailable) || errors.As(err, &readTimeout) || errors.As(err, &writeTimeout)
}
