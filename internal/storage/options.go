package storage

import "time"

// Option configures a repository driver.
type Option interface {
	applyFile(*Storage)
	applyPostgres(*PostgresConfig)
}

type optionAdapter struct {
	file func(*Storage)
	pg   func(*PostgresConfig)
}

func (o optionAdapter) applyFile(store *Storage) {
	if o.file != nil && store != nil {
		o.file(store)
	}
}

func (o optionAdapter) applyPostgres(cfg *PostgresConfig) {
	if o.pg != nil && cfg != nil {
		o.pg(cfg)
	}
}

func composeOption(file func(*Storage), pg func(*PostgresConfig)) Option {
	return optionAdapter{file: file, pg: pg}
}

func postgresOnlyOption(pg func(*PostgresConfig)) Option {
	return optionAdapter{pg: pg}
}

// WithSealer encrypts account tokens at rest.
func WithSealer(sealer *Sealer) Option {
	return composeOption(
		func(s *Storage) {
			s.sealer = sealer
		},
		func(cfg *PostgresConfig) {
			cfg.Sealer = sealer
		},
	)
}

// WithLogRetention caps the number of log entries kept per stream.
func WithLogRetention(entries int) Option {
	return composeOption(
		func(s *Storage) {
			if entries > 0 {
				s.logRetention = entries
			}
		},
		func(cfg *PostgresConfig) {
			if entries > 0 {
				cfg.LogRetention = entries
			}
		},
	)
}

// WithPostgresPool tunes the connection pool.
func WithPostgresPool(maxConns, minConns int32, maxLifetime, maxIdle time.Duration) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if maxConns > 0 {
			cfg.MaxConnections = maxConns
		}
		if minConns >= 0 {
			cfg.MinConnections = minConns
		}
		if maxLifetime > 0 {
			cfg.MaxConnLifetime = maxLifetime
		}
		if maxIdle > 0 {
			cfg.MaxConnIdleTime = maxIdle
		}
	})
}

// WithPostgresAcquireTimeout bounds how long opening a connection may take.
func WithPostgresAcquireTimeout(timeout time.Duration) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if timeout > 0 {
			cfg.AcquireTimeout = timeout
		}
	})
}

// WithPostgresApplicationName tags server-side sessions.
func WithPostgresApplicationName(name string) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		cfg.ApplicationName = name
	})
}
