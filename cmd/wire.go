package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"snapcopy/internal/config"
	"snapcopy/internal/db"
	"snapcopy/internal/lock"
	"snapcopy/internal/logger"
	"snapcopy/internal/repository"
	"snapcopy/internal/store"
	"snapcopy/internal/store/elastic"
	"snapcopy/internal/store/memory"
	"snapcopy/internal/store/mongo"
	"syscall"

	"go.uber.org/zap"
)

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func openStore(conf config.StoreConfig) (store.Store, error) {
	switch conf.Driver {
	case "elasticsearch":
		addr := conf.URI
		if addr == "" {
			addr = elastic.Address(conf.Host)
		}
		return elastic.New(&elastic.Config{
			Addresses: []string{addr},
			Index:     conf.Index,
			Timeout:   conf.Timeout,
		})

	case "mongo":
		uri := conf.URI
		if uri == "" {
			uri = "mongodb://" + net.JoinHostPort(conf.Host, "27017")
		}
		return mongo.Dial(&mongo.Config{
			ConnectionURI:     uri,
			Database:          "snapcopy",
			Collection:        conf.Index,
			ConnectionTimeout: conf.Timeout,
		})

	case db.DriverSQLite, db.DriverPostgres:
		dsn := conf.URI
		if dsn == "" && conf.Driver == db.DriverSQLite {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("failed to get home dir: %w", err)
			}
			dir := filepath.Join(home, ".snapcopy")
			if err := os.MkdirAll(dir, 0700); err != nil {
				return nil, fmt.Errorf("failed to create %s: %w", dir, err)
			}
			dsn = filepath.Join(dir, "snapcopy.db")
		}
		if dsn == "" {
			return nil, fmt.Errorf("store.uri is required for the %s driver", conf.Driver)
		}

		gdb, err := db.Open(conf.Driver, dsn)
		if err != nil {
			return nil, err
		}
		return repository.NewJobRepository(gdb), nil

	case "memory":
		logger.Log.Warn("using the in-memory store; copy jobs will not outlive this process")
		return memory.New()
	}

	return nil, fmt.Errorf("unsupported store driver: %s", conf.Driver)
}

func closeStore(st store.Store) {
	if err := st.Close(); err != nil {
		logger.Log.Warn("failed to close store", zap.Error(err))
	}
}

func newLocker(conf config.LockConfig) (lock.Locker, func(), error) {
	if conf.RedisAddr == "" {
		return lock.Noop{}, func() {}, nil
	}

	l, err := lock.NewRedis(conf.RedisAddr, conf.TTL)
	if err != nil {
		return nil, nil, err
	}
	return l, func() { _ = l.Close() }, nil
}
