package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/spacemeshos/go-trxexec/chain"
	"github.com/spacemeshos/go-trxexec/common/types"
	"github.com/spacemeshos/go-trxexec/config"
	"github.com/spacemeshos/go-trxexec/metrics"
	"github.com/spacemeshos/go-trxexec/native"
	"github.com/spacemeshos/go-trxexec/resource"
	"github.com/spacemeshos/go-trxexec/sql"
)

// app owns the ledger and the controller that applies blocks to it.
type app struct {
	conf   *config.Config
	logger *zap.Logger
	db     *sql.Database
	chain  *chain.Controller
	lock   *flock.Flock

	stopMetrics func()
}

// newApp opens the ledger. Token contract is deployed on token account unless it is empty.
func newApp(conf *config.Config, logs io.Writer, token types.Name) (*app, error) {
	logger, err := newLogger(logs, &conf.LOGGING)
	if err != nil {
		return nil, err
	}
	a := &app{
		conf:   conf,
		logger: moduleLogger(logger, "app", conf.LOGGING.AppLoggerLevel),
	}
	if err := a.open(); err != nil {
		return nil, err
	}
	rl, err := resource.New(
		resource.WithConfig(conf.Resource),
		resource.WithLogger(moduleLogger(logger, "resource", conf.LOGGING.ResourceLoggerLevel)),
	)
	if err != nil {
		return nil, errors.Join(err, a.closeDB())
	}
	contractsLogger := moduleLogger(logger, "contracts", conf.LOGGING.ContractsLoggerLevel)
	registry := native.New(native.WithLogger(contractsLogger))
	system := conf.Context.SystemAccount
	registry.Register(system, native.NewSystem(system, rl, contractsLogger.Named("system")))
	if !token.Empty() && token != system {
		registry.Register(token, native.NewToken(token))
	}
	a.chain, err = chain.New(a.db, registry,
		chain.WithLogger(moduleLogger(logger, "chain", conf.LOGGING.ChainLoggerLevel)),
		chain.WithConfig(conf.Chain),
		chain.WithContextConfig(conf.Context),
		chain.WithResourceManager(rl),
	)
	if err != nil {
		return nil, errors.Join(err, a.closeDB())
	}
	if conf.CollectMetrics {
		a.stopMetrics = metrics.StartCollectingMetrics(a.logger, conf.MetricsPort)
	}
	return a, nil
}

func (a *app) open() error {
	opts := []sql.Opt{sql.WithLogger(a.logger.Named("sql"))}
	var err error
	if a.conf.Database == "" {
		a.db, err = sql.OpenInMemory(opts...)
	} else {
		if err := a.lockDatabase(); err != nil {
			return err
		}
		opts = append(opts, sql.WithConnections(a.conf.DatabaseConnections))
		a.db, err = sql.Open("file:"+a.conf.Database, opts...)
	}
	if err != nil {
		a.unlock()
		return err
	}
	a.logger.Debug("ledger opened", zap.String("database", a.conf.Database))
	return nil
}

// lockDatabase prevents two processes from applying blocks to the same ledger.
func (a *app) lockDatabase() error {
	fl := flock.New(a.conf.Database + ".lock")
	locked, err := fl.TryLock()
	if err != nil {
		return fmt.Errorf("flock %s: %w", fl.Path(), err)
	} else if !locked {
		return fmt.Errorf("ledger is used by another process (locking file %s)", fl.Path())
	}
	a.lock = fl
	return nil
}

func (a *app) unlock() {
	if a.lock == nil {
		return
	}
	if err := a.lock.Unlock(); err != nil {
		a.logger.Error("failed to unlock file", zap.String("path", a.lock.Path()), zap.Error(err))
	}
	a.lock = nil
}

func (a *app) closeDB() error {
	defer a.unlock()
	return a.db.Close()
}

func (a *app) Close() error {
	a.chain.AbortBlock()
	if a.stopMetrics != nil {
		a.stopMetrics()
	}
	return a.closeDB()
}
