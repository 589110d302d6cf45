package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/viper"

	"github.com/sw33tLie/casefile/internal/utils"
	"github.com/sw33tLie/casefile/pkg/bus"
	"github.com/sw33tLie/casefile/pkg/engine"
	"github.com/sw33tLie/casefile/pkg/metrics"
	"github.com/sw33tLie/casefile/pkg/storage"
)

// stack is everything a command needs to talk to the case files.
type stack struct {
	Engine   *engine.Engine
	Store    storage.Store
	Registry *prometheus.Registry
}

func (s *stack) Close() {
	s.Engine.Close()
	if err := s.Store.Close(); err != nil {
		utils.Log.Warnf("Closing store: %v", err)
	}
}

// dbPath resolves storage.path the same way for the store and its lock.
func dbPath() (string, error) {
	return utils.GetAbsDBPath(viper.GetString("storage.path"))
}

// openStore builds the store named by storage.driver. SQLite stores get a
// Redis relay when redis.addr is set; Postgres brings its own change feed
// and a memory store has no other process to share with.
func openStore(ctx context.Context) (storage.Store, error) {
	opts := storage.Options{OpTimeout: viper.GetDuration("storage.op_timeout")}

	switch driver := strings.ToLower(strings.TrimSpace(viper.GetString("storage.driver"))); driver {
	case "", "sqlite":
		path, err := dbPath()
		if err != nil {
			return nil, err
		}
		if addr := viper.GetString("redis.addr"); addr != "" {
			relay, err := bus.NewRedisBus(addr, viper.GetString("redis.channel"), utils.Log)
			if err != nil {
				return nil, err
			}
			opts.Relay = relay
		}
		utils.Log.Debugf("Opening sqlite store at %s", path)
		db, err := storage.Open(path, opts)
		if err != nil {
			if opts.Relay != nil {
				opts.Relay.Close()
			}
			return nil, err
		}
		return db, nil
	case "postgres":
		url := viper.GetString("storage.postgres_url")
		if url == "" {
			return nil, fmt.Errorf("storage.postgres_url is required for the postgres driver")
		}
		return storage.OpenPostgres(ctx, url, opts)
	case "memory":
		if viper.GetString("redis.addr") != "" {
			utils.Log.Warnf("redis.addr is ignored by the memory driver")
		}
		return storage.NewMemory(opts), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q (want sqlite, postgres or memory)", driver)
	}
}

func openStack(ctx context.Context) (*stack, error) {
	store, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	e, err := engine.New(engine.Config{
		Store:       store,
		Log:         utils.Log,
		Metrics:     metrics.New(reg),
		AtomicDedup: viper.GetBool("engine.atomic_dedup"),
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	return &stack{Engine: e, Store: store, Registry: reg}, nil
}
