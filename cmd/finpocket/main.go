// Command finpocket runs the reconciliation engine against a local document
// store. It is a development harness: the engine itself is an embedded
// library driven by a UI shell.
//
// Usage:
//
//	finpocket --config config.yaml
//	finpocket --store ./data/finpocket.db --sessiondir ./wal/session
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/finpocket/finpocket/config"
	"github.com/finpocket/finpocket/internal/clients"
	"github.com/finpocket/finpocket/internal/engine"
	"github.com/finpocket/finpocket/internal/services/notifier"
	"github.com/finpocket/finpocket/internal/store/sqlite"
	"github.com/finpocket/finpocket/internal/storage/session"
)

func main() {
	conf, err := config.Get()
	if err != nil {
		log.Fatal(err)
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	st, err := sqlite.Open(conf.StorePath, logger)
	if err != nil {
		logger.Fatal("failed to open document store", zap.Error(err))
	}
	defer st.Close()

	sess, err := session.NewStore(conf.SessionDir)
	if err != nil {
		logger.Fatal("failed to open session cache", zap.Error(err))
	}
	defer sess.Close()

	var registrar clients.TokenRegistrar
	if conf.PushGatewayURL != "" {
		registrar = clients.NewPushGateway(conf.PushGatewayURL)
	}

	eng := engine.New(conf, st, sess, notifier.NewZapSink(logger), registrar, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Open(ctx); err != nil {
		logger.Fatal("failed to open engine", zap.Error(err))
	}
	defer eng.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		updates := eng.BalanceUpdates()
		defer eng.UnsubscribeBalanceUpdates(updates)
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case u, ok := <-updates:
				if !ok {
					return nil
				}
				logger.Info("balance", zap.String("amount", u.Balance), zap.Time("ts", u.Timestamp))
			}
		}
	})
	g.Go(func() error {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				logger.Info("views",
					zap.Int("quotes", len(eng.LatestQuotes())),
					zap.Int("notifications", len(eng.Notifications())),
					zap.Strings("favorites", eng.Favorites()))
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error(err.Error())
	}
}
