package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/chatpoints/internal/buffer"
	"github.com/smallbiznis/chatpoints/internal/cache"
	"github.com/smallbiznis/chatpoints/internal/chatjob"
	"github.com/smallbiznis/chatpoints/internal/clock"
	"github.com/smallbiznis/chatpoints/internal/coins"
	"github.com/smallbiznis/chatpoints/internal/config"
	"github.com/smallbiznis/chatpoints/internal/message"
	"github.com/smallbiznis/chatpoints/internal/migration"
	"github.com/smallbiznis/chatpoints/internal/observability"
	"github.com/smallbiznis/chatpoints/internal/points"
	"github.com/smallbiznis/chatpoints/internal/ratelimit"
	"github.com/smallbiznis/chatpoints/internal/server"
	"github.com/smallbiznis/chatpoints/internal/streamsession"
	"github.com/smallbiznis/chatpoints/internal/user"
	"github.com/smallbiznis/chatpoints/internal/worker"
	"github.com/smallbiznis/chatpoints/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

const oneShotTimeout = time.Minute

// coreModules is what every process needs: config, telemetry, both stores.
func coreModules() fx.Option {
	return fx.Options(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		cache.Module,
		clock.Module,
		ratelimit.Module,
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			l := &fxevent.ZapLogger{Logger: log.Named("fx")}
			l.UseLogLevel(zap.DebugLevel)
			return l
		}),
	)
}

// domainModules provides the services; nothing here starts a loop.
func domainModules() fx.Option {
	return fx.Options(
		streamsession.Module,
		user.Module,
		message.Module,
		points.Module,
		coins.Module,
		buffer.Module,
		chatjob.Module,
		worker.Module,
	)
}

func ingestModules() fx.Option {
	return fx.Options(
		buffer.FlusherModule,
		server.Module,
	)
}

func processingModules() fx.Option {
	return worker.RunModule
}

func migrationModule(skip bool) fx.Option {
	if skip {
		return fx.Options()
	}
	return migration.Module
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", cfg.NodeID, err)
	}
	return node, nil
}

// runOneShot starts an app, runs fn and stops the app. Operator commands
// pull what they need out of the graph with fx.Populate.
func runOneShot(parent context.Context, fn func(context.Context) error, opts ...fx.Option) error {
	all := append([]fx.Option{coreModules(), domainModules()}, opts...)
	app := fx.New(all...)
	if err := app.Err(); err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(parent, oneShotTimeout)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}

	runErr := fn(parent)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), oneShotTimeout)
	defer stopCancel()
	return errors.Join(runErr, app.Stop(stopCtx))
}
