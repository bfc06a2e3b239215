package migration

import (
	"github.com/smallbiznis/chatpoints/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Module applies migrations on startup. Only postgres is migrated; sqlite
// handles are used for local experiments and tests that own their schema.
var Module = fx.Module("migrations",
	fx.Invoke(Apply),
)

func Apply(conn *gorm.DB, log *zap.Logger) error {
	if !db.IsPostgres(conn) {
		log.Warn("migrations.skipped", zap.String("dialect", conn.Dialector.Name()))
		return nil
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}

	version, err := RunMigrations(sqlDB)
	if err != nil {
		return err
	}
	log.Info("migrations.applied", zap.Uint("version", version))
	return nil
}
