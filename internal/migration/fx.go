package migration

import (
	"strings"

	"github.com/smallbiznis/lexbill/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
		if !cfg.DBAutoMigrate {
			log.Info("database migrations skipped")
			return nil
		}

		if strings.EqualFold(cfg.DBType, "postgres") {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			return RunMigrations(sqlDB)
		}

		log.Info("migrating schema from models", zap.String("db_type", cfg.DBType))
		return AutoMigrate(conn)
	}),
)
