package database

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/dewei/PriceRadar/pkg/config"
	"github.com/dewei/PriceRadar/pkg/logger"
	"github.com/dewei/PriceRadar/pkg/model"
)

// Postgres 基于 gorm 的数据库连接
type Postgres struct {
	db  *gorm.DB
	log *logrus.Entry
}

// NewPostgres 创建连接池并检查数据库是否可达
func NewPostgres(cfg *config.Config) (*Postgres, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: logger.NewGormLogger(),
	})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.Database.Postgres.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.Database.Postgres.MaxOpenConns / 2)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return NewFromGorm(db), nil
}

// NewFromGorm 包装已有的 gorm 连接
func NewFromGorm(db *gorm.DB) *Postgres {
	return &Postgres{db: db, log: logger.WithComponent("database")}
}

// Migrate 创建或更新数据表
func (p *Postgres) Migrate() error {
	if err := p.db.AutoMigrate(&model.Alert{}, &model.AppSetting{}); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Ping 检查连接
func (p *Postgres) Ping(ctx context.Context) error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close 关闭连接池
func (p *Postgres) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
