package db

import (
	"fmt"
	"time"

	"chatsync/internal/store"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return store.Timestamp(time.Now()) },
	}
}

// Open 按驱动名建立连接：postgres 用于生产，sqlite 用于单机与测试。
func Open(driver, dsn string) (*gorm.DB, error) {
	switch driver {
	case "", "postgres":
		return Connect(dsn)
	case "sqlite":
		return OpenSQLite(dsn)
	}
	return nil, fmt.Errorf("unsupported sql driver %q", driver)
}

// Connect 负责建立到 Postgres 的连接，并带有简单的重试来等待容器就绪。
func Connect(dsn string) (*gorm.DB, error) {
	var gdb *gorm.DB
	var err error
	for i := 0; i < 10; i++ {
		gdb, err = gorm.Open(postgres.Open(dsn), gormConfig())
		if err == nil {
			sqlDB, err2 := gdb.DB()
			if err2 == nil {
				sqlDB.SetMaxIdleConns(5)
				sqlDB.SetMaxOpenConns(20)
				sqlDB.SetConnMaxLifetime(time.Hour)
				return gdb, nil
			}
			err = err2
		}
		log.Warn().Err(err).Int("attempt", i+1).Msg("postgres not ready")
		time.Sleep(time.Duration(500+i*200) * time.Millisecond)
	}
	return nil, err
}

// OpenSQLite 打开 sqlite 数据库。sqlite 只允许单写者，这里把连接池限制为 1，
// 事务因此串行执行，计数器更新不会相互覆盖。
func OpenSQLite(dsn string) (*gorm.DB, error) {
	gdb, err := gorm.Open(sqlite.Open(dsn), gormConfig())
	if err != nil {
		return nil, err
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return gdb, nil
}

// Migrate 自动迁移会话、消息、回执、表情与资料表。
func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&conversationRow{},
		&memberRow{},
		&counterRow{},
		&messageRow{},
		&readRow{},
		&reactionRow{},
		&profileRow{},
	)
}
