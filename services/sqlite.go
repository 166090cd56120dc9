package services

import (
	"os"
	"strings"

	"github.com/alphabatem/common/context"
	log "github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type SqliteService struct {
	context.DefaultService
	db *gorm.DB

	database string
	disabled bool
}

const SQLITE_SVC = "sqlite_svc"

// NewSqliteService opens path and migrates the audit tables.
func NewSqliteService(path string) (*SqliteService, error) {
	ds := &SqliteService{database: path}
	if err := ds.Start(); err != nil {
		return nil, err
	}
	return ds, nil
}

// Id returns Service ID
func (ds SqliteService) Id() string {
	return SQLITE_SVC
}

// Db Access to raw SqliteService db
func (ds SqliteService) Db() *gorm.DB {
	return ds.db
}

func (ds *SqliteService) Configure(ctx *context.Context) error {
	ds.database = envOr("DB_DATABASE", "block_bots.db")
	ds.disabled = !strings.EqualFold(os.Getenv("DB_DRIVER"), "sqlite")

	return ds.DefaultService.Configure(ctx)
}

// Start opens the database and migrates any tables that have changed since
// the last run.
func (ds *SqliteService) Start() (err error) {
	if ds.disabled {
		return nil
	}

	ds.db, err = gorm.Open(sqlite.Open(ds.database), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Error),
	})
	if err != nil {
		return err
	}

	err = ds.db.AutoMigrate(auditModels...)
	if err != nil {
		log.Printf("Failed to migrate database: %v", err)
		return err
	}

	log.WithField("database", ds.database).Println("Database connected and migrated successfully")
	return nil
}

func (ds *SqliteService) Shutdown() {
	if ds.db == nil {
		return
	}
	if sqlDB, err := ds.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
