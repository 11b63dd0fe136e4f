package persistence

import (
	"context"
	"fmt"
	"time"

	"dev-assistant/domain/persistence"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Supported database drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type txKey struct{}

// DatabaseManager implements the persistence.DatabaseManager interface
type DatabaseManager struct {
	db               *gorm.DB
	conversationRepo persistence.ConversationRepository
	messageRepo      persistence.MessageRepository
	feedbackRepo     persistence.FeedbackRepository
}

// NewDatabaseManager creates a new database manager instance
func NewDatabaseManager() *DatabaseManager {
	return &DatabaseManager{}
}

// Connect establishes database connection
func (dm *DatabaseManager) Connect(ctx context.Context, driver, dsn string) error {
	logrus.WithField("driver", driver).Info("Connecting to audit database...")

	var dialector gorm.Dialector
	switch driver {
	case DriverPostgres, "":
		dialector = postgres.Open(dsn)
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", driver)
	}

	gormLogger := logger.New(
		logrus.StandardLogger(),
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying SQL DB: %w", err)
	}

	if driver == DriverSQLite {
		// sqlite serializes writers; a single connection also keeps :memory: databases alive
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(50)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	dm.attach(db)

	logrus.WithField("driver", driver).Info("Successfully connected to audit database")
	return nil
}

func (dm *DatabaseManager) attach(db *gorm.DB) {
	dm.db = db
	dm.conversationRepo = NewConversationRepository(db)
	dm.messageRepo = NewMessageRepository(db)
	dm.feedbackRepo = NewFeedbackRepository(db)
}

// Close closes the database connection
func (dm *DatabaseManager) Close() error {
	if dm.db == nil {
		return nil
	}

	sqlDB, err := dm.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying SQL DB for close: %w", err)
	}

	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("failed to close database connection: %w", err)
	}

	logrus.Info("Database connection closed successfully")
	return nil
}

// Migrate creates the audit tables and their secondary indexes
func (dm *DatabaseManager) Migrate() error {
	if dm.db == nil {
		return fmt.Errorf("database connection not established")
	}

	logrus.Info("Running database migrations...")

	if err := dm.db.AutoMigrate(
		&persistence.ConversationRecord{},
		&persistence.MessageRecord{},
		&persistence.FeedbackRecord{},
	); err != nil {
		return fmt.Errorf("failed to migrate tables: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_conversations_created ON conversations (created_at DESC)",
		"CREATE INDEX IF NOT EXISTS idx_messages_conversation_created ON messages (conversation_id, created_at)",
		"CREATE INDEX IF NOT EXISTS idx_feedback_conversation_created ON feedback (conversation_id, created_at)",
	}
	for _, index := range indexes {
		if err := dm.db.Exec(index).Error; err != nil {
			logrus.WithError(err).Warnf("Failed to create index: %s", index)
		}
	}

	logrus.Info("Database migrations completed successfully")
	return nil
}

// Health checks database connectivity
func (dm *DatabaseManager) Health(ctx context.Context) error {
	if dm.db == nil {
		return fmt.Errorf("database connection not established")
	}

	sqlDB, err := dm.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying SQL DB: %w", err)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	return nil
}

// GetRepositories returns initialized repositories
func (dm *DatabaseManager) GetRepositories() (persistence.ConversationRepository, persistence.MessageRepository, persistence.FeedbackRepository) {
	return dm.conversationRepo, dm.messageRepo, dm.feedbackRepo
}

// GetDB returns the underlying GORM database instance
func (dm *DatabaseManager) GetDB() *gorm.DB {
	return dm.db
}

// WithTransaction executes fn with a transaction that repositories pick up from ctx
func (dm *DatabaseManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if dm.db == nil {
		return fmt.Errorf("database connection not established")
	}

	tx := dm.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return fmt.Errorf("failed to begin transaction: %w", tx.Error)
	}

	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	txCtx := context.WithValue(ctx, txKey{}, tx)

	if err := fn(txCtx); err != nil {
		if rbErr := tx.Rollback().Error; rbErr != nil {
			logrus.WithError(rbErr).Error("Failed to rollback transaction")
		}
		return err
	}

	if err := tx.Commit().Error; err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// dbFromContext returns the transaction carried by ctx, or db bound to ctx
func dbFromContext(ctx context.Context, db *gorm.DB) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok && tx != nil {
		return tx
	}
	return db.WithContext(ctx)
}
