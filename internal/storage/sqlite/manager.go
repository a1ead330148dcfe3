package sqlite

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/agenda/internal/common"
	"github.com/ternarybob/agenda/internal/interfaces"
)

// Manager implements the StorageManager interface
type Manager struct {
	db     *SQLiteDB
	job    interfaces.JobStorage
	logger arbor.ILogger
}

// NewManager creates a new SQLite storage manager
func NewManager(logger arbor.ILogger, config *common.SQLiteConfig) (interfaces.StorageManager, error) {
	db, err := NewSQLiteDB(logger, config)
	if err != nil {
		return nil, err
	}

	return &Manager{
		db:     db,
		job:    NewJobStorage(db, logger),
		logger: logger,
	}, nil
}

// JobStorage returns the job storage interface
func (m *Manager) JobStorage() interfaces.JobStorage {
	return m.job
}

// DB returns the underlying database connection
func (m *Manager) DB() interface{} {
	if m.db != nil {
		return m.db.DB()
	}
	return nil
}

// Close closes the database connection
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
