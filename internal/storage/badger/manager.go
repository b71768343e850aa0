package badger

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/corpus/internal/common"
	"github.com/ternarybob/corpus/internal/interfaces"
)

// Manager implements the StorageManager interface for Badger
type Manager struct {
	db            *BadgerDB
	source        interfaces.SourceStorage
	job           interfaces.JobStorage
	checkpoint    interfaces.CheckpointStorage
	lock          interfaces.LockStorage
	pipelineState interfaces.PipelineStateStorage
	eventAudit    interfaces.EventAuditStorage
	kv            interfaces.KeyValueStorage
	database      interfaces.Database
	logger        arbor.ILogger
}

// NewManager creates a new Badger storage manager
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (*Manager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:            db,
		source:        NewSourceStorage(db, logger),
		job:           NewJobStorage(db, logger),
		checkpoint:    NewCheckpointStorage(db, logger),
		lock:          NewLockStorage(db, logger),
		pipelineState: NewPipelineStateStorage(db, logger),
		eventAudit:    NewEventAuditStorage(db, logger),
		kv:            NewKVStorage(db, logger),
		database:      NewRecordStorage(db, logger),
		logger:        logger,
	}

	logger.Info().Msg("Badger storage manager initialized")

	return manager, nil
}

// SourceStorage returns the Source storage interface
func (m *Manager) SourceStorage() interfaces.SourceStorage {
	return m.source
}

// JobStorage returns the Job storage interface
func (m *Manager) JobStorage() interfaces.JobStorage {
	return m.job
}

// CheckpointStorage returns the activity checkpoint storage interface
func (m *Manager) CheckpointStorage() interfaces.CheckpointStorage {
	return m.checkpoint
}

// LockStorage returns the scheduler lock storage interface
func (m *Manager) LockStorage() interfaces.LockStorage {
	return m.lock
}

// PipelineStateStorage returns the pipeline state storage interface
func (m *Manager) PipelineStateStorage() interfaces.PipelineStateStorage {
	return m.pipelineState
}

// EventAuditStorage returns the event audit storage interface
func (m *Manager) EventAuditStorage() interfaces.EventAuditStorage {
	return m.eventAudit
}

// KeyValueStorage returns the KeyValue storage interface
func (m *Manager) KeyValueStorage() interfaces.KeyValueStorage {
	return m.kv
}

// Database returns the record database plugin
func (m *Manager) Database() interfaces.Database {
	return m.database
}

// BadgerDB exposes the connection for components that share the store (queue, files)
func (m *Manager) BadgerDB() *BadgerDB {
	return m.db
}

// DB returns the underlying database connection
func (m *Manager) DB() interface{} {
	if m.db != nil {
		return m.db.Store()
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
