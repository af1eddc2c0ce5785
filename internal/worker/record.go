package worker

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/konduit-run/konduit/internal/domain"
	"github.com/konduit-run/konduit/internal/pkg/dbctx"
	"github.com/konduit-run/konduit/internal/platform/logger"
)

// RecordStore persists worker lifecycle rows. Heartbeats here are
// informational only; task safety rests entirely on the lock-timeout
// field of the tasks themselves.
type RecordStore struct {
	db  *gorm.DB
	log *logger.Logger
}

// NewRecordStore constructs the GORM-backed worker record store.
func NewRecordStore(db *gorm.DB, baseLog *logger.Logger) *RecordStore {
	return &RecordStore{db: db, log: baseLog.With("component", "WorkerRecordStore")}
}

func (s *RecordStore) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return s.db
}

// Register upserts the worker row at startup. A restarted process that
// reuses an id (crash without STOPPED) simply overwrites the stale row.
func (s *RecordStore) Register(dbc dbctx.Context, rec *domain.WorkerRecord) error {
	return s.tx(dbc).WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(rec).Error
}

// Heartbeat stamps last_heartbeat and the current in-flight task count.
func (s *RecordStore) Heartbeat(dbc dbctx.Context, workerID string, activeTasks int) error {
	now := time.Now()
	return s.tx(dbc).WithContext(dbc.Ctx).Model(&domain.WorkerRecord{}).
		Where("id = ?", workerID).
		Updates(map[string]interface{}{
			"last_heartbeat":    now,
			"active_task_count": activeTasks,
		}).Error
}

// UpdateStatus moves the worker through its lifecycle, stamping
// stopped_at on the STOPPED transition.
func (s *RecordStore) UpdateStatus(dbc dbctx.Context, workerID string, status domain.WorkerStatus) error {
	updates := map[string]interface{}{"status": status}
	if status == domain.WorkerStopped {
		updates["stopped_at"] = time.Now()
	}
	return s.tx(dbc).WithContext(dbc.Ctx).Model(&domain.WorkerRecord{}).
		Where("id = ?", workerID).
		Updates(updates).Error
}

// MarkStale flags ACTIVE workers whose last heartbeat predates cutoff.
// The guarded WHERE makes this idempotent and safe to run from every
// instance; the stale worker's tasks are recovered separately via
// normal lock-timeout expiry.
func (s *RecordStore) MarkStale(dbc dbctx.Context, cutoff time.Time) (int64, error) {
	res := s.tx(dbc).WithContext(dbc.Ctx).Model(&domain.WorkerRecord{}).
		Where("status = ? AND (last_heartbeat IS NULL OR last_heartbeat < ?)", domain.WorkerActive, cutoff).
		Update("status", domain.WorkerStale)
	return res.RowsAffected, res.Error
}
