package history

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brokerops/rollingrestart/internal/orchestrator"
)

func newMockRepository(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewRepository(sqlx.NewDb(db, "postgres")), mock
}

func TestRepository_RecordEvent(t *testing.T) {
	repo, mock := newMockRepository(t)
	rec := orchestrator.NodeRestartRecord{
		RunID: "run-1", NodeID: "n1", NodeName: "a", Sequence: 0,
		Phase: "preparing", Status: "started", Message: "", Duration: 0, Timestamp: time.Now(),
	}

	mock.ExpectExec("INSERT INTO node_restart_history").
		WithArgs(rec.RunID, rec.NodeID, rec.NodeName, rec.Sequence, rec.Phase, rec.Status, rec.Message, int64(0), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := repo.RecordEvent(context.Background(), rec)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_RecordEvent_PropagatesError(t *testing.T) {
	repo, mock := newMockRepository(t)
	rec := orchestrator.NodeRestartRecord{RunID: "run-1", NodeID: "n1", NodeName: "a"}

	mock.ExpectExec("INSERT INTO node_restart_history").
		WillReturnError(fakeDBError{})

	err := repo.RecordEvent(context.Background(), rec)
	assert.Error(t, err)
}

type fakeDBError struct{}

func (fakeDBError) Error() string { return "connection refused" }

func TestRepository_ListByRun(t *testing.T) {
	repo, mock := newMockRepository(t)
	now := time.Now()

	cols := []string{"run_id", "node_id", "node_name", "sequence", "phase", "status", "message", "duration_ms", "occurred_at"}
	rows := sqlmock.NewRows(cols).
		AddRow("run-1", "n1", "a", 0, "preparing", "started", "", int64(0), now).
		AddRow("run-1", "n1", "a", 0, "preparing", "completed", "", int64(1200), now.Add(time.Second))

	mock.ExpectQuery("FROM node_restart_history").
		WithArgs("run-1").
		WillReturnRows(rows)

	records, err := repo.ListByRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "completed", records[1].Status)
	assert.Equal(t, 1200*time.Millisecond, records[1].Duration)
}

func TestRepository_ListRecent_DefaultsLimit(t *testing.T) {
	repo, mock := newMockRepository(t)
	cols := []string{"run_id", "node_id", "node_name", "sequence", "phase", "status", "message", "duration_ms", "occurred_at"}

	mock.ExpectQuery("FROM node_restart_history").
		WithArgs(100).
		WillReturnRows(sqlmock.NewRows(cols))

	_, err := repo.ListRecent(context.Background(), 0)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
