package cost

import (
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestPGMirrorRecordInsertsRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mirror := NewPGMirrorFromDB(db)

	ev := Event{
		JobID: "job-1", User: "alice", Stage: "asr", Service: "whisperx",
		Units: 12.5, UnitCost: 0.01, Timestamp: time.Now(),
	}

	mock.ExpectExec("INSERT INTO cost_events").
		WithArgs(ev.JobID, ev.User, ev.Stage, ev.Service, ev.Units, ev.UnitCost, ev.Timestamp).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, mirror.Record(ev))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGMirrorRecordPropagatesDBError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mirror := NewPGMirrorFromDB(db)
	ev := Event{JobID: "job-2", User: "bob", Stage: "demux", Timestamp: time.Now()}

	mock.ExpectExec("INSERT INTO cost_events").WillReturnError(assertErr)

	require.Error(t, mirror.Record(ev))
}

func TestPGMirrorCloseClosesUnderlyingDB(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	mock.ExpectClose()
	mirror := NewPGMirrorFromDB(db)
	require.NoError(t, mirror.Close())
	require.NoError(t, mock.ExpectationsWereMet())
}

var assertErr = errSentinel("forced failure")

type errSentinel string

func (e errSentinel) Error() string { return string(e) }
