package database

import (
	"context"
	"errors"
	"os"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"GoAIInterviewer/internal/interview"
)

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i := range dest {
		reflect.ValueOf(dest[i]).Elem().Set(reflect.ValueOf(r.values[i]))
	}
	return nil
}

type fakeDB struct {
	mu      sync.Mutex
	sql     []string
	args    [][]any
	execErr error
	row     fakeRow
}

func (d *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sql = append(d.sql, sql)
	d.args = append(d.args, args)
	return pgconn.NewCommandTag("INSERT 0 1"), d.execErr
}

func (d *fakeDB) QueryRow(context.Context, string, ...any) pgx.Row {
	return d.row
}

func (d *fakeDB) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sql)
}

func completedSession() *interview.Session {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(20 * time.Minute)
	return &interview.Session{
		ID:             "iv-1",
		RoomName:       "room-1",
		CandidateID:    "cand-1",
		JobDescription: "Backend engineer",
		State:          interview.StateCompleted,
		Questions: []interview.Question{
			{ID: "q1", Text: "How would you design a cache?", Type: interview.QuestionTechnical},
		},
		StartTime: start,
		EndTime:   &end,
		Transcript: []interview.Exchange{
			{Timestamp: start, Speaker: interview.SpeakerAI, Text: "Welcome"},
			{Timestamp: start.Add(time.Minute), Speaker: interview.SpeakerCandidate, Text: "Thanks"},
		},
		History: []interview.Transition{
			{From: interview.StateWaiting, To: interview.StateIntroduction, At: start},
		},
		Summary: "Solid answers.",
	}
}

func TestRowMappingRoundTrip(t *testing.T) {
	sess := completedSession()
	row, err := toRow(sess)
	require.NoError(t, err)
	assert.True(t, row.Summary.Valid)
	assert.True(t, row.EndTime.Valid)

	back, err := row.session()
	require.NoError(t, err)
	assert.Equal(t, sess, back)
}

func TestRowMappingEmptyFields(t *testing.T) {
	sess := &interview.Session{ID: "iv-2", RoomName: "r", CandidateID: "c", State: interview.StateWaiting}
	row, err := toRow(sess)
	require.NoError(t, err)

	assert.False(t, row.Summary.Valid)
	assert.False(t, row.EndTime.Valid)
	assert.Equal(t, "[]", string(row.Questions))
	assert.Equal(t, "[]", string(row.Transcript))

	row.State = "PAUSED"
	_, err = row.session()
	assert.ErrorContains(t, err, "unknown state")
}

func TestSaveUpserts(t *testing.T) {
	db := &fakeDB{}
	a := newArchive(db, 0)

	require.NoError(t, a.EnsureSchema(context.Background()))
	require.NoError(t, a.Save(context.Background(), completedSession()))

	require.Len(t, db.sql, 2)
	assert.Contains(t, db.sql[0], "CREATE TABLE IF NOT EXISTS interview_archive")
	assert.Contains(t, db.sql[1], "ON CONFLICT (id) DO UPDATE")
	require.Len(t, db.args[1], 11)
	assert.Equal(t, "iv-1", db.args[1][0])
	assert.Equal(t, "COMPLETED", db.args[1][4])

	db.execErr = errors.New("connection reset")
	err := a.Save(context.Background(), completedSession())
	assert.ErrorContains(t, err, "iv-1")
}

func TestLoad(t *testing.T) {
	row, err := toRow(completedSession())
	require.NoError(t, err)
	db := &fakeDB{row: fakeRow{values: []any{
		row.ID, row.RoomName, row.CandidateID, row.JobDescription, row.State,
		row.Questions, row.Transcript, row.History, row.Summary, row.StartTime, row.EndTime,
	}}}
	a := newArchive(db, 0)

	got, err := a.Load(context.Background(), "iv-1")
	require.NoError(t, err)
	assert.Equal(t, completedSession(), got)

	db.row = fakeRow{err: pgx.ErrNoRows}
	_, err = a.Load(context.Background(), "missing")
	assert.ErrorIs(t, err, interview.ErrNotFound)
}

func TestCompletionHookSavesAsync(t *testing.T) {
	db := &fakeDB{}
	a := newArchive(db, time.Second)

	a.CompletionHook()(completedSession(), true)
	require.Eventually(t, func() bool { return db.calls() == 1 }, time.Second, 10*time.Millisecond)

	// 失败只记日志
	db.mu.Lock()
	db.execErr = errors.New("down")
	db.mu.Unlock()
	a.SaveAll([]*interview.Session{completedSession(), completedSession()})
	assert.Equal(t, 3, db.calls())
}

func TestArchiveAgainstPostgres(t *testing.T) {
	dsn := os.Getenv("INTERVIEW_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("INTERVIEW_TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a, err := Open(ctx, Options{DSN: dsn, MaxConns: 2})
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, a.Ping(ctx))

	sess := completedSession()
	sess.ID = "iv-" + strings.ReplaceAll(time.Now().Format("150405.000000"), ".", "")
	require.NoError(t, a.Save(ctx, sess))

	// 空总结不覆盖已有总结
	again := sess.Clone()
	again.Summary = ""
	require.NoError(t, a.Save(ctx, again))

	got, err := a.Load(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "Solid answers.", got.Summary)
	assert.Equal(t, sess.Transcript[1].Text, got.Transcript[1].Text)
	assert.True(t, sess.StartTime.Equal(got.StartTime))
	assert.NotNil(t, a.Stats())
}
