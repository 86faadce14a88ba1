package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"GoAIInterviewer/internal/interview"
	"GoAIInterviewer/internal/logger"
)

const schema = `
CREATE TABLE IF NOT EXISTS interview_archive (
	id              TEXT PRIMARY KEY,
	room_name       TEXT NOT NULL,
	candidate_id    TEXT NOT NULL,
	job_description TEXT NOT NULL DEFAULT '',
	state           TEXT NOT NULL,
	questions       JSONB NOT NULL,
	transcript      JSONB NOT NULL,
	history         JSONB NOT NULL,
	summary         TEXT,
	start_time      TIMESTAMPTZ NOT NULL,
	end_time        TIMESTAMPTZ,
	archived_at     TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const upsertSQL = `
INSERT INTO interview_archive (
	id, room_name, candidate_id, job_description, state,
	questions, transcript, history, summary, start_time, end_time, archived_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
ON CONFLICT (id) DO UPDATE SET
	state = EXCLUDED.state,
	questions = EXCLUDED.questions,
	transcript = EXCLUDED.transcript,
	history = EXCLUDED.history,
	summary = COALESCE(EXCLUDED.summary, interview_archive.summary),
	end_time = EXCLUDED.end_time,
	archived_at = now()`

const selectSQL = `
SELECT id, room_name, candidate_id, job_description, state,
	questions, transcript, history, summary, start_time, end_time
FROM interview_archive WHERE id = $1`

// Options 归档库连接参数
type Options struct {
	DSN      string
	MaxConns int32
	Timeout  time.Duration
}

// execer pgxpool.Pool 的最小子集
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Archive 已结束面试的PostgreSQL归档
type Archive struct {
	pool    *pgxpool.Pool
	db      execer
	timeout time.Duration
}

// Open 创建连接池并建表
func Open(ctx context.Context, opts Options) (*Archive, error) {
	poolConfig, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	if opts.MaxConns > 0 {
		poolConfig.MaxConns = opts.MaxConns
	}
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	a := newArchive(pool, opts.Timeout)
	a.pool = pool
	if err := a.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	log.Println("✅ PostgreSQL归档库连接成功")
	return a, nil
}

func newArchive(db execer, timeout time.Duration) *Archive {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Archive{db: db, timeout: timeout}
}

// EnsureSchema 建表，可重复执行
func (a *Archive) EnsureSchema(ctx context.Context) error {
	if _, err := a.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create interview_archive: %w", err)
	}
	return nil
}

// Save 写入或覆盖一条面试记录。已有总结不会被空总结覆盖
func (a *Archive) Save(ctx context.Context, sess *interview.Session) error {
	row, err := toRow(sess)
	if err != nil {
		return err
	}
	_, err = a.db.Exec(ctx, upsertSQL,
		row.ID, row.RoomName, row.CandidateID, row.JobDescription, row.State,
		row.Questions, row.Transcript, row.History, row.Summary, row.StartTime, row.EndTime,
	)
	if err != nil {
		return fmt.Errorf("archive interview %s: %w", sess.ID, err)
	}
	return nil
}

// Load 读取归档的面试
func (a *Archive) Load(ctx context.Context, id string) (*interview.Session, error) {
	var row archiveRow
	err := a.db.QueryRow(ctx, selectSQL, id).Scan(
		&row.ID, &row.RoomName, &row.CandidateID, &row.JobDescription, &row.State,
		&row.Questions, &row.Transcript, &row.History, &row.Summary, &row.StartTime, &row.EndTime,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: archived interview %s", interview.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load archived interview %s: %w", id, err)
	}
	return row.session()
}

// CompletionHook 面试结束后异步归档，失败只记录日志
func (a *Archive) CompletionHook() interview.CompletionHook {
	return func(sess *interview.Session, forced bool) {
		go a.saveLogged(sess)
	}
}

// SaveAll 清理前的最终归档，此时会话已带总结
func (a *Archive) SaveAll(sessions []*interview.Session) {
	for _, sess := range sessions {
		a.saveLogged(sess)
	}
}

func (a *Archive) saveLogged(sess *interview.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	if err := a.Save(ctx, sess); err != nil {
		logger.LogError("Archive", err.Error(), sess.ID)
		return
	}
	logger.LogInfo("Archive", "面试记录已归档", sess.ID)
}

// Ping 检查连接
func (a *Archive) Ping(ctx context.Context) error {
	if a.pool == nil {
		return errors.New("database pool not initialized")
	}
	return a.pool.Ping(ctx)
}

// Stats 连接池统计
func (a *Archive) Stats() *pgxpool.Stat {
	if a.pool == nil {
		return nil
	}
	return a.pool.Stat()
}

// Close 关闭连接池
func (a *Archive) Close() {
	if a.pool != nil {
		a.pool.Close()
		log.Println("✅ PostgreSQL连接池已关闭")
	}
}

// archiveRow interview_archive 的一行
type archiveRow struct {
	ID             string
	RoomName       string
	CandidateID    string
	JobDescription string
	State          string
	Questions      []byte
	Transcript     []byte
	History        []byte
	Summary        pgtype.Text
	StartTime      time.Time
	EndTime        pgtype.Timestamptz
}

func toRow(sess *interview.Session) (archiveRow, error) {
	row := archiveRow{
		ID:             sess.ID,
		RoomName:       sess.RoomName,
		CandidateID:    sess.CandidateID,
		JobDescription: sess.JobDescription,
		State:          string(sess.State),
		Summary:        pgtype.Text{String: sess.Summary, Valid: sess.Summary != ""},
		StartTime:      sess.StartTime,
	}
	if sess.EndTime != nil {
		row.EndTime = pgtype.Timestamptz{Time: *sess.EndTime, Valid: true}
	}

	var err error
	if row.Questions, err = marshalList(sess.Questions); err != nil {
		return archiveRow{}, fmt.Errorf("encode questions: %w", err)
	}
	if row.Transcript, err = marshalList(sess.Transcript); err != nil {
		return archiveRow{}, fmt.Errorf("encode transcript: %w", err)
	}
	if row.History, err = marshalList(sess.History); err != nil {
		return archiveRow{}, fmt.Errorf("encode history: %w", err)
	}
	return row, nil
}

// marshalList nil切片写成[]，保证JSONB列非空
func marshalList[T any](items []T) ([]byte, error) {
	if items == nil {
		items = []T{}
	}
	return json.Marshal(items)
}

func (r archiveRow) session() (*interview.Session, error) {
	sess := &interview.Session{
		ID:             r.ID,
		RoomName:       r.RoomName,
		CandidateID:    r.CandidateID,
		JobDescription: r.JobDescription,
		State:          interview.State(r.State),
		StartTime:      r.StartTime,
	}
	if !sess.State.IsValid() {
		return nil, fmt.Errorf("archived interview %s has unknown state %q", r.ID, r.State)
	}
	if r.Summary.Valid {
		sess.Summary = r.Summary.String
	}
	if r.EndTime.Valid {
		end := r.EndTime.Time
		sess.EndTime = &end
	}
	if err := json.Unmarshal(r.Questions, &sess.Questions); err != nil {
		return nil, fmt.Errorf("decode questions: %w", err)
	}
	if err := json.Unmarshal(r.Transcript, &sess.Transcript); err != nil {
		return nil, fmt.Errorf("decode transcript: %w", err)
	}
	if err := json.Unmarshal(r.History, &sess.History); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return sess, nil
}
