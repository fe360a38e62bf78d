package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/halunken-hans/OpenApprove-sub000/internal/domain"
)

// auditChainLockID keys the advisory lock serializing audit appends.
const auditChainLockID = 740031

// Postgres implements Store on a pgx pool with hand-written SQL.
type Postgres struct{ DB *pgxpool.Pool }

var _ Store = (*Postgres)(nil)

func NewPostgres(db *pgxpool.Pool) *Postgres { return &Postgres{DB: db} }

// Connect opens a tuned pool against the given DSN.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting: %w", err)
	}
	return pool, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *Postgres) CreateProcess(ctx context.Context, p domain.Process) error {
	attrs, err := json.Marshal(p.Attributes)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
INSERT INTO processes(process_id,customer_number,uploader_name,status,attributes,created_at)
VALUES($1,$2,$3,$4,$5::jsonb,$6)
`, p.ProcessID, p.CustomerNumber, p.UploaderName, p.Status, string(attrs), p.CreatedAt)
	return err
}

func (s *Postgres) GetProcess(ctx context.Context, processID string) (domain.Process, error) {
	var p domain.Process
	var attrs []byte
	err := s.DB.QueryRow(ctx, `
SELECT process_id,customer_number,uploader_name,status,attributes,created_at
FROM processes WHERE process_id=$1
`, processID).Scan(&p.ProcessID, &p.CustomerNumber, &p.UploaderName, &p.Status, &attrs, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Process{}, ErrNotFound
		}
		return domain.Process{}, err
	}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &p.Attributes); err != nil {
			return domain.Process{}, err
		}
	}
	return p, nil
}

func (s *Postgres) UpdateProcessStatus(ctx context.Context, processID string, status domain.ProcessStatus) error {
	tag, err := s.DB.Exec(ctx, `UPDATE processes SET status=$2 WHERE process_id=$1`, processID, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) GetFileByName(ctx context.Context, processID, normalizedName string) (domain.File, error) {
	var f domain.File
	err := s.DB.QueryRow(ctx, `
SELECT file_id,process_id,normalized_name,created_at
FROM files WHERE process_id=$1 AND normalized_name=$2
`, processID, normalizedName).Scan(&f.FileID, &f.ProcessID, &f.NormalizedName, &f.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.File{}, ErrNotFound
		}
		return domain.File{}, err
	}
	return f, nil
}

func (s *Postgres) CreateFile(ctx context.Context, f domain.File) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO files(file_id,process_id,normalized_name,created_at)
VALUES($1,$2,$3,$4)
`, f.FileID, f.ProcessID, f.NormalizedName, f.CreatedAt)
	return err
}

const fileVersionColumns = `file_version_id,file_id,process_id,version_number,
download_handle,content_hash,size_bytes,mime_type,
view_handle,view_hash,view_size,
approval_rule,approval_required,is_current,created_at,superseded_at,superseded_by_id`

func scanFileVersion(row pgx.Row) (domain.FileVersion, error) {
	var fv domain.FileVersion
	err := row.Scan(&fv.FileVersionID, &fv.FileID, &fv.ProcessID, &fv.VersionNumber,
		&fv.DownloadHandle, &fv.ContentHash, &fv.SizeBytes, &fv.MimeType,
		&fv.ViewHandle, &fv.ViewHash, &fv.ViewSize,
		&fv.ApprovalRule, &fv.ApprovalRequired, &fv.IsCurrent, &fv.CreatedAt,
		&fv.SupersededAt, &fv.SupersededByID)
	return fv, err
}

func (s *Postgres) GetFileVersion(ctx context.Context, fileVersionID string) (domain.FileVersion, error) {
	fv, err := scanFileVersion(s.DB.QueryRow(ctx,
		`SELECT `+fileVersionColumns+` FROM file_versions WHERE file_version_id=$1`, fileVersionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.FileVersion{}, ErrNotFound
		}
		return domain.FileVersion{}, err
	}
	return fv, nil
}

func (s *Postgres) CreateFileVersion(ctx context.Context, fv domain.FileVersion) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
UPDATE file_versions
SET is_current=false, superseded_at=$2, superseded_by_id=$3
WHERE file_id=$1 AND is_current
`, fv.FileID, fv.CreatedAt, fv.FileVersionID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO file_versions(`+fileVersionColumns+`)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,true,$14,NULL,'')
`, fv.FileVersionID, fv.FileID, fv.ProcessID, fv.VersionNumber,
		fv.DownloadHandle, fv.ContentHash, fv.SizeBytes, fv.MimeType,
		fv.ViewHandle, fv.ViewHash, fv.ViewSize,
		fv.ApprovalRule, fv.ApprovalRequired, fv.CreatedAt); err != nil {
		// Concurrent uploads race on version_number; the loser hits the
		// unique index.
		if isUniqueViolation(err) {
			return ErrDuplicateVersion
		}
		return err
	}
	return tx.Commit(ctx)
}

func (s *Postgres) MaxVersionNumber(ctx context.Context, fileID string) (int, error) {
	var max int
	err := s.DB.QueryRow(ctx,
		`SELECT COALESCE(MAX(version_number),0) FROM file_versions WHERE file_id=$1`, fileID).Scan(&max)
	return max, err
}

func (s *Postgres) LatestVersionCreatedAt(ctx context.Context, processID string) (time.Time, bool, error) {
	var t time.Time
	err := s.DB.QueryRow(ctx,
		`SELECT created_at FROM file_versions WHERE process_id=$1 ORDER BY created_at DESC LIMIT 1`, processID).Scan(&t)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	return t, true, nil
}

func (s *Postgres) ReplaceCycles(ctx context.Context, processID string, cycles []domain.ApprovalCycle, participants []domain.Participant) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM decisions WHERE process_id=$1)`, processID).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return ErrCyclesInUse
	}
	if _, err := tx.Exec(ctx, `DELETE FROM participants WHERE process_id=$1`, processID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM approval_cycles WHERE process_id=$1`, processID); err != nil {
		return err
	}
	for _, c := range cycles {
		if _, err := tx.Exec(ctx, `
INSERT INTO approval_cycles(cycle_id,process_id,cycle_order,default_rule,created_at)
VALUES($1,$2,$3,$4,$5)
`, c.CycleID, c.ProcessID, c.Order, c.DefaultRule, c.CreatedAt); err != nil {
			return err
		}
	}
	for _, p := range participants {
		if _, err := tx.Exec(ctx, `
INSERT INTO participants(participant_id,cycle_id,process_id,role,email,display_name,status,token_id,created_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)
`, p.ParticipantID, p.CycleID, p.ProcessID, p.Role, p.Email, p.DisplayName, p.Status, p.TokenID, p.CreatedAt); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Postgres) GetParticipant(ctx context.Context, participantID string) (domain.Participant, error) {
	var p domain.Participant
	err := s.DB.QueryRow(ctx, `
SELECT participant_id,cycle_id,process_id,role,email,display_name,status,token_id,created_at
FROM participants WHERE participant_id=$1
`, participantID).Scan(&p.ParticipantID, &p.CycleID, &p.ProcessID, &p.Role, &p.Email, &p.DisplayName, &p.Status, &p.TokenID, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Participant{}, ErrNotFound
		}
		return domain.Participant{}, err
	}
	return p, nil
}

func (s *Postgres) UpdateParticipantStatus(ctx context.Context, participantID string, status domain.ParticipantStatus) error {
	tag, err := s.DB.Exec(ctx,
		`UPDATE participants SET status=$2 WHERE participant_id=$1`, participantID, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) InsertDecision(ctx context.Context, d domain.Decision) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO decisions(decision_id,process_id,cycle_id,participant_id,file_version_id,kind,reason,created_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8)
`, d.DecisionID, d.ProcessID, d.CycleID, d.ParticipantID, d.FileVersionID, d.Kind, d.Reason, d.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateDecision
	}
	return err
}

func (s *Postgres) LoadProcessState(ctx context.Context, processID string) (*domain.ProcessState, error) {
	p, err := s.GetProcess(ctx, processID)
	if err != nil {
		return nil, err
	}
	state := &domain.ProcessState{Process: p}

	rows, err := s.DB.Query(ctx, `
SELECT cycle_id,process_id,cycle_order,default_rule,created_at
FROM approval_cycles WHERE process_id=$1 ORDER BY cycle_order ASC
`, processID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var c domain.ApprovalCycle
		if err := rows.Scan(&c.CycleID, &c.ProcessID, &c.Order, &c.DefaultRule, &c.CreatedAt); err != nil {
			return nil, err
		}
		state.Cycles = append(state.Cycles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	prows, err := s.DB.Query(ctx, `
SELECT participant_id,cycle_id,process_id,role,email,display_name,status,token_id,created_at
FROM participants WHERE process_id=$1 ORDER BY participant_id ASC
`, processID)
	if err != nil {
		return nil, err
	}
	defer prows.Close()
	for prows.Next() {
		var pt domain.Participant
		if err := prows.Scan(&pt.ParticipantID, &pt.CycleID, &pt.ProcessID, &pt.Role, &pt.Email, &pt.DisplayName, &pt.Status, &pt.TokenID, &pt.CreatedAt); err != nil {
			return nil, err
		}
		state.Participants = append(state.Participants, pt)
	}
	if err := prows.Err(); err != nil {
		return nil, err
	}

	drows, err := s.DB.Query(ctx, `
SELECT decision_id,process_id,cycle_id,participant_id,file_version_id,kind,reason,created_at
FROM decisions WHERE process_id=$1 ORDER BY created_at ASC, decision_id ASC
`, processID)
	if err != nil {
		return nil, err
	}
	defer drows.Close()
	for drows.Next() {
		var d domain.Decision
		if err := drows.Scan(&d.DecisionID, &d.ProcessID, &d.CycleID, &d.ParticipantID, &d.FileVersionID, &d.Kind, &d.Reason, &d.CreatedAt); err != nil {
			return nil, err
		}
		state.Decisions = append(state.Decisions, d)
	}
	if err := drows.Err(); err != nil {
		return nil, err
	}

	vrows, err := s.DB.Query(ctx,
		`SELECT `+fileVersionColumns+` FROM file_versions WHERE process_id=$1 AND is_current ORDER BY file_version_id ASC`, processID)
	if err != nil {
		return nil, err
	}
	defer vrows.Close()
	for vrows.Next() {
		fv, err := scanFileVersion(vrows)
		if err != nil {
			return nil, err
		}
		state.CurrentVersions = append(state.CurrentVersions, fv)
	}
	if err := vrows.Err(); err != nil {
		return nil, err
	}
	return state, nil
}

func (s *Postgres) CreateToken(ctx context.Context, t domain.Token) error {
	scopes := make([]string, len(t.Scopes))
	for i, sc := range t.Scopes {
		scopes[i] = string(sc)
	}
	_, err := s.DB.Exec(ctx, `
INSERT INTO tokens(token_id,secret_hash,scopes,expires_at,one_time,process_id,participant_id,customer_number,uploader_id,role_at_time,used_at,last_used_at,created_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
`, t.TokenID, t.SecretHash, scopes, t.ExpiresAt, t.OneTime, t.ProcessID, t.ParticipantID, t.CustomerNumber, t.UploaderID, t.RoleAtTime, t.UsedAt, t.LastUsedAt, t.CreatedAt)
	return err
}

func (s *Postgres) GetTokenByHash(ctx context.Context, secretHash string) (domain.Token, error) {
	var t domain.Token
	var scopes []string
	err := s.DB.QueryRow(ctx, `
SELECT token_id,secret_hash,scopes,expires_at,one_time,process_id,participant_id,customer_number,uploader_id,role_at_time,used_at,last_used_at,created_at
FROM tokens WHERE secret_hash=$1
`, secretHash).Scan(&t.TokenID, &t.SecretHash, &scopes, &t.ExpiresAt, &t.OneTime, &t.ProcessID, &t.ParticipantID, &t.CustomerNumber, &t.UploaderID, &t.RoleAtTime, &t.UsedAt, &t.LastUsedAt, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Token{}, ErrNotFound
		}
		return domain.Token{}, err
	}
	t.Scopes = make([]domain.Scope, len(scopes))
	for i, sc := range scopes {
		t.Scopes[i] = domain.Scope(sc)
	}
	return t, nil
}

func (s *Postgres) ConsumeToken(ctx context.Context, tokenID string, at time.Time) error {
	tag, err := s.DB.Exec(ctx,
		`UPDATE tokens SET used_at=$2 WHERE token_id=$1 AND used_at IS NULL`, tokenID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.DB.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM tokens WHERE token_id=$1)`, tokenID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrTokenConsumed
	}
	return nil
}

func (s *Postgres) TouchToken(ctx context.Context, tokenID string, at time.Time) error {
	tag, err := s.DB.Exec(ctx,
		`UPDATE tokens SET last_used_at=$2 WHERE token_id=$1`, tokenID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) AppendAuditEvent(ctx context.Context, build func(prevHash string) (domain.AuditEvent, error)) (domain.AuditEvent, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return domain.AuditEvent{}, err
	}
	defer tx.Rollback(ctx)

	// Serialize read-prev/insert so the chain cannot fork under concurrent
	// appenders.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, auditChainLockID); err != nil {
		return domain.AuditEvent{}, err
	}
	prev := ""
	err = tx.QueryRow(ctx, `SELECT event_hash FROM audit_events ORDER BY seq DESC LIMIT 1`).Scan(&prev)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return domain.AuditEvent{}, err
	}
	ev, err := build(prev)
	if err != nil {
		return domain.AuditEvent{}, err
	}
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return domain.AuditEvent{}, err
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO audit_events(event_id,event_type,process_id,cycle_id,file_id,file_version_id,token_id,role_at_time,requester_id,payload,prev_hash,event_hash,created_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10::jsonb,$11,$12,$13)
`, ev.EventID, ev.EventType, ev.ProcessID, ev.CycleID, ev.FileID, ev.FileVersionID, ev.TokenID, ev.RoleAtTime, ev.RequesterID, string(payload), ev.PrevHash, ev.EventHash, ev.CreatedAt); err != nil {
		return domain.AuditEvent{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.AuditEvent{}, err
	}
	return ev, nil
}

func (s *Postgres) ListAuditEvents(ctx context.Context, processID string) ([]domain.AuditEvent, error) {
	q := `
SELECT event_id,event_type,process_id,cycle_id,file_id,file_version_id,token_id,role_at_time,requester_id,payload,prev_hash,event_hash,created_at
FROM audit_events`
	args := []any{}
	if processID != "" {
		q += ` WHERE process_id=$1`
		args = append(args, processID)
	}
	q += ` ORDER BY seq ASC`
	rows, err := s.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.AuditEvent
	for rows.Next() {
		var ev domain.AuditEvent
		var payload []byte
		if err := rows.Scan(&ev.EventID, &ev.EventType, &ev.ProcessID, &ev.CycleID, &ev.FileID, &ev.FileVersionID, &ev.TokenID, &ev.RoleAtTime, &ev.RequesterID, &payload, &ev.PrevHash, &ev.EventHash, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, err
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
