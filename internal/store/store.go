package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"stagedoor/internal/models"
	"stagedoor/internal/util"
)

var ErrNotFound = errors.New("not found")
var ErrConflict = errors.New("conflict")

// Store is the single coordination point for all shift, check-in and queue
// state. Every mutating operation touches exactly one logical row, with
// state preconditions pushed into guarded UPDATEs so concurrent callers
// cannot race past each other.
type Store struct {
	db   *sql.DB
	keys util.Keyring
}

func New(db *sql.DB, keys util.Keyring) *Store { return &Store{db: db, keys: keys} }

const shiftCols = `id, venue_name, secret_enc, join_code, is_active, current_group_size, created_at, closed_at`

// CreateShift opens a new shift and, in the same transaction, closes any
// shift still marked active so at most one active shift exists.
func (s *Store) CreateShift(ctx context.Context, venueName, secret, joinCode string) (models.Shift, error) {
	sealed, err := s.keys.Seal(secret)
	if err != nil {
		return models.Shift{}, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Shift{}, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE shifts SET is_active=0, closed_at=? WHERE is_active=1`, now,
	); err != nil {
		return models.Shift{}, err
	}
	sh := models.Shift{
		ID:               uuid.NewString(),
		VenueName:        venueName,
		Secret:           secret,
		JoinCode:         joinCode,
		IsActive:         true,
		CurrentGroupSize: 1,
		CreatedAt:        now,
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO shifts(id,venue_name,secret_enc,join_code,is_active,current_group_size,created_at) VALUES(?,?,?,?,1,1,?)`,
		sh.ID, sh.VenueName, sealed, sh.JoinCode, sh.CreatedAt,
	); err != nil {
		return models.Shift{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.Shift{}, err
	}
	return sh, nil
}

func (s *Store) GetShift(ctx context.Context, id string) (models.Shift, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+shiftCols+` FROM shifts WHERE id=?`, id)
	return s.scanShift(row)
}

// GetActiveShift returns the most recently created shift still marked
// active, or ErrNotFound when the stage is dark.
func (s *Store) GetActiveShift(ctx context.Context) (models.Shift, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+shiftCols+` FROM shifts WHERE is_active=1 ORDER BY created_at DESC LIMIT 1`)
	return s.scanShift(row)
}

// CloseShift is idempotent: re-closing keeps the original closed_at.
func (s *Store) CloseShift(ctx context.Context, id string) (models.Shift, error) {
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE shifts SET is_active=0, closed_at=COALESCE(closed_at, ?) WHERE id=?`, now, id,
	); err != nil {
		return models.Shift{}, err
	}
	return s.GetShift(ctx, id)
}

func (s *Store) SetGroupSize(ctx context.Context, id string, n int) (models.Shift, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE shifts SET current_group_size=? WHERE id=?`, n, id)
	if err != nil {
		return models.Shift{}, err
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		return models.Shift{}, ErrNotFound
	}
	return s.GetShift(ctx, id)
}

func (s *Store) scanShift(row *sql.Row) (models.Shift, error) {
	var sh models.Shift
	var sealed string
	var active int
	var closedAt sql.NullTime
	err := row.Scan(&sh.ID, &sh.VenueName, &sealed, &sh.JoinCode, &active, &sh.CurrentGroupSize, &sh.CreatedAt, &closedAt)
	if err == sql.ErrNoRows {
		return models.Shift{}, ErrNotFound
	}
	if err != nil {
		return models.Shift{}, err
	}
	sh.IsActive = active == 1
	if closedAt.Valid {
		t := closedAt.Time
		sh.ClosedAt = &t
	}
	sh.Secret, err = s.keys.Open(sealed)
	if err != nil {
		return models.Shift{}, err
	}
	return sh, nil
}

const checkinCols = `id, shift_id, performer_id, status, scanned_at, approved_at, approved_by, rejected_at, rejected_by`

// UpsertPendingCheckin records a scan. A new row starts pending; a re-scan
// refreshes scanned_at only while the row is still pending — a decided row
// is returned unchanged and needs an explicit reopen to reset.
func (s *Store) UpsertPendingCheckin(ctx context.Context, shiftID, performerID string) (models.Checkin, error) {
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO checkins(id,shift_id,performer_id,status,scanned_at) VALUES(?,?,?,'pending',?)
		 ON CONFLICT(shift_id, performer_id)
		 DO UPDATE SET scanned_at = excluded.scanned_at WHERE checkins.status = 'pending'`,
		uuid.NewString(), shiftID, performerID, now,
	); err != nil {
		return models.Checkin{}, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+checkinCols+` FROM checkins WHERE shift_id=? AND performer_id=?`, shiftID, performerID)
	return scanCheckin(row)
}

func (s *Store) GetCheckin(ctx context.Context, id string) (models.Checkin, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+checkinCols+` FROM checkins WHERE id=?`, id)
	return scanCheckin(row)
}

// DecideCheckin moves a pending check-in to approved or rejected. The
// status precondition lives in the UPDATE so two wranglers deciding the
// same row concurrently cannot both win; the loser gets ErrConflict.
func (s *Store) DecideCheckin(ctx context.Context, id string, status models.CheckinStatus, actorID string) (models.Checkin, error) {
	now := time.Now().UTC()
	var res sql.Result
	var err error
	switch status {
	case models.CheckinApproved:
		res, err = s.db.ExecContext(ctx,
			`UPDATE checkins SET status='approved', approved_at=?, approved_by=? WHERE id=? AND status='pending'`,
			now, actorID, id)
	case models.CheckinRejected:
		res, err = s.db.ExecContext(ctx,
			`UPDATE checkins SET status='rejected', rejected_at=?, rejected_by=? WHERE id=? AND status='pending'`,
			now, actorID, id)
	default:
		return models.Checkin{}, errors.New("decide checkin: status must be approved or rejected")
	}
	if err != nil {
		return models.Checkin{}, err
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		existing, getErr := s.GetCheckin(ctx, id)
		if getErr != nil {
			return models.Checkin{}, getErr
		}
		return existing, ErrConflict
	}
	return s.GetCheckin(ctx, id)
}

// ReopenCheckin resets a decided check-in back to pending, clearing the
// decision columns. Reopening a row that is already pending is ErrConflict.
func (s *Store) ReopenCheckin(ctx context.Context, id string) (models.Checkin, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE checkins SET status='pending', approved_at=NULL, approved_by=NULL, rejected_at=NULL, rejected_by=NULL
		 WHERE id=? AND status != 'pending'`, id)
	if err != nil {
		return models.Checkin{}, err
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		if _, getErr := s.GetCheckin(ctx, id); getErr != nil {
			return models.Checkin{}, getErr
		}
		return models.Checkin{}, ErrConflict
	}
	return s.GetCheckin(ctx, id)
}

// ListCheckins returns all check-ins for a shift, newest scan first.
func (s *Store) ListCheckins(ctx context.Context, shiftID string) ([]models.Checkin, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+checkinCols+` FROM checkins WHERE shift_id=? ORDER BY scanned_at DESC`, shiftID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Checkin
	for rows.Next() {
		c, err := scanOneCheckin(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) HasApprovedCheckin(ctx context.Context, shiftID, performerID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM checkins WHERE shift_id=? AND performer_id=? AND status='approved'`,
		shiftID, performerID,
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type checkinScanner interface {
	Scan(dest ...any) error
}

func scanCheckin(row *sql.Row) (models.Checkin, error) {
	c, err := scanOneCheckin(row)
	if err == sql.ErrNoRows {
		return models.Checkin{}, ErrNotFound
	}
	return c, err
}

func scanOneCheckin(sc checkinScanner) (models.Checkin, error) {
	var c models.Checkin
	var approvedAt, rejectedAt sql.NullTime
	var approvedBy, rejectedBy sql.NullString
	if err := sc.Scan(&c.ID, &c.ShiftID, &c.PerformerID, &c.Status, &c.ScannedAt, &approvedAt, &approvedBy, &rejectedAt, &rejectedBy); err != nil {
		return models.Checkin{}, err
	}
	if approvedAt.Valid {
		t := approvedAt.Time
		c.ApprovedAt = &t
	}
	if approvedBy.Valid {
		v := approvedBy.String
		c.ApprovedBy = &v
	}
	if rejectedAt.Valid {
		t := rejectedAt.Time
		c.RejectedAt = &t
	}
	if rejectedBy.Valid {
		v := rejectedBy.String
		c.RejectedBy = &v
	}
	return c, nil
}

const signupCols = `id, shift_id, performer_id, queued_at, grouped_at, done_at`

// CreateSignup inserts a standby signup; the UNIQUE(shift_id, performer_id)
// constraint makes the second concurrent caller fail with ErrConflict
// instead of racing in a duplicate.
func (s *Store) CreateSignup(ctx context.Context, shiftID, performerID string) (models.Signup, error) {
	su := models.Signup{
		ID:          uuid.NewString(),
		ShiftID:     shiftID,
		PerformerID: performerID,
		QueuedAt:    time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stage_signups(id,shift_id,performer_id,queued_at) VALUES(?,?,?,?)`,
		su.ID, su.ShiftID, su.PerformerID, su.QueuedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Signup{}, ErrConflict
		}
		return models.Signup{}, err
	}
	return su, nil
}

func (s *Store) GetSignup(ctx context.Context, id string) (models.Signup, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+signupCols+` FROM stage_signups WHERE id=?`, id)
	return scanSignup(row)
}

// PromoteSignup sets grouped_at once; a second promote is ErrConflict.
func (s *Store) PromoteSignup(ctx context.Context, id string) (models.Signup, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE stage_signups SET grouped_at=? WHERE id=? AND grouped_at IS NULL`,
		time.Now().UTC(), id)
	if err != nil {
		return models.Signup{}, err
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		if _, getErr := s.GetSignup(ctx, id); getErr != nil {
			return models.Signup{}, getErr
		}
		return models.Signup{}, ErrConflict
	}
	return s.GetSignup(ctx, id)
}

// CompleteSignup sets done_at once on an already-grouped signup.
func (s *Store) CompleteSignup(ctx context.Context, id string) (models.Signup, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE stage_signups SET done_at=? WHERE id=? AND grouped_at IS NOT NULL AND done_at IS NULL`,
		time.Now().UTC(), id)
	if err != nil {
		return models.Signup{}, err
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		if _, getErr := s.GetSignup(ctx, id); getErr != nil {
			return models.Signup{}, getErr
		}
		return models.Signup{}, ErrConflict
	}
	return s.GetSignup(ctx, id)
}

// ListSignups returns all signups for a shift in FIFO order by queued_at.
func (s *Store) ListSignups(ctx context.Context, shiftID string) ([]models.Signup, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+signupCols+` FROM stage_signups WHERE shift_id=? ORDER BY queued_at ASC`, shiftID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Signup
	for rows.Next() {
		var su models.Signup
		var groupedAt, doneAt sql.NullTime
		if err := rows.Scan(&su.ID, &su.ShiftID, &su.PerformerID, &su.QueuedAt, &groupedAt, &doneAt); err != nil {
			return nil, err
		}
		if groupedAt.Valid {
			t := groupedAt.Time
			su.GroupedAt = &t
		}
		if doneAt.Valid {
			t := doneAt.Time
			su.DoneAt = &t
		}
		out = append(out, su)
	}
	return out, rows.Err()
}

func scanSignup(row *sql.Row) (models.Signup, error) {
	var su models.Signup
	var groupedAt, doneAt sql.NullTime
	err := row.Scan(&su.ID, &su.ShiftID, &su.PerformerID, &su.QueuedAt, &groupedAt, &doneAt)
	if err == sql.ErrNoRows {
		return models.Signup{}, ErrNotFound
	}
	if err != nil {
		return models.Signup{}, err
	}
	if groupedAt.Valid {
		t := groupedAt.Time
		su.GroupedAt = &t
	}
	if doneAt.Valid {
		t := doneAt.Time
		su.DoneAt = &t
	}
	return su, nil
}

func (s *Store) InsertAudit(ctx context.Context, actorID, action, target, metadata string) error {
	if metadata == "" {
		metadata = "{}"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log(id,actor_id,action,target,metadata_json,created_at) VALUES(?,?,?,?,?,?)`,
		uuid.NewString(), actorID, action, target, metadata, time.Now().UTC(),
	)
	return err
}

func (s *Store) ListAudit(ctx context.Context, limit, offset int) ([]models.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id,actor_id,action,target,metadata_json,created_at FROM audit_log ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.AuditEntry, 0, limit)
	for rows.Next() {
		var e models.AuditEntry
		if err := rows.Scan(&e.ID, &e.ActorID, &e.Action, &e.Target, &e.MetadataJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "constraint failed")
}
