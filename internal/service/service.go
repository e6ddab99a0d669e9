package service

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"stagedoor/internal/advisor"
	"stagedoor/internal/config"
	"stagedoor/internal/models"
	"stagedoor/internal/monitoring"
	"stagedoor/internal/notify"
	"stagedoor/internal/roster"
	"stagedoor/internal/store"
	"stagedoor/internal/token"
)

var (
	ErrShiftClosed     = errors.New("shift is not active")
	ErrQRExpired       = errors.New("qr token expired")
	ErrBadSignature    = errors.New("qr token signature invalid")
	ErrMalformedToken  = errors.New("qr token malformed")
	ErrTokenReplayed   = errors.New("qr token already used")
	ErrInvalidJoinCode = errors.New("invalid join code")
	ErrNotApproved     = errors.New("check-in not approved")
	ErrAlreadySignedUp = errors.New("already signed up")
	ErrAlreadyDecided  = errors.New("check-in already decided")
	ErrStillPending    = errors.New("check-in is still pending")
	ErrAlreadyGrouped  = errors.New("signup already grouped")
	ErrAlreadyDone     = errors.New("signup already completed")
	ErrNotGrouped      = errors.New("signup has not been grouped")
)

type Service struct {
	cfg       config.Config
	st        *store.Store
	replay    token.ReplayGuard
	provision roster.Provisioner
	sender    notify.Sender
}

func New(cfg config.Config, st *store.Store, guard token.ReplayGuard, p roster.Provisioner, sender notify.Sender) *Service {
	if guard == nil {
		guard = token.NoopReplayGuard{}
	}
	if p == nil {
		p = roster.NoopProvisioner{}
	}
	if sender == nil {
		sender = notify.LogSender{}
	}
	return &Service{cfg: cfg, st: st, replay: guard, provision: p, sender: sender}
}

// OpenShift starts a new shift for the venue. Any shift still active is
// closed in the same transaction, so the stage never has two open doors.
func (s *Service) OpenShift(ctx context.Context, venueName, actorID string) (models.Shift, error) {
	venueName = strings.TrimSpace(venueName)
	if venueName == "" {
		venueName = s.cfg.VenueName
	}
	secret, err := randomHex(32)
	if err != nil {
		return models.Shift{}, err
	}
	joinCode, err := randomHex(4)
	if err != nil {
		return models.Shift{}, err
	}
	sh, err := s.st.CreateShift(ctx, venueName, secret, joinCode)
	if err != nil {
		return models.Shift{}, err
	}
	s.audit(ctx, actorID, "shift.open", sh.ID, map[string]any{"venue": venueName})
	return sh, nil
}

func (s *Service) ActiveShift(ctx context.Context) (models.Shift, error) {
	return s.st.GetActiveShift(ctx)
}

func (s *Service) GetShift(ctx context.Context, id string) (models.Shift, error) {
	return s.st.GetShift(ctx, id)
}

// CloseShift is idempotent: closing an already-closed shift returns it
// unchanged.
func (s *Service) CloseShift(ctx context.Context, id, actorID string) (models.Shift, error) {
	sh, err := s.st.CloseShift(ctx, id)
	if err != nil {
		return models.Shift{}, err
	}
	s.audit(ctx, actorID, "shift.close", sh.ID, nil)
	return sh, nil
}

func (s *Service) SetGroupSize(ctx context.Context, id string, n int, actorID string) (models.Shift, error) {
	if n < advisor.MinGroupSize || n > advisor.MaxGroupSize {
		return models.Shift{}, fmt.Errorf("group size must be between %d and %d", advisor.MinGroupSize, advisor.MaxGroupSize)
	}
	sh, err := s.st.GetShift(ctx, id)
	if err != nil {
		return models.Shift{}, err
	}
	if !sh.IsActive {
		return models.Shift{}, ErrShiftClosed
	}
	sh, err = s.st.SetGroupSize(ctx, id, n)
	if err != nil {
		return models.Shift{}, err
	}
	s.audit(ctx, actorID, "shift.group_size", sh.ID, map[string]any{"group_size": n})
	return sh, nil
}

// MintQR signs a fresh short-lived scan token for the shift's door display.
func (s *Service) MintQR(ctx context.Context, shiftID string) (tok string, expiresAt time.Time, err error) {
	sh, err := s.st.GetShift(ctx, shiftID)
	if err != nil {
		return "", time.Time{}, err
	}
	if !sh.IsActive {
		return "", time.Time{}, ErrShiftClosed
	}
	tok, exp, err := token.Mint(sh.Secret, sh.ID, s.cfg.QRTokenTTL(), time.Now().UTC())
	if err != nil {
		return "", time.Time{}, err
	}
	return tok, time.Unix(exp, 0).UTC(), nil
}

// RecordScan redeems a scanned QR token as a check-in for the performer.
// Cheap structural and expiry checks run before the shift is loaded; the
// signature is verified against the shift's own secret so tokens never
// cross shifts. A repeat scan while the check-in is pending refreshes its
// scanned_at; a decided check-in is returned untouched.
func (s *Service) RecordScan(ctx context.Context, rawToken, performerID string) (models.Checkin, error) {
	performerID = strings.TrimSpace(performerID)
	if performerID == "" {
		monitoring.TrackScan("invalid")
		return models.Checkin{}, fmt.Errorf("performer id is required")
	}
	parsed, err := token.Parse(rawToken)
	if err != nil {
		monitoring.TrackScan("malformed")
		return models.Checkin{}, ErrMalformedToken
	}
	now := time.Now().UTC()
	if err := parsed.CheckExpiry(now); err != nil {
		monitoring.TrackScan("expired")
		return models.Checkin{}, ErrQRExpired
	}
	sh, err := s.st.GetShift(ctx, parsed.Payload.ShiftID)
	if err != nil {
		monitoring.TrackScan("unknown_shift")
		return models.Checkin{}, err
	}
	if !sh.IsActive {
		monitoring.TrackScan("shift_closed")
		return models.Checkin{}, ErrShiftClosed
	}
	if err := parsed.CheckSignature(sh.Secret); err != nil {
		monitoring.TrackScan("bad_signature")
		return models.Checkin{}, ErrBadSignature
	}
	if s.cfg.SingleUseScans {
		ttl := time.Until(time.Unix(parsed.Payload.Exp, 0))
		if err := s.replay.Consume(ctx, sh.ID, parsed.Payload.Nonce, ttl); err != nil {
			if errors.Is(err, token.ErrReplayed) {
				monitoring.TrackScan("replayed")
				return models.Checkin{}, ErrTokenReplayed
			}
			return models.Checkin{}, err
		}
	}
	c, err := s.st.UpsertPendingCheckin(ctx, sh.ID, performerID)
	if err != nil {
		return models.Checkin{}, err
	}
	monitoring.TrackScan("ok")
	s.audit(ctx, performerID, "checkin.scan", c.ID, map[string]any{"shift_id": sh.ID, "performer_id": performerID})
	return c, nil
}

func (s *Service) ApproveCheckin(ctx context.Context, id, actorID string) (models.Checkin, error) {
	c, err := s.st.DecideCheckin(ctx, id, models.CheckinApproved, actorID)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return c, ErrAlreadyDecided
		}
		return models.Checkin{}, err
	}
	monitoring.TrackDecision("approved")
	if err := s.provision.MarkCleared(ctx, c.PerformerID, s.cfg.VenueName); err != nil {
		log.Printf("roster provision failed performer=%s err=%v", c.PerformerID, err)
	}
	s.audit(ctx, actorID, "checkin.approve", c.ID, map[string]any{"performer_id": c.PerformerID})
	return c, nil
}

func (s *Service) RejectCheckin(ctx context.Context, id, actorID string) (models.Checkin, error) {
	c, err := s.st.DecideCheckin(ctx, id, models.CheckinRejected, actorID)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return c, ErrAlreadyDecided
		}
		return models.Checkin{}, err
	}
	monitoring.TrackDecision("rejected")
	if err := s.provision.Revoke(ctx, c.PerformerID); err != nil {
		log.Printf("roster revoke failed performer=%s err=%v", c.PerformerID, err)
	}
	s.audit(ctx, actorID, "checkin.reject", c.ID, map[string]any{"performer_id": c.PerformerID})
	return c, nil
}

// ReopenCheckin is the explicit escape hatch for a wrong decision: it puts
// a decided check-in back to pending so it can be decided again.
func (s *Service) ReopenCheckin(ctx context.Context, id, actorID string) (models.Checkin, error) {
	c, err := s.st.ReopenCheckin(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return models.Checkin{}, ErrStillPending
		}
		return models.Checkin{}, err
	}
	s.audit(ctx, actorID, "checkin.reopen", c.ID, nil)
	return c, nil
}

// CheckinBoard is the wrangler's door view: who is waiting on a decision
// and who is already cleared. Rejected check-ins stay out of the board.
type CheckinBoard struct {
	Pending  []models.Checkin `json:"pending"`
	Approved []models.Checkin `json:"approved"`
}

func (s *Service) ListCheckins(ctx context.Context, shiftID string) (CheckinBoard, error) {
	if _, err := s.st.GetShift(ctx, shiftID); err != nil {
		return CheckinBoard{}, err
	}
	checkins, err := s.st.ListCheckins(ctx, shiftID)
	if err != nil {
		return CheckinBoard{}, err
	}
	board := CheckinBoard{Pending: []models.Checkin{}, Approved: []models.Checkin{}}
	for _, c := range checkins {
		switch c.Status {
		case models.CheckinPending:
			board.Pending = append(board.Pending, c)
		case models.CheckinApproved:
			board.Approved = append(board.Approved, c)
		}
	}
	return board, nil
}

// JoinStage places an approved performer on the standby list. The join
// code printed backstage gates the endpoint; approval is checked after the
// code so a guessing caller learns nothing about who is checked in.
func (s *Service) JoinStage(ctx context.Context, shiftID, performerID, joinCode string) (models.Signup, error) {
	performerID = strings.TrimSpace(performerID)
	if performerID == "" {
		return models.Signup{}, fmt.Errorf("performer id is required")
	}
	sh, err := s.st.GetShift(ctx, shiftID)
	if err != nil {
		return models.Signup{}, err
	}
	if !sh.IsActive {
		return models.Signup{}, ErrShiftClosed
	}
	if subtle.ConstantTimeCompare([]byte(joinCode), []byte(sh.JoinCode)) != 1 {
		monitoring.TrackSignupOp("join", "bad_code")
		return models.Signup{}, ErrInvalidJoinCode
	}
	ok, err := s.st.HasApprovedCheckin(ctx, sh.ID, performerID)
	if err != nil {
		return models.Signup{}, err
	}
	if !ok {
		monitoring.TrackSignupOp("join", "not_approved")
		return models.Signup{}, ErrNotApproved
	}
	su, err := s.st.CreateSignup(ctx, sh.ID, performerID)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			monitoring.TrackSignupOp("join", "duplicate")
			return models.Signup{}, ErrAlreadySignedUp
		}
		return models.Signup{}, err
	}
	monitoring.TrackSignupOp("join", "ok")
	s.audit(ctx, performerID, "signup.join", su.ID, map[string]any{"shift_id": sh.ID, "performer_id": performerID})
	return su, nil
}

// PromoteSignup moves a standby signup into the current group and fires a
// best-effort stage-call notice.
func (s *Service) PromoteSignup(ctx context.Context, id, actorID string) (models.Signup, error) {
	su, err := s.st.PromoteSignup(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			monitoring.TrackSignupOp("promote", "conflict")
			return models.Signup{}, ErrAlreadyGrouped
		}
		return models.Signup{}, err
	}
	monitoring.TrackSignupOp("promote", "ok")
	sh, shErr := s.st.GetShift(ctx, su.ShiftID)
	venue := s.cfg.VenueName
	if shErr == nil {
		venue = sh.VenueName
	}
	if err := s.sender.SendStageCall(ctx, su.PerformerID, venue); err != nil {
		log.Printf("stage call notice failed performer=%s err=%v", su.PerformerID, err)
	}
	s.audit(ctx, actorID, "signup.promote", su.ID, map[string]any{"performer_id": su.PerformerID})
	return su, nil
}

// CompleteSignup retires a grouped signup to history. A standby signup
// cannot skip straight to done.
func (s *Service) CompleteSignup(ctx context.Context, id, actorID string) (models.Signup, error) {
	existing, err := s.st.GetSignup(ctx, id)
	if err != nil {
		return models.Signup{}, err
	}
	if existing.GroupedAt == nil {
		monitoring.TrackSignupOp("complete", "not_grouped")
		return models.Signup{}, ErrNotGrouped
	}
	su, err := s.st.CompleteSignup(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			monitoring.TrackSignupOp("complete", "conflict")
			return models.Signup{}, ErrAlreadyDone
		}
		return models.Signup{}, err
	}
	monitoring.TrackSignupOp("complete", "ok")
	s.audit(ctx, actorID, "signup.complete", su.ID, map[string]any{"performer_id": su.PerformerID})
	return su, nil
}

// SignupView is a signup with its derived stage and, while on standby, the
// time waited so far.
type SignupView struct {
	models.Signup
	Stage       models.SignupStage `json:"stage"`
	WaitMinutes *float64           `json:"wait_minutes,omitempty"`
}

// StageBoard is the rotation snapshot: signups partitioned by stage, each
// list in FIFO order, plus the wait metrics the wrangler steers by.
type StageBoard struct {
	Standby  []SignupView      `json:"standby"`
	Assigned []SignupView      `json:"assigned"`
	History  []SignupView      `json:"history"`
	Metrics  StageBoardMetrics `json:"metrics"`
}

type StageBoardMetrics struct {
	AvgWaitMinutes float64 `json:"avg_wait_minutes"`
}

func (s *Service) StageSnapshot(ctx context.Context, shiftID string) (StageBoard, error) {
	if _, err := s.st.GetShift(ctx, shiftID); err != nil {
		return StageBoard{}, err
	}
	signups, err := s.st.ListSignups(ctx, shiftID)
	if err != nil {
		return StageBoard{}, err
	}
	now := time.Now().UTC()
	board := StageBoard{Standby: []SignupView{}, Assigned: []SignupView{}, History: []SignupView{}}
	var standby []models.Signup
	for _, su := range signups {
		v := SignupView{Signup: su, Stage: su.Stage()}
		switch v.Stage {
		case models.StageStandby:
			w := waitMinutes(su.QueuedAt, now)
			v.WaitMinutes = &w
			board.Standby = append(board.Standby, v)
			standby = append(standby, su)
		case models.StageAssigned:
			board.Assigned = append(board.Assigned, v)
		case models.StageHistory:
			board.History = append(board.History, v)
		}
	}
	board.Metrics.AvgWaitMinutes = roundTenth(avgWaitMinutes(standby, now))
	return board, nil
}

// ShiftMetrics is the wrangler dashboard payload: queue depths plus the
// advisor's group-size suggestion.
type ShiftMetrics struct {
	ShiftID          string             `json:"shift_id"`
	GroupSize        int                `json:"group_size"`
	StandbyCount     int                `json:"standby_count"`
	AssignedCount    int                `json:"assigned_count"`
	HistoryCount     int                `json:"history_count"`
	PendingCheckins  int                `json:"pending_checkins"`
	ApprovedCheckins int                `json:"approved_checkins"`
	RejectedCheckins int                `json:"rejected_checkins"`
	AvgWaitMinutes   float64            `json:"avg_wait_minutes"`
	Advice           advisor.Suggestion `json:"advice"`
}

func (s *Service) Metrics(ctx context.Context, shiftID string) (ShiftMetrics, error) {
	sh, err := s.st.GetShift(ctx, shiftID)
	if err != nil {
		return ShiftMetrics{}, err
	}
	signups, err := s.st.ListSignups(ctx, shiftID)
	if err != nil {
		return ShiftMetrics{}, err
	}
	checkins, err := s.st.ListCheckins(ctx, shiftID)
	if err != nil {
		return ShiftMetrics{}, err
	}
	m := ShiftMetrics{ShiftID: sh.ID, GroupSize: sh.CurrentGroupSize}
	now := time.Now().UTC()
	var standby []models.Signup
	for _, su := range signups {
		switch su.Stage() {
		case models.StageStandby:
			m.StandbyCount++
			standby = append(standby, su)
		case models.StageAssigned:
			m.AssignedCount++
		case models.StageHistory:
			m.HistoryCount++
		}
	}
	for _, c := range checkins {
		switch c.Status {
		case models.CheckinPending:
			m.PendingCheckins++
		case models.CheckinApproved:
			m.ApprovedCheckins++
		case models.CheckinRejected:
			m.RejectedCheckins++
		}
	}
	rawAvg := avgWaitMinutes(standby, now)
	m.AvgWaitMinutes = roundTenth(rawAvg)
	m.Advice = advisor.Suggest(sh.CurrentGroupSize, m.StandbyCount, rawAvg)
	return m, nil
}

// ActiveQueueDepths feeds the metrics collector.
func (s *Service) ActiveQueueDepths(ctx context.Context) (string, int, int, bool, error) {
	sh, err := s.st.GetActiveShift(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return "", 0, 0, false, nil
	}
	if err != nil {
		return "", 0, 0, false, err
	}
	signups, err := s.st.ListSignups(ctx, sh.ID)
	if err != nil {
		return "", 0, 0, false, err
	}
	var standby, assigned int
	for _, su := range signups {
		switch su.Stage() {
		case models.StageStandby:
			standby++
		case models.StageAssigned:
			assigned++
		}
	}
	return sh.ID, standby, assigned, true, nil
}

func (s *Service) AuditTrail(ctx context.Context, limit, offset int) ([]models.AuditEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.st.ListAudit(ctx, limit, offset)
}

func (s *Service) Ready(ctx context.Context) error {
	return s.st.Ping(ctx)
}

// waitMinutes reports elapsed wait rounded to one decimal, never negative.
func waitMinutes(from, now time.Time) float64 {
	m := now.Sub(from).Minutes()
	if m < 0 {
		return 0
	}
	return roundTenth(m)
}

// avgWaitMinutes returns the unrounded average so advice thresholds see the
// true value; rounding happens only at the display edge.
func avgWaitMinutes(standby []models.Signup, now time.Time) float64 {
	if len(standby) == 0 {
		return 0
	}
	var total float64
	for _, su := range standby {
		total += now.Sub(su.QueuedAt).Minutes()
	}
	avg := total / float64(len(standby))
	if avg < 0 {
		return 0
	}
	return avg
}

func roundTenth(v float64) float64 {
	return math.Round(v*10) / 10
}

func (s *Service) audit(ctx context.Context, actorID, action, target string, meta map[string]any) {
	payload := "{}"
	if len(meta) > 0 {
		if b, err := json.Marshal(meta); err == nil {
			payload = string(b)
		}
	}
	if actorID == "" {
		actorID = "system"
	}
	if err := s.st.InsertAudit(ctx, actorID, action, target, payload); err != nil {
		log.Printf("audit write failed action=%s target=%s err=%v", action, target, err)
	}
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
