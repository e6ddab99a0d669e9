package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"stagedoor/internal/db"
	"stagedoor/internal/models"
	"stagedoor/internal/util"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	sqdb, err := db.OpenSQLite(filepath.Join(t.TempDir(), "app.db"), 1, 1, time.Minute)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sqdb.Close() })
	if err := db.ApplyMigrationFile(sqdb, filepath.Join("..", "..", "migrations", "001_init.sql")); err != nil {
		t.Fatalf("apply migration: %v", err)
	}
	return New(sqdb, util.NewKeyring("store_test_secret_encrypt_key_123"))
}

func TestCreateShiftClosesPriorActive(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	first, err := st.CreateShift(ctx, "Main Stage", "secret-1", "aabbccdd")
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	second, err := st.CreateShift(ctx, "Main Stage", "secret-2", "eeff0011")
	if err != nil {
		t.Fatalf("create second: %v", err)
	}

	got, err := st.GetShift(ctx, first.ID)
	if err != nil {
		t.Fatalf("get first: %v", err)
	}
	if got.IsActive || got.ClosedAt == nil {
		t.Fatalf("expected first shift auto-closed, got %+v", got)
	}
	active, err := st.GetActiveShift(ctx)
	if err != nil {
		t.Fatalf("get active: %v", err)
	}
	if active.ID != second.ID {
		t.Fatalf("expected second shift active, got %s", active.ID)
	}
	if active.Secret != "secret-2" {
		t.Fatalf("secret did not survive seal round trip: %q", active.Secret)
	}
	if active.CurrentGroupSize != 1 {
		t.Fatalf("expected default group size 1, got %d", active.CurrentGroupSize)
	}
}

func TestCloseShiftIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sh, err := st.CreateShift(ctx, "Main Stage", "s", "aabbccdd")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	closed, err := st.CloseShift(ctx, sh.ID)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.IsActive || closed.ClosedAt == nil {
		t.Fatalf("expected closed shift, got %+v", closed)
	}
	again, err := st.CloseShift(ctx, sh.ID)
	if err != nil {
		t.Fatalf("re-close: %v", err)
	}
	if !again.ClosedAt.Equal(*closed.ClosedAt) {
		t.Fatalf("re-close moved closed_at: %v vs %v", again.ClosedAt, closed.ClosedAt)
	}

	if _, err := st.CloseShift(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown shift, got %v", err)
	}
}

func TestUpsertPendingCheckinRefreshesOnlyWhilePending(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sh, _ := st.CreateShift(ctx, "Main Stage", "s", "aabbccdd")

	c1, err := st.UpsertPendingCheckin(ctx, sh.ID, "performer-1")
	if err != nil {
		t.Fatalf("first scan: %v", err)
	}
	if c1.Status != models.CheckinPending {
		t.Fatalf("expected pending, got %s", c1.Status)
	}

	c2, err := st.UpsertPendingCheckin(ctx, sh.ID, "performer-1")
	if err != nil {
		t.Fatalf("re-scan: %v", err)
	}
	if c2.ID != c1.ID {
		t.Fatalf("re-scan created a new row: %s vs %s", c2.ID, c1.ID)
	}
	if c2.ScannedAt.Before(c1.ScannedAt) {
		t.Fatalf("re-scan moved scanned_at backwards")
	}

	if _, err := st.DecideCheckin(ctx, c1.ID, models.CheckinApproved, "op"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	c3, err := st.UpsertPendingCheckin(ctx, sh.ID, "performer-1")
	if err != nil {
		t.Fatalf("scan after decision: %v", err)
	}
	if c3.Status != models.CheckinApproved {
		t.Fatalf("scan reset a decided check-in: %+v", c3)
	}
	if c3.ApprovedAt == nil || c3.ApprovedBy == nil || *c3.ApprovedBy != "op" {
		t.Fatalf("decision fields lost: %+v", c3)
	}
}

func TestDecideCheckinGuardsPending(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sh, _ := st.CreateShift(ctx, "Main Stage", "s", "aabbccdd")
	c, _ := st.UpsertPendingCheckin(ctx, sh.ID, "performer-1")

	approved, err := st.DecideCheckin(ctx, c.ID, models.CheckinApproved, "op-a")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != models.CheckinApproved {
		t.Fatalf("expected approved, got %s", approved.Status)
	}

	// second decision loses and sees the surviving row
	existing, err := st.DecideCheckin(ctx, c.ID, models.CheckinRejected, "op-b")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if existing.Status != models.CheckinApproved {
		t.Fatalf("conflict should return surviving decision, got %s", existing.Status)
	}

	if _, err := st.DecideCheckin(ctx, "missing", models.CheckinApproved, "op"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReopenCheckin(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sh, _ := st.CreateShift(ctx, "Main Stage", "s", "aabbccdd")
	c, _ := st.UpsertPendingCheckin(ctx, sh.ID, "performer-1")

	if _, err := st.ReopenCheckin(ctx, c.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected reopen of pending row to conflict, got %v", err)
	}

	if _, err := st.DecideCheckin(ctx, c.ID, models.CheckinRejected, "op"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	reopened, err := st.ReopenCheckin(ctx, c.ID)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Status != models.CheckinPending {
		t.Fatalf("expected pending after reopen, got %s", reopened.Status)
	}
	if reopened.RejectedAt != nil || reopened.RejectedBy != nil {
		t.Fatalf("decision fields not cleared: %+v", reopened)
	}
}

func TestHasApprovedCheckin(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sh, _ := st.CreateShift(ctx, "Main Stage", "s", "aabbccdd")

	ok, err := st.HasApprovedCheckin(ctx, sh.ID, "performer-1")
	if err != nil || ok {
		t.Fatalf("expected no approval yet, got ok=%v err=%v", ok, err)
	}
	c, _ := st.UpsertPendingCheckin(ctx, sh.ID, "performer-1")
	if ok, _ = st.HasApprovedCheckin(ctx, sh.ID, "performer-1"); ok {
		t.Fatalf("pending must not count as approved")
	}
	if _, err := st.DecideCheckin(ctx, c.ID, models.CheckinApproved, "op"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if ok, _ = st.HasApprovedCheckin(ctx, sh.ID, "performer-1"); !ok {
		t.Fatalf("expected approval to count")
	}
}

func TestSignupLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sh, _ := st.CreateShift(ctx, "Main Stage", "s", "aabbccdd")

	su, err := st.CreateSignup(ctx, sh.ID, "performer-1")
	if err != nil {
		t.Fatalf("create signup: %v", err)
	}
	if su.Stage() != models.StageStandby {
		t.Fatalf("expected standby, got %s", su.Stage())
	}

	if _, err := st.CreateSignup(ctx, sh.ID, "performer-1"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected duplicate signup conflict, got %v", err)
	}

	// done before grouped is refused by the guard
	if _, err := st.CompleteSignup(ctx, su.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected complete before promote to conflict, got %v", err)
	}

	promoted, err := st.PromoteSignup(ctx, su.ID)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if promoted.Stage() != models.StageAssigned || promoted.GroupedAt == nil {
		t.Fatalf("expected assigned, got %+v", promoted)
	}
	if _, err := st.PromoteSignup(ctx, su.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected double promote conflict, got %v", err)
	}

	done, err := st.CompleteSignup(ctx, su.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Stage() != models.StageHistory || done.DoneAt == nil {
		t.Fatalf("expected history, got %+v", done)
	}
	if done.DoneAt.Before(*done.GroupedAt) || done.GroupedAt.Before(done.QueuedAt) {
		t.Fatalf("timestamp chain out of order: %+v", done)
	}
	if _, err := st.CompleteSignup(ctx, su.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected double complete conflict, got %v", err)
	}

	if _, err := st.PromoteSignup(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListSignupsFIFO(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sh, _ := st.CreateShift(ctx, "Main Stage", "s", "aabbccdd")

	for _, p := range []string{"p1", "p2", "p3"} {
		if _, err := st.CreateSignup(ctx, sh.ID, p); err != nil {
			t.Fatalf("create %s: %v", p, err)
		}
		time.Sleep(2 * time.Millisecond)
	}
	list, err := st.ListSignups(ctx, sh.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 signups, got %d", len(list))
	}
	for i, want := range []string{"p1", "p2", "p3"} {
		if list[i].PerformerID != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, list[i].PerformerID)
		}
	}
}

func TestAuditTrail(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.InsertAudit(ctx, "op", "shift.open", "shift-1", `{"venue":"Main Stage"}`); err != nil {
		t.Fatalf("insert audit: %v", err)
	}
	if err := st.InsertAudit(ctx, "op", "shift.close", "shift-1", ""); err != nil {
		t.Fatalf("insert audit: %v", err)
	}
	entries, err := st.ListAudit(ctx, 10, 0)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	for _, e := range entries {
		if e.MetadataJSON == "" {
			t.Fatalf("metadata should default to {}: %+v", e)
		}
	}
}
