// Package roster mirrors check-in decisions into an external venue roster
// database so front-of-house systems see who is cleared for the stage.
package roster

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"

	"stagedoor/internal/config"
)

// Provisioner pushes approval state to the venue roster. Implementations
// must tolerate repeated calls for the same performer.
type Provisioner interface {
	MarkCleared(ctx context.Context, performerID, venue string) error
	Revoke(ctx context.Context, performerID string) error
}

// NoopProvisioner is used when no roster database is configured.
type NoopProvisioner struct{}

func (NoopProvisioner) MarkCleared(ctx context.Context, performerID, venue string) error { return nil }
func (NoopProvisioner) Revoke(ctx context.Context, performerID string) error             { return nil }

var identRx = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type SQLProvisioner struct {
	db           *sql.DB
	driver       string
	table        string
	performerCol string
	venueCol     string
	activeCol    string
}

func NewProvisioner(cfg config.Config) (Provisioner, error) {
	if strings.TrimSpace(cfg.RosterDBDriver) == "" || strings.TrimSpace(cfg.RosterDBDSN) == "" {
		return NoopProvisioner{}, nil
	}
	for _, ident := range []string{cfg.RosterTable, cfg.RosterPerformerCol, cfg.RosterVenueCol, cfg.RosterActiveCol} {
		if ident != "" && !identRx.MatchString(ident) {
			return nil, fmt.Errorf("invalid SQL identifier %q", ident)
		}
	}
	db, err := sql.Open(cfg.RosterDBDriver, cfg.RosterDBDSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &SQLProvisioner{
		db:           db,
		driver:       cfg.RosterDBDriver,
		table:        cfg.RosterTable,
		performerCol: cfg.RosterPerformerCol,
		venueCol:     cfg.RosterVenueCol,
		activeCol:    cfg.RosterActiveCol,
	}, nil
}

// MarkCleared upserts the performer as active for the venue: update first,
// insert when no row matched, and retry the update on a duplicate-key race.
func (p *SQLProvisioner) MarkCleared(ctx context.Context, performerID, venue string) error {
	setCols := []string{fmt.Sprintf("%s=%s", p.venueCol, p.ph(1))}
	args := []any{venue}
	idx := 2
	if p.activeCol != "" {
		setCols = append(setCols, fmt.Sprintf("%s=%s", p.activeCol, p.ph(idx)))
		args = append(args, 1)
		idx++
	}
	args = append(args, performerID)
	updateQ := fmt.Sprintf("UPDATE %s SET %s WHERE %s=%s", p.table, strings.Join(setCols, ","), p.performerCol, p.ph(idx))
	res, err := p.db.ExecContext(ctx, updateQ, args...)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}

	cols := []string{p.performerCol, p.venueCol}
	vals := []any{performerID, venue}
	if p.activeCol != "" {
		cols = append(cols, p.activeCol)
		vals = append(vals, 1)
	}
	phs := make([]string, len(vals))
	for i := range vals {
		phs[i] = p.ph(i + 1)
	}
	insertQ := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", p.table, strings.Join(cols, ","), strings.Join(phs, ","))
	if _, err := p.db.ExecContext(ctx, insertQ, vals...); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "duplicate") || strings.Contains(strings.ToLower(err.Error()), "unique") {
			_, err = p.db.ExecContext(ctx, updateQ, args...)
		}
		return err
	}
	return nil
}

func (p *SQLProvisioner) Revoke(ctx context.Context, performerID string) error {
	if p.activeCol == "" {
		return nil
	}
	q := fmt.Sprintf("UPDATE %s SET %s=%s WHERE %s=%s", p.table, p.activeCol, p.ph(1), p.performerCol, p.ph(2))
	_, err := p.db.ExecContext(ctx, q, 0, performerID)
	return err
}

func (p *SQLProvisioner) ph(i int) string {
	if strings.Contains(strings.ToLower(p.driver), "pgx") || strings.Contains(strings.ToLower(p.driver), "postgres") {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}
