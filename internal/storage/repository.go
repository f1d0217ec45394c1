package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"finsight/internal/core"
	"finsight/internal/repo"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Timestamps are stored as fixed-width UTC text so lexical order matches
// chronological order.
const (
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
	dateLayout = "2006-01-02"
)

type SQLiteRepository struct {
	db *sql.DB
}

var _ repo.Store = (*SQLiteRepository)(nil)

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := dataSourceName(dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dsn); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

func dataSourceName(dbPath string) string {
	return "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// KV returns a key-value view over the same database.
func (r *SQLiteRepository) KV() *KVStore {
	return &KVStore{db: r.db}
}

func (r *SQLiteRepository) CreateTransaction(ctx context.Context, t core.Transaction) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid transaction: %w", err)
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO transactions (id, user_id, amount_cents, type, category_id, description, date)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.Amount.Cents, string(t.Type), t.CategoryID, t.Description, formatDate(t.Date))
	if err != nil {
		return fmt.Errorf("insert transaction: %w", classify(err))
	}
	slog.DebugContext(ctx, "Transaction stored", "id", t.ID, "user_id", t.UserID, "type", t.Type)
	return nil
}

func (r *SQLiteRepository) CreateCategory(ctx context.Context, c core.Category) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid category: %w", err)
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO categories (id, user_id, name, type, color, icon) VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, nullString(c.UserID), c.Name, string(c.Type), c.Color, c.Icon)
	if err != nil {
		return fmt.Errorf("insert category: %w", classify(err))
	}
	return nil
}

func (r *SQLiteRepository) CreateBudget(ctx context.Context, b core.Budget) error {
	if err := b.Validate(); err != nil {
		return fmt.Errorf("invalid budget: %w", err)
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO budgets (id, user_id, category_id, amount_cents, period, start_date, end_date)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.UserID, b.CategoryID, b.Amount.Cents, string(b.Period), formatDate(b.StartDate), nullString(formatDate(b.EndDate)))
	if err != nil {
		return fmt.Errorf("insert budget: %w", classify(err))
	}
	return nil
}

func (r *SQLiteRepository) CreateSavingsGoal(ctx context.Context, g core.SavingsGoal) error {
	if err := g.Validate(); err != nil {
		return fmt.Errorf("invalid savings goal: %w", err)
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO savings_goals (id, user_id, name, target_amount_cents, current_amount_cents, target_date)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		g.ID, g.UserID, g.Name, g.TargetAmount.Cents, g.CurrentAmount.Cents, nullString(formatDate(g.TargetDate)))
	if err != nil {
		return fmt.Errorf("insert savings goal: %w", classify(err))
	}
	return nil
}

func (r *SQLiteRepository) ListTransactions(ctx context.Context, userID string) ([]core.Transaction, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, amount_cents, type, category_id, description, date
		 FROM transactions WHERE user_id = ? ORDER BY date, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", classify(err))
	}
	defer rows.Close()

	var out []core.Transaction
	for rows.Next() {
		var (
			t    core.Transaction
			typ  string
			date string
		)
		if err := rows.Scan(&t.ID, &t.UserID, &t.Amount.Cents, &typ, &t.CategoryID, &t.Description, &date); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Type = core.TransactionType(typ)
		if t.Date, err = parseDate(date); err != nil {
			return nil, fmt.Errorf("transaction %s: %w", t.ID, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) ListCategories(ctx context.Context, userID string) ([]core.Category, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, COALESCE(user_id, ''), name, type, color, icon
		 FROM categories WHERE user_id = ? OR user_id IS NULL ORDER BY name, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("query categories: %w", classify(err))
	}
	defer rows.Close()

	var out []core.Category
	for rows.Next() {
		var (
			c   core.Category
			typ string
		)
		if err := rows.Scan(&c.ID, &c.UserID, &c.Name, &typ, &c.Color, &c.Icon); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		c.Type = core.TransactionType(typ)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) ListBudgets(ctx context.Context, userID string) ([]core.Budget, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, category_id, amount_cents, period, start_date, end_date
		 FROM budgets WHERE user_id = ? ORDER BY start_date, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("query budgets: %w", classify(err))
	}
	defer rows.Close()

	var out []core.Budget
	for rows.Next() {
		var (
			b      core.Budget
			period string
			start  string
			end    sql.NullString
		)
		if err := rows.Scan(&b.ID, &b.UserID, &b.CategoryID, &b.Amount.Cents, &period, &start, &end); err != nil {
			return nil, fmt.Errorf("scan budget: %w", err)
		}
		b.Period = core.BudgetPeriod(period)
		if b.StartDate, err = parseDate(start); err != nil {
			return nil, fmt.Errorf("budget %s: %w", b.ID, err)
		}
		if end.Valid {
			if b.EndDate, err = parseDate(end.String); err != nil {
				return nil, fmt.Errorf("budget %s: %w", b.ID, err)
			}
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) ListSavingsGoals(ctx context.Context, userID string) ([]core.SavingsGoal, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, name, target_amount_cents, current_amount_cents, target_date
		 FROM savings_goals WHERE user_id = ? ORDER BY name, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("query savings goals: %w", classify(err))
	}
	defer rows.Close()

	var out []core.SavingsGoal
	for rows.Next() {
		var (
			g      core.SavingsGoal
			target sql.NullString
		)
		if err := rows.Scan(&g.ID, &g.UserID, &g.Name, &g.TargetAmount.Cents, &g.CurrentAmount.Cents, &target); err != nil {
			return nil, fmt.Errorf("scan savings goal: %w", err)
		}
		if target.Valid {
			if g.TargetDate, err = parseDate(target.String); err != nil {
				return nil, fmt.Errorf("savings goal %s: %w", g.ID, err)
			}
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

const insightColumns = `id, user_id, type, title, content, priority, period_start, period_end,
	is_read, created_at, fingerprint, window_key, generation_trigger`

func (r *SQLiteRepository) FindInsight(ctx context.Context, userID, fingerprint, windowKey string) (*core.Insight, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+insightColumns+` FROM insights
		 WHERE user_id = ? AND fingerprint = ? AND window_key = ?`, userID, fingerprint, windowKey)
	in, err := scanInsight(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find insight: %w", classify(err))
	}
	return &in, nil
}

func (r *SQLiteRepository) InsertInsight(ctx context.Context, in core.Insight) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO insights (`+insightColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ID, in.UserID, string(in.Type), in.Title, in.Content, string(in.Priority),
		nullDate(in.PeriodStart), nullDate(in.PeriodEnd), in.IsRead, formatTime(in.CreatedAt),
		in.Fingerprint, in.WindowKey, string(in.Trigger))
	if err != nil {
		return fmt.Errorf("insert insight %s: %w", in.ID, classify(err))
	}
	slog.DebugContext(ctx, "Insight stored",
		"id", in.ID, "user_id", in.UserID, "type", in.Type, "window_key", in.WindowKey)
	return nil
}

func (r *SQLiteRepository) ListInsights(ctx context.Context, userID string, f repo.InsightFilter) ([]core.Insight, error) {
	var (
		query strings.Builder
		args  = []any{userID}
	)
	query.WriteString(`SELECT ` + insightColumns + ` FROM insights WHERE user_id = ?`)
	if f.UnreadOnly {
		query.WriteString(` AND is_read = 0`)
	}
	if f.Type != "" {
		query.WriteString(` AND type = ?`)
		args = append(args, string(f.Type))
	}
	query.WriteString(` ORDER BY created_at DESC, id`)
	if f.Limit > 0 {
		query.WriteString(` LIMIT ?`)
		args = append(args, f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query insights: %w", classify(err))
	}
	defer rows.Close()

	var out []core.Insight
	for rows.Next() {
		in, err := scanInsight(rows)
		if err != nil {
			return nil, fmt.Errorf("scan insight: %w", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) MarkInsightRead(ctx context.Context, userID, id string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE insights SET is_read = 1 WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("mark insight read: %w", classify(err))
	}
	return requireAffected(res, "insight "+id)
}

func (r *SQLiteRepository) MarkAllInsightsRead(ctx context.Context, userID string) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE insights SET is_read = 1 WHERE user_id = ? AND is_read = 0`, userID)
	if err != nil {
		return 0, fmt.Errorf("mark all insights read: %w", classify(err))
	}
	return res.RowsAffected()
}

func (r *SQLiteRepository) DeleteInsight(ctx context.Context, userID, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM insights WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("delete insight: %w", classify(err))
	}
	return requireAffected(res, "insight "+id)
}

func (r *SQLiteRepository) DeleteInsightsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM insights WHERE created_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete old insights: %w", classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.InfoContext(ctx, "Old insights deleted", "count", n, "cutoff", cutoff)
	}
	return n, nil
}

const preferenceColumns = `user_id, frequency, enabled_types, preferred_time, last_generation, next_generation_due, timezone`

func (r *SQLiteRepository) GetPreferences(ctx context.Context, userID string) (*core.Preferences, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+preferenceColumns+` FROM insight_preferences WHERE user_id = ?`, userID)
	p, err := scanPreferences(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("preferences for %s: %w", userID, repo.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get preferences: %w", classify(err))
	}
	return &p, nil
}

func (r *SQLiteRepository) UpsertPreferences(ctx context.Context, p core.Preferences) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO insight_preferences (`+preferenceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
			frequency = excluded.frequency,
			enabled_types = excluded.enabled_types,
			preferred_time = excluded.preferred_time,
			last_generation = excluded.last_generation,
			next_generation_due = excluded.next_generation_due,
			timezone = excluded.timezone`,
		p.UserID, string(p.Frequency), joinTypes(p.EnabledTypes), p.PreferredTime,
		nullTime(p.LastGeneration), nullTime(p.NextGenerationDue), p.Timezone)
	if err != nil {
		return fmt.Errorf("upsert preferences: %w", classify(err))
	}
	return nil
}

func (r *SQLiteRepository) UpdateGenerationSchedule(ctx context.Context, userID string, last time.Time, next *time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE insight_preferences SET last_generation = ?, next_generation_due = ? WHERE user_id = ?`,
		formatTime(last), nullTime(next), userID)
	if err != nil {
		return fmt.Errorf("update generation schedule: %w", classify(err))
	}
	return requireAffected(res, "preferences for "+userID)
}

func (r *SQLiteRepository) ListDuePreferences(ctx context.Context, now time.Time, limit int) ([]core.Preferences, error) {
	query := `SELECT ` + preferenceColumns + ` FROM insight_preferences
		WHERE frequency != 'disabled' AND (next_generation_due IS NULL OR next_generation_due <= ?)
		ORDER BY user_id`
	args := []any{formatTime(now)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query due preferences: %w", classify(err))
	}
	defer rows.Close()

	var out []core.Preferences
	for rows.Next() {
		p, err := scanPreferences(rows)
		if err != nil {
			return nil, fmt.Errorf("scan preferences: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInsight(s scanner) (core.Insight, error) {
	var (
		in                     core.Insight
		typ, priority, trigger string
		periodStart, periodEnd sql.NullString
		createdAt              string
	)
	if err := s.Scan(&in.ID, &in.UserID, &typ, &in.Title, &in.Content, &priority,
		&periodStart, &periodEnd, &in.IsRead, &createdAt, &in.Fingerprint, &in.WindowKey, &trigger); err != nil {
		return core.Insight{}, err
	}
	in.Type = core.InsightType(typ)
	in.Priority = core.Priority(priority)
	in.Trigger = core.Trigger(trigger)

	var err error
	if in.PeriodStart, err = parseNullDate(periodStart); err != nil {
		return core.Insight{}, err
	}
	if in.PeriodEnd, err = parseNullDate(periodEnd); err != nil {
		return core.Insight{}, err
	}
	if in.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return core.Insight{}, fmt.Errorf("parse created_at: %w", err)
	}
	return in, nil
}

func scanPreferences(s scanner) (core.Preferences, error) {
	var (
		p                core.Preferences
		frequency, types string
		last, next       sql.NullString
	)
	if err := s.Scan(&p.UserID, &frequency, &types, &p.PreferredTime, &last, &next, &p.Timezone); err != nil {
		return core.Preferences{}, err
	}
	p.Frequency = core.Frequency(frequency)
	p.EnabledTypes = splitTypes(types)

	var err error
	if p.LastGeneration, err = parseNullTime(last); err != nil {
		return core.Preferences{}, err
	}
	if p.NextGenerationDue, err = parseNullTime(next); err != nil {
		return core.Preferences{}, err
	}
	return p, nil
}

// classify maps driver errors onto the repo sentinels.
func classify(err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch code := se.Code(); {
		case code == sqlite3.SQLITE_CONSTRAINT_UNIQUE, code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("%w: %v", repo.ErrDuplicate, err)
		case code&0xff == sqlite3.SQLITE_BUSY, code&0xff == sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: %v", repo.ErrRateLimited, err)
		}
		return err
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %v", repo.ErrDuplicate, err)
	}
	return err
}

func requireAffected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, repo.ErrNotFound)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatDate(d core.Date) string {
	if d.IsZero() {
		return ""
	}
	return d.Format(dateLayout)
}

func parseDate(s string) (core.Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return core.Date{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return core.Date{Time: t}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullDate(d *core.Date) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return nullString(formatDate(*d))
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullDate(s sql.NullString) (*core.Date, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	d, err := parseDate(s.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, s.String)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp %q: %w", s.String, err)
	}
	return &t, nil
}

func joinTypes(types []core.InsightType) string {
	parts := make([]string, len(types))
	for i, t := range types {
		parts[i] = string(t)
	}
	return strings.Join(parts, ",")
}

func splitTypes(s string) []core.InsightType {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]core.InsightType, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, core.InsightType(p))
		}
	}
	return out
}
