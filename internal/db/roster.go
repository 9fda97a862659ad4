package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrAccountNotFound is returned when an account id is unknown.
var ErrAccountNotFound = errors.New("account not found")

// Account is a tenant with its reporting time zone.
type Account struct {
	ID       string
	Timezone string
}

// User is an agent belonging to one account.
type User struct {
	ID          string
	AccountID   string
	Name        string
	Departments []string
}

// Department groups users within an account.
type Department struct {
	ID        string
	AccountID string
	Name      string
}

// UpsertAccount inserts or updates an account.
func (db *DB) UpsertAccount(ctx context.Context, a Account) error {
	return db.UpdateContext(ctx, func(tx *sql.Tx) error {
		return upsertAccount(ctx, tx, a)
	})
}

// UpsertUser inserts or updates a user and replaces their
// department memberships.
func (db *DB) UpsertUser(ctx context.Context, u User) error {
	return db.UpdateContext(ctx, func(tx *sql.Tx) error {
		return upsertUser(ctx, tx, u)
	})
}

// UpsertDepartment inserts or updates a department.
func (db *DB) UpsertDepartment(ctx context.Context, d Department) error {
	return db.UpdateContext(ctx, func(tx *sql.Tx) error {
		return upsertDepartment(ctx, tx, d)
	})
}

func upsertAccount(ctx context.Context, tx *sql.Tx, a Account) error {
	tz := a.Timezone
	if tz == "" {
		tz = "UTC"
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO accounts (id, timezone) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET timezone = excluded.timezone`,
		a.ID, tz)
	if err != nil {
		return fmt.Errorf("upserting account %s: %w", a.ID, err)
	}
	return nil
}

func upsertUser(ctx context.Context, tx *sql.Tx, u User) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO users (id, account_id, name) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			account_id = excluded.account_id,
			name = excluded.name`,
		u.ID, u.AccountID, u.Name); err != nil {
		return fmt.Errorf("upserting user %s: %w", u.ID, err)
	}
	if u.Departments == nil {
		return nil
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM user_departments WHERE user_id = ?", u.ID,
	); err != nil {
		return fmt.Errorf("clearing departments of %s: %w", u.ID, err)
	}
	for _, dep := range u.Departments {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO user_departments
			(user_id, department_id) VALUES (?, ?)`,
			u.ID, dep); err != nil {
			return fmt.Errorf("adding %s to %s: %w", u.ID, dep, err)
		}
	}
	return nil
}

func upsertDepartment(ctx context.Context, tx *sql.Tx, d Department) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO departments (id, account_id, name) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			account_id = excluded.account_id,
			name = excluded.name`,
		d.ID, d.AccountID, d.Name)
	if err != nil {
		return fmt.Errorf("upserting department %s: %w", d.ID, err)
	}
	return nil
}

// AccountLocation returns the account's reporting time zone.
// Unknown zone names fall back to UTC.
func (db *DB) AccountLocation(
	ctx context.Context, accountID string,
) (*time.Location, error) {
	var tz string
	err := db.reader.QueryRowContext(ctx,
		"SELECT timezone FROM accounts WHERE id = ?", accountID,
	).Scan(&tz)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("querying account %s: %w", accountID, err)
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC, nil
	}
	return loc, nil
}

// AccountUsers returns the account's users, restricted to ids
// when ids is non-empty, ordered by name then id.
func (db *DB) AccountUsers(
	ctx context.Context, accountID string, ids []string,
) ([]User, error) {
	var out []User
	load := func(chunk []string) error {
		query := `SELECT u.id, u.account_id, u.name,
			COALESCE((SELECT group_concat(department_id, ',')
				FROM user_departments WHERE user_id = u.id), '')
			FROM users u WHERE u.account_id = ?`
		args := []any{accountID}
		if len(chunk) > 0 {
			ph, a := inPlaceholders(chunk)
			query += " AND u.id IN " + ph
			args = append(args, a...)
		}
		rows, err := db.reader.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("querying users: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var u User
			var deps string
			if err := rows.Scan(
				&u.ID, &u.AccountID, &u.Name, &deps,
			); err != nil {
				return fmt.Errorf("scanning user: %w", err)
			}
			u.Departments = splitList(deps)
			out = append(out, u)
		}
		return rows.Err()
	}

	var err error
	if len(ids) == 0 {
		err = load(nil)
	} else {
		err = queryChunked(ids, load)
	}
	if err != nil {
		return nil, err
	}
	sortUsers(out)
	return out, nil
}

// KnownUsers reports which of ids belong to the account.
func (db *DB) KnownUsers(
	ctx context.Context, accountID string, ids []string,
) (map[string]bool, error) {
	return db.knownIDs(ctx, "users", accountID, ids)
}

// KnownDepartments reports which of ids belong to the account.
func (db *DB) KnownDepartments(
	ctx context.Context, accountID string, ids []string,
) (map[string]bool, error) {
	return db.knownIDs(ctx, "departments", accountID, ids)
}

func (db *DB) knownIDs(
	ctx context.Context, table, accountID string, ids []string,
) (map[string]bool, error) {
	known := make(map[string]bool, len(ids))
	err := queryChunked(ids, func(chunk []string) error {
		ph, args := inPlaceholders(chunk)
		rows, err := db.reader.QueryContext(ctx,
			"SELECT id FROM "+table+
				" WHERE account_id = ? AND id IN "+ph,
			append([]any{accountID}, args...)...)
		if err != nil {
			return fmt.Errorf("querying %s: %w", table, err)
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return fmt.Errorf("scanning %s id: %w", table, err)
			}
			known[id] = true
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return known, nil
}
