package account

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

// Store persists accounts in SQLite. All public methods are safe for
// concurrent use (SQLite serializes writes).
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore opens the account database at dbPath. The schema is created
// automatically on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id              TEXT PRIMARY KEY,
		title           TEXT NOT NULL,
		token           TEXT NOT NULL,
		office_site_id  INTEGER NOT NULL,
		remote_site_id  INTEGER NOT NULL,
		location_source TEXT NOT NULL DEFAULT '',
		office_accuracy REAL NOT NULL,
		unique_id       TEXT UNIQUE,
		created_at      TEXT NOT NULL,
		updated_at      TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Create stores a new account and stamps its timestamps. An id or
// unique id that is already stored yields ErrDuplicate.
func (s *Store) Create(a *Account) error {
	if err := a.Validate(); err != nil {
		return err
	}
	if a.Title == "" {
		a.Title = DefaultTitle
	}
	now := s.now().UTC().Truncate(time.Second)
	a.CreatedAt, a.UpdatedAt = now, now

	_, err := s.db.Exec(
		`INSERT INTO accounts (id, title, token, office_site_id, remote_site_id,
		 location_source, office_accuracy, unique_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Title, a.Token, a.OfficeSiteID, a.RemoteSiteID,
		a.LocationSource, a.OfficeAccuracy, nullString(a.UniqueID),
		formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
	)
	if isConstraint(err) {
		return fmt.Errorf("create %s: %w", a.ID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("create %s: %w", a.ID, err)
	}
	return nil
}

// Get returns the account with the given id, or ErrNotFound.
func (s *Store) Get(id string) (Account, error) {
	row := s.db.QueryRow(`SELECT `+columns+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Account{}, fmt.Errorf("get %s: %w", id, err)
	}
	return a, nil
}

// List returns every stored account ordered by id.
func (s *Store) List() ([]Account, error) {
	rows, err := s.db.Query(`SELECT ` + columns + ` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Update rewrites the reconfigurable fields of an account: title, site
// ids, location source and office accuracy. Identity and token are
// never changed here.
func (s *Store) Update(a *Account) error {
	if a.OfficeAccuracy < 0 {
		return fmt.Errorf("update %s: office accuracy must not be negative", a.ID)
	}
	a.UpdatedAt = s.now().UTC().Truncate(time.Second)

	res, err := s.db.Exec(
		`UPDATE accounts
		 SET title = ?, office_site_id = ?, remote_site_id = ?,
		     location_source = ?, office_accuracy = ?, updated_at = ?
		 WHERE id = ?`,
		a.Title, a.OfficeSiteID, a.RemoteSiteID,
		a.LocationSource, a.OfficeAccuracy, formatTime(a.UpdatedAt), a.ID,
	)
	if err != nil {
		return fmt.Errorf("update %s: %w", a.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update %s: %w", a.ID, ErrNotFound)
	}
	return nil
}

// Delete removes an account. Deleting an unknown id returns
// ErrNotFound.
func (s *Store) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delete %s: %w", id, ErrNotFound)
	}
	return nil
}

const columns = `id, title, token, office_site_id, remote_site_id,
	location_source, office_accuracy, unique_id, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(sc scanner) (Account, error) {
	var (
		a                Account
		uniqueID         sql.NullString
		created, updated string
	)
	err := sc.Scan(&a.ID, &a.Title, &a.Token, &a.OfficeSiteID, &a.RemoteSiteID,
		&a.LocationSource, &a.OfficeAccuracy, &uniqueID, &created, &updated)
	if err != nil {
		return Account{}, err
	}
	a.UniqueID = uniqueID.String
	a.CreatedAt, _ = time.Parse(time.RFC3339, created)
	a.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	return a, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isConstraint(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}
