package accounts

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/akrivos/helmsman/internal/domain"
)

// Repository handles account database operations.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new account repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "accounts").Logger(),
	}
}

// Create inserts a new account and returns it with the assigned ID. The
// returned value is a plain struct, safe to use without further loads.
func (r *Repository) Create(account Account) (Account, error) {
	if account.Provider == "" || account.Name == "" {
		return Account{}, domain.ValidationErrorf("account requires provider and name")
	}

	now := time.Now()
	res, err := r.db.Exec(`
		INSERT INTO accounts (provider, name, description, created_at)
		VALUES (?, ?, ?, ?)
	`, account.Provider, account.Name, account.Description, now.Unix())
	if err != nil {
		return Account{}, fmt.Errorf("failed to create account: %w", err)
	}

	account.ID, _ = res.LastInsertId()
	account.CreatedAt = now

	r.log.Info().Int64("account_id", account.ID).Str("provider", account.Provider).Msg("Account created")
	return account, nil
}

// Get retrieves an account by ID.
func (r *Repository) Get(id int64) (*Account, error) {
	row := r.db.QueryRow(`
		SELECT id, provider, name, description, created_at
		FROM accounts WHERE id = ?
	`, id)

	account, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFoundErrorf("account %d", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &account, nil
}

// List retrieves all accounts.
func (r *Repository) List() ([]Account, error) {
	rows, err := r.db.Query(`
		SELECT id, provider, name, description, created_at
		FROM accounts ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		var a Account
		var description sql.NullString
		var createdAt int64
		if err := rows.Scan(&a.ID, &a.Provider, &a.Name, &description, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		a.Description = description.String
		a.CreatedAt = time.Unix(createdAt, 0).UTC()
		accounts = append(accounts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}
	return accounts, nil
}

// Delete removes an account.
func (r *Repository) Delete(id int64) error {
	_, err := r.db.Exec("DELETE FROM accounts WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	return nil
}

func scanAccount(row *sql.Row) (Account, error) {
	var a Account
	var description sql.NullString
	var createdAt int64

	err := row.Scan(&a.ID, &a.Provider, &a.Name, &description, &createdAt)
	if err != nil {
		return a, err
	}
	a.Description = description.String
	a.CreatedAt = time.Unix(createdAt, 0).UTC()
	return a, nil
}
