package postgres

import (
	"dify-gateway/internal/logger"
	"dify-gateway/internal/repository/db"
	"fmt"

	"github.com/sirupsen/logrus"
)

// GetUser retrieves a user row by id.
func (p *PostgresDB) GetUser(id string) (*db.User, error) {
	var user db.User
	query := `SELECT id, balance, created_at FROM users WHERE id = $1`

	err := p.conn.QueryRow(query, id).Scan(&user.ID, &user.Balance, &user.CreatedAt)
	if err != nil {
		return nil, mapError(err)
	}

	return &user, nil
}

// CreateUser inserts a user with a starting credit balance. Existing rows
// are left untouched.
func (p *PostgresDB) CreateUser(id string, balance int) (*db.User, error) {
	query := `
	INSERT INTO users (id, balance)
	VALUES ($1, $2)
	ON CONFLICT (id) DO NOTHING
	`

	if _, err := p.conn.Exec(query, id, balance); err != nil {
		return nil, fmt.Errorf("error creating user: %w", mapError(err))
	}

	logger.Log.WithFields(logrus.Fields{"user_id": id, "balance": balance}).Info("Created user")

	return p.GetUser(id)
}

// UpdateUserBalance sets the balance of a user row.
func (p *PostgresDB) UpdateUserBalance(id string, balance int) error {
	query := `UPDATE users SET balance = $1 WHERE id = $2`

	res, err := p.conn.Exec(query, balance, id)
	if err != nil {
		return fmt.Errorf("error updating balance: %w", mapError(err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return db.ErrNotFound
	}

	return nil
}

// UserExists reports whether a user row exists.
func (p *PostgresDB) UserExists(id string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`

	if err := p.conn.QueryRow(query, id).Scan(&exists); err != nil {
		return false, mapError(err)
	}
	return exists, nil
}
