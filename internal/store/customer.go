package store

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/hallia/billing/internal/model"
)

type CustomerStore struct {
	db *sql.DB
}

func NewCustomerStore(db *sql.DB) *CustomerStore {
	return &CustomerStore{db: db}
}

func scanCustomer(scanner interface{ Scan(...any) error }) (*model.Customer, error) {
	var c model.Customer
	var deletedAt sql.NullTime
	err := scanner.Scan(&c.ID, &c.UserID, &c.Email, &c.StripeCustomerID, &deletedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if deletedAt.Valid {
		c.DeletedAt = &deletedAt.Time
	}
	return &c, nil
}

const customerCols = `id, user_id, email, stripe_customer_id, deleted_at, created_at, updated_at`

// Create inserts a user -> processor customer mapping. If a live mapping for
// the user already exists (a concurrent resolver won the race), the existing
// row is returned instead of an error.
func (s *CustomerStore) Create(userID, email, stripeCustomerID string) (*model.Customer, error) {
	result, err := s.db.Exec(
		`INSERT INTO customers (user_id, email, stripe_customer_id) VALUES (?, ?, ?)`,
		userID, email, stripeCustomerID,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			existing, readErr := s.GetByUserID(userID)
			if readErr != nil {
				return nil, fmt.Errorf("re-read customer after conflict: %w", readErr)
			}
			if existing != nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("insert customer: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(id)
}

func (s *CustomerStore) GetByID(id int64) (*model.Customer, error) {
	row := s.db.QueryRow(`SELECT `+customerCols+` FROM customers WHERE id = ?`, id)
	c, err := scanCustomer(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get customer: %w", err)
	}
	return c, nil
}

// GetByUserID returns the live (non-deleted) mapping for a user, or nil.
func (s *CustomerStore) GetByUserID(userID string) (*model.Customer, error) {
	row := s.db.QueryRow(
		`SELECT `+customerCols+` FROM customers WHERE user_id = ? AND deleted_at IS NULL`,
		userID,
	)
	c, err := scanCustomer(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get customer by user id: %w", err)
	}
	return c, nil
}

// GetByStripeCustomerID returns the live mapping for a processor customer, or nil.
func (s *CustomerStore) GetByStripeCustomerID(stripeCustomerID string) (*model.Customer, error) {
	row := s.db.QueryRow(
		`SELECT `+customerCols+` FROM customers WHERE stripe_customer_id = ? AND deleted_at IS NULL`,
		stripeCustomerID,
	)
	c, err := scanCustomer(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get customer by stripe id: %w", err)
	}
	return c, nil
}

// SoftDelete marks the user's mapping deleted. The row is kept so orphaned
// processor customers stay traceable.
func (s *CustomerStore) SoftDelete(userID string) error {
	_, err := s.db.Exec(
		`UPDATE customers SET deleted_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		 WHERE user_id = ? AND deleted_at IS NULL`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("soft delete customer: %w", err)
	}
	return nil
}
