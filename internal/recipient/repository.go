package recipient

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
)

// Directory is the identity lookup the resolver depends on. Both lookups
// return active employees only.
type Directory interface {
	GetByIDs(ctx context.Context, ids []string) ([]*Employee, error)
	FindByCriteria(ctx context.Context, departments, roles []string) ([]*Employee, error)
}

// Repository is the PostgreSQL-backed employee directory.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const employeeColumns = `id, name, department, role, phone, active`

// GetByIDs fetches the named employees, silently skipping unknown ids.
func (r *Repository) GetByIDs(ctx context.Context, ids []string) ([]*Employee, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `
		SELECT ` + employeeColumns + `
		FROM employees
		WHERE id = ANY($1) AND active
	`
	rows, err := r.db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEmployees(rows)
}

// FindByCriteria filters the directory by department and role lists. Empty
// lists match everything for that predicate.
func (r *Repository) FindByCriteria(ctx context.Context, departments, roles []string) ([]*Employee, error) {
	query := `
		SELECT ` + employeeColumns + `
		FROM employees
		WHERE active
		  AND (cardinality($1::text[]) = 0 OR department = ANY($1))
		  AND (cardinality($2::text[]) = 0 OR role = ANY($2))
	`
	rows, err := r.db.QueryContext(ctx, query, pq.Array(departments), pq.Array(roles))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEmployees(rows)
}

func scanEmployees(rows *sql.Rows) ([]*Employee, error) {
	var employees []*Employee
	for rows.Next() {
		var e Employee
		if err := rows.Scan(&e.ID, &e.Name, &e.Department, &e.Role, &e.Phone, &e.Active); err != nil {
			return nil, err
		}
		employees = append(employees, &e)
	}
	return employees, rows.Err()
}
