package recipient

import (
	"context"

	"github.com/peopleops/pulse/internal/schedule"
)

// Resolver expands a schedule's target selector into concrete recipients.
type Resolver struct {
	dir Directory
}

func NewResolver(dir Directory) *Resolver {
	return &Resolver{dir: dir}
}

// Resolve returns the active employees the selector names that have a
// contact address. Employees without a phone number are excluded, not an
// error: nobody can message them.
func (r *Resolver) Resolve(ctx context.Context, sel schedule.TargetSelector) ([]*Employee, error) {
	var (
		employees []*Employee
		err       error
	)
	if len(sel.EmployeeIDs) > 0 {
		employees, err = r.dir.GetByIDs(ctx, sel.EmployeeIDs)
	} else {
		employees, err = r.dir.FindByCriteria(ctx, sel.Departments, sel.Roles)
	}
	if err != nil {
		return nil, err
	}

	reachable := employees[:0]
	for _, e := range employees {
		if e.Phone != "" {
			reachable = append(reachable, e)
		}
	}
	return reachable, nil
}
