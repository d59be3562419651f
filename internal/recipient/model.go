package recipient

// Employee is the slice of the HR directory this service needs: identity
// plus the contact handle messages go out to.
type Employee struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Department string `json:"department"`
	Role       string `json:"role"`
	Phone      string `json:"phone"`
	Active     bool   `json:"active"`
}
