package identity

import (
	"strings"
	"time"
	"unicode"

	"github.com/ehr/intake/internal/platform/auth"
)

// Person is a row of the user directory: patients and staff alike.
type Person struct {
	ID         int64      `db:"id" json:"id"`
	NationalID string     `db:"national_id" json:"national_id"`
	Name       string     `db:"name" json:"name"`
	Email      *string    `db:"email" json:"email,omitempty"`
	Sex        *string    `db:"sex" json:"sex,omitempty"`
	BirthDate  *time.Time `db:"birth_date" json:"birth_date,omitempty"`
	Role       auth.Role  `db:"role" json:"role"`
	Active     bool       `db:"active" json:"active"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
}

// AgeAt returns the age in whole years at t, or nil without a birth date.
func (p *Person) AgeAt(t time.Time) *int {
	if p.BirthDate == nil {
		return nil
	}
	b := p.BirthDate.UTC()
	t = t.UTC()
	age := t.Year() - b.Year()
	if t.Month() < b.Month() || (t.Month() == b.Month() && t.Day() < b.Day()) {
		age--
	}
	if age < 0 {
		age = 0
	}
	return &age
}

// NormalizeNationalID strips the punctuation of formatted ids such as
// "123.456.789-09".
func NormalizeNationalID(raw string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, raw)
}
