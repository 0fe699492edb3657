package models

import "encoding/json"

// User is the identity and financial profile held by the remote user service.
type User struct {
	ID               int64             `json:"id"`
	Name             string            `json:"name"`
	UserName         string            `json:"userName"`
	Email            string            `json:"email"`
	Phone            *string           `json:"phone"`
	CreatedAt        Timestamp         `json:"createdAt"`
	Birthdate        Timestamp         `json:"birthdate"`
	DocumentID       int64             `json:"documentID"`
	Password         string            `json:"password,omitempty"`
	Debt             float64           `json:"debt"`
	DebtMaturityDate Timestamp         `json:"debtMaturityDate"`
	State            bool              `json:"state"`
	PaymentHistory   []json.RawMessage `json:"paymentHistory"`
}

// Redacted returns a copy safe to hand to clients or to a language model: no password
// hash, and an empty rather than null payment history.
func (u User) Redacted() User {
	u.Password = ""
	if u.PaymentHistory == nil {
		u.PaymentHistory = []json.RawMessage{}
	}
	return u
}

// RedactAll applies Redacted to every user.
func RedactAll(users []User) []User {
	out := make([]User, 0, len(users))
	for _, u := range users {
		out = append(out, u.Redacted())
	}
	return out
}
