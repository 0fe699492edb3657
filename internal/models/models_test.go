package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestUserDecodesServiceFormats(t *testing.T) {
	payload := `{
		"id": 59,
		"createdAt": "2024-01-01T00:00:00Z",
		"name": "James Smith",
		"userName": "jsmith",
		"birthdate": "1990-01-01",
		"documentID": 10371973,
		"email": "james@example.com",
		"phone": null,
		"password": "$2b$12$hash",
		"debt": 1000.8,
		"debtMaturityDate": "2027-01-01T00:00:00",
		"state": true,
		"paymentHistory": [{"amount": 10}]
	}`
	var u User
	if err := json.Unmarshal([]byte(payload), &u); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if u.ID != 59 || u.UserName != "jsmith" || u.Phone != nil {
		t.Fatalf("unexpected user %+v", u)
	}
	if !u.Birthdate.Equal(time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("birthdate mismatch: %v", u.Birthdate)
	}
	if u.DebtMaturityDate.Year() != 2027 {
		t.Fatalf("maturity date mismatch: %v", u.DebtMaturityDate)
	}
	if len(u.PaymentHistory) != 1 {
		t.Fatalf("payment history lost")
	}
}

func TestRedactedDropsPassword(t *testing.T) {
	u := User{ID: 1, Password: "$2b$12$hash"}
	data, err := json.Marshal(u.Redacted())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if strings.Contains(string(data), "password") {
		t.Fatalf("password leaked: %s", data)
	}
	if !strings.Contains(string(data), `"paymentHistory":[]`) {
		t.Fatalf("expected empty payment history: %s", data)
	}
	if u.Password == "" {
		t.Fatalf("Redacted must not mutate the receiver")
	}
}

func TestTimestampRejectsGarbage(t *testing.T) {
	var ts Timestamp
	if err := json.Unmarshal([]byte(`"yesterday"`), &ts); err == nil {
		t.Fatalf("expected parse error")
	}
	if err := json.Unmarshal([]byte(`null`), &ts); err != nil || !ts.IsZero() {
		t.Fatalf("null should decode to zero, err=%v", err)
	}
}
