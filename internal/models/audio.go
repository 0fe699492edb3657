package models

// Audio is a synthesized clip stored on local disk.
type Audio struct {
	ID        int64     `json:"id"`
	CreatedAt Timestamp `json:"createdAt"`
	UserID    int64     `json:"userId"`
	Message   string    `json:"message"`
	AudioPath string    `json:"audioPath"`
}
