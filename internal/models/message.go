package models

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a text utterance from a user.
type Message struct {
	ID        int64     `json:"id"`
	CreatedAt Timestamp `json:"createdAt"`
	UserID    int64     `json:"userId"`
	Message   string    `json:"message"`
}

// MessageBot is the chat bot's reply to a Message.
type MessageBot struct {
	ID        int64     `json:"id"`
	CreatedAt Timestamp `json:"createdAt"`
	UserID    int64     `json:"userId"`
	Response  string    `json:"response"`
}

// ChatTurn is one persisted line of a user's conversation with the bot.
type ChatTurn struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"userId"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt Timestamp `json:"createdAt"`
}
