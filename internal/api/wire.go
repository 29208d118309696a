package api

import "time"

// GenerationsResponse is the quota endpoint payload.
type GenerationsResponse struct {
	GenerationsLeft int `json:"generations_left"`
}

// TitleRequest asks the backend to derive a title from the opening exchange.
type TitleRequest struct {
	ChatID      string `json:"chat_id"`
	UserMessage string `json:"user_message"`
	AIMessage   string `json:"ai_message"`
}

// TitleResponse carries the generated title.
type TitleResponse struct {
	ChatID string `json:"chat_id"`
	Title  string `json:"title"`
}

// ChatSummary is one conversation in the paginated history listing.
type ChatSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HistoryPage is one page of the chat history listing.
type HistoryPage struct {
	Chats      []ChatSummary `json:"chats"`
	Page       int           `json:"page"`
	TotalPages int           `json:"total_pages"`
}

// TurnRecord is one persisted turn of a conversation.
type TurnRecord struct {
	UserMessage    string    `json:"user_message"`
	AIMessage      string    `json:"ai_message"`
	Model          string    `json:"model"`
	IsRegeneration bool      `json:"is_regeneration"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ChatResponse is a full conversation with its turn log.
type ChatResponse struct {
	ID    string       `json:"id"`
	Title string       `json:"title"`
	Turns []TurnRecord `json:"turns"`
}

// ErrorResponse is the backend error payload.
type ErrorResponse struct {
	Detail string `json:"detail"`
}
