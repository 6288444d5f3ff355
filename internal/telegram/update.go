package telegram

// Update is an inbound Bot API update, trimmed to the fields this service
// reads. Unknown update kinds decode with both pointers nil and are ignored.
type Update struct {
	UpdateID        int64            `json:"update_id"`
	Message         *Message         `json:"message"`
	ChatJoinRequest *ChatJoinRequest `json:"chat_join_request"`
}

type Message struct {
	MessageID int64  `json:"message_id"`
	From      *User  `json:"from"`
	Chat      Chat   `json:"chat"`
	Text      string `json:"text"`
}

type User struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
}

type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

type ChatJoinRequest struct {
	Chat Chat `json:"chat"`
	From User `json:"from"`
}
