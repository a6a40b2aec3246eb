package transcript

// Store abstracts chat/message persistence (SQLite in production, fakes in
// tests). Messages within a chat keep insertion order.
type Store interface {
	CreateChat(c *Chat) error
	ListChats() ([]Chat, error)
	GetChat(id string) (*Chat, error)
	// TouchChat refreshes the chat's updated-at stamp (so chat lists can
	// reorder) and sets the title when one is given.
	TouchChat(id, title string) error
	DeleteChat(id string) error

	AppendMessage(chatID string, m *Message) error
	Messages(chatID string) ([]Message, error)
	// DeleteMessagesAfter removes every message that was appended after
	// messageID within the chat. Used when regenerating a reply.
	DeleteMessagesAfter(chatID, messageID string) error

	Close() error
}
