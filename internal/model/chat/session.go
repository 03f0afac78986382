package chat

import "time"

// Session is one persisted conversation thread.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	ModelID   string    `json:"modelId"`
	Messages  []Message `json:"messages"`
}

// TitleLength caps the session title derived from the first message.
const TitleLength = 30

// TitleFrom derives a session title from the opening message.
func TitleFrom(content string) string {
	runes := []rune(content)
	if len(runes) > TitleLength {
		runes = runes[:TitleLength]
	}
	return string(runes)
}

// Workspace is everything a client keeps in its key-value storage.
type Workspace struct {
	Sessions      []Session `json:"chatHistory"`
	ActiveChatID  string    `json:"activeChatId,omitempty"`
	SelectedModel string    `json:"selectedModel"`
}

// FindSession returns the index of the session with the given id, or -1.
func (w *Workspace) FindSession(id string) int {
	for i := range w.Sessions {
		if w.Sessions[i].ID == id {
			return i
		}
	}
	return -1
}
