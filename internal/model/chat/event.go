package chat

// Event types pushed over the viewer channel.
const (
	EventClear     = "clear"
	EventFull      = "full"
	EventStream    = "stream"
	EventStreamEnd = "stream_end"
)

// Event 推送给观众的线上事件，五种载荷共用一个结构，omitempty 保证各自的
// 序列化形状互不掺杂。事件只是瞬时信号，从不落盘。
type Event struct {
	Type    string `json:"type,omitempty"`
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
	Chunk   string `json:"chunk,omitempty"`
}

// Clear tells every viewer to wipe its local display.
func Clear() Event {
	return Event{Type: EventClear}
}

// UserEcho carries a freshly submitted user message to all viewers.
func UserEcho(content string) Event {
	return Event{Role: RoleUser, Content: content}
}

// FullMessage replays one stored message to a newly connected viewer.
func FullMessage(role, content string) Event {
	if role == "" {
		role = RoleUser
	}
	return Event{Type: EventFull, Role: role, Content: content}
}

// StreamChunk carries one incremental fragment of an in-flight response.
func StreamChunk(chunk string) Event {
	return Event{Type: EventStream, Role: RoleAssistant, Chunk: chunk}
}

// StreamEnd signals that the current response is complete.
func StreamEnd() Event {
	return Event{Type: EventStreamEnd}
}
