package voice

import "sync"

// TurnHistory accumulates finalized conversation turns for the current
// session. Purely in-memory; persistence belongs to the caller.
type TurnHistory struct {
	mu    sync.Mutex
	turns []TurnEnd
}

func NewTurnHistory() *TurnHistory {
	return &TurnHistory{}
}

func (h *TurnHistory) Add(turn TurnEnd) {
	h.mu.Lock()
	h.turns = append(h.turns, turn)
	h.mu.Unlock()
}

// Turns returns a copy of the recorded turns.
func (h *TurnHistory) Turns() []TurnEnd {
	h.mu.Lock()
	defer h.mu.Unlock()
	turns := make([]TurnEnd, len(h.turns))
	copy(turns, h.turns)
	return turns
}

func (h *TurnHistory) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.turns)
}

func (h *TurnHistory) Clear() {
	h.mu.Lock()
	h.turns = nil
	h.mu.Unlock()
}

// LastUserTranscript returns the user transcript of the most recent turn.
func (h *TurnHistory) LastUserTranscript() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.turns) == 0 {
		return ""
	}
	return h.turns[len(h.turns)-1].UserTranscript
}

// LastAssistantTranscript returns the assistant transcript of the most
// recent turn.
func (h *TurnHistory) LastAssistantTranscript() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.turns) == 0 {
		return ""
	}
	return h.turns[len(h.turns)-1].AssistantTranscript
}
