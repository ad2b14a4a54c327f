package movement

import "github.com/teslashibe/reachy-companion/pkg/conversation"

// Notifier turns conversation state changes into gestures. A new state
// supersedes gestures still queued for the previous one.
type Notifier struct {
	m *Manager
}

// NewNotifier returns a conversation.Notifier driving m.
func NewNotifier(m *Manager) *Notifier {
	return &Notifier{m: m}
}

// EmotionFor maps a conversation tag to an emotion.
func EmotionFor(tag string) (Emotion, bool) {
	switch tag {
	case conversation.TagListening:
		return Curious, true
	case conversation.TagSpeaking:
		return Happy, true
	case conversation.TagIdle:
		return Neutral, true
	}
	return "", false
}

// Notify implements conversation.Notifier.
func (n *Notifier) Notify(tag string) {
	e, ok := EmotionFor(tag)
	if !ok {
		return
	}
	n.m.Clear()
	n.m.InterruptCurrent()
	if err := n.m.Express(e, Normal); err != nil {
		n.m.logger.Debug("gesture not queued", "tag", tag, "error", err)
	}
}

var _ conversation.Notifier = (*Notifier)(nil)
