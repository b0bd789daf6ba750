package conductor

import "time"

// EventKind names a controller event.
type EventKind string

const (
	EventPlayStart   EventKind = "play_start"
	EventPlayStop    EventKind = "play_stop"
	EventBPMChange   EventKind = "bpm_change"
	EventSceneChange EventKind = "scene_change"
)

// Event is published after a command changes state.
type Event struct {
	Kind   EventKind `json:"kind"`
	BPM    float64   `json:"bpm,omitempty"`
	OldBPM float64   `json:"old_bpm,omitempty"`
	Scene  string    `json:"scene,omitempty"`
	Beat   float64   `json:"beat,omitempty"`
	At     time.Time `json:"at"`
}

const subscriberBuffer = 16

// Subscribe returns a channel of events and a cancel func. A subscriber
// that falls behind misses events rather than blocking commands.
func (c *Controller) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	c.subMu.Lock()
	c.subs[ch] = struct{}{}
	c.subMu.Unlock()

	var once bool
	return ch, func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if once {
			return
		}
		once = true
		delete(c.subs, ch)
		close(ch)
	}
}

func (c *Controller) publish(ev Event) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for ch := range c.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
