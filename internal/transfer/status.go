package transfer

import (
	"sync"
	"time"
)

// Message is the status line currently shown to the user.
type Message struct {
	Text    string
	IsError bool
	Seq     uint64
}

// Board holds one transient status line. Every post replaces the previous
// line and cancels its pending auto-dismiss.
type Board struct {
	dismiss    time.Duration
	errDismiss time.Duration
	onChange   func(Message, bool)

	afterFunc func(d time.Duration, f func()) (stop func() bool)

	// held across onChange so lines reach it in post order
	deliver sync.Mutex

	mu      sync.Mutex
	current Message
	visible bool
	seq     uint64
	stop    func() bool
}

// NewBoard builds a Board. onChange, if set, is called with the new line and
// whether it is visible. Calls are serialized in post order; onChange must not
// post to the board.
func NewBoard(dismiss, errDismiss time.Duration, onChange func(Message, bool)) *Board {
	if dismiss <= 0 {
		dismiss = 5 * time.Second
	}
	if errDismiss <= 0 {
		errDismiss = 10 * time.Second
	}
	return &Board{
		dismiss:    dismiss,
		errDismiss: errDismiss,
		onChange:   onChange,
		afterFunc: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
	}
}

// Post shows text and schedules its dismissal.
func (b *Board) Post(text string, isError bool) Message {
	b.deliver.Lock()
	defer b.deliver.Unlock()

	b.mu.Lock()
	if b.stop != nil {
		b.stop()
		b.stop = nil
	}
	b.seq++
	msg := Message{Text: text, IsError: isError, Seq: b.seq}
	b.current = msg
	b.visible = true
	wait := b.dismiss
	if isError {
		wait = b.errDismiss
	}
	seq := b.seq
	b.stop = b.afterFunc(wait, func() { b.expire(seq) })
	b.mu.Unlock()

	b.notify(msg, true)
	return msg
}

// PostStatus posts a job status.
func (b *Board) PostStatus(st Status) Message {
	return b.Post(st.Message, st.IsError)
}

func (b *Board) expire(seq uint64) {
	b.deliver.Lock()
	defer b.deliver.Unlock()

	b.mu.Lock()
	if seq != b.seq || !b.visible {
		b.mu.Unlock()
		return
	}
	b.visible = false
	b.stop = nil
	msg := b.current
	b.mu.Unlock()

	b.notify(msg, false)
}

// Current returns the visible line, if any.
func (b *Board) Current() (Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current, b.visible
}

// Close cancels any pending dismissal.
func (b *Board) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stop != nil {
		b.stop()
		b.stop = nil
	}
}

func (b *Board) notify(msg Message, visible bool) {
	if b.onChange != nil {
		b.onChange(msg, visible)
	}
}
