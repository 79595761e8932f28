// Package textbuf holds the editable transcript and the caret the user edits it with.
package textbuf

import "sync"

// State is an immutable view of the transcript. Caret positions count runes.
type State struct {
	Text       string `json:"text"`
	CaretStart int    `json:"caret_start"`
	CaretEnd   int    `json:"caret_end"`
}

// Collapsed reports whether the caret is a single position rather than a selection.
func (s State) Collapsed() bool { return s.CaretStart == s.CaretEnd }

// Len returns the transcript length in runes.
func (s State) Len() int { return len([]rune(s.Text)) }

// Buffer is the authoritative transcript. Every operation returns the resulting State.
type Buffer struct {
	mu    sync.Mutex
	text  []rune
	start int
	end   int
}

func New() *Buffer {
	return &Buffer{}
}

// State returns the current snapshot.
func (b *Buffer) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshot()
}

// Append concatenates symbol to the end of the transcript. A caret collapsed at
// the end follows the new end; any other caret or selection stays put.
func (b *Buffer) Append(symbol string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if symbol == "" {
		return b.snapshot()
	}
	atEnd := b.start == b.end && b.end == len(b.text)
	b.text = append(b.text, []rune(symbol)...)
	if atEnd {
		b.start = len(b.text)
		b.end = b.start
	}
	return b.snapshot()
}

// DeleteAtCaret removes the selection, or the rune before a collapsed caret.
// A collapsed caret at position 0 is left alone.
func (b *Buffer) DeleteAtCaret() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.start != b.end {
		b.removeRange(b.start, b.end)
		return b.snapshot()
	}
	if b.start == 0 {
		return b.snapshot()
	}
	b.removeRange(b.start-1, b.start)
	return b.snapshot()
}

// DeleteSelection removes a non-collapsed selection and is a no-op otherwise.
func (b *Buffer) DeleteSelection() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.start != b.end {
		b.removeRange(b.start, b.end)
	}
	return b.snapshot()
}

// InsertSpace types a single space at the caret.
func (b *Buffer) InsertSpace() State {
	return b.Insert(" ")
}

// Insert replaces the selection (or inserts at the caret) with s and leaves
// the caret collapsed after the inserted text.
func (b *Buffer) Insert(s string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	ins := []rune(s)
	out := make([]rune, 0, len(b.text)-(b.end-b.start)+len(ins))
	out = append(out, b.text[:b.start]...)
	out = append(out, ins...)
	out = append(out, b.text[b.end:]...)
	b.text = out
	b.start += len(ins)
	b.end = b.start
	return b.snapshot()
}

// Clear empties the transcript.
func (b *Buffer) Clear() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.text = nil
	b.start, b.end = 0, 0
	return b.snapshot()
}

// SetText overwrites the transcript with text typed directly by the user.
// Caret positions are clamped into range and reordered if reversed.
func (b *Buffer) SetText(text string, caretStart, caretEnd int) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.text = []rune(text)
	b.start, b.end = clampRange(caretStart, caretEnd, len(b.text))
	return b.snapshot()
}

// Select moves the caret or selection without touching the text.
func (b *Buffer) Select(caretStart, caretEnd int) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.start, b.end = clampRange(caretStart, caretEnd, len(b.text))
	return b.snapshot()
}

func (b *Buffer) removeRange(from, to int) {
	b.text = append(b.text[:from:from], b.text[to:]...)
	b.start = from
	b.end = from
}

func (b *Buffer) snapshot() State {
	return State{Text: string(b.text), CaretStart: b.start, CaretEnd: b.end}
}

func clampRange(start, end, length int) (int, int) {
	start = clamp(start, length)
	end = clamp(end, length)
	if start > end {
		start, end = end, start
	}
	return start, end
}

func clamp(v, length int) int {
	if v < 0 {
		return 0
	}
	if v > length {
		return length
	}
	return v
}
