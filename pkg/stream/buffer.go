package stream

// Buffer is the ordered record of encoded chunk frames for the step in
// flight. It is not safe for concurrent use; Broadcaster guards it.
type Buffer struct {
	frames [][]byte
	size   int
}

// Append adds a frame at the end.
func (b *Buffer) Append(frame []byte) {
	b.frames = append(b.frames, frame)
	b.size += len(frame)
}

// Snapshot returns the frames in order. Frames are never mutated after
// Append, so the returned slice can be read without further locking.
func (b *Buffer) Snapshot() [][]byte {
	out := make([][]byte, len(b.frames))
	copy(out, b.frames)
	return out
}

// Reset drops every frame.
func (b *Buffer) Reset() {
	b.frames = nil
	b.size = 0
}

// Len returns the number of frames.
func (b *Buffer) Len() int {
	return len(b.frames)
}

// Size returns the total encoded size in bytes.
func (b *Buffer) Size() int {
	return b.size
}
