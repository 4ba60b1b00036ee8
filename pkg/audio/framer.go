package audio

// FrameBuffer accumulates raw PCM bytes and slices them into fixed-size
// frames. Bytes that do not yet fill a whole frame are retained until the
// next Append or until Flush is called.
//
// Invariant: the concatenation of every frame returned by Append, followed by
// the remainder, equals the concatenation of every input passed to Append.
//
// A FrameBuffer is not safe for concurrent use; it is owned by exactly one
// session mutator.
type FrameBuffer struct {
	frameSize int
	pending   []byte
}

// NewFrameBuffer returns a FrameBuffer that emits frames of frameSize bytes.
// It panics if frameSize is not positive.
func NewFrameBuffer(frameSize int) *FrameBuffer {
	if frameSize <= 0 {
		panic("audio: frame size must be positive")
	}
	return &FrameBuffer{
		frameSize: frameSize,
		pending:   make([]byte, 0, frameSize),
	}
}

// FrameSize returns the configured frame size in bytes.
func (b *FrameBuffer) FrameSize() int { return b.frameSize }

// Len returns the number of retained bytes, always less than FrameSize.
func (b *FrameBuffer) Len() int { return len(b.pending) }

// Append adds p to the buffer and returns every complete frame now available,
// in arrival order. Each returned frame is a fresh slice the caller may keep.
// An empty p returns nil.
func (b *FrameBuffer) Append(p []byte) [][]byte {
	if len(p) == 0 {
		return nil
	}

	var frames [][]byte

	// Top up the retained remainder first so byte order is preserved.
	if len(b.pending) > 0 {
		need := b.frameSize - len(b.pending)
		if len(p) < need {
			b.pending = append(b.pending, p...)
			return nil
		}
		frame := make([]byte, b.frameSize)
		copy(frame, b.pending)
		copy(frame[len(b.pending):], p[:need])
		frames = append(frames, frame)
		b.pending = b.pending[:0]
		p = p[need:]
	}

	for len(p) >= b.frameSize {
		frame := make([]byte, b.frameSize)
		copy(frame, p[:b.frameSize])
		frames = append(frames, frame)
		p = p[b.frameSize:]
	}

	b.pending = append(b.pending, p...)
	return frames
}

// Remainder returns a copy of the retained bytes without consuming them.
func (b *FrameBuffer) Remainder() []byte {
	if len(b.pending) == 0 {
		return nil
	}
	out := make([]byte, len(b.pending))
	copy(out, b.pending)
	return out
}

// Flush returns the retained bytes as a final partial frame and empties the
// buffer. It returns nil when nothing is retained.
func (b *FrameBuffer) Flush() []byte {
	out := b.Remainder()
	b.pending = b.pending[:0]
	return out
}
