package propagation

// history is a fixed-capacity window of probability rasters, oldest first.
// A raster from another source or with a different shape from the ones
// already held resets the window; such frames cannot be forecast together.
type history struct {
	capacity int
	source   string
	rows     int
	cols     int
	frames   [][]float32
}

func newHistory(capacity int) *history {
	if capacity < 1 {
		capacity = 1
	}
	return &history{capacity: capacity}
}

func (h *history) push(source string, rows, cols int, frame []float32) {
	if source != h.source || rows != h.rows || cols != h.cols {
		h.frames = h.frames[:0]
		h.source, h.rows, h.cols = source, rows, cols
	}
	if len(h.frames) == h.capacity {
		copy(h.frames, h.frames[1:])
		h.frames = h.frames[:h.capacity-1]
	}
	h.frames = append(h.frames, frame)
}

func (h *history) full() bool {
	return len(h.frames) == h.capacity
}

func (h *history) len() int {
	return len(h.frames)
}

func (h *history) reset() {
	h.frames = h.frames[:0]
}

// window returns a copy of the held frames; the rasters themselves are shared
// and never mutated after push
func (h *history) window() Window {
	frames := make([][]float32, len(h.frames))
	copy(frames, h.frames)
	return Window{Rows: h.rows, Cols: h.cols, Frames: frames}
}
