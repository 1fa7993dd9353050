package notify

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// WriterRenderer prints banners as text blocks, for terminals and logs.
type WriterRenderer struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriterRenderer(w io.Writer) *WriterRenderer {
	return &WriterRenderer{w: w}
}

func (r *WriterRenderer) Show(b Banner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.w, "\n=== %s ===\n", b.Title)
	fmt.Fprintf(r.w, "Time: %s\n", b.At.Format(time.RFC3339))
	fmt.Fprintf(r.w, "Notice: %s (%s)\n", b.OrderID, b.Status)
	fmt.Fprintf(r.w, "%s\n", b.Body)
	fmt.Fprintf(r.w, "==================\n\n")
}

func (r *WriterRenderer) Hide(orderID string) {}
