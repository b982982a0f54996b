package tracefile

import (
	"container/heap"
	"errors"
	"io"

	"github.com/roffe/canbus"
)

type mergeItem struct {
	frame *canbus.Frame
	src   int
}

type mergeHeap []mergeItem

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	if h[i].frame.Timestamp != h[j].frame.Timestamp {
		return h[i].frame.Timestamp < h[j].frame.Timestamp
	}
	return h[i].src < h[j].src
}
func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)   { *h = append(*h, x.(mergeItem)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// MergeReader interleaves several readers by timestamp. Frames with equal
// timestamps come in reader order, and each reader keeps its own order.
type MergeReader struct {
	readers []Reader
	heap    mergeHeap
	refill  []int
}

// Merge returns a reader yielding the frames of all readers in
// chronological order. Closing it closes every reader.
func Merge(readers ...Reader) *MergeReader {
	m := &MergeReader{readers: readers}
	for i := range readers {
		m.refill = append(m.refill, i)
	}
	return m
}

func (m *MergeReader) Next() (*canbus.Frame, error) {
	for len(m.refill) > 0 {
		src := m.refill[0]
		f, err := m.readers[src].Next()
		switch {
		case errors.Is(err, io.EOF):
			m.refill = m.refill[1:]
		case IsDecodeError(err):
			// the reader may continue; try it again next call
			return nil, err
		case err != nil:
			m.refill = m.refill[1:]
			return nil, err
		default:
			m.refill = m.refill[1:]
			heap.Push(&m.heap, mergeItem{frame: f, src: src})
		}
	}
	if m.heap.Len() == 0 {
		return nil, io.EOF
	}
	it := heap.Pop(&m.heap).(mergeItem)
	m.refill = append(m.refill, it.src)
	return it.frame, nil
}

func (m *MergeReader) Close() error {
	var errs []error
	for _, r := range m.readers {
		errs = append(errs, r.Close())
	}
	return errors.Join(errs...)
}
