package sipua

import (
	"container/heap"
	"sync"
)

const (
	// jitterDepth кадров накапливается перед началом выдачи
	jitterDepth = 2
	// jitterCapacity предел очереди, при переполнении отбрасывается самый старый кадр
	jitterCapacity = 10
)

// jitterStats счетчики потерь входящего потока
type jitterStats struct {
	lost    uint64
	late    uint64
	dropped uint64
}

type jitterFrame struct {
	seq     uint16
	samples []int16
}

// frameHeap min-heap по sequence number с учетом переполнения
type frameHeap []jitterFrame

func (h frameHeap) Len() int           { return len(h) }
func (h frameHeap) Less(i, j int) bool { return isSeqNewer(h[j].seq, h[i].seq) }
func (h frameHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *frameHeap) Push(x any)        { *h = append(*h, x.(jitterFrame)) }
func (h *frameHeap) Pop() any {
	old := *h
	n := len(old)
	f := old[n-1]
	old[n-1] = jitterFrame{}
	*h = old[:n-1]
	return f
}

// jitterBuffer упорядочивает принятые кадры и отдает их мосту с
// задержкой jitterDepth кадров. После опустошения снова накапливает.
type jitterBuffer struct {
	mu      sync.Mutex
	depth   int
	max     int
	frames  frameHeap
	playing bool
	next    uint16
	stats   jitterStats
}

func newJitterBuffer(depth, max int) *jitterBuffer {
	if depth < 1 {
		depth = 1
	}
	if max < depth {
		max = depth
	}
	return &jitterBuffer{depth: depth, max: max}
}

func (j *jitterBuffer) put(seq uint16, samples []int16) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.playing && isSeqNewer(j.next, seq) {
		j.stats.late++
		return
	}
	for _, f := range j.frames {
		if f.seq == seq {
			return
		}
	}
	if len(j.frames) >= j.max {
		heap.Pop(&j.frames)
		j.stats.dropped++
	}
	heap.Push(&j.frames, jitterFrame{seq: seq, samples: samples})
}

// pop копирует очередной кадр в dst. false - кадра нет.
func (j *jitterBuffer) pop(dst []int16) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.playing {
		if len(j.frames) < j.depth {
			return false
		}
		j.playing = true
		j.next = j.frames[0].seq
	}
	for len(j.frames) > 0 {
		f := heap.Pop(&j.frames).(jitterFrame)
		if isSeqNewer(j.next, f.seq) {
			j.stats.late++
			continue
		}
		j.stats.lost += uint64(seqDiff(f.seq, j.next))
		j.next = f.seq + 1
		n := copy(dst, f.samples)
		clear(dst[n:])
		return true
	}
	j.playing = false
	return false
}

func (j *jitterBuffer) snapshot() jitterStats {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stats
}

// isSeqNewer seq1 новее seq2 с учетом переполнения 16 бит
func isSeqNewer(seq1, seq2 uint16) bool {
	return seq1 != seq2 && int16(seq1-seq2) > 0
}

// seqDiff расстояние от older до newer
func seqDiff(newer, older uint16) uint16 {
	return newer - older
}
