package broker

import (
	"sort"

	"github.com/segmentio/kafka-go"
)

// offsetTracker orders acknowledgements per partition. A commit never moves
// past a fetched message that has not been acknowledged yet.
type offsetTracker struct {
	partitions map[int]*partitionOffsets
}

type partitionOffsets struct {
	pending []int64
	done    map[int64]kafka.Message
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{partitions: make(map[int]*partitionOffsets)}
}

func (t *offsetTracker) track(msg kafka.Message) {
	p := t.partitions[msg.Partition]
	if p == nil {
		p = &partitionOffsets{done: make(map[int64]kafka.Message)}
		t.partitions[msg.Partition] = p
	}

	i := sort.Search(len(p.pending), func(i int) bool { return p.pending[i] >= msg.Offset })
	if i < len(p.pending) && p.pending[i] == msg.Offset {
		return
	}
	p.pending = append(p.pending, 0)
	copy(p.pending[i+1:], p.pending[i:])
	p.pending[i] = msg.Offset
}

// complete marks msg processed and returns the newest message whose offset,
// and every offset before it, has now been processed.
func (t *offsetTracker) complete(msg kafka.Message) (kafka.Message, bool) {
	p := t.partitions[msg.Partition]
	if p == nil {
		return kafka.Message{}, false
	}
	p.done[msg.Offset] = msg

	var last kafka.Message
	advanced := false
	for len(p.pending) > 0 {
		next, ok := p.done[p.pending[0]]
		if !ok {
			break
		}
		delete(p.done, p.pending[0])
		p.pending = p.pending[1:]
		last, advanced = next, true
	}
	return last, advanced
}

// inFlight returns the number of tracked messages not yet committable
func (t *offsetTracker) inFlight() int {
	n := 0
	for _, p := range t.partitions {
		n += len(p.pending)
	}
	return n
}
