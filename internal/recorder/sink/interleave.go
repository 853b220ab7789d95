package sink

import "github.com/babelcloud/gbox/packages/recorder/internal/recorder/core"

// interleaver releases samples of several streams in global timestamp
// order. A sample is released only once every stream has something queued,
// so nothing older can still arrive.
type interleaver struct {
	order  []core.StreamID
	queues map[core.StreamID][]core.Sample
}

func newInterleaver(streams []core.StreamID) *interleaver {
	q := make(map[core.StreamID][]core.Sample, len(streams))
	for _, id := range streams {
		q[id] = nil
	}
	return &interleaver{order: streams, queues: q}
}

func (il *interleaver) push(s core.Sample) {
	il.queues[s.Stream] = append(il.queues[s.Stream], s)
}

// pop returns the oldest sample if it is safe to release. With drain set
// it releases regardless of empty queues.
func (il *interleaver) pop(drain bool) (core.Sample, bool) {
	var best core.StreamID
	found := false
	for _, id := range il.order {
		q := il.queues[id]
		if len(q) == 0 {
			if !drain {
				return core.Sample{}, false
			}
			continue
		}
		if !found || q[0].Timestamp < il.queues[best][0].Timestamp {
			best = id
			found = true
		}
	}
	if !found {
		return core.Sample{}, false
	}
	s := il.queues[best][0]
	il.queues[best] = il.queues[best][1:]
	return s, true
}
