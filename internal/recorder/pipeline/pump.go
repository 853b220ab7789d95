package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/core"
	"github.com/babelcloud/gbox/packages/recorder/internal/util"
)

// Sampler is the pull side of a session.
type Sampler interface {
	Streams() []core.StreamID
	Next(ctx context.Context, id core.StreamID) (core.Sample, error)
}

type subscriber struct {
	ch       chan core.Sample
	lossless bool

	gone     chan struct{}
	goneOnce sync.Once
	sendMu   sync.Mutex
	closed   bool
}

func (s *subscriber) close() {
	s.goneOnce.Do(func() { close(s.gone) })
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Pump drives serial pulls for every stream of a sampler and fans the
// samples out to subscribers.
type Pump struct {
	src    Sampler
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[string]*subscriber
	done bool

	statsMu   sync.Mutex
	published map[core.StreamID]int64
	dropped   int64
}

// NewPump creates a pump over src.
func NewPump(src Sampler) *Pump {
	return &Pump{
		src:       src,
		logger:    util.GetLogger().With("component", "pump"),
		subs:      make(map[string]*subscriber),
		published: make(map[core.StreamID]int64),
	}
}

// Subscribe adds a live subscriber. Samples are dropped for it while its
// channel is full.
func (p *Pump) Subscribe(id string, bufferSize int) <-chan core.Sample {
	return p.subscribe(id, bufferSize, false)
}

// SubscribeLossless adds a subscriber that receives every sample. A slow
// lossless subscriber applies backpressure to the pulls.
func (p *Pump) SubscribeLossless(id string, bufferSize int) <-chan core.Sample {
	return p.subscribe(id, bufferSize, true)
}

func (p *Pump) subscribe(id string, bufferSize int, lossless bool) <-chan core.Sample {
	sub := &subscriber{
		ch:       make(chan core.Sample, bufferSize),
		lossless: lossless,
		gone:     make(chan struct{}),
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.done {
		sub.close()
		return sub.ch
	}
	if old, ok := p.subs[id]; ok {
		go old.close()
	}
	p.subs[id] = sub
	p.logger.Debug("Subscriber added", "id", id, "lossless", lossless, "total", len(p.subs))
	return sub.ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (p *Pump) Unsubscribe(id string) {
	p.mu.Lock()
	sub, ok := p.subs[id]
	if ok {
		delete(p.subs, id)
	}
	total := len(p.subs)
	p.mu.Unlock()

	if ok {
		sub.close()
		p.logger.Info("Subscriber removed", "id", id, "total", total)
	}
}

// Published returns how many samples of each stream have been published.
func (p *Pump) Published() map[core.StreamID]int64 {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	out := make(map[core.StreamID]int64, len(p.published))
	for id, n := range p.published {
		out[id] = n
	}
	return out
}

// Dropped returns how many deliveries to live subscribers were skipped.
func (p *Pump) Dropped() int64 {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.dropped
}

// Run pulls every stream until end of stream or ctx cancellation, then
// closes all subscriber channels. It returns the first fault reported by
// the sampler.
func (p *Pump) Run(ctx context.Context) error {
	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		firstErr error
	)
	for _, id := range p.src.Streams() {
		wg.Add(1)
		go func(id core.StreamID) {
			defer wg.Done()
			for {
				s, err := p.src.Next(ctx, id)
				if err != nil {
					if errors.Is(err, core.ErrEndOfStream) || ctx.Err() != nil {
						p.logger.Debug("Stream finished", "stream", id)
						return
					}
					p.logger.Error("Stream failed", "stream", id, "error", err)
					errMu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					errMu.Unlock()
					return
				}
				p.publish(ctx, s)
			}
		}(id)
	}
	wg.Wait()

	p.mu.Lock()
	p.done = true
	subs := p.subs
	p.subs = make(map[string]*subscriber)
	p.mu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
	return firstErr
}

func (p *Pump) publish(ctx context.Context, s core.Sample) {
	p.mu.RLock()
	subs := make(map[string]*subscriber, len(p.subs))
	for id, sub := range p.subs {
		subs[id] = sub
	}
	p.mu.RUnlock()

	dropped := int64(0)
	for id, sub := range subs {
		if !p.deliver(ctx, sub, s) {
			dropped++
			p.logger.Debug("Subscriber channel full, dropping sample", "subscriber", id, "stream", s.Stream)
		}
	}

	p.statsMu.Lock()
	p.published[s.Stream]++
	p.dropped += dropped
	p.statsMu.Unlock()
}

func (p *Pump) deliver(ctx context.Context, sub *subscriber, s core.Sample) bool {
	sub.sendMu.Lock()
	defer sub.sendMu.Unlock()
	if sub.closed {
		return true
	}
	if !sub.lossless {
		select {
		case sub.ch <- s:
			return true
		default:
			return false
		}
	}
	select {
	case sub.ch <- s:
	case <-sub.gone:
	case <-ctx.Done():
	}
	return true
}
