// Package spoke implements the stateless spoke fan-out path (spec.md
// §4.6): normalised polar scan data from each RadarSession is broadcast to
// any number of subscribers through bounded, independent queues. A slow
// subscriber never blocks a fast one or the session goroutine publishing
// into the pipeline — it drops to the latest batch instead ("skip-to-
// latest"), grounded on internal/netio/receiver.go's non-blocking demux
// discipline, generalised from one reader demuxing to many sessions into
// one session demuxing to many subscribers. The per-subscriber lag
// accounting is grounded on internal/bfd/micro.go's multi-member
// aggregate-state bookkeeping style, applied here to subscriber lag counts
// rather than LAG member links (see DESIGN.md).
package spoke

import (
	"math"
	"sync"
	"time"

	"github.com/mayara-project/mayara/internal/radar"
)

// Batch is one delivery unit: all spokes decoded from a single datagram.
type Batch struct {
	Id     radar.Id
	Spokes []radar.Spoke
}

// DefaultQueueDepth is the default bounded per-subscriber queue size
// (spec.md §4.6 / §6 spoke_subscriber_queue).
const DefaultQueueDepth = 32

// Lagging is sent on a subscriber's channel in place of a batch when the
// queue filled and older batches were dropped to make room for the latest.
type Lagging struct {
	Id      radar.Id
	Dropped int
}

// Delivery is either a Batch or a Lagging notification.
type Delivery struct {
	Batch   *Batch
	Lagging *Lagging
}

type subscriber struct {
	id    uint64
	ch    chan Delivery
	depth int

	mu      sync.Mutex
	dropped int
}

// LagRecorder observes skip-to-latest events for external reporting
// (internal/metrics.Collector.IncSubscriberLag).
type LagRecorder interface {
	IncSubscriberLag(id radar.Id)
}

// HeadingSample is a single true-heading reading from an external compass
// source (spec.md §6's HeadingSource): the core never polls GPS/NMEA itself,
// it only consumes whatever the last sample was.
type HeadingSample struct {
	RadiansTrue float64
	Timestamp   time.Time
}

// HeadingSource reports the most recent heading sample, if any is available
// yet. A nil HeadingSource (the default) disables bearing attachment
// entirely: spokes are published with HasBearing left false.
type HeadingSource func() (HeadingSample, bool)

// Characteristics looks up a radar's native sector resolution, needed to
// convert a heading sample (radians) into the same spoke-angle units the
// wire decoder reports Angle in.
type Characteristics interface {
	SpokesPerRevolution(id radar.Id) (uint16, bool)
}

// maxHeadingAge bounds how stale a heading sample may be and still be
// trusted to tag a spoke (spec.md §4.6 line 136).
const maxHeadingAge = time.Second

// Pipeline fans spokes out to subscribers. One Pipeline instance is shared
// by all radars; subscriptions are scoped per radar.Id.
type Pipeline struct {
	queueDepth int

	mu          sync.Mutex
	nextID      uint64
	subscribers map[radar.Id]map[uint64]*subscriber

	lagRecorder     LagRecorder
	headingSource   HeadingSource
	characteristics Characteristics
}

// New returns a Pipeline with the given per-subscriber queue depth. A
// depth <= 0 uses DefaultQueueDepth.
func New(queueDepth int) *Pipeline {
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	return &Pipeline{
		queueDepth:  queueDepth,
		subscribers: make(map[radar.Id]map[uint64]*subscriber),
	}
}

// SetLagRecorder installs an observer notified on every skip-to-latest
// event (spec.md §8's subscriber-lag invariant). Optional; a nil recorder
// (the default) disables the callback.
func (p *Pipeline) SetLagRecorder(r LagRecorder) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lagRecorder = r
}

// SetHeadingSource installs the external true-heading collaborator used to
// tag outgoing spokes with a Bearing (spec.md §6). Optional; a nil source
// (the default) leaves every Spoke.HasBearing false.
func (p *Pipeline) SetHeadingSource(h HeadingSource) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.headingSource = h
}

// SetCharacteristics installs the collaborator Publish uses to translate a
// heading sample into native spoke-angle units.
func (p *Pipeline) SetCharacteristics(c Characteristics) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.characteristics = c
}

// Publish is called by a RadarSession's own goroutine (radar.SpokeSink).
// It never blocks: a full subscriber queue drops its oldest entry to make
// room for the new one, tracking the drop so the subscriber can be told it
// is lagging.
func (p *Pipeline) Publish(id radar.Id, spokes []radar.Spoke) {
	p.mu.Lock()
	subs := p.subscribers[id]
	// Copy the subscriber set under the lock, then deliver without it, so
	// a slow subscriber's channel send never blocks Subscribe/Unsubscribe.
	targets := make([]*subscriber, 0, len(subs))
	for _, s := range subs {
		targets = append(targets, s)
	}
	recorder := p.lagRecorder
	headingSource := p.headingSource
	characteristics := p.characteristics
	p.mu.Unlock()

	attachBearing(id, spokes, headingSource, characteristics)

	batch := &Batch{Id: id, Spokes: spokes}
	for _, s := range targets {
		deliverSkipToLatest(s, batch, recorder)
	}
}

func deliverSkipToLatest(s *subscriber, batch *Batch, recorder LagRecorder) {
	select {
	case s.ch <- Delivery{Batch: batch}:
		return
	default:
	}

	// Queue full: drop the oldest pending delivery and push the latest.
	select {
	case <-s.ch:
		s.mu.Lock()
		s.dropped++
		dropped := s.dropped
		s.mu.Unlock()
		if recorder != nil {
			recorder.IncSubscriberLag(batch.Id)
		}
		select {
		case s.ch <- Delivery{Lagging: &Lagging{Id: batch.Id, Dropped: dropped}}:
		default:
		}
	default:
	}

	// Evict further old entries until the latest batch fits, so it is
	// always the newest entry in the queue.
	for {
		select {
		case s.ch <- Delivery{Batch: batch}:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}

// Subscription is returned by Subscribe; call Unsubscribe when done.
type Subscription struct {
	pipeline *Pipeline
	id       radar.Id
	subID    uint64
	ch       chan Delivery
}

// Deliveries returns the channel to read batches/lag notifications from.
func (s *Subscription) Deliveries() <-chan Delivery { return s.ch }

// Unsubscribe removes this subscription and closes its channel. Safe to
// call more than once.
func (s *Subscription) Unsubscribe() {
	s.pipeline.mu.Lock()
	defer s.pipeline.mu.Unlock()
	subs := s.pipeline.subscribers[s.id]
	if subs == nil {
		return
	}
	if _, ok := subs[s.subID]; !ok {
		return
	}
	delete(subs, s.subID)
	if len(subs) == 0 {
		delete(s.pipeline.subscribers, s.id)
	}
	close(s.ch)
}

// Subscribe registers a new subscriber for id's spokes.
func (p *Pipeline) Subscribe(id radar.Id) *Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextID++
	subID := p.nextID
	s := &subscriber{id: subID, ch: make(chan Delivery, p.queueDepth), depth: p.queueDepth}

	if p.subscribers[id] == nil {
		p.subscribers[id] = make(map[uint64]*subscriber)
	}
	p.subscribers[id][subID] = s

	return &Subscription{pipeline: p, id: id, subID: subID, ch: s.ch}
}

// SubscriberCount reports how many live subscriptions exist for id, used
// by tests and diagnostics.
func (p *Pipeline) SubscriberCount(id radar.Id) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subscribers[id])
}

// attachBearing tags each spoke with a true-north Bearing derived from the
// most recent heading sample, if one is available, fresh enough, and this
// radar's sector resolution is known (spec.md §4.6 line 136). Spokes that
// already carry a vendor-reported bearing are left untouched.
func attachBearing(id radar.Id, spokes []radar.Spoke, headingSource HeadingSource, characteristics Characteristics) {
	if headingSource == nil || characteristics == nil {
		return
	}
	sample, ok := headingSource()
	if !ok || time.Since(sample.Timestamp) > maxHeadingAge {
		return
	}
	spokesPerRev, ok := characteristics.SpokesPerRevolution(id)
	if !ok || spokesPerRev == 0 {
		return
	}

	headingInSpokes := spokesFromRadians(sample.RadiansTrue, spokesPerRev)
	for i := range spokes {
		if spokes[i].HasBearing {
			continue
		}
		spokes[i].Bearing = (spokes[i].Angle + headingInSpokes) % spokesPerRev
		spokes[i].HasBearing = true
	}
}

// spokesFromRadians converts a true-heading angle into the same
// [0, spokesPerRev) unit a radar's wire decoder reports Angle in.
func spokesFromRadians(radians float64, spokesPerRev uint16) uint16 {
	const twoPi = 2 * math.Pi
	radians = math.Mod(radians, twoPi)
	if radians < 0 {
		radians += twoPi
	}
	return uint16(radians / twoPi * float64(spokesPerRev))
}
