package memstore

import (
	"context"
	"errors"
	"sync"

	"github.com/deRockerTom/twitch-bot/store"
)

// streamBuffer is how many unread events a stream may hold before it is
// failed; the watcher then reconnects from the current position.
const streamBuffer = 64

// ErrStreamOverflow is returned by Next when the reader fell too far behind.
var ErrStreamOverflow = errors.New("memstore: change stream buffer overflow")

// ErrStreamClosed is returned by Next after Close.
var ErrStreamClosed = errors.New("memstore: change stream closed")

// Feed delivers published events to every stream open at publish time.
type Feed struct {
	mu      sync.Mutex
	streams map[*stream]struct{}
}

func NewFeed() *Feed {
	return &Feed{streams: make(map[*stream]struct{})}
}

// Watch opens a stream that sees events published from now on.
func (f *Feed) Watch(ctx context.Context) (store.ChangeStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &stream{
		feed:   f,
		events: make(chan store.ChangeEvent, streamBuffer),
		done:   make(chan struct{}),
	}
	f.mu.Lock()
	f.streams[s] = struct{}{}
	f.mu.Unlock()
	return s, nil
}

// Publish hands ev to every open stream. It never blocks.
func (f *Feed) Publish(ev store.ChangeEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for s := range f.streams {
		select {
		case s.events <- ev:
		default:
			s.fail(ErrStreamOverflow)
			delete(f.streams, s)
		}
	}
}

// Interrupt fails every open stream with err, as a dropped connection would.
func (f *Feed) Interrupt(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for s := range f.streams {
		s.fail(err)
		delete(f.streams, s)
	}
}

// Open returns the number of open streams.
func (f *Feed) Open() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams)
}

type stream struct {
	feed   *Feed
	events chan store.ChangeEvent
	done   chan struct{}

	once sync.Once
	err  error
}

func (s *stream) fail(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

func (s *stream) Next(ctx context.Context) (store.ChangeEvent, error) {
	// drain buffered events before reporting a failure
	select {
	case ev := <-s.events:
		return ev, nil
	default:
	}
	select {
	case ev := <-s.events:
		return ev, nil
	case <-s.done:
		return store.ChangeEvent{}, s.err
	case <-ctx.Done():
		return store.ChangeEvent{}, ctx.Err()
	}
}

func (s *stream) Close(ctx context.Context) error {
	s.feed.mu.Lock()
	delete(s.feed.streams, s)
	s.feed.mu.Unlock()
	s.fail(ErrStreamClosed)
	return nil
}
