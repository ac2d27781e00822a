package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sungwon/bulkmail/internal/archive"
	"github.com/sungwon/bulkmail/internal/builder"
	"github.com/sungwon/bulkmail/internal/events"
	"github.com/sungwon/bulkmail/internal/newsletter"
	"github.com/sungwon/bulkmail/internal/provider"
	"github.com/sungwon/bulkmail/internal/queue"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// scriptedProvider records every batch and fails the calls listed in failOn
// (1-based). A delayed send is cut short when its context ends. started, if
// set, receives each message as its send begins.
type scriptedProvider struct {
	mu      sync.Mutex
	msgs    []*provider.Message
	failOn  map[int]bool
	delay   time.Duration
	started chan *provider.Message
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Send(ctx context.Context, msg *provider.Message) (*provider.Receipt, error) {
	if p.started != nil {
		p.started <- msg
	}
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	if p.failOn[len(p.msgs)] {
		return nil, errors.New("503 service unavailable")
	}
	return &provider.Receipt{ProviderMessageID: fmt.Sprintf("batch-%d", len(p.msgs)), Accepted: len(msg.To)}, nil
}

func (p *scriptedProvider) HealthCheck(context.Context) error { return nil }

func (p *scriptedProvider) calls() [][]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]string, len(p.msgs))
	for i, m := range p.msgs {
		out[i] = m.Emails()
	}
	return out
}

type memArchive struct {
	mu   sync.Mutex
	docs map[int64]string
	err  error
}

func (a *memArchive) Put(_ context.Context, id int64, html []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	if a.docs == nil {
		a.docs = make(map[int64]string)
	}
	a.docs[id] = string(html)
	return nil
}

func (a *memArchive) Get(_ context.Context, id int64) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	doc, ok := a.docs[id]
	if !ok {
		return nil, archive.ErrNotFound
	}
	return []byte(doc), nil
}

type pipeline struct {
	clock     *testClock
	queue     *queue.MemoryStore
	store     *newsletter.MemoryStore
	service   *newsletter.Service
	provider  *scriptedProvider
	archive   *memArchive
	events    *[]events.StatusChanged
	processor *Processor
	scheduler *Scheduler
	cfg       Config
}

const listID = 10

func newPipeline(t *testing.T, subscribers, batchSize int) *pipeline {
	t.Helper()
	return newPipelineWithStore(t, subscribers, batchSize, nil)
}

// newPipelineWithStore seeds newsletter 1 in sending with the given number of
// subscribed recipients. wrap may replace the store seen by the service.
func newPipelineWithStore(t *testing.T, subscribers, batchSize int, wrap func(newsletter.Store) newsletter.Store) *pipeline {
	t.Helper()

	clock := &testClock{now: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)}
	q := queue.NewMemoryStore()
	q.SetClock(clock.Now)

	store := newsletter.NewMemoryStore()
	store.PutNewsletter(newsletter.Newsletter{
		ID:             1,
		Status:         newsletter.StatusSending,
		Subject:        "Issue 1",
		Body:           "<p>Hello %recipient.email%</p>",
		FromName:       "Acme News",
		FromAddress:    "news@acme.test",
		ReplyToAddress: "editor@acme.test",
	})
	store.AttachList(1, listID)
	for i := 1; i <= subscribers; i++ {
		store.PutSubscriber(newsletter.Subscriber{
			ID:     int64(i),
			Email:  fmt.Sprintf("s%05d@x.test", i),
			Status: newsletter.SubscriberSubscribed,
		})
		store.AddMember(listID, int64(i))
	}

	var seen []events.StatusChanged
	bus := events.NewBus(zerolog.Nop())
	bus.Subscribe(events.HandlerFunc(func(_ context.Context, ev events.StatusChanged) error {
		seen = append(seen, ev)
		return nil
	}))

	var backing newsletter.Store = store
	if wrap != nil {
		backing = wrap(store)
	}
	svc := newsletter.NewService(backing, bus, zerolog.Nop())
	svc.SetClock(clock.Now)

	b, err := builder.New(builder.DefaultTheme(), builder.FormatHTML)
	if err != nil {
		t.Fatalf("builder.New() error = %v", err)
	}

	cfg := DefaultConfig()
	cfg.BatchSize = batchSize

	prov := &scriptedProvider{failOn: map[int]bool{}}
	arch := &memArchive{}
	proc, err := NewProcessor(Deps{
		Queue:       q,
		Newsletters: svc,
		Builder:     b,
		Provider:    prov,
		Archive:     arch,
		Clock:       clock.Now,
		Logger:      zerolog.Nop(),
	}, cfg)
	if err != nil {
		t.Fatalf("NewProcessor() error = %v", err)
	}

	return &pipeline{
		clock:     clock,
		queue:     q,
		store:     store,
		service:   svc,
		provider:  prov,
		archive:   arch,
		events:    &seen,
		processor: proc,
		scheduler: NewScheduler(q, proc, cfg, zerolog.Nop()),
		cfg:       cfg,
	}
}

func (p *pipeline) enqueue(t *testing.T, offset int) int64 {
	t.Helper()
	id, err := p.queue.Enqueue(context.Background(), 1, offset, 0)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	return id
}

func (p *pipeline) tick(t *testing.T) Outcome {
	t.Helper()
	out, err := p.scheduler.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	return out
}

// drain ticks until the queue is idle and returns the outcomes.
func (p *pipeline) drain(t *testing.T) []Outcome {
	t.Helper()
	var outs []Outcome
	for i := 0; i < 100; i++ {
		out := p.tick(t)
		if out == OutcomeIdle {
			return outs
		}
		outs = append(outs, out)
	}
	t.Fatal("queue did not drain")
	return nil
}

func (p *pipeline) newsletter(t *testing.T) *newsletter.Newsletter {
	t.Helper()
	n, err := p.store.Get(context.Background(), 1)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	return n
}

func (p *pipeline) emailCounts(t *testing.T, subscribers int) []int {
	t.Helper()
	counts := make([]int, subscribers)
	for i := 1; i <= subscribers; i++ {
		s, ok := p.store.Subscriber(int64(i))
		if !ok {
			t.Fatalf("subscriber %d missing", i)
		}
		counts[i-1] = s.EmailCount
	}
	return counts
}

func batchSizes(calls [][]string) []int {
	sizes := make([]int, len(calls))
	for i, c := range calls {
		sizes[i] = len(c)
	}
	return sizes
}

// claim claims the pipeline's due entry directly, as a competing tick would.
func (p *pipeline) claim(t *testing.T) *queue.Entry {
	t.Helper()
	e, err := p.queue.ClaimDue(context.Background())
	if err != nil {
		t.Fatalf("ClaimDue() error = %v", err)
	}
	return e
}

// only returns the single live entry.
func (p *pipeline) only(t *testing.T) queue.Entry {
	t.Helper()
	entries := p.queue.Entries()
	if len(entries) != 1 {
		t.Fatalf("live entries = %d, want 1", len(entries))
	}
	return entries[0]
}
