package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"github.com/yoman-app/yoman/internal/model"
	"github.com/yoman-app/yoman/internal/monitoring"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// --- Voter Mock ---

type mockVoter struct {
	mock.Mock
	name string
}

func newMockVoter(name string) *mockVoter {
	return &mockVoter{name: name}
}

func (m *mockVoter) Name() string { return m.name }

func (m *mockVoter) Classify(ctx context.Context, text, locale string) (model.Vote, error) {
	args := m.Called(ctx, text, locale)
	return args.Get(0).(model.Vote), args.Error(1)
}

// --- CandidateSource Mock ---

type mockCandidates struct {
	mock.Mock
}

func (m *mockCandidates) FindCandidates(ctx context.Context, userID string, kind model.RecordKind, from, to time.Time) ([]model.Record, error) {
	args := m.Called(ctx, userID, kind, from, to)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Record), args.Error(1)
}

// --- Notifier Mock ---

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Notify(ctx context.Context, alert monitoring.Alert) error {
	args := m.Called(ctx, alert)
	return args.Error(0)
}

// --- Cache stub ---

type stubCache struct {
	mu      sync.Mutex
	data    map[string][]byte
	getErr  error
	gets    int
	deletes []string
}

func newStubCache() *stubCache {
	return &stubCache{data: make(map[string][]byte)}
}

func (c *stubCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	if c.getErr != nil {
		return nil, false, c.getErr
	}
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *stubCache) SetWithTTL(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *stubCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	c.deletes = append(c.deletes, key)
	return nil
}

func (c *stubCache) keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.data))
	for k := range c.data {
		out = append(out, k)
	}
	return out
}

// --- Phase stub ---

type stubPhase struct {
	name     string
	priority int
	required bool
	skip     bool
	result   Result
	calls    *[]string
}

func (s stubPhase) Name() string                    { return s.name }
func (s stubPhase) Priority() int                   { return s.priority }
func (s stubPhase) Required() bool                  { return s.required }
func (s stubPhase) ShouldRun(_ *model.Context) bool { return !s.skip }

func (s stubPhase) Execute(_ context.Context, _ *model.Context) Result {
	if s.calls != nil {
		*s.calls = append(*s.calls, s.name)
	}
	return s.result
}

var (
	jerusalem, _ = time.LoadLocation("Asia/Jerusalem")
	// Monday 2 March 2026, 10:00 in Jerusalem.
	testNow = time.Date(2026, 3, 2, 10, 0, 0, 0, jerusalem)
)

func fixedNow() time.Time { return testNow }

func newTestContext(text string) *model.Context {
	return model.NewContext(model.Inbound{UserID: "u1", Text: text, Timezone: "Asia/Jerusalem"})
}
