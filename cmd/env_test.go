package main

import (
	"bytes"
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yoman-app/yoman/internal/classifier"
	"github.com/yoman-app/yoman/internal/config"
	"github.com/yoman-app/yoman/internal/delivery"
	"github.com/yoman-app/yoman/internal/intake"
	"github.com/yoman-app/yoman/internal/model"
	"github.com/yoman-app/yoman/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("YOMAN_ANTHROPIC_KEY", "")
	c, err := config.Load()
	require.NoError(t, err)
	c.Store.Driver = "memory"
	return c
}

func TestInitStore_Drivers(t *testing.T) {
	ctx := context.Background()

	st, err := initStore(ctx, config.StoreConfig{Driver: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &store.MemoryStore{}, st)

	st, err = initStore(ctx, config.StoreConfig{Driver: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "y.db")})
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))
	assert.NoError(t, st.Ping(ctx))

	_, err = initStore(ctx, config.StoreConfig{Driver: "mongo"})
	assert.ErrorContains(t, err, "unsupported store driver")
}

func TestInitSender(t *testing.T) {
	assert.IsType(t, delivery.LogSender{}, initSender(config.MessagingConfig{Driver: "log"}))

	s := initSender(config.MessagingConfig{Driver: "http", BaseURL: "http://gateway.local", RatePerSec: 5})
	_, isLog := s.(delivery.LogSender)
	assert.False(t, isLog)
}

func TestInitVoters_DropsAnthropicWithoutKey(t *testing.T) {
	c := testConfig(t)
	c.Guard.Voters = []string{classifier.AnthropicVoterName, classifier.KeywordVoterName}
	c.Guard.PrimaryVoter = classifier.AnthropicVoterName

	voters, err := initVoters(c)
	require.NoError(t, err)
	require.Len(t, voters, 1)
	assert.Equal(t, classifier.KeywordVoterName, voters[0].Name())
	assert.Equal(t, classifier.KeywordVoterName, c.Guard.PrimaryVoter)
}

func TestInitVoters_WithKey(t *testing.T) {
	c := testConfig(t)
	c.Anthropic.Key = "sk-test"
	c.Guard.Voters = []string{classifier.AnthropicVoterName, classifier.KeywordVoterName}

	voters, err := initVoters(c)
	require.NoError(t, err)
	assert.Len(t, voters, 2)
}

func TestInitVoters_NothingLeft(t *testing.T) {
	c := testConfig(t)
	c.Guard.Voters = []string{classifier.AnthropicVoterName}

	_, err := initVoters(c)
	assert.Error(t, err)
}

func TestInitEnv_HandlesMessage(t *testing.T) {
	c := testConfig(t)
	c.Guard.Voters = []string{classifier.KeywordVoterName}
	c.Guard.PrimaryVoter = classifier.KeywordVoterName

	env, err := initEnv(context.Background(), c)
	require.NoError(t, err)
	defer env.Close()

	require.NotNil(t, env.Service)
	require.NotNil(t, env.Worker)
	require.NotNil(t, env.Registry)

	out, err := env.Service.Handle(context.Background(), model.Inbound{
		UserID:     "u1",
		Text:       "meeting with Dana tomorrow at 10",
		Timezone:   "Asia/Jerusalem",
		ReceivedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, out.Status)

	n, err := env.Worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPrintOutcome(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printOutcome(&buf, &intake.Outcome{
		Status:   intake.StatusCommitted,
		RecordID: "r1",
		Reply:    "✓ נשמר / Saved: <dentist>",
	}))

	out := buf.String()
	assert.Contains(t, out, `"status": "committed"`)
	assert.Contains(t, out, `"record_id": "r1"`)
	assert.Contains(t, out, "נשמר")
	assert.Contains(t, out, "<dentist>")
}

type countingExpirer struct {
	calls atomic.Int32
}

func (c *countingExpirer) DeleteExpired(context.Context) (int, error) {
	c.calls.Add(1)
	return 1, nil
}

func TestSweepExpired(t *testing.T) {
	ex := &countingExpirer{}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		sweepExpired(ctx, ex, 5*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return ex.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweep did not stop after cancel")
	}
}
