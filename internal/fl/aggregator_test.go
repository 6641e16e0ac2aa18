package fl

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"math"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshwarden/meshwarden/internal/config"
	"github.com/meshwarden/meshwarden/internal/errors"
	"github.com/meshwarden/meshwarden/internal/events"
	"github.com/meshwarden/meshwarden/internal/telemetry"
)

func flTestConfig(t *testing.T) config.FLConfig {
	t.Helper()
	return config.FLConfig{
		Enabled:              true,
		ListenAddr:           "127.0.0.1:0",
		ClientsPerRound:      3,
		RoundDeadlineSeconds: 60,
		MinParticipants:      2,
		GraceSeconds:         5,
		AggregationMode:      "multi_krum",
		ByzantineFractionF:   0,
		MultiKrumM:           3,
		SamplingStrategy:     "uniform",
		MaxSampleCount:       10000,
		ModelDimension:       4,
		StragglerVersions:    3,
		CheckpointPath:       filepath.Join(t.TempDir(), "fl.db"),
		DP:                   config.DPConfig{Enabled: false},
		Compression:          config.CompressionConfig{Scheme: "none", TopKFraction: 0.1},
		Shard:                config.ShardConfig{ID: 0, Count: 1},
	}
}

func newTestAggregator(t *testing.T, cfg config.FLConfig) *Aggregator {
	t.Helper()
	registry := NewRegistry(cfg.Shard.ID, NewHashAssigner(cfg.Shard.Count))
	bus := events.NewBus(64)
	t.Cleanup(bus.Close)

	agg, err := New(cfg, registry, bus, telemetry.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		agg.Stop(ctx)
	})
	return agg
}

// simClient drives the aggregator's handler surface directly, no TCP.
type simClient struct {
	id   string
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func registerSimClient(t *testing.T, agg *Aggregator, id string) *simClient {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	_, err = agg.HandleRegister(context.Background(), RegisterRequest{
		ClientID:  id,
		PublicKey: pub,
		Capacity:  ResourceReport{CPUMilli: 2000, MemoryMB: 1024},
	})
	require.NoError(t, err)
	return &simClient{id: id, pub: pub, priv: priv}
}

func (c *simClient) signedDelta(t *testing.T, roundID string, delta []float64, samples int) *ClientUpdate {
	t.Helper()
	grad, err := Compress(delta, CompressionNone, 0)
	require.NoError(t, err)
	u := &ClientUpdate{
		RoundID:     roundID,
		ClientID:    c.id,
		Gradient:    grad,
		SampleCount: samples,
	}
	SignUpdate(u, c.priv)
	return u
}

func TestRoundPublishesAggregatedModel(t *testing.T) {
	agg := newTestAggregator(t, flTestConfig(t))
	ctx := context.Background()

	clients := []*simClient{
		registerSimClient(t, agg, "node-a"),
		registerSimClient(t, agg, "node-b"),
		registerSimClient(t, agg, "node-c"),
	}

	round, quorum, err := agg.openRound(agg.registry.Eligible())
	require.NoError(t, err)
	assert.Equal(t, RoundCollecting, round.State)
	require.Len(t, round.SelectedClients, 3)
	assert.Regexp(t, `^round-\d{6}-[0-9a-f]{8}$`, round.ID)

	deltas := [][]float64{
		{1, 1, 1, 1},
		{1.1, 1.1, 1.1, 1.1},
		{0.9, 0.9, 0.9, 0.9},
	}
	for i, c := range clients {
		ack, err := agg.HandleUpdate(ctx, c.signedDelta(t, round.ID, deltas[i], 100))
		require.NoError(t, err)
		require.True(t, ack.Accepted, "client %s rejected: %s", c.id, ack.Reason)
		assert.False(t, ack.Banked)
	}

	// Every selected client reported, so the round closes before its deadline.
	select {
	case <-quorum:
	case <-time.After(time.Second):
		t.Fatal("quorum did not close after every selected client reported")
	}

	agg.finalize(round, 0)
	assert.Equal(t, RoundPublished, round.State)
	require.NotNil(t, round.PublishedVersion)
	assert.Equal(t, uint64(1), *round.PublishedVersion)

	model := agg.Models().Current()
	assert.Equal(t, uint64(1), model.Version)
	for _, w := range model.Weights {
		assert.InDelta(t, 1.0, w, 1e-9)
	}
	assert.Equal(t, []string{round.ID}, model.TrainedOnRounds)

	saved, _, err := agg.checkpoints.Latest()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), saved.Version)

	state := agg.State()
	assert.Equal(t, uint64(1), state.RoundsPublished)
	assert.Equal(t, uint64(3), state.UpdatesAccepted)
	assert.Equal(t, uint64(1), state.ModelVersion)
}

func TestRoundAbortsBelowMinParticipants(t *testing.T) {
	agg := newTestAggregator(t, flTestConfig(t))

	a := registerSimClient(t, agg, "node-a")
	registerSimClient(t, agg, "node-b")
	registerSimClient(t, agg, "node-c")

	round, _, err := agg.openRound(agg.registry.Eligible())
	require.NoError(t, err)

	ack, err := agg.HandleUpdate(context.Background(),
		a.signedDelta(t, round.ID, []float64{1, 1, 1, 1}, 10))
	require.NoError(t, err)
	require.True(t, ack.Accepted)

	agg.finalize(round, 0)
	assert.Equal(t, RoundAborted, round.State)
	assert.Contains(t, round.AbortReason, "below min_participants")
	assert.Equal(t, uint64(0), agg.Models().Current().Version,
		"an aborted round must not advance the model")

	state := agg.State()
	assert.Equal(t, uint64(1), state.RoundsAborted)
	assert.Zero(t, state.RoundsPublished)
}

func TestUpdateRejectionPipeline(t *testing.T) {
	cfg := flTestConfig(t)
	cfg.ClientsPerRound = 2
	cfg.MaxSampleCount = 1000
	agg := newTestAggregator(t, cfg)
	ctx := context.Background()

	clients := map[string]*simClient{}
	for _, id := range []string{"node-a", "node-b", "node-c"} {
		clients[id] = registerSimClient(t, agg, id)
	}

	round, _, err := agg.openRound(agg.registry.Eligible())
	require.NoError(t, err)
	require.Len(t, round.SelectedClients, 2)

	var selected []*simClient
	var outsider *simClient
	for id, c := range clients {
		if id == round.SelectedClients[0] || id == round.SelectedClients[1] {
			selected = append(selected, c)
		} else {
			outsider = c
		}
	}
	require.Len(t, selected, 2)
	require.NotNil(t, outsider)

	delta := []float64{1, 1, 1, 1}

	// No identity, no gradient.
	ack, err := agg.HandleUpdate(ctx, &ClientUpdate{RoundID: round.ID})
	require.NoError(t, err)
	assert.Equal(t, "malformed", ack.Reason)

	// A signer the registry has never seen.
	_, ghostPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	ghost := &simClient{id: "node-ghost", priv: ghostPriv}
	ack, err = agg.HandleUpdate(ctx, ghost.signedDelta(t, round.ID, delta, 10))
	require.NoError(t, err)
	assert.Equal(t, "unknown_client", ack.Reason)

	// Tampered after signing costs reputation.
	tampered := selected[0].signedDelta(t, round.ID, delta, 10)
	tampered.Gradient.Values[0] = 42
	ack, err = agg.HandleUpdate(ctx, tampered)
	require.NoError(t, err)
	assert.Equal(t, "signature_mismatch", ack.Reason)
	assert.InDelta(t, 0.8, agg.registry.Reputation(selected[0].id), 1e-9)

	// Sample counts outside [1, max].
	ack, err = agg.HandleUpdate(ctx, selected[0].signedDelta(t, round.ID, delta, 0))
	require.NoError(t, err)
	assert.Equal(t, "sample_count_bounds", ack.Reason)
	ack, err = agg.HandleUpdate(ctx, selected[0].signedDelta(t, round.ID, delta, 5000))
	require.NoError(t, err)
	assert.Equal(t, "sample_count_bounds", ack.Reason)

	// Signed consistently but undecodable.
	badGrad := &ClientUpdate{
		RoundID:     round.ID,
		ClientID:    selected[0].id,
		SampleCount: 10,
		Gradient:    &CompressedGradient{Scheme: CompressionNone, Dimension: 4, Values: []float64{1}},
	}
	SignUpdate(badGrad, selected[0].priv)
	ack, err = agg.HandleUpdate(ctx, badGrad)
	require.NoError(t, err)
	assert.Equal(t, "malformed_gradient", ack.Reason)

	// Decodes fine but at the wrong dimension for this model.
	ack, err = agg.HandleUpdate(ctx, selected[0].signedDelta(t, round.ID, []float64{1, 2, 3}, 10))
	require.NoError(t, err)
	assert.Equal(t, "dimension_mismatch", ack.Reason)

	// Registered but not sampled this round.
	ack, err = agg.HandleUpdate(ctx, outsider.signedDelta(t, round.ID, delta, 10))
	require.NoError(t, err)
	assert.Equal(t, "not_selected", ack.Reason)

	// First clean submission lands, the replay bounces.
	ack, err = agg.HandleUpdate(ctx, selected[0].signedDelta(t, round.ID, delta, 10))
	require.NoError(t, err)
	require.True(t, ack.Accepted)
	ack, err = agg.HandleUpdate(ctx, selected[0].signedDelta(t, round.ID, delta, 10))
	require.NoError(t, err)
	assert.Equal(t, "duplicate", ack.Reason)

	// A round nobody opened.
	ack, err = agg.HandleUpdate(ctx, selected[1].signedDelta(t, "round-999999-deadbeef", delta, 10))
	require.NoError(t, err)
	assert.Equal(t, "round_closed", ack.Reason)

	state := agg.State()
	assert.Equal(t, uint64(1), state.UpdatesAccepted)
	assert.Equal(t, uint64(10), state.UpdatesRejected)
}

func TestLateUpdatesBankWithinGrace(t *testing.T) {
	cfg := flTestConfig(t)
	cfg.ClientsPerRound = 2
	cfg.MinParticipants = 1
	cfg.GraceSeconds = 60
	agg := newTestAggregator(t, cfg)
	ctx := context.Background()

	a := registerSimClient(t, agg, "node-a")
	b := registerSimClient(t, agg, "node-b")

	round1, _, err := agg.openRound(agg.registry.Eligible())
	require.NoError(t, err)
	require.Len(t, round1.SelectedClients, 2)

	delta := []float64{0.5, 0.5, 0.5, 0.5}
	ack, err := agg.HandleUpdate(ctx, a.signedDelta(t, round1.ID, delta, 10))
	require.NoError(t, err)
	require.True(t, ack.Accepted)

	// The deadline passes with node-b silent; the round publishes without it.
	agg.finalize(round1, 0)
	require.Equal(t, RoundPublished, round1.State)

	// node-b arrives late but inside the grace window: banked, not wasted.
	ack, err = agg.HandleUpdate(ctx, b.signedDelta(t, round1.ID, delta, 10))
	require.NoError(t, err)
	assert.True(t, ack.Accepted)
	assert.True(t, ack.Banked)
	assert.Equal(t, 1, agg.State().BankedUpdates)

	// node-a's round-1 participation is already spent.
	ack, err = agg.HandleUpdate(ctx, a.signedDelta(t, round1.ID, delta, 10))
	require.NoError(t, err)
	assert.False(t, ack.Accepted)
	assert.Equal(t, "not_selected", ack.Reason)

	// The banked update seeds the next round's collection set.
	round2, _, err := agg.openRound(agg.registry.Eligible())
	require.NoError(t, err)
	assert.Equal(t, 1, round2.BankedUpdates)
	assert.Equal(t, 1, round2.ReceivedUpdates)
	assert.Zero(t, agg.State().BankedUpdates)

	// A fresh round-2 submission from node-b replaces its banked entry.
	ack, err = agg.HandleUpdate(ctx, b.signedDelta(t, round2.ID, []float64{1, 1, 1, 1}, 20))
	require.NoError(t, err)
	assert.True(t, ack.Accepted)
	assert.False(t, ack.Banked)
	assert.Equal(t, 1, round2.ReceivedUpdates)

	agg.finalize(round2, 0)
	require.Equal(t, RoundPublished, round2.State)
	model := agg.Models().Current()
	assert.Equal(t, uint64(2), model.Version)
	for _, w := range model.Weights {
		assert.InDelta(t, 1.5, w, 1e-9)
	}

	// Past the grace window there is nothing left to bank into.
	agg.mu.Lock()
	agg.prevDeadline = time.Now().Add(-10 * time.Minute)
	agg.mu.Unlock()
	ack, err = agg.HandleUpdate(ctx, a.signedDelta(t, round2.ID, delta, 10))
	require.NoError(t, err)
	assert.Equal(t, "round_closed", ack.Reason)
}

func TestModelRequestsServeRingAndCheckpoints(t *testing.T) {
	cfg := flTestConfig(t)
	cfg.ClientsPerRound = 1
	cfg.MinParticipants = 1
	cfg.StragglerVersions = 1
	agg := newTestAggregator(t, cfg)
	ctx := context.Background()

	a := registerSimClient(t, agg, "node-a")
	for i := 0; i < 2; i++ {
		round, _, err := agg.openRound(agg.registry.Eligible())
		require.NoError(t, err)
		ack, err := agg.HandleUpdate(ctx, a.signedDelta(t, round.ID, []float64{1, 0, 0, 0}, 10))
		require.NoError(t, err)
		require.True(t, ack.Accepted)
		agg.finalize(round, 0)
		require.Equal(t, RoundPublished, round.State)
	}

	current, err := agg.HandleModelRequest(ctx, ModelRequest{ClientID: "node-a"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), current.Version)

	// Version 1 fell out of the ring; the checkpoint store still serves it.
	older, err := agg.HandleModelRequest(ctx, ModelRequest{ClientID: "node-a", Version: 1})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), older.Version)

	_, err = agg.HandleModelRequest(ctx, ModelRequest{ClientID: "node-a", Version: 99})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
}

func TestBudgetRefusalAndRestoreAcrossRestart(t *testing.T) {
	cfg := flTestConfig(t)
	cfg.ClientsPerRound = 1
	cfg.MinParticipants = 1
	perRound := math.Sqrt(2*math.Log(1.25/1e-5)) / 50.0
	cfg.DP = config.DPConfig{
		Enabled:       true,
		ClipNormC:     10,
		NoiseSigma:    50,
		Delta:         1e-5,
		EpsilonBudget: perRound, // exactly one round
	}
	agg := newTestAggregator(t, cfg)
	ctx := context.Background()

	a := registerSimClient(t, agg, "node-a")

	charge, err := agg.accountant.Admit()
	require.NoError(t, err)
	round, _, err := agg.openRound(agg.registry.Eligible())
	require.NoError(t, err)
	ack, err := agg.HandleUpdate(ctx, a.signedDelta(t, round.ID, []float64{1, 0, 0, 0}, 10))
	require.NoError(t, err)
	require.True(t, ack.Accepted)
	agg.finalize(round, charge)
	require.Equal(t, RoundPublished, round.State)

	_, err = agg.accountant.Admit()
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindBudget))
	assert.True(t, agg.State().DPBudgetExhausted)

	stopCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, agg.Stop(stopCtx))

	// A restart rehydrates both the model and the privacy ledger.
	registry := NewRegistry(cfg.Shard.ID, NewHashAssigner(cfg.Shard.Count))
	bus := events.NewBus(16)
	t.Cleanup(bus.Close)
	revived, err := New(cfg, registry, bus, telemetry.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		revived.Stop(ctx)
	})

	assert.Equal(t, uint64(1), revived.Models().Current().Version)
	assert.InDelta(t, perRound, revived.accountant.Spent(), 1e-9)
	assert.True(t, revived.accountant.Exhausted())
	assert.True(t, revived.State().DPBudgetExhausted)
}

// runTrainingWorker speaks the client side of the wire protocol: register,
// wait for training configs, answer each with a signed update. Any error
// just ends the worker; the test asserts on aggregator progress instead.
func runTrainingWorker(addr, id string, dim int) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return
	}
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return
	}
	defer conn.Close()

	env, err := NewEnvelope(MsgRegister, RegisterRequest{
		ClientID:  id,
		PublicKey: pub,
		Capacity:  ResourceReport{CPUMilli: 2000, MemoryMB: 1024},
	})
	if err != nil || WriteFrame(conn, env) != nil {
		return
	}

	for {
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		env, err := ReadFrame(conn)
		if err != nil {
			return
		}
		if env.Type != MsgTrainingConfig {
			continue
		}
		var tc TrainingConfig
		if env.Decode(&tc) != nil {
			return
		}

		delta := make([]float64, dim)
		for i := range delta {
			delta[i] = 0.01
		}
		grad, err := Compress(delta, CompressionNone, 0)
		if err != nil {
			return
		}
		update := &ClientUpdate{
			RoundID:     tc.RoundID,
			ClientID:    id,
			Gradient:    grad,
			SampleCount: 64,
		}
		SignUpdate(update, priv)
		out, err := NewEnvelope(MsgUpdate, update)
		if err != nil || WriteFrame(conn, out) != nil {
			return
		}
	}
}

func TestAggregatorEndToEndOverTCP(t *testing.T) {
	oldInter, oldIdle := interRoundPause, idlePopulationPause
	interRoundPause, idlePopulationPause = 10*time.Millisecond, 20*time.Millisecond
	t.Cleanup(func() { interRoundPause, idlePopulationPause = oldInter, oldIdle })

	cfg := flTestConfig(t)
	cfg.RoundDeadlineSeconds = 2
	registry := NewRegistry(cfg.Shard.ID, NewHashAssigner(cfg.Shard.Count))
	bus := events.NewBus(64)
	t.Cleanup(bus.Close)

	published := make(chan events.Event, 16)
	sub := bus.SubscribeToType(events.ModelPublished, func(e events.Event) { published <- e })
	defer bus.Unsubscribe(sub)

	agg, err := New(cfg, registry, bus, telemetry.Nop())
	require.NoError(t, err)
	require.NoError(t, agg.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		agg.Stop(ctx)
	})

	for i := 0; i < 3; i++ {
		go runTrainingWorker(agg.Addr(), fmt.Sprintf("worker-%d", i), cfg.ModelDimension)
	}

	require.Eventually(t, func() bool {
		return agg.State().RoundsPublished >= 2
	}, 15*time.Second, 50*time.Millisecond, "aggregator never published two rounds")

	assert.GreaterOrEqual(t, agg.Models().Current().Version, uint64(2))

	select {
	case e := <-published:
		assert.Equal(t, events.ModelPublished, e.Type)
		assert.NotEmpty(t, e.CorrelationID)
	case <-time.After(time.Second):
		t.Fatal("model publication never reached the event bus")
	}
}
