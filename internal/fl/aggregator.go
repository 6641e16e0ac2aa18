package fl

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meshwarden/meshwarden/internal/config"
	"github.com/meshwarden/meshwarden/internal/errors"
	"github.com/meshwarden/meshwarden/internal/events"
	"github.com/meshwarden/meshwarden/internal/logger"
	"github.com/meshwarden/meshwarden/internal/resilience"
	"github.com/meshwarden/meshwarden/internal/telemetry"
)

// Pacing knobs for the round driver. Vars so lifecycle tests can tighten
// them without waiting out production cadences.
var (
	interRoundPause      = 1 * time.Second
	idlePopulationPause  = 5 * time.Second
	checkpointRetryPause = 3 * time.Second
)

// receivedUpdate is a validated, decompressed submission held for
// aggregation.
type receivedUpdate struct {
	clientID        string
	vector          []float64
	sampleCount     int
	lossImprovement float64
	banked          bool
}

// AggregatorState is the externally visible snapshot served by the API.
type AggregatorState struct {
	ShardID           int     `json:"shard_id"`
	Running           bool    `json:"running"`
	ModelVersion      uint64  `json:"model_version"`
	CurrentRound      *Round  `json:"current_round,omitempty"`
	RoundsPublished   uint64  `json:"rounds_published"`
	RoundsAborted     uint64  `json:"rounds_aborted"`
	UpdatesAccepted   uint64  `json:"updates_accepted"`
	UpdatesRejected   uint64  `json:"updates_rejected"`
	BankedUpdates     int     `json:"banked_updates"`
	RegisteredClients int     `json:"registered_clients"`
	DPBudgetSpent     float64 `json:"dp_budget_spent"`
	DPBudgetExhausted bool    `json:"dp_budget_exhausted"`
}

// Aggregator drives federated rounds for one shard: sample, fan out,
// collect, aggregate robustly under the privacy budget, publish, repeat.
// It is the single writer of the model store.
type Aggregator struct {
	cfg         config.FLConfig
	registry    *Registry
	store       *ModelStore
	checkpoints *CheckpointStore
	accountant  *Accountant
	transport   *Server
	bus         *events.Bus
	tel         *telemetry.Telemetry
	log         logger.Logger

	mu           sync.Mutex
	rng          *rand.Rand
	round        *Round
	collected    map[string]*receivedUpdate
	selected     map[string]struct{}
	quorumCh     chan struct{}
	quorumFired  bool
	banked       map[string]*receivedUpdate
	prevRoundID  string
	prevDeadline time.Time
	prevSelected map[string]struct{}
	nextNumber   uint64
	budgetOut    bool
	running      bool

	published uint64
	aborted   uint64
	accepted  uint64
	rejected  uint64

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New restores the aggregator from its checkpoint store (or seeds version
// zero) and prepares the transport. Start launches the round driver.
func New(cfg config.FLConfig, registry *Registry, bus *events.Bus, tel *telemetry.Telemetry) (*Aggregator, error) {
	checkpoints, err := OpenCheckpointStore(cfg.CheckpointPath)
	if err != nil {
		return nil, err
	}

	initial, spentEps, err := checkpoints.Latest()
	if err != nil {
		checkpoints.Close()
		return nil, err
	}
	if initial == nil {
		initial = ZeroModel(cfg.ModelDimension)
	}

	accountant := NewAccountant(cfg.DP, time.Now().UnixNano())
	accountant.Restore(spentEps)

	a := &Aggregator{
		cfg:         cfg,
		registry:    registry,
		store:       NewModelStore(initial, cfg.StragglerVersions),
		checkpoints: checkpoints,
		accountant:  accountant,
		bus:         bus,
		tel:         tel,
		log:         logger.New("fl.aggregator"),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		banked:      make(map[string]*receivedUpdate),
		nextNumber:  1,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	a.transport = NewServer(cfg.ListenAddr, a, a.readDeadline)

	a.log.Info("aggregator restored",
		logger.Uint64("model_version", initial.Version),
		logger.Float64("dp_epsilon_spent", spentEps),
		logger.Int("shard", cfg.Shard.ID))
	return a, nil
}

// Models exposes the store for in-process readers (monitor scoring).
func (a *Aggregator) Models() *ModelStore {
	return a.store
}

// Start binds the transport and launches the round driver.
func (a *Aggregator) Start() error {
	if err := a.transport.Start(); err != nil {
		return err
	}
	a.mu.Lock()
	a.running = true
	a.mu.Unlock()

	go a.run()
	return nil
}

// Addr reports the transport's bound address.
func (a *Aggregator) Addr() string {
	return a.transport.Addr()
}

// Stop cancels collection and shuts the transport down. An aggregate
// already produced finishes publishing before the driver exits.
func (a *Aggregator) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() { close(a.stopCh) })

	a.mu.Lock()
	wasRunning := a.running
	a.mu.Unlock()
	if wasRunning {
		select {
		case <-a.doneCh:
		case <-ctx.Done():
			return errors.NewTimeout("fl aggregator shutdown", 0)
		}
	}

	a.mu.Lock()
	a.running = false
	a.mu.Unlock()

	if err := a.transport.Stop(ctx); err != nil {
		return err
	}
	return a.checkpoints.Close()
}

// run drives rounds back to back until stopped or the privacy budget runs
// out. Population shortfalls pause the driver rather than burning rounds
// that cannot reach min_participants.
func (a *Aggregator) run() {
	defer close(a.doneCh)

	for {
		select {
		case <-a.stopCh:
			return
		default:
		}

		eligible := a.registry.Eligible()
		if len(eligible) < a.cfg.MinParticipants {
			if !a.pause(idlePopulationPause) {
				return
			}
			continue
		}

		charge, err := a.accountant.Admit()
		if err != nil {
			a.markBudgetExhausted(err)
			return
		}

		round, quorum, err := a.openRound(eligible)
		if err != nil {
			a.accountant.Refund(charge)
			a.log.Error("round open failed", logger.Error(err))
			if !a.pause(idlePopulationPause) {
				return
			}
			continue
		}

		if stopped := a.collect(round, quorum); stopped {
			a.abortRound(round, charge, "cancelled")
			return
		}
		a.finalize(round, charge)

		if !a.pause(interRoundPause) {
			return
		}
	}
}

func (a *Aggregator) pause(d time.Duration) bool {
	select {
	case <-a.stopCh:
		return false
	case <-time.After(d):
		return true
	}
}

// openRound samples participants, fans the training config out, and folds
// any updates banked from the previous round's grace window into the new
// collection set.
func (a *Aggregator) openRound(eligible []ClientInfo) (*Round, chan struct{}, error) {
	a.mu.Lock()
	picked, err := SampleClients(a.cfg.SamplingStrategy, eligible, a.cfg.ClientsPerRound, a.rng)
	if err != nil {
		a.mu.Unlock()
		return nil, nil, err
	}
	number := a.nextNumber
	a.nextNumber++
	a.mu.Unlock()

	ids := make([]string, len(picked))
	for i, c := range picked {
		ids[i] = c.ID
	}
	sort.Strings(ids)

	model := a.store.Current()
	now := time.Now().UTC()
	round := &Round{
		ID:              fmt.Sprintf("round-%06d-%s", number, uuid.NewString()[:8]),
		Number:          number,
		State:           RoundOpen,
		SelectedClients: ids,
		Deadline:        now.Add(a.cfg.RoundDeadline()),
		ModelVersion:    model.Version,
		OpenedAt:        now,
	}

	quorum := make(chan struct{})
	a.mu.Lock()
	a.round = round
	a.selected = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		a.selected[id] = struct{}{}
	}
	a.collected = make(map[string]*receivedUpdate, len(ids))
	for id, b := range a.banked {
		a.collected[id] = b
	}
	round.BankedUpdates = len(a.banked)
	round.ReceivedUpdates = len(a.collected)
	a.banked = make(map[string]*receivedUpdate)
	a.quorumCh = quorum
	a.quorumFired = false
	round.State = RoundCollecting
	a.mu.Unlock()

	cfg := &TrainingConfig{
		RoundID:      round.ID,
		ModelVersion: model.Version,
		Weights:      model.Weights,
		Deadline:     round.Deadline,
		Compression:  CompressionScheme(a.cfg.Compression.Scheme),
		TopKFraction: a.cfg.Compression.TopKFraction,
		ClipNorm:     a.cfg.DP.ClipNormC,
		MaxSamples:   a.cfg.MaxSampleCount,
	}
	delivered := a.transport.Broadcast(ids, cfg)

	a.tel.RecordFLRound(context.Background(), "open", a.cfg.AggregationMode)
	a.bus.Publish(events.Event{
		Type:          events.RoundOpened,
		Source:        "fl",
		CorrelationID: round.ID,
		Data: map[string]interface{}{
			"round":         round.Number,
			"model_version": model.Version,
			"selected":      len(ids),
			"delivered":     len(delivered),
			"banked":        round.BankedUpdates,
		},
	})
	a.log.Info("round opened",
		logger.String("round_id", round.ID),
		logger.Int("selected", len(ids)),
		logger.Int("delivered", len(delivered)),
		logger.Time("deadline", round.Deadline))
	return round, quorum, nil
}

// collect blocks until the deadline fires, every selected client has
// reported, or shutdown begins.
func (a *Aggregator) collect(round *Round, quorum chan struct{}) (stopped bool) {
	timer := time.NewTimer(time.Until(round.Deadline))
	defer timer.Stop()

	select {
	case <-quorum:
		return false
	case <-timer.C:
		return false
	case <-a.stopCh:
		return true
	}
}

// finalize runs the robust aggregation pipeline and publishes the next
// model version, or aborts the round and retains the previous model.
func (a *Aggregator) finalize(round *Round, charge float64) {
	a.mu.Lock()
	round.State = RoundAggregating
	now := time.Now().UTC()
	round.AggregatedAt = &now
	a.prevRoundID = round.ID
	a.prevDeadline = round.Deadline
	// The grace window stays open only to selected clients whose update
	// never arrived; a consumed update cannot be spent twice.
	missing := make(map[string]struct{})
	for id := range a.selected {
		if _, ok := a.collected[id]; !ok {
			missing[id] = struct{}{}
		}
	}
	a.prevSelected = missing
	updates := make([]*receivedUpdate, 0, len(a.collected))
	for _, u := range a.collected {
		updates = append(updates, u)
	}
	a.mu.Unlock()
	sort.Slice(updates, func(i, j int) bool { return updates[i].clientID < updates[j].clientID })

	if len(updates) < a.cfg.MinParticipants {
		a.abortRound(round, charge,
			fmt.Sprintf("%d updates below min_participants %d", len(updates), a.cfg.MinParticipants))
		return
	}

	vectors := make([][]float64, len(updates))
	for i, u := range updates {
		vectors[i] = a.accountant.Clip(u.vector)
	}

	opts := AggregationOptions{
		ByzantineF: a.cfg.ByzantineFractionF,
		MultiKrumM: a.cfg.MultiKrumM,
		TrimBeta:   a.cfg.TrimFractionBeta,
	}
	aggregate, contributors, err := Aggregate(AggregationMode(a.cfg.AggregationMode), vectors, opts)
	if err != nil {
		a.abortRound(round, charge, "aggregation failed: "+err.Error())
		return
	}
	aggregate = a.accountant.AddNoise(aggregate, len(vectors))

	prev := a.store.Current()
	weights := make([]float64, len(prev.Weights))
	copy(weights, prev.Weights)
	for i := range weights {
		if i < len(aggregate) {
			weights[i] += aggregate[i]
		}
	}

	lineage := append(append([]string(nil), prev.TrainedOnRounds...), round.ID)
	if len(lineage) > a.cfg.StragglerVersions {
		lineage = lineage[len(lineage)-a.cfg.StragglerVersions:]
	}
	model := &GlobalModel{
		Version:         prev.Version + 1,
		Weights:         weights,
		TrainedOnRounds: lineage,
		PublishedAt:     time.Now().UTC(),
	}

	// The round holds in aggregating until the checkpoint lands; publishing
	// first could hand out a version a restart would not know about.
	if ok := a.checkpointWithRetry(model); !ok {
		a.log.Error("shutdown with unpublished aggregate; round left aggregating",
			logger.String("round_id", round.ID))
		return
	}

	if !a.store.Publish(model) {
		a.abortRound(round, charge, "version conflict on publish")
		return
	}

	a.mu.Lock()
	round.State = RoundPublished
	v := model.Version
	round.PublishedVersion = &v
	a.published++
	a.mu.Unlock()

	ctx := context.Background()
	a.tel.RecordFLRound(ctx, "published", a.cfg.AggregationMode)
	if charge > 0 {
		a.tel.RecordDPSpend(ctx, charge)
	}
	a.bus.Publish(events.Event{
		Type:          events.RoundPublished,
		Source:        "fl",
		CorrelationID: round.ID,
		Data: map[string]interface{}{
			"round":        round.Number,
			"version":      model.Version,
			"updates":      len(updates),
			"contributors": len(contributors),
		},
	})
	a.bus.Publish(events.Event{
		Type:          events.ModelPublished,
		Source:        "fl",
		CorrelationID: round.ID,
		Data: map[string]interface{}{
			"version":      model.Version,
			"dp_spent":     a.accountant.Spent(),
			"participants": len(updates),
		},
	})
	a.log.Info("model published",
		logger.String("round_id", round.ID),
		logger.Uint64("version", model.Version),
		logger.Int("updates", len(updates)),
		logger.Int("contributors", len(contributors)))
}

// checkpointWithRetry persists the model, retrying with backoff until it
// lands or shutdown wins. False means the caller must not publish.
func (a *Aggregator) checkpointWithRetry(model *GlobalModel) bool {
	retryCfg := &resilience.RetryConfig{
		MaxAttempts:  5,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
	for {
		_, err := resilience.Retry(context.Background(), retryCfg, func(context.Context) error {
			if err := a.checkpoints.Save(model, a.cfg.AggregationMode, a.accountant.Spent()); err != nil {
				return errors.NewTransient("checkpoint save: "+err.Error(), 0)
			}
			return nil
		})
		if err == nil {
			return true
		}
		a.log.Error("checkpoint still failing, holding round",
			logger.Uint64("version", model.Version),
			logger.Error(err))
		select {
		case <-a.stopCh:
			return false
		case <-time.After(checkpointRetryPause):
		}
	}
}

func (a *Aggregator) abortRound(round *Round, charge float64, reason string) {
	a.accountant.Refund(charge)

	a.mu.Lock()
	round.State = RoundAborted
	round.AbortReason = reason
	a.prevRoundID = round.ID
	a.prevDeadline = round.Deadline
	a.prevSelected = a.selected
	a.aborted++
	a.mu.Unlock()

	a.tel.RecordFLRound(context.Background(), "aborted", a.cfg.AggregationMode)
	a.bus.Publish(events.Event{
		Type:          events.RoundAborted,
		Source:        "fl",
		CorrelationID: round.ID,
		Data: map[string]interface{}{
			"round":  round.Number,
			"reason": reason,
		},
	})
	a.log.Warn("round aborted",
		logger.String("round_id", round.ID),
		logger.String("reason", reason))
}

func (a *Aggregator) markBudgetExhausted(err error) {
	a.mu.Lock()
	a.budgetOut = true
	a.mu.Unlock()

	a.bus.Publish(events.Event{
		Type:   events.BudgetExhausted,
		Source: "fl",
		Data: map[string]interface{}{
			"spent":  a.accountant.Spent(),
			"budget": a.cfg.DP.EpsilonBudget,
		},
	})
	a.log.Warn("privacy budget exhausted, round driver stopping",
		logger.Float64("spent", a.accountant.Spent()),
		logger.Float64("budget", a.cfg.DP.EpsilonBudget),
		logger.Error(err))
}

// readDeadline tells the transport how long reads may block: through the
// active round plus its grace window, or the idle default between rounds.
func (a *Aggregator) readDeadline() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.round != nil && a.round.State == RoundCollecting {
		return a.round.Deadline.Add(a.cfg.Grace())
	}
	if !a.prevDeadline.IsZero() {
		if g := a.prevDeadline.Add(a.cfg.Grace()); time.Now().Before(g) {
			return g
		}
	}
	return time.Time{}
}

// HandleRegister implements the transport handler: pin the key, resolve
// the shard, tell the client where it belongs.
func (a *Aggregator) HandleRegister(ctx context.Context, req RegisterRequest) (RegisterAck, error) {
	shard, err := a.registry.Register(ctx, req.ClientID, ed25519.PublicKey(req.PublicKey), req.Capacity)
	if err != nil {
		return RegisterAck{}, err
	}
	if shard != a.cfg.Shard.ID {
		a.bus.Publish(events.Event{
			Type:   events.ClientsReassigned,
			Source: "fl",
			Data: map[string]interface{}{
				"client_id": req.ClientID,
				"shard":     shard,
			},
		})
	}
	return RegisterAck{ClientID: req.ClientID, Shard: shard}, nil
}

// HandleUpdate implements the transport handler: verify, validate, and
// route one submission into the active round or the grace bank.
func (a *Aggregator) HandleUpdate(ctx context.Context, update *ClientUpdate) (UpdateAck, error) {
	update.ReceivedAt = time.Now().UTC()
	ack := UpdateAck{RoundID: update.RoundID, ClientID: update.ClientID}

	if update.ClientID == "" || update.Gradient == nil {
		return a.reject(ctx, ack, update, "malformed", false)
	}

	pub, known := a.registry.PublicKey(update.ClientID)
	if !known {
		return a.reject(ctx, ack, update, "unknown_client", false)
	}
	if err := VerifyUpdate(update, pub); err != nil {
		return a.reject(ctx, ack, update, "signature_mismatch", true)
	}
	if update.SampleCount < 1 || update.SampleCount > a.cfg.MaxSampleCount {
		return a.reject(ctx, ack, update, "sample_count_bounds", true)
	}

	vector, err := update.Gradient.Decompress()
	if err != nil {
		return a.reject(ctx, ack, update, "malformed_gradient", true)
	}
	if len(vector) != a.cfg.ModelDimension {
		return a.reject(ctx, ack, update, "dimension_mismatch", true)
	}

	recv := &receivedUpdate{
		clientID:        update.ClientID,
		vector:          vector,
		sampleCount:     update.SampleCount,
		lossImprovement: update.LossImprovement,
	}

	a.mu.Lock()
	cur := a.round
	switch {
	case cur != nil && cur.State == RoundCollecting && update.RoundID == cur.ID:
		if _, sel := a.selected[update.ClientID]; !sel {
			a.mu.Unlock()
			return a.reject(ctx, ack, update, "not_selected", false)
		}
		if prev, dup := a.collected[update.ClientID]; dup && !prev.banked {
			a.mu.Unlock()
			return a.reject(ctx, ack, update, "duplicate", false)
		}
		a.collected[update.ClientID] = recv
		cur.ReceivedUpdates = len(a.collected)
		a.accepted++
		if !a.quorumFired && a.quorumLocked() {
			a.quorumFired = true
			close(a.quorumCh)
		}
		a.mu.Unlock()

	case update.RoundID == a.prevRoundID && update.RoundID != "" &&
		time.Now().Before(a.prevDeadline.Add(a.cfg.Grace())):
		// Late for its own round but inside the grace window: bank it for
		// the next aggregation instead of discarding the client's work.
		// Only clients the closed round actually selected may use this path.
		if _, sel := a.prevSelected[update.ClientID]; !sel {
			a.mu.Unlock()
			return a.reject(ctx, ack, update, "not_selected", false)
		}
		recv.banked = true
		ack.Banked = true
		if cur != nil && cur.State == RoundCollecting {
			if _, dup := a.collected[update.ClientID]; dup {
				a.mu.Unlock()
				return a.reject(ctx, ack, update, "duplicate", false)
			}
			a.collected[update.ClientID] = recv
			cur.ReceivedUpdates = len(a.collected)
		} else {
			if _, dup := a.banked[update.ClientID]; dup {
				a.mu.Unlock()
				return a.reject(ctx, ack, update, "duplicate", false)
			}
			a.banked[update.ClientID] = recv
		}
		a.accepted++
		a.mu.Unlock()

	default:
		a.mu.Unlock()
		return a.reject(ctx, ack, update, "round_closed", false)
	}

	a.registry.Reward(update.ClientID)
	a.registry.ReportProgress(update.ClientID, update.LossImprovement)
	a.tel.RecordFLUpdate(ctx, true)

	ack.Accepted = true
	return ack, nil
}

// quorumLocked reports whether every selected client has an update in the
// collection set. Caller holds a.mu.
func (a *Aggregator) quorumLocked() bool {
	for id := range a.selected {
		if _, ok := a.collected[id]; !ok {
			return false
		}
	}
	return len(a.selected) > 0
}

func (a *Aggregator) reject(ctx context.Context, ack UpdateAck, update *ClientUpdate, reason string, penalize bool) (UpdateAck, error) {
	if penalize {
		a.registry.PenalizeIntegrity(update.ClientID)
	}
	a.mu.Lock()
	a.rejected++
	a.mu.Unlock()

	a.tel.RecordFLUpdate(ctx, false)
	a.tel.RecordFLRejection(ctx, reason)
	a.bus.Publish(events.Event{
		Type:          events.UpdateRejected,
		Source:        "fl",
		CorrelationID: update.RoundID,
		Data: map[string]interface{}{
			"client_id": update.ClientID,
			"reason":    reason,
		},
	})
	a.log.Debug("update rejected",
		logger.String("client_id", update.ClientID),
		logger.String("round_id", update.RoundID),
		logger.String("reason", reason))

	ack.Accepted = false
	ack.Reason = reason
	return ack, nil
}

// HandleModelRequest implements the transport handler: serve the current
// model, or a retained version for a straggler, falling back to the
// checkpoint store when the ring has moved on.
func (a *Aggregator) HandleModelRequest(_ context.Context, req ModelRequest) (*GlobalModel, error) {
	if req.Version == 0 {
		return a.store.Current(), nil
	}
	if m, ok := a.store.Version(req.Version); ok {
		return m, nil
	}
	return a.checkpoints.Load(req.Version)
}

// State snapshots the aggregator for the operator API.
func (a *Aggregator) State() AggregatorState {
	a.mu.Lock()
	defer a.mu.Unlock()

	var roundCopy *Round
	if a.round != nil {
		c := *a.round
		c.SelectedClients = append([]string(nil), a.round.SelectedClients...)
		roundCopy = &c
	}
	return AggregatorState{
		ShardID:           a.cfg.Shard.ID,
		Running:           a.running,
		ModelVersion:      a.store.Current().Version,
		CurrentRound:      roundCopy,
		RoundsPublished:   a.published,
		RoundsAborted:     a.aborted,
		UpdatesAccepted:   a.accepted,
		UpdatesRejected:   a.rejected,
		BankedUpdates:     len(a.banked),
		RegisteredClients: len(a.registry.Clients()),
		DPBudgetSpent:     a.accountant.Spent(),
		DPBudgetExhausted: a.budgetOut || a.accountant.Exhausted(),
	}
}
