package fl

import (
	"context"
	"crypto/ed25519"
	"crypto/subtle"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/meshwarden/meshwarden/internal/errors"
	"github.com/meshwarden/meshwarden/internal/logger"
)

// Reputation bounds. New clients start trusted; integrity failures cost
// far more than honest participation earns back.
const (
	reputationInitial  = 1.0
	reputationFloor    = 0.3
	reputationPenalty  = 0.2
	reputationReward   = 0.02
	lossImprovementEMA = 0.3
)

// ResourceReport is a client's self-reported capacity, read by the
// resource-aware sampling strategy.
type ResourceReport struct {
	CPUMilli   int       `json:"cpu_milli"`
	MemoryMB   int       `json:"memory_mb"`
	ReportedAt time.Time `json:"reported_at,omitempty"`
}

// ClientInfo is the registry's public view of one worker node.
type ClientInfo struct {
	ID              string         `json:"id"`
	PublicKey       []byte         `json:"public_key"`
	Reputation      float64        `json:"reputation"`
	LossImprovement float64        `json:"loss_improvement"`
	Capacity        ResourceReport `json:"capacity"`
	Shard           int            `json:"shard"`
	LastSeen        time.Time      `json:"last_seen"`
}

// ShardAssigner maps a client to its aggregator shard. Assignments must be
// stable across rounds so per-client baselines survive.
type ShardAssigner interface {
	Assign(ctx context.Context, clientID string) (int, error)
	Close() error
}

// hashAssigner partitions clients by FNV hash. Stable for a fixed shard
// count; suits single-process deployments and tests.
type hashAssigner struct {
	count int
}

// NewHashAssigner builds the in-memory assigner.
func NewHashAssigner(count int) ShardAssigner {
	if count < 1 {
		count = 1
	}
	return &hashAssigner{count: count}
}

func (h *hashAssigner) Assign(_ context.Context, clientID string) (int, error) {
	return hashShard(clientID, h.count), nil
}

func (h *hashAssigner) Close() error { return nil }

func hashShard(clientID string, count int) int {
	f := fnv.New32a()
	f.Write([]byte(clientID))
	return int(f.Sum32() % uint32(count))
}

// EtcdAssigner persists assignments in etcd so every aggregator replica
// sees the same partition. The first writer wins; later reads return the
// recorded shard even if the hash proposal would now differ.
type EtcdAssigner struct {
	cli   *clientv3.Client
	count int
	log   logger.Logger
}

// NewEtcdAssigner connects to the etcd cluster backing the shard registry.
func NewEtcdAssigner(endpoints []string, count int) (*EtcdAssigner, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, errors.NewUnavailable("etcd shard registry", err)
	}
	if count < 1 {
		count = 1
	}
	return &EtcdAssigner{cli: cli, count: count, log: logger.New("fl.shards")}, nil
}

func assignmentKey(clientID string) string {
	return "meshwarden/fl/assignments/" + clientID
}

// Assign proposes the hash shard for a new client and records it with a
// create-if-absent transaction; an existing record wins over the proposal.
func (e *EtcdAssigner) Assign(ctx context.Context, clientID string) (int, error) {
	key := assignmentKey(clientID)
	proposed := hashShard(clientID, e.count)

	txn, err := e.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, fmt.Sprintf("%d", proposed))).
		Else(clientv3.OpGet(key)).
		Commit()
	if err != nil {
		return 0, errors.NewUnavailable("etcd shard registry", err)
	}
	if txn.Succeeded {
		return proposed, nil
	}

	kvs := txn.Responses[0].GetResponseRange().Kvs
	if len(kvs) == 0 {
		return 0, errors.New(errors.KindInternal, "shard assignment vanished mid-transaction").Build()
	}
	var recorded int
	if _, err := fmt.Sscanf(string(kvs[0].Value), "%d", &recorded); err != nil {
		return 0, errors.NewIntegrity("corrupt shard assignment record")
	}
	return recorded, nil
}

// CampaignLeader takes the shard leadership lease. The returned release
// function drops the lease; losing the keepalive loses leadership.
func (e *EtcdAssigner) CampaignLeader(ctx context.Context, shardID int, instanceID string, ttlSeconds int) (func(), error) {
	lease, err := e.cli.Grant(ctx, int64(ttlSeconds))
	if err != nil {
		return nil, errors.NewUnavailable("etcd lease grant", err)
	}

	key := fmt.Sprintf("meshwarden/fl/shards/%d/leader", shardID)
	txn, err := e.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, instanceID, clientv3.WithLease(lease.ID))).
		Commit()
	if err != nil {
		return nil, errors.NewUnavailable("etcd leadership campaign", err)
	}
	if !txn.Succeeded {
		e.cli.Revoke(context.Background(), lease.ID)
		return nil, errors.NewConflict(fmt.Sprintf("shard %d already has a leader", shardID))
	}

	keepalive, err := e.cli.KeepAlive(ctx, lease.ID)
	if err != nil {
		e.cli.Revoke(context.Background(), lease.ID)
		return nil, errors.NewUnavailable("etcd lease keepalive", err)
	}
	go func() {
		for range keepalive {
		}
	}()

	e.log.Info("shard leadership acquired",
		logger.Int("shard", shardID),
		logger.String("instance", instanceID))
	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		e.cli.Revoke(ctx, lease.ID)
	}
	return release, nil
}

func (e *EtcdAssigner) Close() error {
	return e.cli.Close()
}

type clientRecord struct {
	info ClientInfo
}

// Registry tracks the worker population for one aggregator shard: pinned
// public keys, reputation, capacity reports, and convergence signals.
type Registry struct {
	shardID  int
	assigner ShardAssigner
	log      logger.Logger

	mu      sync.RWMutex
	clients map[string]*clientRecord
}

// NewRegistry builds the registry for this aggregator's shard.
func NewRegistry(shardID int, assigner ShardAssigner) *Registry {
	return &Registry{
		shardID:  shardID,
		assigner: assigner,
		log:      logger.New("fl.registry"),
		clients:  make(map[string]*clientRecord),
	}
}

// Register pins a client's public key and resolves its shard. The first
// registration wins: a later attempt with a different key is an integrity
// error, not a key rotation.
func (r *Registry) Register(ctx context.Context, id string, pub ed25519.PublicKey, capacity ResourceReport) (int, error) {
	if id == "" {
		return 0, errors.NewValidation("client id must not be empty")
	}
	if len(pub) != ed25519.PublicKeySize {
		return 0, errors.NewValidation("client public key must be ed25519")
	}

	r.mu.RLock()
	existing, ok := r.clients[id]
	r.mu.RUnlock()
	if ok {
		if subtle.ConstantTimeCompare(existing.info.PublicKey, pub) != 1 {
			return 0, errors.NewIntegrity("client re-registered with a different key").
				WithCorrelation(id)
		}
		r.mu.Lock()
		existing.info.Capacity = capacity
		existing.info.LastSeen = time.Now().UTC()
		shard := existing.info.Shard
		r.mu.Unlock()
		return shard, nil
	}

	shard, err := r.assigner.Assign(ctx, id)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	r.clients[id] = &clientRecord{info: ClientInfo{
		ID:         id,
		PublicKey:  append([]byte(nil), pub...),
		Reputation: reputationInitial,
		Capacity:   capacity,
		Shard:      shard,
		LastSeen:   time.Now().UTC(),
	}}
	r.mu.Unlock()

	r.log.Info("client registered",
		logger.String("client_id", id),
		logger.Int("shard", shard))
	return shard, nil
}

// PublicKey returns the pinned key for signature verification.
func (r *Registry) PublicKey(id string) (ed25519.PublicKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.clients[id]
	if !ok {
		return nil, false
	}
	return ed25519.PublicKey(rec.info.PublicKey), true
}

// PenalizeIntegrity decrements reputation after a signature mismatch or a
// malformed update. Clients under the floor stop being sampled.
func (r *Registry) PenalizeIntegrity(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.clients[id]
	if !ok {
		return
	}
	rec.info.Reputation -= reputationPenalty
	if rec.info.Reputation < 0 {
		rec.info.Reputation = 0
	}
}

// Reward recovers reputation slowly after an accepted update.
func (r *Registry) Reward(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.clients[id]
	if !ok {
		return
	}
	rec.info.Reputation += reputationReward
	if rec.info.Reputation > reputationInitial {
		rec.info.Reputation = reputationInitial
	}
	rec.info.LastSeen = time.Now().UTC()
}

// ReportProgress folds a client's self-reported loss improvement into an
// exponential moving average for the convergence-weighted sampler.
func (r *Registry) ReportProgress(id string, improvement float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.clients[id]
	if !ok {
		return
	}
	prev := rec.info.LossImprovement
	rec.info.LossImprovement = prev*(1-lossImprovementEMA) + improvement*lossImprovementEMA
}

// Reputation reads one client's standing; unknown clients report zero.
func (r *Registry) Reputation(id string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.clients[id]
	if !ok {
		return 0
	}
	return rec.info.Reputation
}

// Eligible lists this shard's clients above the reputation floor, sorted
// by id for deterministic sampling.
func (r *Registry) Eligible() []ClientInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ClientInfo, 0, len(r.clients))
	for _, rec := range r.clients {
		if rec.info.Shard != r.shardID {
			continue
		}
		if rec.info.Reputation < reputationFloor {
			continue
		}
		out = append(out, rec.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Clients returns every registered client, for the operator API.
func (r *Registry) Clients() []ClientInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ClientInfo, 0, len(r.clients))
	for _, rec := range r.clients {
		out = append(out, rec.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
