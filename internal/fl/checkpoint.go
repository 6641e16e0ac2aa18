package fl

import (
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/meshwarden/meshwarden/internal/errors"
)

const checkpointSchemaVersion = 1

const checkpointSchema = `
CREATE TABLE IF NOT EXISTS model_checkpoints (
	version INTEGER PRIMARY KEY,
	weights BLOB NOT NULL,
	trained_on_rounds TEXT NOT NULL,
	aggregation_mode TEXT NOT NULL,
	dp_epsilon_spent REAL NOT NULL DEFAULT 0,
	published_at TIMESTAMP NOT NULL,
	schema_version INTEGER NOT NULL DEFAULT 1
);
`

// CheckpointStore persists published global models in SQLite so an
// aggregator restart resumes from the last round instead of version zero.
type CheckpointStore struct {
	db *sql.DB
}

// OpenCheckpointStore opens (creating if needed) the checkpoint database.
func OpenCheckpointStore(path string) (*CheckpointStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.New(errors.KindInternal, "create checkpoint directory").
				WithWrapped(err).
				Build()
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.New(errors.KindInternal, "open checkpoint database").
			WithWrapped(err).
			Build()
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if _, err := db.Exec(checkpointSchema); err != nil {
		db.Close()
		return nil, errors.New(errors.KindInternal, "initialize checkpoint schema").
			WithWrapped(err).
			Build()
	}
	return &CheckpointStore{db: db}, nil
}

func (s *CheckpointStore) Close() error {
	return s.db.Close()
}

// Save writes one published model. Re-saving an existing version is a
// no-op so a crash between checkpoint and publish replays cleanly.
func (s *CheckpointStore) Save(m *GlobalModel, mode string, epsilonSpent float64) error {
	rounds, err := json.Marshal(m.TrainedOnRounds)
	if err != nil {
		return errors.New(errors.KindInternal, "encode checkpoint round list").
			WithWrapped(err).
			Build()
	}
	_, err = s.db.Exec(`
		INSERT INTO model_checkpoints (
			version, weights, trained_on_rounds, aggregation_mode,
			dp_epsilon_spent, published_at, schema_version
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(version) DO NOTHING`,
		int64(m.Version), encodeWeights(m.Weights), string(rounds), mode,
		epsilonSpent, m.PublishedAt.UTC(), checkpointSchemaVersion)
	if err != nil {
		return errors.New(errors.KindInternal, "persist model checkpoint").
			WithDetail("version", m.Version).
			WithWrapped(err).
			Build()
	}
	return nil
}

// Latest returns the newest checkpoint and its cumulative privacy spend,
// or nil when the store is empty.
func (s *CheckpointStore) Latest() (*GlobalModel, float64, error) {
	row := s.db.QueryRow(`
		SELECT version, weights, trained_on_rounds, dp_epsilon_spent, published_at
		FROM model_checkpoints ORDER BY version DESC LIMIT 1`)
	m, spent, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, 0, nil
	}
	return m, spent, err
}

// Load fetches one checkpointed version for straggler recovery beyond the
// in-memory ring.
func (s *CheckpointStore) Load(version uint64) (*GlobalModel, error) {
	row := s.db.QueryRow(`
		SELECT version, weights, trained_on_rounds, dp_epsilon_spent, published_at
		FROM model_checkpoints WHERE version = ?`, int64(version))
	m, _, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFound("model checkpoint")
	}
	return m, err
}

// Prune drops all but the newest keep checkpoints.
func (s *CheckpointStore) Prune(keep int) error {
	if keep <= 0 {
		return errors.NewValidation("checkpoint retention must be positive")
	}
	_, err := s.db.Exec(`
		DELETE FROM model_checkpoints WHERE version NOT IN (
			SELECT version FROM model_checkpoints ORDER BY version DESC LIMIT ?
		)`, keep)
	if err != nil {
		return errors.New(errors.KindInternal, "prune model checkpoints").
			WithWrapped(err).
			Build()
	}
	return nil
}

func scanCheckpoint(row *sql.Row) (*GlobalModel, float64, error) {
	var (
		version   int64
		blob      []byte
		rounds    string
		spent     float64
		published time.Time
	)
	if err := row.Scan(&version, &blob, &rounds, &spent, &published); err != nil {
		if err == sql.ErrNoRows {
			return nil, 0, err
		}
		return nil, 0, errors.New(errors.KindInternal, "scan model checkpoint").
			WithWrapped(err).
			Build()
	}
	weights, err := decodeWeights(blob)
	if err != nil {
		return nil, 0, err
	}
	var trainedOn []string
	if err := json.Unmarshal([]byte(rounds), &trainedOn); err != nil {
		return nil, 0, errors.NewIntegrity("corrupt checkpoint round list")
	}
	return &GlobalModel{
		Version:         uint64(version),
		Weights:         weights,
		TrainedOnRounds: trainedOn,
		PublishedAt:     published,
	}, spent, nil
}

func encodeWeights(weights []float64) []byte {
	buf := make([]byte, 8*len(weights))
	for i, w := range weights {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(w))
	}
	return buf
}

func decodeWeights(blob []byte) ([]float64, error) {
	if len(blob)%8 != 0 {
		return nil, errors.NewIntegrity("corrupt checkpoint weight blob")
	}
	weights := make([]float64, len(blob)/8)
	for i := range weights {
		weights[i] = math.Float64frombits(binary.LittleEndian.Uint64(blob[i*8:]))
	}
	return weights, nil
}
