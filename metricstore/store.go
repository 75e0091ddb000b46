// Package metricstore persists experiment runs in a badger key-value store so
// metrics can be compared across epochs and runs after training ends.
//
// Every record lives under run/<id>/ and is encoded as a protobuf Struct:
//
//	runs/<id>                         run index (creation time)
//	run/<id>/params                   parameters and tags
//	run/<id>/metrics/<epoch>          metric summaries and the epoch's step
//	run/<id>/histograms/<epoch>       histogram values
//	run/<id>/scatter/<epoch>          scatter series
//	run/<id>/assets/<epoch>/<name>    raw asset bytes and WAV audio
package metricstore

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/tsawler/go-sisdr/checkpoints"
	"github.com/tsawler/go-sisdr/training"
)

// ErrNotFound is returned when a run or record does not exist.
var ErrNotFound = errors.New("not found")

// Store is a badger-backed run database. It is safe for concurrent use.
type Store struct {
	db       *badger.DB
	inMemory bool
}

// RunInfo describes a stored run.
type RunInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// RunParameters are the experiment parameters logged at the start of a run.
type RunParameters struct {
	Parameters map[string]interface{} `json:"parameters"`
	Tags       []string               `json:"tags"`
}

// EpochMetrics are the summaries logged for one epoch, keyed by metric name.
type EpochMetrics struct {
	Step    training.Step               `json:"step"`
	Metrics map[string]training.Summary `json:"metrics"`
}

type seriesRecord struct {
	Series map[string][]float64 `json:"series"`
}

// Open opens or creates the store in dir. An empty dir keeps everything in
// memory.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLoggingLevel(badger.WARNING)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open metric store: %w", err)
	}
	return &Store{db: db, inMemory: dir == ""}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Sync persists pending writes to disk.
func (s *Store) Sync() error {
	if s.inMemory {
		return nil
	}
	return s.db.Sync()
}

// Runs lists the stored runs, oldest first.
func (s *Store) Runs() ([]RunInfo, error) {
	var runs []RunInfo
	err := s.scan("runs/", func(key string, value []byte) error {
		var info RunInfo
		if err := checkpoints.DecodeAsset(value, checkpoints.FormatProto, &info); err != nil {
			return fmt.Errorf("corrupt run index %s: %w", key, err)
		}
		runs = append(runs, info)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].CreatedAt.Before(runs[j].CreatedAt) })
	return runs, nil
}

// Parameters returns the parameters logged for runID.
func (s *Store) Parameters(runID string) (RunParameters, error) {
	var params RunParameters
	err := s.getRecord(runKey(runID, "params"), &params)
	return params, err
}

// Metrics returns every epoch's metric summaries of runID in epoch order.
func (s *Store) Metrics(runID string) ([]EpochMetrics, error) {
	var epochs []EpochMetrics
	err := s.scan(runKey(runID, "metrics")+"/", func(key string, value []byte) error {
		var m EpochMetrics
		if err := checkpoints.DecodeAsset(value, checkpoints.FormatProto, &m); err != nil {
			return fmt.Errorf("corrupt metrics record %s: %w", key, err)
		}
		epochs = append(epochs, m)
		return nil
	})
	return epochs, err
}

// MetricHistory returns the per-epoch mean of one metric, such as
// "val_SISDRi", across runID.
func (s *Store) MetricHistory(runID, name string) ([]float64, error) {
	epochs, err := s.Metrics(runID)
	if err != nil {
		return nil, err
	}
	var history []float64
	for _, e := range epochs {
		if summary, ok := e.Metrics[name]; ok {
			history = append(history, summary.Mean)
		}
	}
	if history == nil {
		return nil, fmt.Errorf("metric %s of run %s: %w", name, runID, ErrNotFound)
	}
	return history, nil
}

// Histograms returns the histogram values logged for one epoch.
func (s *Store) Histograms(runID string, epoch int) (map[string][]float64, error) {
	var rec seriesRecord
	if err := s.getRecord(epochKey(runID, "histograms", epoch), &rec); err != nil {
		return nil, err
	}
	return rec.Series, nil
}

// Scatter returns the scatter series logged for one epoch, keyed by
// "<x>_vs_<y>_x" and "<x>_vs_<y>_y".
func (s *Store) Scatter(runID string, epoch int) (map[string][]float64, error) {
	var rec seriesRecord
	if err := s.getRecord(epochKey(runID, "scatter", epoch), &rec); err != nil {
		return nil, err
	}
	return rec.Series, nil
}

// Asset returns the bytes of an asset or audio clip.
func (s *Store) Asset(runID string, epoch int, name string) ([]byte, error) {
	return s.get(epochKey(runID, "assets", epoch) + "/" + name)
}

// Assets lists the asset names stored for one epoch.
func (s *Store) Assets(runID string, epoch int) ([]string, error) {
	prefix := epochKey(runID, "assets", epoch) + "/"
	var names []string
	err := s.scan(prefix, func(key string, _ []byte) error {
		names = append(names, strings.TrimPrefix(key, prefix))
		return nil
	})
	return names, err
}

func (s *Store) put(entries map[string][]byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for key, value := range entries {
			if err := txn.Set([]byte(key), value); err != nil {
				return fmt.Errorf("failed to write %s: %w", key, err)
			}
		}
		return nil
	})
}

func (s *Store) putRecord(key string, v interface{}) error {
	value, err := checkpoints.EncodeAsset(v, checkpoints.FormatProto)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return s.put(map[string][]byte{key: value})
}

func (s *Store) get(key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) getRecord(key string, v interface{}) error {
	value, err := s.get(key)
	if err != nil {
		return err
	}
	if err := checkpoints.DecodeAsset(value, checkpoints.FormatProto, v); err != nil {
		return fmt.Errorf("corrupt record %s: %w", key, err)
	}
	return nil
}

// scan visits every key under prefix in key order.
func (s *Store) scan(prefix string, fn func(key string, value []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(string(item.KeyCopy(nil)), value); err != nil {
				return err
			}
		}
		return nil
	})
}

func runKey(runID, record string) string {
	return "run/" + runID + "/" + record
}

// epochKey zero-pads the epoch so keys sort numerically.
func epochKey(runID, record string, epoch int) string {
	return fmt.Sprintf("%s/%06d", runKey(runID, record), epoch)
}
