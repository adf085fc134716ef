package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/cuemby/conductor/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketTasks     = []byte("tasks")
	bucketWorkers   = []byte("workers")
	bucketRateLimit = []byte("rate_limit")
	bucketFindings  = []byte("security_findings")
)

const rateLimitKey = "singleton"

// BoltStore is the durable Store implementation. Every operation that
// reads-then-writes (ClaimNext, UpdateByToken, Transition, Heartbeat,
// SweepStaleClaims) runs inside a single db.Update closure: bbolt admits
// only one writer transaction at a time, so the closure itself is the
// serialization point and no additional in-process lock is needed.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database file under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "conductor.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketTasks, bucketWorkers, bucketRateLimit, bucketFindings} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// --- Tasks ---

func (s *BoltStore) SubmitTask(task *types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		if task.DedupKey != "" {
			if existing := findActiveByDedupKey(b, task.DedupKey); existing != nil {
				return ErrDuplicateDedupKey
			}
		}
		return putTask(b, task)
	})
}

func (s *BoltStore) GetTask(id string) (*types.Task, error) {
	var task types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &task)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *BoltStore) ListTasks() ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.ForEach(func(k, v []byte) error {
			var t types.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			tasks = append(tasks, &t)
			return nil
		})
	})
	return tasks, err
}

func (s *BoltStore) ListTasksByState(states ...types.TaskState) ([]*types.Task, error) {
	want := make(map[types.TaskState]bool, len(states))
	for _, st := range states {
		want[st] = true
	}
	all, err := s.ListTasks()
	if err != nil {
		return nil, err
	}
	var out []*types.Task
	for _, t := range all {
		if want[t.State] {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *BoltStore) FindByDedupKey(dedupKey string) (*types.Task, error) {
	var found *types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		found = findActiveByDedupKey(tx.Bucket(bucketTasks), dedupKey)
		return nil
	})
	return found, err
}

// findActiveByDedupKey returns the first non-terminal task sharing dedupKey.
func findActiveByDedupKey(b *bolt.Bucket, dedupKey string) *types.Task {
	var found *types.Task
	b.ForEach(func(k, v []byte) error {
		if found != nil {
			return nil
		}
		var t types.Task
		if err := json.Unmarshal(v, &t); err != nil {
			return nil
		}
		if t.DedupKey == dedupKey && !t.State.Terminal() {
			found = &t
		}
		return nil
	})
	return found
}

func putTask(b *bolt.Bucket, task *types.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return b.Put([]byte(task.ID), data)
}

// claimableStates are the states from which ClaimNext may dispatch a task.
var claimableStates = map[types.TaskState]bool{
	types.StatePending: true,
}

// hasLabels reports whether taskLabels contains every key/value pair in
// required. An empty or nil required matches any task.
func hasLabels(taskLabels, required map[string]string) bool {
	for k, v := range required {
		if taskLabels[k] != v {
			return false
		}
	}
	return true
}

func (s *BoltStore) ClaimNext(workerID, claimToken string, classes []types.TaskClass, classConcurrency map[types.TaskClass]int, requiredLabels map[string]string) (*types.Task, error) {
	allowed := make(map[types.TaskClass]bool, len(classes))
	for _, c := range classes {
		allowed[c] = true
	}

	var claimed *types.Task
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		var candidates []*types.Task
		processing := make(map[types.TaskClass]int)
		if err := b.ForEach(func(k, v []byte) error {
			var t types.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if t.State == types.StateProcessing {
				processing[t.Class]++
			}
			if claimableStates[t.State] && allowed[t.Class] && hasLabels(t.Labels, requiredLabels) {
				candidates = append(candidates, &t)
			}
			return nil
		}); err != nil {
			return err
		}
		if len(candidates) == 0 {
			return nil
		}

		sort.SliceStable(candidates, func(i, j int) bool {
			if candidates[i].Priority.Rank() != candidates[j].Priority.Rank() {
				return candidates[i].Priority.Rank() > candidates[j].Priority.Rank()
			}
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		})

		var t *types.Task
		for _, c := range candidates {
			if limit, ok := classConcurrency[c.Class]; ok && limit > 0 && processing[c.Class] >= limit {
				continue
			}
			t = c
			break
		}
		if t == nil {
			return nil
		}

		now := time.Now()
		t.State = types.StateProcessing
		t.WorkerID = workerID
		t.ClaimToken = claimToken
		t.AttemptCount++
		t.StartedAt = &now
		t.HeartbeatAt = &now
		t.UpdatedAt = now
		if err := putTask(b, t); err != nil {
			return err
		}
		claimed = t
		return nil
	})
	return claimed, err
}

func (s *BoltStore) UpdateByToken(task *types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get([]byte(task.ID))
		if data == nil {
			return ErrNotFound
		}
		var stored types.Task
		if err := json.Unmarshal(data, &stored); err != nil {
			return err
		}
		if !stored.HasLiveClaim(task.WorkerID, task.ClaimToken) {
			return ErrStaleClaim
		}
		task.UpdatedAt = time.Now()
		return putTask(b, task)
	})
}

func (s *BoltStore) Transition(id string, from []types.TaskState, to types.TaskState, mutate func(*types.Task)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		var t types.Task
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}
		if len(from) > 0 {
			ok := false
			for _, f := range from {
				if t.State == f {
					ok = true
					break
				}
			}
			if !ok {
				return ErrInvalidTransition
			}
		}
		t.State = to
		t.UpdatedAt = time.Now()
		if mutate != nil {
			mutate(&t)
		}
		return putTask(b, &t)
	})
}

func (s *BoltStore) Heartbeat(id, workerID, claimToken string, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		var t types.Task
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}
		if !t.HasLiveClaim(workerID, claimToken) {
			return ErrStaleClaim
		}
		t.HeartbeatAt = &at
		return putTask(b, &t)
	})
}

func (s *BoltStore) SweepStaleClaims(deadline time.Time) ([]*types.Task, error) {
	var released []*types.Task
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		var stale []*types.Task
		if err := b.ForEach(func(k, v []byte) error {
			var t types.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if t.State == types.StateProcessing && t.HeartbeatAt != nil && t.HeartbeatAt.Before(deadline) {
				stale = append(stale, &t)
			}
			return nil
		}); err != nil {
			return err
		}
		for _, t := range stale {
			t.State = types.StateRetrying
			t.FailureKind = types.FailureProcessHang
			t.WorkerID = ""
			t.ClaimToken = ""
			t.UpdatedAt = time.Now()
			if err := putTask(b, t); err != nil {
				return err
			}
			released = append(released, t)
		}
		return nil
	})
	return released, err
}

func (s *BoltStore) CancelTask(id string) error {
	return s.Transition(id, nil, types.StateCancelled, func(t *types.Task) {
		t.FailureKind = types.FailureCancelled
		now := time.Now()
		t.EndedAt = &now
	})
}

func (s *BoltStore) PruneTerminal(cutoff time.Time) (int, error) {
	n := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		var toDelete [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			var t types.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if t.State.Terminal() && t.UpdatedAt.Before(cutoff) {
				key := make([]byte, len(k))
				copy(key, k)
				toDelete = append(toDelete, key)
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

// --- Workers ---

func (s *BoltStore) PutWorker(w *types.Worker) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		data, err := json.Marshal(w)
		if err != nil {
			return err
		}
		return b.Put([]byte(w.ID), data)
	})
}

func (s *BoltStore) GetWorker(id string) (*types.Worker, error) {
	var w types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &w)
	})
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *BoltStore) ListWorkers() ([]*types.Worker, error) {
	var workers []*types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		return b.ForEach(func(k, v []byte) error {
			var w types.Worker
			if err := json.Unmarshal(v, &w); err != nil {
				return err
			}
			workers = append(workers, &w)
			return nil
		})
	})
	return workers, err
}

func (s *BoltStore) DeleteWorker(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkers).Delete([]byte(id))
	})
}

// --- Rate limit ---

func (s *BoltStore) GetRateLimitState() (*types.RateLimitState, error) {
	var rl types.RateLimitState
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRateLimit)
		data := b.Get([]byte(rateLimitKey))
		if data == nil {
			rl = types.RateLimitState{Available: true}
			return nil
		}
		return json.Unmarshal(data, &rl)
	})
	return &rl, err
}

func (s *BoltStore) PutRateLimitState(rl *types.RateLimitState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRateLimit)
		data, err := json.Marshal(rl)
		if err != nil {
			return err
		}
		return b.Put([]byte(rateLimitKey), data)
	})
}

// --- Security findings ---
//
// Findings are keyed "<taskID>/<findingID>" so ListSecurityFindingsByTask
// can do a cheap prefix scan instead of a full-bucket unmarshal-and-filter.

func findingKey(taskID, findingID string) []byte {
	return []byte(taskID + "/" + findingID)
}

func (s *BoltStore) PutSecurityFinding(f *types.SecurityFinding) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFindings)
		data, err := json.Marshal(f)
		if err != nil {
			return err
		}
		return b.Put(findingKey(f.TaskID, f.ID), data)
	})
}

func (s *BoltStore) ListSecurityFindingsByTask(taskID string) ([]*types.SecurityFinding, error) {
	var findings []*types.SecurityFinding
	prefix := []byte(taskID + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketFindings).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var f types.SecurityFinding
			if err := json.Unmarshal(v, &f); err != nil {
				return err
			}
			findings = append(findings, &f)
		}
		return nil
	})
	return findings, err
}
