package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/songzhibin97/route-engine/types"
)

var (
	definitionsBucket = []byte("definitions")
	instancesBucket   = []byte("instances")
	nodeStatesBucket  = []byte("nodestates")
	executionsBucket  = []byte("executions")
	escalationBucket  = []byte("escalation")

	stateKeyPrefix = []byte("s/")
	orderKeyPrefix = []byte("o/")
)

// BoltStorage is an embedded, file-backed implementation of the Storage
// interface. Every Commit runs in a single read-write transaction.
type BoltStorage struct {
	db *bolt.DB
}

// NewBoltStorage opens (or creates) the database at path.
func NewBoltStorage(path string, mode os.FileMode) (*BoltStorage, error) {
	db, err := bolt.Open(path, mode, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database %s: %v", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{definitionsBucket, instancesBucket, nodeStatesBucket, executionsBucket, escalationBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize bolt buckets: %v", err)
	}
	return &BoltStorage{db: db}, nil
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func stateKey(id string) []byte {
	return append(append([]byte(nil), stateKeyPrefix...), id...)
}

func orderKey(seq uint64) []byte {
	return append(append([]byte(nil), orderKeyPrefix...), itob(seq)...)
}

// getFromBolt unmarshals the value at key in bucket b.
func getFromBolt[T any](b *bolt.Bucket, key []byte, what string) (T, error) {
	var result T
	if b == nil {
		return result, fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	data := b.Get(key)
	if data == nil {
		return result, fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, fmt.Errorf("failed to unmarshal %s: %v", what, err)
	}
	return result, nil
}

func putJSON(b *bolt.Bucket, key []byte, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

// SaveDefinition saves a definition.
func (s *BoltStorage) SaveDefinition(ctx context.Context, def types.Definition) error {
	return withContextError(ctx, func() error {
		return s.db.Update(func(tx *bolt.Tx) error {
			return putJSON(tx.Bucket(definitionsBucket), []byte(def.ID), def)
		})
	})
}

// GetDefinition retrieves a definition.
func (s *BoltStorage) GetDefinition(ctx context.Context, id string) (types.Definition, error) {
	return withContext(ctx, func() (def types.Definition, err error) {
		err = s.db.View(func(tx *bolt.Tx) error {
			def, err = getFromBolt[types.Definition](tx.Bucket(definitionsBucket), []byte(id), "definition "+id)
			return err
		})
		return def, err
	})
}

// GetInstance retrieves a route instance.
func (s *BoltStorage) GetInstance(ctx context.Context, id uint64) (types.RouteInstance, error) {
	return withContext(ctx, func() (inst types.RouteInstance, err error) {
		err = s.db.View(func(tx *bolt.Tx) error {
			inst, err = getFromBolt[types.RouteInstance](tx.Bucket(instancesBucket), itob(id), fmt.Sprintf("instance %d", id))
			return err
		})
		return inst, err
	})
}

// ListInstances scans the instances bucket in ID order.
func (s *BoltStorage) ListInstances(ctx context.Context, filter InstanceFilter) ([]types.RouteInstance, error) {
	return withContext(ctx, func() ([]types.RouteInstance, error) {
		var out []types.RouteInstance
		err := s.db.View(func(tx *bolt.Tx) error {
			return tx.Bucket(instancesBucket).ForEach(func(_, v []byte) error {
				var inst types.RouteInstance
				if err := json.Unmarshal(v, &inst); err != nil {
					return err
				}
				if filter.match(inst) {
					out = append(out, inst)
				}
				return nil
			})
		})
		return out, err
	})
}

// GetNodeState retrieves a node state.
func (s *BoltStorage) GetNodeState(ctx context.Context, instanceID uint64, id string) (types.NodeState, error) {
	return withContext(ctx, func() (ns types.NodeState, err error) {
		err = s.db.View(func(tx *bolt.Tx) error {
			b := tx.Bucket(nodeStatesBucket).Bucket(itob(instanceID))
			ns, err = getFromBolt[types.NodeState](b, stateKey(id), fmt.Sprintf("node state %d/%s", instanceID, id))
			return err
		})
		return ns, err
	})
}

// ListNodeStates returns the node states of an instance in creation order.
func (s *BoltStorage) ListNodeStates(ctx context.Context, instanceID uint64) ([]types.NodeState, error) {
	return withContext(ctx, func() ([]types.NodeState, error) {
		var out []types.NodeState
		err := s.db.View(func(tx *bolt.Tx) error {
			b := tx.Bucket(nodeStatesBucket).Bucket(itob(instanceID))
			if b == nil {
				return nil
			}
			c := b.Cursor()
			for k, id := c.Seek(orderKeyPrefix); k != nil && bytes.HasPrefix(k, orderKeyPrefix); k, id = c.Next() {
				ns, err := getFromBolt[types.NodeState](b, stateKey(string(id)), "node state "+string(id))
				if err != nil {
					return err
				}
				out = append(out, ns)
			}
			return nil
		})
		return out, err
	})
}

// Commit checks every version and writes the changeset in one transaction.
func (s *BoltStorage) Commit(ctx context.Context, cs Changeset) error {
	if cs.Empty() {
		return nil
	}
	return withContextError(ctx, func() error {
		return s.db.Update(func(tx *bolt.Tx) error {
			instances := tx.Bucket(instancesBucket)
			if cs.Instance != nil {
				var stored types.RouteInstance
				data := instances.Get(itob(cs.Instance.ID))
				if data != nil {
					if err := json.Unmarshal(data, &stored); err != nil {
						return err
					}
				}
				if err := checkVersion(data != nil, stored.Version, cs.Instance.Version); err != nil {
					return fmt.Errorf("instance %d: %w", cs.Instance.ID, err)
				}
				inst := *cs.Instance
				inst.Version++
				if err := putJSON(instances, itob(inst.ID), inst); err != nil {
					return err
				}
			}

			root := tx.Bucket(nodeStatesBucket)
			escalation := tx.Bucket(escalationBucket)
			for _, ns := range cs.NodeStates {
				b, err := root.CreateBucketIfNotExists(itob(ns.InstanceID))
				if err != nil {
					return err
				}
				var stored types.NodeState
				data := b.Get(stateKey(ns.ID))
				if data != nil {
					if err := json.Unmarshal(data, &stored); err != nil {
						return err
					}
				}
				if err := checkVersion(data != nil, stored.Version, ns.Version); err != nil {
					return fmt.Errorf("node state %s: %w", ns.ID, err)
				}
				if data == nil {
					seq, err := b.NextSequence()
					if err != nil {
						return err
					}
					if err := b.Put(orderKey(seq), []byte(ns.ID)); err != nil {
						return err
					}
				}
				next := ns
				next.Version++
				if err := putJSON(b, stateKey(ns.ID), next); err != nil {
					return err
				}
				member := []byte(escalationMember(ns.Ref()))
				if escalationCandidate(ns) {
					err = escalation.Put(member, []byte{})
				} else {
					err = escalation.Delete(member)
				}
				if err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// ListSuspendedWithEscalation reads the escalation index.
func (s *BoltStorage) ListSuspendedWithEscalation(ctx context.Context) ([]types.NodeStateRef, error) {
	return withContext(ctx, func() ([]types.NodeStateRef, error) {
		var refs []types.NodeStateRef
		err := s.db.View(func(tx *bolt.Tx) error {
			return tx.Bucket(escalationBucket).ForEach(func(k, _ []byte) error {
				var ref types.NodeStateRef
				if err := json.Unmarshal(k, &ref); err != nil {
					return err
				}
				refs = append(refs, ref)
				return nil
			})
		})
		return refs, err
	})
}

// ExecutionLog returns the rule executions of a node state.
func (s *BoltStorage) ExecutionLog(ctx context.Context, nodeStateID string) (map[string]types.RuleExecution, error) {
	return withContext(ctx, func() (map[string]types.RuleExecution, error) {
		out := make(map[string]types.RuleExecution)
		err := s.db.View(func(tx *bolt.Tx) error {
			b := tx.Bucket(executionsBucket).Bucket([]byte(nodeStateID))
			if b == nil {
				return nil
			}
			return b.ForEach(func(k, v []byte) error {
				var rec types.RuleExecution
				if err := json.Unmarshal(v, &rec); err != nil {
					return err
				}
				out[string(k)] = rec
				return nil
			})
		})
		return out, err
	})
}

// RecordExecution appends a firing to the rule log.
func (s *BoltStorage) RecordExecution(ctx context.Context, nodeStateID, ruleID string, at time.Time, exclusive bool) error {
	return s.updateExecution(ctx, nodeStateID, ruleID, func(rec types.RuleExecution) (types.RuleExecution, error) {
		return appendFiring(rec, nodeStateID, ruleID, at, exclusive)
	})
}

// ReleaseExecution clears the latch of a rule.
func (s *BoltStorage) ReleaseExecution(ctx context.Context, nodeStateID, ruleID string) error {
	return s.updateExecution(ctx, nodeStateID, ruleID, func(rec types.RuleExecution) (types.RuleExecution, error) {
		rec.Latched = false
		return rec, nil
	})
}

func (s *BoltStorage) updateExecution(ctx context.Context, nodeStateID, ruleID string, update func(types.RuleExecution) (types.RuleExecution, error)) error {
	return withContextError(ctx, func() error {
		return s.db.Update(func(tx *bolt.Tx) error {
			b, err := tx.Bucket(executionsBucket).CreateBucketIfNotExists([]byte(nodeStateID))
			if err != nil {
				return err
			}
			var rec types.RuleExecution
			if data := b.Get([]byte(ruleID)); data != nil {
				if err := json.Unmarshal(data, &rec); err != nil {
					return err
				}
			}
			rec, err = update(rec)
			if err != nil {
				return err
			}
			return putJSON(b, []byte(ruleID), rec)
		})
	})
}

// DeleteInstance removes an instance with its node states and execution logs.
func (s *BoltStorage) DeleteInstance(ctx context.Context, id uint64) error {
	return withContextError(ctx, func() error {
		return s.db.Update(func(tx *bolt.Tx) error {
			instances := tx.Bucket(instancesBucket)
			if instances.Get(itob(id)) == nil {
				return fmt.Errorf("%w: id=%d", ErrNotFound, id)
			}
			root := tx.Bucket(nodeStatesBucket)
			if b := root.Bucket(itob(id)); b != nil {
				var refs [][]byte
				var nodeStateIDs [][]byte
				c := b.Cursor()
				for k, v := c.Seek(stateKeyPrefix); k != nil && bytes.HasPrefix(k, stateKeyPrefix); k, v = c.Next() {
					var ns types.NodeState
					if err := json.Unmarshal(v, &ns); err != nil {
						return err
					}
					refs = append(refs, []byte(escalationMember(ns.Ref())))
					nodeStateIDs = append(nodeStateIDs, []byte(ns.ID))
				}
				for _, ref := range refs {
					if err := tx.Bucket(escalationBucket).Delete(ref); err != nil {
						return err
					}
				}
				executions := tx.Bucket(executionsBucket)
				for _, nsID := range nodeStateIDs {
					if executions.Bucket(nsID) != nil {
						if err := executions.DeleteBucket(nsID); err != nil {
							return err
						}
					}
				}
				if err := root.DeleteBucket(itob(id)); err != nil {
					return err
				}
			}
			return instances.Delete(itob(id))
		})
	})
}

// Close closes the underlying database.
func (s *BoltStorage) Close() error {
	return s.db.Close()
}
