package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/songzhibin97/route-engine/types"
)

const (
	definitionPrefix = "definition:"
	instancePrefix   = "instance:"
	nodeStatePrefix  = "nodestate:"
	executionPrefix  = "executions:"
	instancesKey     = "instances"
	escalationKey    = "escalation:suspended"

	// maxWatchRetries bounds optimistic retries of single-key updates.
	maxWatchRetries = 10
)

// RedisStorage is a Redis-backed implementation of the Storage interface.
// Optimistic versioning is enforced with WATCH/MULTI transactions.
type RedisStorage struct {
	client *redis.Client
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}

	return &RedisStorage{client: client}, nil
}

func instanceKey(id uint64) string {
	return instancePrefix + strconv.FormatUint(id, 10)
}

func instanceNodesKey(id uint64) string {
	return instanceKey(id) + ":nodes"
}

func nodeStateKey(instanceID uint64, id string) string {
	return fmt.Sprintf("%s%d:%s", nodeStatePrefix, instanceID, id)
}

func escalationMember(ref types.NodeStateRef) string {
	data, _ := json.Marshal(ref)
	return string(data)
}

// getFromRedis retrieves and unmarshals a value from Redis.
func getFromRedis[T any](ctx context.Context, c redis.Cmdable, key string) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		data, err := c.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("%w: key=%s", ErrNotFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %v", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %v", key, err)
		}
		return result, nil
	})
}

// SaveDefinition saves a definition to Redis.
func (s *RedisStorage) SaveDefinition(ctx context.Context, def types.Definition) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(def)
		if err != nil {
			return fmt.Errorf("failed to marshal definition %s: %v", def.ID, err)
		}
		if err := s.client.Set(ctx, definitionPrefix+def.ID, data, 0).Err(); err != nil {
			return fmt.Errorf("failed to set definition %s in Redis: %v", def.ID, err)
		}
		return nil
	})
}

// GetDefinition retrieves a definition from Redis.
func (s *RedisStorage) GetDefinition(ctx context.Context, id string) (types.Definition, error) {
	return getFromRedis[types.Definition](ctx, s.client, definitionPrefix+id)
}

// GetInstance retrieves a route instance from Redis.
func (s *RedisStorage) GetInstance(ctx context.Context, id uint64) (types.RouteInstance, error) {
	return getFromRedis[types.RouteInstance](ctx, s.client, instanceKey(id))
}

// ListInstances loads every instance and filters client side.
func (s *RedisStorage) ListInstances(ctx context.Context, filter InstanceFilter) ([]types.RouteInstance, error) {
	return withContext(ctx, func() ([]types.RouteInstance, error) {
		members, err := s.client.SMembers(ctx, instancesKey).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list instances: %v", err)
		}
		ids := make([]uint64, 0, len(members))
		for _, m := range members {
			id, err := strconv.ParseUint(m, 10, 64)
			if err != nil {
				continue
			}
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		var out []types.RouteInstance
		for _, id := range ids {
			inst, err := s.GetInstance(ctx, id)
			if errors.Is(err, ErrNotFound) {
				continue
			} else if err != nil {
				return nil, err
			}
			if filter.match(inst) {
				out = append(out, inst)
			}
		}
		return out, nil
	})
}

// GetNodeState retrieves a node state from Redis.
func (s *RedisStorage) GetNodeState(ctx context.Context, instanceID uint64, id string) (types.NodeState, error) {
	return getFromRedis[types.NodeState](ctx, s.client, nodeStateKey(instanceID, id))
}

// ListNodeStates returns the node states of an instance in creation order.
func (s *RedisStorage) ListNodeStates(ctx context.Context, instanceID uint64) ([]types.NodeState, error) {
	return withContext(ctx, func() ([]types.NodeState, error) {
		ids, err := s.client.LRange(ctx, instanceNodesKey(instanceID), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list node states of %d: %v", instanceID, err)
		}
		if len(ids) == 0 {
			return nil, nil
		}
		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = nodeStateKey(instanceID, id)
		}
		values, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to load node states of %d: %v", instanceID, err)
		}
		out := make([]types.NodeState, 0, len(values))
		for i, v := range values {
			raw, ok := v.(string)
			if !ok {
				continue
			}
			var ns types.NodeState
			if err := json.Unmarshal([]byte(raw), &ns); err != nil {
				return nil, fmt.Errorf("failed to unmarshal %s: %v", keys[i], err)
			}
			out = append(out, ns)
		}
		return out, nil
	})
}

// Commit writes the changeset in a MULTI block guarded by WATCH on every
// touched key.
func (s *RedisStorage) Commit(ctx context.Context, cs Changeset) error {
	if cs.Empty() {
		return nil
	}
	var keys []string
	if cs.Instance != nil {
		keys = append(keys, instanceKey(cs.Instance.ID))
	}
	for _, ns := range cs.NodeStates {
		keys = append(keys, nodeStateKey(ns.InstanceID, ns.ID))
	}

	err := withContextError(ctx, func() error {
		return s.client.Watch(ctx, func(tx *redis.Tx) error {
			if cs.Instance != nil {
				stored, err := storedVersion(ctx, tx, instanceKey(cs.Instance.ID))
				if err != nil {
					return err
				}
				if err := checkVersion(stored >= 0, stored, cs.Instance.Version); err != nil {
					return fmt.Errorf("instance %d: %w", cs.Instance.ID, err)
				}
			}
			created := make(map[string]bool)
			for _, ns := range cs.NodeStates {
				stored, err := storedVersion(ctx, tx, nodeStateKey(ns.InstanceID, ns.ID))
				if err != nil {
					return err
				}
				if err := checkVersion(stored >= 0, stored, ns.Version); err != nil {
					return fmt.Errorf("node state %s: %w", ns.ID, err)
				}
				created[ns.ID] = stored < 0
			}

			_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if cs.Instance != nil {
					inst := *cs.Instance
					inst.Version++
					data, err := json.Marshal(inst)
					if err != nil {
						return fmt.Errorf("failed to marshal instance %d: %v", inst.ID, err)
					}
					pipe.Set(ctx, instanceKey(inst.ID), data, 0)
					pipe.SAdd(ctx, instancesKey, strconv.FormatUint(inst.ID, 10))
				}
				for _, ns := range cs.NodeStates {
					stored := ns
					stored.Version++
					data, err := json.Marshal(stored)
					if err != nil {
						return fmt.Errorf("failed to marshal node state %s: %v", ns.ID, err)
					}
					pipe.Set(ctx, nodeStateKey(ns.InstanceID, ns.ID), data, 0)
					if created[ns.ID] {
						pipe.RPush(ctx, instanceNodesKey(ns.InstanceID), ns.ID)
					}
					if escalationCandidate(ns) {
						pipe.SAdd(ctx, escalationKey, escalationMember(ns.Ref()))
					} else {
						pipe.SRem(ctx, escalationKey, escalationMember(ns.Ref()))
					}
				}
				return nil
			})
			return err
		}, keys...)
	})
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: concurrent modification", ErrVersionConflict)
	}
	return err
}

// storedVersion returns the version of the record at key, or -1 if absent.
func storedVersion(ctx context.Context, tx *redis.Tx, key string) (int64, error) {
	data, err := tx.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return -1, nil
	} else if err != nil {
		return 0, fmt.Errorf("failed to get %s from Redis: %v", key, err)
	}
	var v struct {
		Version int64 `json:"version"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return 0, fmt.Errorf("failed to unmarshal %s: %v", key, err)
	}
	return v.Version, nil
}

// ListSuspendedWithEscalation reads the escalation index.
func (s *RedisStorage) ListSuspendedWithEscalation(ctx context.Context) ([]types.NodeStateRef, error) {
	return withContext(ctx, func() ([]types.NodeStateRef, error) {
		members, err := s.client.SMembers(ctx, escalationKey).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read escalation index: %v", err)
		}
		refs := make([]types.NodeStateRef, 0, len(members))
		for _, m := range members {
			var ref types.NodeStateRef
			if err := json.Unmarshal([]byte(m), &ref); err != nil {
				return nil, fmt.Errorf("failed to unmarshal escalation member %q: %v", m, err)
			}
			refs = append(refs, ref)
		}
		sort.Slice(refs, func(i, j int) bool {
			if refs[i].InstanceID != refs[j].InstanceID {
				return refs[i].InstanceID < refs[j].InstanceID
			}
			return refs[i].NodeStateID < refs[j].NodeStateID
		})
		return refs, nil
	})
}

// ExecutionLog returns the rule executions of a node state.
func (s *RedisStorage) ExecutionLog(ctx context.Context, nodeStateID string) (map[string]types.RuleExecution, error) {
	return withContext(ctx, func() (map[string]types.RuleExecution, error) {
		fields, err := s.client.HGetAll(ctx, executionPrefix+nodeStateID).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read executions of %s: %v", nodeStateID, err)
		}
		out := make(map[string]types.RuleExecution, len(fields))
		for ruleID, raw := range fields {
			var rec types.RuleExecution
			if err := json.Unmarshal([]byte(raw), &rec); err != nil {
				return nil, fmt.Errorf("failed to unmarshal execution %s/%s: %v", nodeStateID, ruleID, err)
			}
			out[ruleID] = rec
		}
		return out, nil
	})
}

// RecordExecution appends a firing under WATCH on the node state's log.
func (s *RedisStorage) RecordExecution(ctx context.Context, nodeStateID, ruleID string, at time.Time, exclusive bool) error {
	return s.updateExecution(ctx, nodeStateID, ruleID, func(rec types.RuleExecution) (types.RuleExecution, error) {
		return appendFiring(rec, nodeStateID, ruleID, at, exclusive)
	})
}

// ReleaseExecution clears the latch of a rule.
func (s *RedisStorage) ReleaseExecution(ctx context.Context, nodeStateID, ruleID string) error {
	return s.updateExecution(ctx, nodeStateID, ruleID, func(rec types.RuleExecution) (types.RuleExecution, error) {
		rec.Latched = false
		return rec, nil
	})
}

func (s *RedisStorage) updateExecution(ctx context.Context, nodeStateID, ruleID string, update func(types.RuleExecution) (types.RuleExecution, error)) error {
	key := executionPrefix + nodeStateID
	for i := 0; i < maxWatchRetries; i++ {
		err := withContextError(ctx, func() error {
			return s.client.Watch(ctx, func(tx *redis.Tx) error {
				var rec types.RuleExecution
				raw, err := tx.HGet(ctx, key, ruleID).Bytes()
				if err != nil && !errors.Is(err, redis.Nil) {
					return fmt.Errorf("failed to read execution %s/%s: %v", nodeStateID, ruleID, err)
				}
				if err == nil {
					if err := json.Unmarshal(raw, &rec); err != nil {
						return fmt.Errorf("failed to unmarshal execution %s/%s: %v", nodeStateID, ruleID, err)
					}
				}
				rec, err = update(rec)
				if err != nil {
					return err
				}
				data, err := json.Marshal(rec)
				if err != nil {
					return fmt.Errorf("failed to marshal execution %s/%s: %v", nodeStateID, ruleID, err)
				}
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.HSet(ctx, key, ruleID, data)
					return nil
				})
				return err
			}, key)
		})
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("%w: execution %s/%s", ErrVersionConflict, nodeStateID, ruleID)
}

// DeleteInstance removes an instance, its node states and execution logs.
func (s *RedisStorage) DeleteInstance(ctx context.Context, id uint64) error {
	states, err := s.ListNodeStates(ctx, id)
	if err != nil {
		return err
	}
	return withContextError(ctx, func() error {
		n, err := s.client.Exists(ctx, instanceKey(id)).Result()
		if err != nil {
			return fmt.Errorf("failed to check instance %d: %v", id, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: id=%d", ErrNotFound, id)
		}

		pipe := s.client.TxPipeline()
		for _, ns := range states {
			pipe.Del(ctx, nodeStateKey(id, ns.ID), executionPrefix+ns.ID)
			pipe.SRem(ctx, escalationKey, escalationMember(ns.Ref()))
		}
		pipe.Del(ctx, instanceKey(id), instanceNodesKey(id))
		pipe.SRem(ctx, instancesKey, strconv.FormatUint(id, 10))
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to execute pipeline for deletion: %v", err)
		}
		return nil
	})
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
