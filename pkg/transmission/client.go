package transmission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dyluth/relay/pkg/evidence"
	"github.com/dyluth/relay/pkg/trace"
	"github.com/redis/go-redis/v9"
)

// leaseScanBatch is how many queue entries LeaseNext inspects per round-trip.
const leaseScanBatch = 100

// createScript records a transmission unless its client request id is already taken.
// Returns the id of the stored transmission, which differs from ARGV[1] on a duplicate.
//
// KEYS: transmission hash, request index, queue, index
// ARGV: id, created_at_ms, has_request ("1"/"0"), hash field/value pairs...
var createScript = redis.NewScript(`
if ARGV[3] == '1' then
  local existing = redis.call('GET', KEYS[2])
  if existing then
    return existing
  end
  redis.call('SET', KEYS[2], ARGV[1])
end
redis.call('HSET', KEYS[1], unpack(ARGV, 4))
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
redis.call('ZADD', KEYS[4], ARGV[2], ARGV[1])
return ARGV[1]
`)

// leaseScript claims one transmission if it is still eligible. Returns the status the
// transmission had before the claim, or nil when another worker got there first.
//
// KEYS: transmission hash
// ARGV: now_ms, expires_ms, owner, kind ("" for any), eligible statuses...
var leaseScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return false
end
local h = redis.call('HMGET', KEYS[1], 'status', 'kind', 'lease_expires_at_ms')
local status, kind, expires = h[1], h[2], h[3]
if ARGV[4] ~= '' and kind ~= ARGV[4] then
  return false
end
local eligible = false
for i = 5, #ARGV do
  if status == ARGV[i] then
    eligible = true
    break
  end
end
if not eligible then
  return false
end
if expires and expires ~= '' and tonumber(expires) >= tonumber(ARGV[1]) then
  return false
end
redis.call('HSET', KEYS[1], 'status', 'processing', 'lease_owner', ARGV[3],
  'lease_expires_at_ms', ARGV[2], 'updated_at_ms', ARGV[1])
redis.call('HINCRBY', KEYS[1], 'attempt_count', 1)
return status
`)

// updateScript moves a processing transmission to a terminal status on behalf of its
// lease owner and removes it from the queue.
//
// KEYS: transmission hash, queue
// ARGV: id, owner, status, status_code, retryable, error_code, error_detail,
//
//	response_text, now_ms
var updateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 'missing'
end
local h = redis.call('HMGET', KEYS[1], 'status', 'lease_owner')
local status = h[1] or ''
local owner = h[2] or ''
if status ~= 'processing' then
  return 'transition:' .. status
end
if owner ~= ARGV[2] then
  return 'owner:' .. owner
end
redis.call('HSET', KEYS[1], 'status', ARGV[3], 'status_code', ARGV[4], 'retryable', ARGV[5],
  'error_code', ARGV[6], 'error_detail', ARGV[7], 'response_text', ARGV[8],
  'lease_owner', '', 'lease_expires_at_ms', '', 'updated_at_ms', ARGV[9])
redis.call('ZREM', KEYS[2], ARGV[1])
return 'ok'
`)

// appendTraceScript adds one event to a run unless the sequence number is taken.
//
// KEYS: run event ZSET
// ARGV: seq, event json
var appendTraceScript = redis.NewScript(`
if redis.call('ZCOUNT', KEYS[1], ARGV[1], ARGV[1]) > 0 then
  return 'duplicate'
end
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
return 'ok'
`)

// Client is the Redis Store. All keys and channels are namespaced, and the client is
// safe for concurrent use.
type Client struct {
	rdb       *redis.Client
	namespace string
	now       func() time.Time
}

// NewClient creates a Redis-backed store for namespace.
//
// Returns an error if namespace is empty.
func NewClient(redisOpts *redis.Options, namespace string) (*Client, error) {
	if namespace == "" {
		return nil, fmt.Errorf("namespace cannot be empty")
	}

	return &Client{
		rdb:       redis.NewClient(redisOpts),
		namespace: namespace,
		now:       time.Now,
	}, nil
}

// WithClock replaces the client's time source. Intended for tests.
func (c *Client) WithClock(now func() time.Time) *Client {
	c.now = now
	return c
}

// Close closes the Redis connection. Implements io.Closer.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Create writes a new transmission and publishes a status event. A repeated client
// request id returns the original record with created=false.
func (c *Client) Create(ctx context.Context, pkt *Packet, md ModeDecision) (*Transmission, bool, error) {
	t, err := NewTransmission(pkt, md, c.now())
	if err != nil {
		return nil, false, err
	}

	hash, err := TransmissionToHash(t)
	if err != nil {
		return nil, false, fmt.Errorf("failed to serialize transmission: %w", err)
	}

	hasRequest := "0"
	if t.ClientRequestID != "" {
		hasRequest = "1"
	}
	args := []interface{}{t.ID, t.CreatedAtMs, hasRequest}
	for field, value := range hash {
		args = append(args, field, value)
	}

	keys := []string{
		TransmissionKey(c.namespace, t.ID),
		RequestKey(c.namespace, t.ClientRequestID),
		QueueKey(c.namespace),
		IndexKey(c.namespace),
	}
	storedID, err := createScript.Run(ctx, c.rdb, keys, args...).Text()
	if err != nil {
		return nil, false, fmt.Errorf("failed to write transmission to Redis: %w", err)
	}

	if storedID != t.ID {
		existing, err := c.Get(ctx, storedID)
		if err != nil {
			return nil, false, fmt.Errorf("failed to load existing transmission %s: %w", storedID, err)
		}
		return existing, false, nil
	}

	c.publish(ctx, StatusEventFor(t))
	return t, true, nil
}

// LeaseNext walks the queue oldest first and attempts an atomic claim on the first
// transmission that looks eligible.
func (c *Client) LeaseNext(ctx context.Context, req LeaseRequest) (LeaseResult, error) {
	now := c.now()
	queue := QueueKey(c.namespace)

	for start := int64(0); ; start += leaseScanBatch {
		ids, err := c.rdb.ZRange(ctx, queue, start, start+leaseScanBatch-1).Result()
		if err != nil {
			return LeaseResult{}, fmt.Errorf("failed to read queue: %w", err)
		}
		if len(ids) == 0 {
			return LeaseResult{Outcome: LeaseEmpty}, nil
		}

		for _, id := range ids {
			t, err := c.Get(ctx, id)
			if err != nil {
				if IsNotFound(err) {
					continue
				}
				return LeaseResult{}, err
			}
			if !t.EligibleFor(req, now) {
				continue
			}
			return c.claim(ctx, id, req, now)
		}
	}
}

func (c *Client) claim(ctx context.Context, id string, req LeaseRequest, now time.Time) (LeaseResult, error) {
	args := []interface{}{
		now.UnixMilli(),
		now.Add(req.Duration).UnixMilli(),
		req.OwnerID,
		string(req.Kind),
	}
	for _, s := range EligibleStatuses(req) {
		args = append(args, string(s))
	}

	previous, err := leaseScript.Run(ctx, c.rdb, []string{TransmissionKey(c.namespace, id)}, args...).Text()
	if errors.Is(err, redis.Nil) {
		return LeaseResult{Outcome: LeaseContention}, nil
	}
	if err != nil {
		return LeaseResult{}, fmt.Errorf("failed to lease transmission %s: %w", id, err)
	}

	t, err := c.Get(ctx, id)
	if err != nil {
		return LeaseResult{}, fmt.Errorf("failed to reload leased transmission: %w", err)
	}
	c.publish(ctx, StatusEventFor(t))
	return LeaseResult{Outcome: LeaseLeased, Transmission: t, PreviousStatus: Status(previous)}, nil
}

// UpdateStatus finalizes a transmission held by u.OwnerID.
func (c *Client) UpdateStatus(ctx context.Context, id string, u StatusUpdate) error {
	if err := ValidateUpdate(u); err != nil {
		return err
	}

	now := c.now().UnixMilli()
	keys := []string{TransmissionKey(c.namespace, id), QueueKey(c.namespace)}
	result, err := updateScript.Run(ctx, c.rdb, keys,
		id, u.OwnerID, string(u.Status), u.StatusCode, strconv.FormatBool(u.Retryable),
		u.ErrorCode, u.ErrorDetail, u.ResponseText, now,
	).Text()
	if err != nil {
		return fmt.Errorf("failed to update transmission %s: %w", id, err)
	}

	switch {
	case result == "ok":
	case result == "missing":
		return fmt.Errorf("transmission %s: %w", id, ErrNotFound)
	case strings.HasPrefix(result, "transition:"):
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, strings.TrimPrefix(result, "transition:"), u.Status)
	case strings.HasPrefix(result, "owner:"):
		return fmt.Errorf("%w: held by %q", ErrLeaseNotHeld, strings.TrimPrefix(result, "owner:"))
	default:
		return fmt.Errorf("unexpected update result %q", result)
	}

	c.publish(ctx, StatusEvent{
		TransmissionID: id,
		Status:         u.Status,
		StatusCode:     u.StatusCode,
		ErrorCode:      u.ErrorCode,
		AtMs:           now,
	})
	return nil
}

// Get retrieves a transmission by id. Returns an error satisfying IsNotFound when it
// does not exist.
func (c *Client) Get(ctx context.Context, id string) (*Transmission, error) {
	hashData, err := c.rdb.HGetAll(ctx, TransmissionKey(c.namespace, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read transmission from Redis: %w", err)
	}

	// HGetAll returns an empty map for missing keys
	if len(hashData) == 0 {
		return nil, fmt.Errorf("transmission %s: %w", id, ErrNotFound)
	}

	t, err := HashToTransmission(hashData)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize transmission: %w", err)
	}
	return t, nil
}

// List returns transmissions in creation order.
func (c *Client) List(ctx context.Context, f ListFilter) ([]*Transmission, error) {
	rng := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if f.SinceMs > 0 {
		rng.Min = strconv.FormatInt(f.SinceMs, 10)
	}
	if f.UntilMs > 0 {
		rng.Max = strconv.FormatInt(f.UntilMs, 10)
	}

	ids, err := c.rdb.ZRangeByScore(ctx, IndexKey(c.namespace), rng).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read transmission index: %w", err)
	}

	var out []*Transmission
	for _, id := range ids {
		t, err := c.Get(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		if !f.Matches(t) {
			continue
		}
		out = append(out, t)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// FindByPrefix scans for transmission ids starting with prefix.
func (c *Client) FindByPrefix(ctx context.Context, prefix string) ([]string, error) {
	pattern := TransmissionKey(c.namespace, prefix+"*")
	keyPrefix := TransmissionKey(c.namespace, "")

	var matches []string
	iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		matches = append(matches, strings.TrimPrefix(iter.Val(), keyPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan transmissions: %w", err)
	}
	return matches, nil
}

// CreateTraceRun stores the run and links it from the transmission.
func (c *Client) CreateTraceRun(ctx context.Context, run trace.Run) error {
	key := TransmissionKey(c.namespace, run.TransmissionID)
	exists, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to check transmission existence: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("transmission %s: %w", run.TransmissionID, ErrNotFound)
	}

	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, TraceRunKey(c.namespace, run.TransmissionID), TraceRunToHash(run))
		pipe.HSet(ctx, key, "trace_run_id", run.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write trace run: %w", err)
	}
	return nil
}

func (c *Client) GetTraceRun(ctx context.Context, transmissionID string) (*trace.Run, error) {
	hashData, err := c.rdb.HGetAll(ctx, TraceRunKey(c.namespace, transmissionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read trace run: %w", err)
	}
	if len(hashData) == 0 {
		return nil, fmt.Errorf("trace run for %s: %w", transmissionID, ErrNotFound)
	}
	return HashToTraceRun(hashData)
}

// AppendTraceEvent adds e to its run's event ZSET, scored by sequence number.
func (c *Client) AppendTraceEvent(ctx context.Context, e trace.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal trace event: %w", err)
	}
	result, err := appendTraceScript.Run(ctx, c.rdb, []string{TraceEventsKey(c.namespace, e.RunID)},
		e.Seq, string(data)).Text()
	if err != nil {
		return fmt.Errorf("failed to append trace event: %w", err)
	}
	if result == "duplicate" {
		return fmt.Errorf("trace event %s/%d: %w", e.RunID, e.Seq, ErrDuplicateTraceEvent)
	}
	return nil
}

// ListTraceEvents returns the events of the run currently linked from the transmission.
func (c *Client) ListTraceEvents(ctx context.Context, transmissionID string) ([]trace.Event, error) {
	runID, err := c.rdb.HGet(ctx, TransmissionKey(c.namespace, transmissionID), "trace_run_id").Result()
	if err != nil && !IsNotFound(err) {
		return nil, fmt.Errorf("failed to read trace run id: %w", err)
	}
	if runID == "" {
		return nil, nil
	}

	raw, err := c.rdb.ZRange(ctx, TraceEventsKey(c.namespace, runID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read trace events: %w", err)
	}

	events := make([]trace.Event, 0, len(raw))
	for _, member := range raw {
		var e trace.Event
		if err := json.Unmarshal([]byte(member), &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal trace event: %w", err)
		}
		events = append(events, e)
	}
	return events, nil
}

func (c *Client) PutEvidence(ctx context.Context, transmissionID, threadID string, g *evidence.Graph) error {
	rec := EvidenceRecord{
		TransmissionID: transmissionID,
		ThreadID:       threadID,
		Graph:          g,
		CreatedAtMs:    c.now().UnixMilli(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal evidence: %w", err)
	}

	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, EvidenceKey(c.namespace, transmissionID), data, 0)
		pipe.SAdd(ctx, ThreadEvidenceKey(c.namespace, threadID), transmissionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write evidence: %w", err)
	}
	return nil
}

func (c *Client) GetEvidence(ctx context.Context, transmissionID string) (*evidence.Graph, error) {
	rec, err := c.getEvidenceRecord(ctx, transmissionID)
	if err != nil {
		return nil, err
	}
	return rec.Graph, nil
}

func (c *Client) getEvidenceRecord(ctx context.Context, transmissionID string) (*EvidenceRecord, error) {
	data, err := c.rdb.Get(ctx, EvidenceKey(c.namespace, transmissionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("evidence for %s: %w", transmissionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read evidence: %w", err)
	}

	var rec EvidenceRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal evidence: %w", err)
	}
	return &rec, nil
}

// ListEvidenceByThread returns every evidence record stored for threadID, oldest first.
func (c *Client) ListEvidenceByThread(ctx context.Context, threadID string) ([]EvidenceRecord, error) {
	ids, err := c.rdb.SMembers(ctx, ThreadEvidenceKey(c.namespace, threadID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read thread evidence index: %w", err)
	}

	out := make([]EvidenceRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := c.getEvidenceRecord(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		out = append(out, *rec)
	}
	SortEvidence(out)
	return out, nil
}

func (c *Client) PutEnvelope(ctx context.Context, transmissionID string, env *OutputEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := c.rdb.Set(ctx, EnvelopeKey(c.namespace, transmissionID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to write envelope: %w", err)
	}
	return nil
}

func (c *Client) GetEnvelope(ctx context.Context, transmissionID string) (*OutputEnvelope, error) {
	data, err := c.rdb.Get(ctx, EnvelopeKey(c.namespace, transmissionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("envelope for %s: %w", transmissionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read envelope: %w", err)
	}

	var env OutputEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	return &env, nil
}

func (c *Client) PutArtifact(ctx context.Context, transmissionID, name string, data json.RawMessage) error {
	if err := c.rdb.HSet(ctx, ArtifactsKey(c.namespace, transmissionID), name, string(data)).Err(); err != nil {
		return fmt.Errorf("failed to write artifact %s: %w", name, err)
	}
	return nil
}

func (c *Client) GetArtifact(ctx context.Context, transmissionID, name string) (json.RawMessage, error) {
	data, err := c.rdb.HGet(ctx, ArtifactsKey(c.namespace, transmissionID), name).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("artifact %s for %s: %w", name, transmissionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact %s: %w", name, err)
	}
	return json.RawMessage(data), nil
}

// publish announces a status change. The record is already committed when this runs,
// and watchers fall back to polling, so delivery failures are ignored.
func (c *Client) publish(ctx context.Context, ev StatusEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_ = c.rdb.Publish(ctx, StatusEventsChannel(c.namespace), data).Err()
}
