package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key layout:
//
//	acn:task:{id}                  hash   primary record, TTL = expires_at - now
//	acn:tasks:by_context:{ctx}     set    task ids sharing a context
//	acn:tasks:by_state:{state}     set    task ids per state
//	acn:tasks:created              zset   task ids scored by insertion sequence
//	acn:tasks:seq                  string monotonic insertion counter
//	acn:dlq:{ctx}                  list   dead letters, capped
const (
	taskKeyPrefix    = "acn:task:"
	contextIdxPrefix = "acn:tasks:by_context:"
	stateIdxPrefix   = "acn:tasks:by_state:"
	createdIdxKey    = "acn:tasks:created"
	seqKey           = "acn:tasks:seq"
	deadLetterPrefix = "acn:dlq:"
	sweepScanBatch   = 256
	listScanBatch    = 128
)

// transitionScript applies a compare-and-swap state transition and moves
// the state index entry in the same atomic step. KEYS: task key, old
// state index, new state index. ARGV: from, to, result JSON ('' skips),
// error JSON ('' skips), task id.
var transitionScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
  return redis.error_reply('NOT_FOUND')
end
if state ~= ARGV[1] then
  return redis.error_reply('CONFLICT:' .. state)
end
redis.call('HSET', KEYS[1], 'state', ARGV[2])
if ARGV[3] ~= '' then
  redis.call('HSET', KEYS[1], 'result', ARGV[3])
end
if ARGV[4] ~= '' then
  redis.call('HSET', KEYS[1], 'error', ARGV[4])
end
redis.call('SREM', KEYS[2], ARGV[5])
redis.call('SADD', KEYS[3], ARGV[5])
return 'OK'
`)

// RedisStore is the durable Store backed by Redis. Secondary indexes are
// written in the same transaction as the primary record; transitions go
// through a Lua script so concurrent retries cannot resurrect a terminal
// task.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func taskKey(id string) string          { return taskKeyPrefix + id }
func contextIdx(ctxID string) string    { return contextIdxPrefix + ctxID }
func stateIdx(state State) string       { return stateIdxPrefix + string(state) }
func deadLetterKey(ctxID string) string { return deadLetterPrefix + ctxID }

func (s *RedisStore) Create(ctx context.Context, t *Task) error {
	ttl := time.Until(t.ExpiresAt)
	if ttl <= 0 {
		// Already expired at write time: keep the record around briefly
		// so a Get-after-Create does not race the expiry, but it never
		// appears in listings.
		ttl = time.Minute
	}

	seq, err := s.client.Incr(ctx, seqKey).Result()
	if err != nil {
		return fmt.Errorf("allocate task sequence: %w", err)
	}

	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	fields := map[string]interface{}{
		"id":         t.ID,
		"context_id": t.ContextID,
		"kind":       string(t.Kind),
		"state":      string(t.State),
		"sender":     t.Sender,
		"target":     t.Target,
		"payload":    string(payload),
		"created_at": t.CreatedAt.Format(time.RFC3339Nano),
		"expires_at": t.ExpiresAt.Format(time.RFC3339Nano),
		"seq":        seq,
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, taskKey(t.ID), fields)
	pipe.Expire(ctx, taskKey(t.ID), ttl)
	pipe.SAdd(ctx, contextIdx(t.ContextID), t.ID)
	pipe.SAdd(ctx, stateIdx(t.State), t.ID)
	pipe.ZAdd(ctx, createdIdxKey, redis.Z{Score: float64(seq), Member: t.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("persist task %s: %w", t.ID, err)
	}
	return nil
}

func (s *RedisStore) Transition(ctx context.Context, id string, from, to State, result json.RawMessage, failure *Failure) (*Task, error) {
	if !ValidTransition(from, to) {
		return nil, ErrConflict
	}

	var errJSON string
	if failure != nil {
		b, err := json.Marshal(failure)
		if err != nil {
			return nil, fmt.Errorf("encode failure: %w", err)
		}
		errJSON = string(b)
	}

	keys := []string{taskKey(id), stateIdx(from), stateIdx(to)}
	args := []interface{}{string(from), string(to), string(result), errJSON, id}
	if err := transitionScript.Run(ctx, s.client, keys, args...).Err(); err != nil {
		msg := err.Error()
		switch {
		case strings.Contains(msg, "NOT_FOUND"):
			return nil, ErrNotFound
		case strings.Contains(msg, "CONFLICT"):
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("transition task %s: %w", id, err)
	}
	return s.Get(ctx, id)
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Task, error) {
	fields, err := s.client.HGetAll(ctx, taskKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	t, err := decodeTask(fields)
	if err != nil {
		return nil, err
	}
	if t.Expired(s.now()) {
		return nil, ErrNotFound
	}
	return t, nil
}

func (s *RedisStore) List(ctx context.Context, q Query) (*Page, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	afterSeq := math.Inf(-1)
	if q.Cursor != "" {
		n, err := strconv.ParseFloat(q.Cursor, 64)
		if err != nil {
			return nil, ErrNotFound
		}
		afterSeq = n
	}

	if q.ContextID == "" && q.State == "" {
		return s.listAll(ctx, afterSeq, limit)
	}
	return s.listIndexed(ctx, q, afterSeq, limit)
}

// listAll pages through the insertion-order zset directly.
func (s *RedisStore) listAll(ctx context.Context, afterSeq float64, limit int) (*Page, error) {
	min := "-inf"
	if !math.IsInf(afterSeq, -1) {
		min = "(" + strconv.FormatFloat(afterSeq, 'f', -1, 64)
	}

	page := &Page{}
	var lastIncluded float64
	for {
		entries, err := s.client.ZRangeByScoreWithScores(ctx, createdIdxKey, &redis.ZRangeBy{
			Min:   min,
			Max:   "+inf",
			Count: listScanBatch,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("scan task index: %w", err)
		}
		if len(entries) == 0 {
			return page, nil
		}

		for _, entry := range entries {
			id, _ := entry.Member.(string)
			t, err := s.Get(ctx, id)
			if errors.Is(err, ErrNotFound) {
				continue // expired; index cleaned by Sweep
			}
			if err != nil {
				return nil, err
			}
			if len(page.Tasks) == limit {
				page.NextCursor = strconv.FormatFloat(lastIncluded, 'f', -1, 64)
				return page, nil
			}
			page.Tasks = append(page.Tasks, t)
			lastIncluded = entry.Score
		}
		min = "(" + strconv.FormatFloat(entries[len(entries)-1].Score, 'f', -1, 64)
	}
}

// listIndexed resolves the candidate set through the context and state
// indexes instead of scanning every task, then orders one page by
// insertion sequence.
func (s *RedisStore) listIndexed(ctx context.Context, q Query, afterSeq float64, limit int) (*Page, error) {
	var ids []string
	var err error
	switch {
	case q.ContextID != "" && q.State != "":
		ids, err = s.client.SInter(ctx, contextIdx(q.ContextID), stateIdx(q.State)).Result()
	case q.ContextID != "":
		ids, err = s.client.SMembers(ctx, contextIdx(q.ContextID)).Result()
	default:
		ids, err = s.client.SMembers(ctx, stateIdx(q.State)).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("resolve task index: %w", err)
	}
	if len(ids) == 0 {
		return &Page{}, nil
	}

	seqs, err := s.client.ZMScore(ctx, createdIdxKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("score task index: %w", err)
	}

	cands := make([]candidate, 0, len(ids))
	for i, id := range ids {
		if seqs[i] == 0 {
			continue // swept from the created index
		}
		cands = append(cands, candidate{id: id, seq: seqs[i]})
	}

	ordered, next := pageCandidates(cands, afterSeq, limit)

	page := &Page{NextCursor: next}
	for _, c := range ordered {
		t, err := s.Get(ctx, c.id)
		if errors.Is(err, ErrNotFound) {
			continue // expired between index read and fetch
		}
		if err != nil {
			return nil, err
		}
		if q.State != "" && t.State != q.State {
			continue // transitioned between index read and fetch
		}
		page.Tasks = append(page.Tasks, t)
	}
	return page, nil
}

// candidate pairs a task id with its insertion sequence score.
type candidate struct {
	id  string
	seq float64
}

// pageCandidates orders candidates by insertion sequence and cuts one
// page after the exclusive cursor. The returned cursor is empty when no
// candidate remains past the page.
func pageCandidates(cands []candidate, afterSeq float64, limit int) ([]candidate, string) {
	sort.Slice(cands, func(i, j int) bool { return cands[i].seq < cands[j].seq })

	out := make([]candidate, 0, limit)
	for _, c := range cands {
		if c.seq <= afterSeq {
			continue
		}
		if len(out) == limit {
			return out, strconv.FormatFloat(out[limit-1].seq, 'f', -1, 64)
		}
		out = append(out, c)
	}
	return out, ""
}

func (s *RedisStore) AppendDeadLetter(ctx context.Context, entry DeadLetter) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, deadLetterKey(entry.ContextID), b)
	pipe.LTrim(ctx, deadLetterKey(entry.ContextID), -deadLetterCap, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append dead letter: %w", err)
	}
	return nil
}

func (s *RedisStore) DeadLetters(ctx context.Context, contextID string, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	raw, err := s.client.LRange(ctx, deadLetterKey(contextID), int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read dead letters: %w", err)
	}
	out := make([]DeadLetter, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- { // newest first
		var entry DeadLetter
		if err := json.Unmarshal([]byte(raw[i]), &entry); err != nil {
			continue // skip malformed entries, as the original DLQ reader does
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *RedisStore) PopDeadLetter(ctx context.Context, contextID string) (*DeadLetter, error) {
	raw, err := s.client.LPop(ctx, deadLetterKey(contextID)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pop dead letter: %w", err)
	}
	var entry DeadLetter
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("decode dead letter: %w", err)
	}
	return &entry, nil
}

// Sweep drops index entries whose primary record has expired. Redis
// removes the primary records itself via TTL.
func (s *RedisStore) Sweep(ctx context.Context) (int, error) {
	removed := 0
	var cursor uint64
	for {
		ids, next, err := s.client.ZScan(ctx, createdIdxKey, cursor, "", sweepScanBatch).Result()
		if err != nil {
			return removed, fmt.Errorf("scan created index: %w", err)
		}
		// ZScan yields member, score pairs.
		for i := 0; i+1 < len(ids); i += 2 {
			id := ids[i]
			exists, err := s.client.Exists(ctx, taskKey(id)).Result()
			if err != nil {
				return removed, fmt.Errorf("check task %s: %w", id, err)
			}
			if exists > 0 {
				continue
			}
			pipe := s.client.TxPipeline()
			pipe.ZRem(ctx, createdIdxKey, id)
			for _, state := range []State{StateSubmitted, StateWorking, StateCompleted, StateFailed, StateCanceled} {
				pipe.SRem(ctx, stateIdx(state), id)
			}
			if _, err := pipe.Exec(ctx); err != nil {
				return removed, fmt.Errorf("sweep task %s: %w", id, err)
			}
			removed++
		}
		if next == 0 {
			break
		}
		cursor = next
	}

	// The per-context sets need their own pass: the hash naming a task's
	// context is already gone by the time the id expires, so they are
	// scanned key by key.
	var keyCursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, keyCursor, contextIdxPrefix+"*", sweepScanBatch).Result()
		if err != nil {
			return removed, fmt.Errorf("scan context indexes: %w", err)
		}
		for _, key := range keys {
			ids, err := s.client.SMembers(ctx, key).Result()
			if err != nil {
				return removed, fmt.Errorf("read context index %s: %w", key, err)
			}
			for _, id := range ids {
				exists, err := s.client.Exists(ctx, taskKey(id)).Result()
				if err != nil {
					return removed, fmt.Errorf("check task %s: %w", id, err)
				}
				if exists > 0 {
					continue
				}
				if err := s.client.SRem(ctx, key, id).Err(); err != nil {
					return removed, fmt.Errorf("clean context index %s: %w", key, err)
				}
			}
		}
		if next == 0 {
			return removed, nil
		}
		keyCursor = next
	}
}

func decodeTask(fields map[string]string) (*Task, error) {
	t := &Task{
		ID:        fields["id"],
		ContextID: fields["context_id"],
		Kind:      Kind(fields["kind"]),
		State:     State(fields["state"]),
		Sender:    fields["sender"],
		Target:    fields["target"],
	}
	if raw := fields["payload"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &t.Payload); err != nil {
			return nil, fmt.Errorf("decode payload for task %s: %w", t.ID, err)
		}
	}
	if raw := fields["result"]; raw != "" {
		t.Result = json.RawMessage(raw)
	}
	if raw := fields["error"]; raw != "" {
		var f Failure
		if err := json.Unmarshal([]byte(raw), &f); err != nil {
			return nil, fmt.Errorf("decode failure for task %s: %w", t.ID, err)
		}
		t.Error = &f
	}
	for _, tf := range []struct {
		field string
		dst   *time.Time
	}{
		{"created_at", &t.CreatedAt},
		{"expires_at", &t.ExpiresAt},
	} {
		if raw := fields[tf.field]; raw != "" {
			parsed, err := time.Parse(time.RFC3339Nano, raw)
			if err != nil {
				return nil, fmt.Errorf("decode %s for task %s: %w", tf.field, t.ID, err)
			}
			*tf.dst = parsed
		}
	}
	return t, nil
}
