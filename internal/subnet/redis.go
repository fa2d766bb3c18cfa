package subnet

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	subnetKeyPrefix = "acn:subnet:"
	subnetIndexKey  = "acn:subnets"
)

// RedisSubnets persists subnet definitions so a gateway restart keeps
// the subnet table and its credentials.
type RedisSubnets struct {
	client *redis.Client
}

// NewRedisSubnets wraps an existing Redis client.
func NewRedisSubnets(client *redis.Client) *RedisSubnets {
	return &RedisSubnets{client: client}
}

func (r *RedisSubnets) Save(ctx context.Context, s *Subnet) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode subnet %s: %w", s.ID, err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, subnetKeyPrefix+s.ID, b, 0)
	pipe.SAdd(ctx, subnetIndexKey, s.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("persist subnet %s: %w", s.ID, err)
	}
	return nil
}

func (r *RedisSubnets) Delete(ctx context.Context, id string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, subnetKeyPrefix+id)
	pipe.SRem(ctx, subnetIndexKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete subnet %s: %w", id, err)
	}
	return nil
}

func (r *RedisSubnets) Load(ctx context.Context) ([]*Subnet, error) {
	ids, err := r.client.SMembers(ctx, subnetIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list subnets: %w", err)
	}
	out := make([]*Subnet, 0, len(ids))
	for _, id := range ids {
		raw, err := r.client.Get(ctx, subnetKeyPrefix+id).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load subnet %s: %w", id, err)
		}
		var s Subnet
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return nil, fmt.Errorf("decode subnet %s: %w", id, err)
		}
		out = append(out, &s)
	}
	return out, nil
}
