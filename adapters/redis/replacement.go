// Package redis provides redis backed stores for the relay
package redis

import (
	"context"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stableexo/warden-relay/multibuilder"
)

// ReplacementIndex keeps the builders that accepted a replacement uuid in a redis set,
// so any relay instance can cancel a bundle placed by another one.
type ReplacementIndex struct {
	client         *redis.Client
	expireDuration time.Duration
	keyPrefix      string
}

func NewReplacementIndex(client *redis.Client, expireDuration time.Duration, keyPrefix string) *ReplacementIndex {
	return &ReplacementIndex{
		client:         client,
		expireDuration: expireDuration,
		keyPrefix:      keyPrefix,
	}
}

func (r *ReplacementIndex) key(replacementUUID string) string {
	return r.keyPrefix + "replacement:" + replacementUUID
}

func (r *ReplacementIndex) Record(ctx context.Context, replacementUUID string, builderIDs []string) error {
	if replacementUUID == "" {
		return multibuilder.ErrNoReplacementUUID
	}
	if len(builderIDs) == 0 {
		return nil
	}
	members := make([]interface{}, len(builderIDs))
	for i, id := range builderIDs {
		members[i] = id
	}

	key := r.key(replacementUUID)
	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, key, members...)
	pipe.Expire(ctx, key, r.expireDuration)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *ReplacementIndex) Builders(ctx context.Context, replacementUUID string) ([]string, error) {
	ids, err := r.client.SMembers(ctx, r.key(replacementUUID)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// DeleteAll deletes every key under the prefix. It can be very slow and should only be used for testing.
func (r *ReplacementIndex) DeleteAll(ctx context.Context) error {
	return deleteByPrefix(ctx, r.client, r.keyPrefix)
}

func deleteByPrefix(ctx context.Context, client *redis.Client, prefix string) error {
	keys, err := client.Keys(ctx, prefix+"*").Result()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return client.Del(ctx, keys...).Err()
}
