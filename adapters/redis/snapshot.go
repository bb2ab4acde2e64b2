package redis

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/stableexo/warden-relay/multibuilder"
)

// MetricsSnapshotStore persists builder reputation in one hash, one field per builder.
type MetricsSnapshotStore struct {
	client *redis.Client
	key    string
}

func NewMetricsSnapshotStore(client *redis.Client, keyPrefix string) *MetricsSnapshotStore {
	return &MetricsSnapshotStore{
		client: client,
		key:    keyPrefix + "builder-metrics",
	}
}

func (s *MetricsSnapshotStore) Save(ctx context.Context, snapshot []multibuilder.BuilderMetrics) error {
	if len(snapshot) == 0 {
		return nil
	}
	values := make(map[string]interface{}, len(snapshot))
	for _, m := range snapshot {
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		values[m.BuilderID] = data
	}
	return s.client.HSet(ctx, s.key, values).Err()
}

// Load returns the stored snapshot. Entries that fail to decode are skipped.
func (s *MetricsSnapshotStore) Load(ctx context.Context) ([]multibuilder.BuilderMetrics, error) {
	raw, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, err
	}
	res := make([]multibuilder.BuilderMetrics, 0, len(raw))
	for id, data := range raw {
		var m multibuilder.BuilderMetrics
		if err := json.Unmarshal([]byte(data), &m); err != nil || m.BuilderID != id {
			continue
		}
		res = append(res, m)
	}
	return res, nil
}

func (s *MetricsSnapshotStore) Clear(ctx context.Context) error {
	return s.client.Del(ctx, s.key).Err()
}
