package messaging

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

// CardsHash stores the operator list as fields "etag" and "cards"
// (comma separated, slot order).
const CardsHash = "carshare:operator-cards"

// CardStore persists the operator list in Redis.
type CardStore struct {
	client *redis.Client
}

func NewCardStore(client *redis.Client) *CardStore {
	return &CardStore{client: client}
}

func (s *CardStore) Load(ctx context.Context) (int, []string, error) {
	fields, err := s.client.HGetAll(ctx, CardsHash).Result()
	if err != nil {
		return -1, nil, fmt.Errorf("failed to read %s: %w", CardsHash, err)
	}
	return decodeCards(fields)
}

func decodeCards(fields map[string]string) (int, []string, error) {
	raw, ok := fields["etag"]
	if !ok {
		return -1, nil, nil
	}
	etag, err := strconv.Atoi(raw)
	if err != nil {
		return -1, nil, fmt.Errorf("invalid etag %q: %w", raw, err)
	}
	var list []string
	if c := fields["cards"]; c != "" {
		list = strings.Split(c, ",")
	}
	return etag, list, nil
}

func (s *CardStore) Save(ctx context.Context, etag int, list []string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, CardsHash)
		pipe.HSet(ctx, CardsHash, "etag", etag, "cards", strings.Join(list, ","))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", CardsHash, err)
	}
	return nil
}
