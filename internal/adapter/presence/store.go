// Package presence keeps the TTL-scoped session roster in Redis. Every key
// carries the roster TTL so an instance that dies without cleanup leaves no
// permanent garbage behind.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/careline/session-relay/internal/domain/model"
)

const (
	sessionKeyPrefix    = "presence:session:"
	connectionKeyPrefix = "presence:conn:"
)

// Registrar is the presence surface the session handler depends on.
type Registrar interface {
	Upsert(ctx context.Context, sessionID, connectionID string, role model.Role) error
	Refresh(ctx context.Context, sessionID, connectionID string) (bool, error)
	Remove(ctx context.Context, sessionID, connectionID string) error
	List(ctx context.Context, sessionID string) ([]model.PresenceMember, error)
}

type Store struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

func NewStore(client redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *Store {
	return &Store{
		client: client,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

func sessionKey(sessionID string) string {
	return sessionKeyPrefix + model.SanitizeSessionID(sessionID)
}

func connectionKey(connectionID string) string {
	return connectionKeyPrefix + connectionID
}

// Upsert records the member in the session roster. connected_at is written
// first-write-wins so re-upserts after a missed refresh keep the original
// join order.
func (s *Store) Upsert(ctx context.Context, sessionID, connectionID string, role model.Role) error {
	nowUnix := s.now().Unix()
	sKey := sessionKey(sessionID)
	cKey := connectionKey(connectionID)

	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, sKey, connectionID)
	pipe.HSet(ctx, cKey,
		"session_id", model.SanitizeSessionID(sessionID),
		"user_type", string(role),
		"last_seen", nowUnix,
	)
	pipe.HSetNX(ctx, cKey, "connected_at", nowUnix)
	pipe.Expire(ctx, sKey, s.ttl)
	pipe.Expire(ctx, cKey, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence upsert: %w", err)
	}
	return nil
}

// Refresh extends the member's TTL. It reports false when the connection
// hash has already expired, in which case the caller should Upsert again.
func (s *Store) Refresh(ctx context.Context, sessionID, connectionID string) (bool, error) {
	cKey := connectionKey(connectionID)

	exists, err := s.client.Exists(ctx, cKey).Result()
	if err != nil {
		return false, fmt.Errorf("presence refresh: %w", err)
	}
	if exists == 0 {
		return false, nil
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, cKey, "last_seen", s.now().Unix())
	pipe.Expire(ctx, cKey, s.ttl)
	pipe.Expire(ctx, sessionKey(sessionID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("presence refresh: %w", err)
	}
	return true, nil
}

func (s *Store) Remove(ctx context.Context, sessionID, connectionID string) error {
	pipe := s.client.TxPipeline()
	pipe.SRem(ctx, sessionKey(sessionID), connectionID)
	pipe.Del(ctx, connectionKey(connectionID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence remove: %w", err)
	}
	return nil
}

// List returns the live roster ordered by (connected_at, connection_id).
// Set members whose connection hash has expired are treated as stale and
// swept out of the set opportunistically.
func (s *Store) List(ctx context.Context, sessionID string) ([]model.PresenceMember, error) {
	sKey := sessionKey(sessionID)

	ids, err := s.client.SMembers(ctx, sKey).Result()
	if err != nil {
		return nil, fmt.Errorf("presence list: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, connectionKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("presence list: %w", err)
	}

	members := make([]model.PresenceMember, 0, len(ids))
	var stale []any
	for i, id := range ids {
		fields, err := cmds[i].Result()
		if err != nil || len(fields) == 0 {
			stale = append(stale, id)
			continue
		}
		members = append(members, model.PresenceMember{
			ConnectionID: id,
			SessionID:    model.SanitizeSessionID(sessionID),
			UserType:     model.Role(fields["user_type"]),
			ConnectedAt:  parseUnix(fields["connected_at"]),
			LastSeen:     parseUnix(fields["last_seen"]),
		})
	}

	if len(stale) > 0 {
		if err := s.client.SRem(ctx, sKey, stale...).Err(); err != nil {
			s.logger.Warn("stale presence sweep failed", slog.Any("error", err))
		}
	}

	sort.Slice(members, func(i, j int) bool {
		if members[i].ConnectedAt != members[j].ConnectedAt {
			return members[i].ConnectedAt < members[j].ConnectedAt
		}
		return members[i].ConnectionID < members[j].ConnectionID
	})
	return members, nil
}

func parseUnix(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}
