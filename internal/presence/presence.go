// Package presence mirrors live room membership into Redis so that
// read-only informational endpoints can be served without touching the
// relay's dispatch loop. The registry remains authoritative; the mirror
// is best-effort and TTL-bound so stale keys age out on their own.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mikeyg42/roomcall/internal/config"
)

const peerSetTTL = 24 * time.Hour

// Mirror writes membership changes to Redis. A nil Mirror (or one
// constructed with an empty host) is disabled and all methods no-op.
type Mirror struct {
	client *redis.Client
	log    *zap.Logger
}

// Connect creates a Mirror from config. An empty host disables the
// mirror without error.
func Connect(ctx context.Context, cfg config.RedisConfig, log *zap.Logger) (*Mirror, error) {
	if cfg.Host == "" {
		return nil, nil
	}
	if log == nil {
		log = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &Mirror{client: client, log: log.Named("presence")}, nil
}

// Close releases the Redis connection.
func (m *Mirror) Close() error {
	if m == nil || m.client == nil {
		return nil
	}
	return m.client.Close()
}

func peersKey(roomID string) string { return "room:" + roomID + ":peers" }

// AddPeer records userID as a member of roomID.
func (m *Mirror) AddPeer(ctx context.Context, roomID, userID string) {
	if m == nil || m.client == nil {
		return
	}
	if err := m.client.SAdd(ctx, peersKey(roomID), userID).Err(); err != nil {
		m.log.Warn("failed to mirror peer add", zap.String("room", roomID), zap.Error(err))
		return
	}
	m.client.Expire(ctx, peersKey(roomID), peerSetTTL)
}

// RemovePeer removes userID from roomID. When the room was deleted the
// whole key is dropped.
func (m *Mirror) RemovePeer(ctx context.Context, roomID, userID string, roomDeleted bool) {
	if m == nil || m.client == nil {
		return
	}
	if roomDeleted {
		if err := m.client.Del(ctx, peersKey(roomID)).Err(); err != nil {
			m.log.Warn("failed to drop peer set", zap.String("room", roomID), zap.Error(err))
		}
		return
	}
	if err := m.client.SRem(ctx, peersKey(roomID), userID).Err(); err != nil {
		m.log.Warn("failed to mirror peer removal", zap.String("room", roomID), zap.Error(err))
	}
}

// PeerCount returns the mirrored member count for roomID, or -1 when
// the mirror is disabled or unreachable.
func (m *Mirror) PeerCount(ctx context.Context, roomID string) int64 {
	if m == nil || m.client == nil {
		return -1
	}
	n, err := m.client.SCard(ctx, peersKey(roomID)).Result()
	if err != nil {
		return -1
	}
	return n
}
