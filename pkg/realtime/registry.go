package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrJourneyUnknown is returned when no ownership record exists for a journey.
var ErrJourneyUnknown = errors.New("realtime: journey unknown")

// Registry is the shared KV connection registry. Each socket is registered
// under its user's set as "instanceId:socketId", so any instance can resolve
// a recipient to the instances holding its sockets. Entries carry a TTL; a
// crashed instance's registrations garbage-collect themselves.
type Registry struct {
	rdb        *redis.Client
	instanceID string
	ttl        time.Duration
}

// NewRegistry builds a registry for this gateway instance.
func NewRegistry(rdb *redis.Client, instanceID string, ttl time.Duration) *Registry {
	return &Registry{rdb: rdb, instanceID: instanceID, ttl: ttl}
}

func (r *Registry) userKey(userID string) string { return "ws:user:" + userID }

func (r *Registry) member(socketID string) string { return r.instanceID + ":" + socketID }

// Add registers a socket for a user.
func (r *Registry) Add(ctx context.Context, userID, role, socketID string) error {
	key := r.userKey(userID)
	pipe := r.rdb.Pipeline()
	pipe.SAdd(ctx, key, r.member(socketID))
	pipe.Expire(ctx, key, r.ttl)
	pipe.Set(ctx, "ws:connection:"+socketID, userID+":"+role, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("register socket: %w", err)
	}
	return nil
}

// Remove unregisters a socket. Failures are surfaced but callers treat them
// as non-fatal; the TTL cleans up what Remove misses.
func (r *Registry) Remove(ctx context.Context, userID, socketID string) error {
	pipe := r.rdb.Pipeline()
	pipe.SRem(ctx, r.userKey(userID), r.member(socketID))
	pipe.Del(ctx, "ws:connection:"+socketID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("unregister socket: %w", err)
	}
	return nil
}

// LocalSockets returns the socket ids this instance holds for a user,
// filtering out entries registered by other instances.
func (r *Registry) LocalSockets(ctx context.Context, userID string) ([]string, error) {
	members, err := r.rdb.SMembers(ctx, r.userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("resolve sockets: %w", err)
	}
	prefix := r.instanceID + ":"
	var out []string
	for _, m := range members {
		if strings.HasPrefix(m, prefix) {
			out = append(out, strings.TrimPrefix(m, prefix))
		}
	}
	return out, nil
}

// JourneyOwnership is the record written when a journey starts, checked
// before admitting a socket to the journey's room.
type JourneyOwnership struct {
	JourneyID string `json:"journeyId"`
	SessionID string `json:"sessionId"`
	StudentID string `json:"studentId"`
	TrainerID string `json:"trainerId"`
}

// JourneyOwner looks up the ownership record for a journey.
func (r *Registry) JourneyOwner(ctx context.Context, journeyID string) (*JourneyOwnership, error) {
	data, err := r.rdb.Get(ctx, "journey:"+journeyID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJourneyUnknown
	}
	if err != nil {
		return nil, fmt.Errorf("journey lookup: %w", err)
	}
	var own JourneyOwnership
	if err := json.Unmarshal(data, &own); err != nil {
		return nil, fmt.Errorf("decode journey record: %w", err)
	}
	return &own, nil
}
