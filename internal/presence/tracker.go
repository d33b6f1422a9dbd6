// Package presence derives global online status and typing indicators from
// the shared store.
//
// A user is online while any process holds a live lease for them in the
// presence:<user> hash. Each process keeps one field (its process id) per
// locally-online user, renewed by the hub sweep; a crashed process stops
// renewing and its leases are pruned on the next update. presenceChanged is
// published only when the global lease count crosses zero.
package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-chat-realtime/internal/queue"
	"github.com/tbourn/go-chat-realtime/internal/realtime"
)

// Publisher sends an envelope to every process watching its topic.
type Publisher interface {
	Publish(ctx context.Context, env realtime.Envelope) error
}

// Config tunes the tracker.
type Config struct {
	ProcessID string
	Lease     time.Duration // presence lease per process
	TypingTTL time.Duration // typing indicator expiry
	Timeout   time.Duration // per store round trip
}

// presenceScript atomically prunes expired leases, applies this process's
// change and reports the live field count before and after.
//
// KEYS[1] presence hash
// ARGV[1] process id, ARGV[2] delta (1 set, -1 remove, 0 renew),
// ARGV[3] now (ms), ARGV[4] lease (ms), ARGV[5] new deadline (ms)
var presenceScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[3])
local fields = redis.call('HGETALL', key)
for i = 1, #fields, 2 do
  if tonumber(fields[i + 1]) < now then
    redis.call('HDEL', key, fields[i])
  end
end
local before = redis.call('HLEN', key)
local delta = tonumber(ARGV[2])
if delta < 0 then
  redis.call('HDEL', key, ARGV[1])
else
  redis.call('HSET', key, ARGV[1], ARGV[5])
end
local after = redis.call('HLEN', key)
if after > 0 then
  redis.call('PEXPIRE', key, ARGV[4])
end
return {before, after}
`)

// Tracker implements realtime.PresenceListener. Presence updates are applied
// one at a time by Run, in the order the hub reported them.
type Tracker struct {
	client  redis.UniversalClient
	pub     Publisher
	cfg     Config
	mailbox *queue.Mailbox[func()]
	now     func() time.Time
}

// New creates a tracker. Call Run to start applying presence updates.
func New(client redis.UniversalClient, pub Publisher, cfg Config) *Tracker {
	if cfg.Lease <= 0 {
		cfg.Lease = 90 * time.Second
	}
	if cfg.TypingTTL <= 0 {
		cfg.TypingTTL = 5 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	return &Tracker{
		client:  client,
		pub:     pub,
		cfg:     cfg,
		mailbox: queue.NewMailbox[func()](64),
		now:     time.Now,
	}
}

// Run applies queued presence updates until ctx is cancelled, then drains
// whatever is already queued.
func (tr *Tracker) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		tr.mailbox.Close()
	}()
	for {
		fn, ok := tr.mailbox.Receive()
		if !ok {
			return nil
		}
		fn()
	}
}

// UserOnline records this process's first live connection for userID.
func (tr *Tracker) UserOnline(userID string) {
	tr.mailbox.Send(func() { tr.apply(userID, 1) })
}

// UserOffline records that this process holds no connection for userID.
func (tr *Tracker) UserOffline(userID string) {
	tr.mailbox.Send(func() { tr.apply(userID, -1) })
}

// Refresh renews this process's leases for userIDs.
func (tr *Tracker) Refresh(userIDs []string) {
	users := append([]string(nil), userIDs...)
	tr.mailbox.Send(func() {
		for _, u := range users {
			tr.apply(u, 0)
		}
	})
}

func (tr *Tracker) apply(userID string, delta int) {
	ctx, cancel := context.WithTimeout(context.Background(), tr.cfg.Timeout)
	defer cancel()

	now := tr.now()
	res, err := presenceScript.Run(ctx, tr.client, []string{presenceKey(userID)},
		tr.cfg.ProcessID, delta, now.UnixMilli(), tr.cfg.Lease.Milliseconds(),
		now.Add(tr.cfg.Lease).UnixMilli()).Int64Slice()
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Int("delta", delta).Msg("presence update failed")
		return
	}
	before, after := res[0], res[1]

	var status realtime.PresenceStatus
	switch {
	case before == 0 && after > 0:
		status = realtime.StatusOnline
	case before > 0 && after == 0:
		status = realtime.StatusOffline
	default:
		return
	}
	env := realtime.NewEnvelope(realtime.PresenceTopic(userID), realtime.PresenceChanged{
		UserID: userID,
		Status: status,
		At:     now.UTC(),
	})
	if err := tr.pub.Publish(ctx, env); err != nil {
		log.Error().Err(err).Str("user_id", userID).Str("status", string(status)).Msg("presence publish failed")
	}
}

// IsOnline reports whether any process holds a live lease for userID.
func (tr *Tracker) IsOnline(ctx context.Context, userID string) (bool, error) {
	leases, err := tr.client.HGetAll(ctx, presenceKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("presence %s: %w", userID, err)
	}
	now := tr.now().UnixMilli()
	for _, v := range leases {
		deadline, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		if deadline >= now {
			return true, nil
		}
	}
	return false, nil
}

// Status is IsOnline as a PresenceStatus.
func (tr *Tracker) Status(ctx context.Context, userID string) (realtime.PresenceStatus, error) {
	online, err := tr.IsOnline(ctx, userID)
	if err != nil {
		return "", err
	}
	if online {
		return realtime.StatusOnline, nil
	}
	return realtime.StatusOffline, nil
}

// flush waits until every update queued before it has been applied.
func (tr *Tracker) flush() error {
	done := make(chan struct{})
	if !tr.mailbox.Send(func() { close(done) }) {
		return errors.New("presence tracker stopped")
	}
	<-done
	return nil
}

func presenceKey(userID string) string { return "presence:" + userID }
