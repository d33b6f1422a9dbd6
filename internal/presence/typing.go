package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tbourn/go-chat-realtime/internal/realtime"
)

// ErrInvalidID is returned for conversation or user ids that cannot form a
// typing key.
var ErrInvalidID = errors.New("invalid id")

// Indicator is the stored typing state of one user in one conversation.
type Indicator struct {
	UserID         string    `json:"userId"`
	ConversationID string    `json:"conversationId"`
	IsTyping       bool      `json:"isTyping"`
	LastUpdatedAt  time.Time `json:"lastUpdatedAt"`
}

// SetTyping stores or clears the indicator for userID in conversationID and
// then announces it on the conversation topic. The store write always
// happens before the publish, so a client that polls after receiving the
// event sees the same state.
//
// Indicators are not cleared on disconnect; the TTL reclaims them.
func (tr *Tracker) SetTyping(ctx context.Context, conversationID, userID string, isTyping bool) error {
	if !realtime.ValidID(conversationID) || !realtime.ValidID(userID) {
		return ErrInvalidID
	}
	key := typingKey(conversationID, userID)
	if isTyping {
		ind := Indicator{
			UserID:         userID,
			ConversationID: conversationID,
			IsTyping:       true,
			LastUpdatedAt:  tr.now().UTC(),
		}
		raw, err := json.Marshal(ind)
		if err != nil {
			return err
		}
		if err := tr.client.Set(ctx, key, raw, tr.cfg.TypingTTL).Err(); err != nil {
			return fmt.Errorf("store typing: %w", err)
		}
	} else if err := tr.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("clear typing: %w", err)
	}

	env := realtime.NewEnvelope(realtime.ConversationTopic(conversationID), realtime.UserTyping{
		UserID:         userID,
		ConversationID: conversationID,
		IsTyping:       isTyping,
	})
	if err := tr.pub.Publish(ctx, env); err != nil {
		return fmt.Errorf("publish typing: %w", err)
	}
	return nil
}

// Indicator returns the live indicator for userID, if any.
func (tr *Tracker) Indicator(ctx context.Context, conversationID, userID string) (Indicator, bool, error) {
	raw, err := tr.client.Get(ctx, typingKey(conversationID, userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Indicator{}, false, nil
	}
	if err != nil {
		return Indicator{}, false, err
	}
	var ind Indicator
	if err := json.Unmarshal(raw, &ind); err != nil {
		return Indicator{}, false, err
	}
	return ind, true, nil
}

// TypingUsers lists live indicators in conversationID.
func (tr *Tracker) TypingUsers(ctx context.Context, conversationID string) ([]Indicator, error) {
	if !realtime.ValidID(conversationID) {
		return nil, ErrInvalidID
	}
	pattern := typingKey(escapeGlob(conversationID), "*")
	var keys []string
	iter := tr.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return []Indicator{}, nil
	}

	vals, err := tr.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Indicator, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue // expired between SCAN and MGET
		}
		var ind Indicator
		if err := json.Unmarshal([]byte(s), &ind); err != nil {
			continue
		}
		out = append(out, ind)
	}
	return out, nil
}

func typingKey(conversationID, userID string) string {
	return "typing:" + conversationID + ":" + userID
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string { return globEscaper.Replace(s) }
