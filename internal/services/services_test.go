package services

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-chat-realtime/internal/domain"
	"github.com/tbourn/go-chat-realtime/internal/realtime"
	"github.com/tbourn/go-chat-realtime/internal/repo"
)

// ---------- shared test helpers ----------

func newSvcDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("svc_%d.db", time.Now().UnixNano()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// sqlRepo adapts the repo package functions to the service interfaces.
type sqlRepo struct{}

func (sqlRepo) IsParticipant(ctx context.Context, db *gorm.DB, conversationID, userID string) (bool, error) {
	return repo.IsParticipant(ctx, db, conversationID, userID)
}

func (sqlRepo) CreateMessageIdempotent(ctx context.Context, db *gorm.DB, conversationID, senderID, content, clientMessageID string, ttl time.Duration) (*domain.Message, bool, error) {
	return repo.CreateMessageIdempotent(ctx, db, conversationID, senderID, content, clientMessageID, ttl)
}

func (sqlRepo) MarkConversationRead(ctx context.Context, db *gorm.DB, conversationID, userID, messageID string, now time.Time) (*domain.MessageRead, error) {
	return repo.MarkConversationRead(ctx, db, conversationID, userID, messageID, now)
}

func (sqlRepo) FetchConversationParticipants(ctx context.Context, db *gorm.DB, conversationID string) ([]string, error) {
	return repo.FetchConversationParticipants(ctx, db, conversationID)
}

func (sqlRepo) FetchUserNotificationSettings(ctx context.Context, db *gorm.DB, userID string) (domain.NotificationSettings, error) {
	return repo.FetchUserNotificationSettings(ctx, db, userID)
}

func (sqlRepo) CountUnreadMessages(ctx context.Context, db *gorm.DB, conversationID, userID string) (int64, error) {
	return repo.CountUnreadMessages(ctx, db, conversationID, userID)
}

func (sqlRepo) CountUnreadNotifications(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	return repo.CountUnreadNotifications(ctx, db, userID)
}

// loopback publishes straight into a local hub, standing in for the shared
// channel. With fail set every publish errors.
type loopback struct {
	hub *realtime.Hub

	mu   sync.Mutex
	fail bool
	sent []realtime.Envelope
}

func (l *loopback) Publish(_ context.Context, env realtime.Envelope) error {
	l.mu.Lock()
	fail := l.fail
	if !fail {
		l.sent = append(l.sent, env)
	}
	l.mu.Unlock()
	if fail {
		return errors.New("shared store unreachable")
	}
	l.hub.Deliver(env)
	return nil
}

func (l *loopback) setFail(v bool) {
	l.mu.Lock()
	l.fail = v
	l.mu.Unlock()
}

type fixture struct {
	db   *gorm.DB
	hub  *realtime.Hub
	pub  *loopback
	gw   *Gateway
	svc  *SessionService
	conv *domain.Conversation
}

func newFixture(t *testing.T, participants ...string) *fixture {
	t.Helper()
	db := newSvcDB(t)
	hub := realtime.NewHub(realtime.HubConfig{QueueSize: 32}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = hub.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-hub.Stopped()
	})

	conv, err := repo.CreateConversation(context.Background(), db, "test", participants...)
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	pub := &loopback{hub: hub}
	gw := NewGateway(db, sqlRepo{}, pub)
	typing := &fakeTyping{}
	svc := NewSessionService(db, sqlRepo{}, hub, typing, gw)
	return &fixture{db: db, hub: hub, pub: pub, gw: gw, svc: svc, conv: conv}
}

// connect opens an Active handle for userID.
func (f *fixture) connect(t *testing.T, userID string) *realtime.Handle {
	t.Helper()
	h := f.hub.Open()
	if !h.Authenticate(userID) {
		t.Fatalf("Authenticate(%s) failed", userID)
	}
	if err := f.hub.Activate(context.Background(), h); err != nil {
		t.Fatalf("Activate(%s): %v", userID, err)
	}
	return h
}

// join opens a handle and subscribes it to the fixture conversation.
func (f *fixture) join(t *testing.T, userID string) *realtime.Handle {
	t.Helper()
	h := f.connect(t, userID)
	if err := f.svc.JoinConversation(context.Background(), h, f.conv.ID); err != nil {
		t.Fatalf("JoinConversation(%s): %v", userID, err)
	}
	return h
}

// events flushes pending hub deliveries and pops everything queued for h.
func (f *fixture) events(t *testing.T, h *realtime.Handle) []realtime.Envelope {
	t.Helper()
	if _, err := f.hub.Stats(); err != nil {
		t.Fatalf("Stats: %v", err)
	}
	var out []realtime.Envelope
	for {
		env, ok := h.Next()
		if !ok {
			return out
		}
		out = append(out, env)
	}
}

func names(envs []realtime.Envelope) []realtime.EventName {
	out := make([]realtime.EventName, 0, len(envs))
	for _, e := range envs {
		out = append(out, e.Event)
	}
	return out
}

type fakeTyping struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeTyping) SetTyping(_ context.Context, conversationID, userID string, isTyping bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("%s/%s/%v", conversationID, userID, isTyping))
	return nil
}
