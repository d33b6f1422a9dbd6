package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-chat-realtime/internal/auth"
	"github.com/tbourn/go-chat-realtime/internal/domain"
	"github.com/tbourn/go-chat-realtime/internal/http/middleware"
	"github.com/tbourn/go-chat-realtime/internal/presence"
	"github.com/tbourn/go-chat-realtime/internal/realtime"
	"github.com/tbourn/go-chat-realtime/internal/services"
)

// ---------- fakes ----------

type tokenVerifier map[string]string // token -> user id

func (v tokenVerifier) Verify(_ context.Context, credential string) (auth.Identity, error) {
	if credential == "" {
		return auth.Identity{}, auth.ErrMissingToken
	}
	uid, ok := v[credential]
	if !ok {
		return auth.Identity{}, auth.ErrInvalidToken
	}
	return auth.Identity{UserID: uid}, nil
}

type fakeSession struct {
	member  map[string]bool // conversation id -> caller is a participant
	authErr error
}

func (s *fakeSession) check(conversationID string) error {
	if conversationID == "" {
		return services.ErrInvalidArgument
	}
	if !s.member[conversationID] {
		return services.ErrNotParticipant
	}
	return nil
}

func (s *fakeSession) JoinConversation(_ context.Context, _ *realtime.Handle, id string) error {
	return s.check(id)
}
func (s *fakeSession) LeaveConversation(_ context.Context, _ *realtime.Handle, id string) error {
	return s.check(id)
}
func (s *fakeSession) SendMessage(_ context.Context, h *realtime.Handle, id, content, cmid string) (*domain.Message, error) {
	if err := s.check(id); err != nil {
		return nil, err
	}
	return &domain.Message{ID: "m-1", ConversationID: id, SenderID: h.UserID, Content: content, ClientMessageID: cmid}, nil
}
func (s *fakeSession) SetTyping(_ context.Context, _ *realtime.Handle, id string, _ bool) error {
	return s.check(id)
}
func (s *fakeSession) MarkAsRead(_ context.Context, h *realtime.Handle, id, messageID string) (*domain.MessageRead, error) {
	if err := s.check(id); err != nil {
		return nil, err
	}
	if messageID == "missing" {
		return nil, services.ErrMessageNotFound
	}
	return &domain.MessageRead{ConversationID: id, UserID: h.UserID, MessageID: messageID, ReadAt: time.Now()}, nil
}
func (s *fakeSession) WatchPresence(context.Context, *realtime.Handle, string) error { return nil }
func (s *fakeSession) UnwatchPresence(*realtime.Handle, string) error                { return nil }
func (s *fakeSession) Authorize(_ context.Context, id, _ string) error {
	if s.authErr != nil {
		return s.authErr
	}
	return s.check(id)
}

type gatewayCall struct {
	method string
	target string
	msg    domain.Message
	notif  domain.Notification
	userID string
	opts   int
	conv   string
}

type recordingGateway struct {
	mu    sync.Mutex
	calls []gatewayCall
}

func (g *recordingGateway) add(c gatewayCall) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, c)
}

func (g *recordingGateway) NotifyMessageSent(_ context.Context, conversationID string, msg domain.Message, opts ...services.NotifyOption) {
	g.add(gatewayCall{method: "sent", target: conversationID, msg: msg, opts: len(opts)})
}
func (g *recordingGateway) NotifyNotificationCreated(_ context.Context, userID string, n domain.Notification) {
	g.add(gatewayCall{method: "notification", target: userID, notif: n})
}
func (g *recordingGateway) NotifyMessagesRead(_ context.Context, conversationID, userID string, _ time.Time, opts ...services.NotifyOption) {
	g.add(gatewayCall{method: "read", target: conversationID, userID: userID, opts: len(opts)})
}
func (g *recordingGateway) NotifyUnreadCount(_ context.Context, userID, conversationID string) {
	g.add(gatewayCall{method: "unread", target: userID, conv: conversationID})
}

type stubPresence struct {
	status realtime.PresenceStatus
	typing []presence.Indicator
	err    error
}

func (p stubPresence) Status(context.Context, string) (realtime.PresenceStatus, error) {
	return p.status, p.err
}
func (p stubPresence) TypingUsers(context.Context, string) ([]presence.Indicator, error) {
	return p.typing, p.err
}

// ---------- fixture ----------

func newRouter(t *testing.T, h *Handlers, verifier Verifier) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.RequestID())
	r.POST("/internal/conversations/:id/messages", h.NotifyMessageSent)
	r.POST("/internal/conversations/:id/read", h.NotifyMessagesRead)
	r.POST("/internal/users/:id/notifications", h.NotifyNotificationCreated)
	r.POST("/internal/users/:id/unread", h.NotifyUnreadCount)
	api := r.Group("/api", middleware.BearerAuth(verifier))
	api.GET("/users/:id/presence", h.GetPresence)
	api.GET("/conversations/:id/typing", h.GetTyping)
	r.GET("/ws", h.ServeWS)
	return r
}

func post(r http.Handler, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func get(r http.Handler, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// ---------- gateway bridge ----------

func TestGatewayBridge_ForwardsToGateway(t *testing.T) {
	gw := &recordingGateway{}
	h := New(nil, nil, &fakeSession{}, gw, stubPresence{}, WSOptions{})
	r := newRouter(t, h, tokenVerifier{})

	w := post(r, "/internal/conversations/c1/messages",
		`{"id":"m1","sender_id":"alice","content":"hi","exclude_handle":"h-9"}`)
	var acc AcceptedResponse
	if err := json.Unmarshal(w.Body.Bytes(), &acc); w.Code != http.StatusAccepted || err != nil || acc.Status != "accepted" {
		t.Fatalf("sent: %d %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("content-type = %q", ct)
	}
	w = post(r, "/internal/conversations/c1/read", `{"user_id":"bob","message_id":"m1"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("read: %d", w.Code)
	}
	w = post(r, "/internal/users/bob/notifications", `{"id":"n1","kind":"mention","text":"hey"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("notification: %d", w.Code)
	}
	if w = post(r, "/internal/users/bob/unread", ""); w.Code != http.StatusAccepted {
		t.Fatalf("unread without body: %d", w.Code)
	}
	if w = post(r, "/internal/users/bob/unread", `{"conversation_id":" c1 "}`); w.Code != http.StatusAccepted {
		t.Fatalf("unread: %d", w.Code)
	}

	if len(gw.calls) != 5 {
		t.Fatalf("calls = %+v", gw.calls)
	}
	sent := gw.calls[0]
	if sent.target != "c1" || sent.msg.SenderID != "alice" || sent.msg.ConversationID != "c1" || sent.opts != 1 {
		t.Fatalf("sent call = %+v", sent)
	}
	if sent.msg.CreatedAt.IsZero() {
		t.Fatal("missing created_at should default to now")
	}
	if read := gw.calls[1]; read.userID != "bob" || read.opts != 1 {
		t.Fatalf("read call = %+v", read)
	}
	if n := gw.calls[2]; n.target != "bob" || n.notif.UserID != "bob" || n.notif.Kind != "mention" {
		t.Fatalf("notification call = %+v", n)
	}
	if u := gw.calls[3]; u.target != "bob" || u.conv != "" {
		t.Fatalf("unread call = %+v", u)
	}
	if u := gw.calls[4]; u.conv != "c1" {
		t.Fatalf("unread conversation = %q", u.conv)
	}
}

func TestGatewayBridge_BadBodies(t *testing.T) {
	gw := &recordingGateway{}
	h := New(nil, nil, &fakeSession{}, gw, stubPresence{}, WSOptions{})
	r := newRouter(t, h, tokenVerifier{})

	cases := map[string]string{
		"/internal/conversations/c1/messages": `{"content":"no ids"}`,
		"/internal/conversations/c1/read":     `{"message_id":"m1"}`,
		"/internal/users/bob/notifications":   `{"id":"n1"}`,
		"/internal/users/bob/unread":          `{not json`,
		"/internal/users/x:presence/unread":   "",
		"/internal/conversations/c1:x/read":   `{"user_id":"bob","message_id":"m1"}`,
	}
	for path, body := range cases {
		w := post(r, path, body)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("%s: %d", path, w.Code)
		}
		var resp ErrorResponse
		_ = json.Unmarshal(w.Body.Bytes(), &resp)
		if resp.Code != ErrCodeBadRequest || resp.RequestID == "" {
			t.Fatalf("%s: body %+v", path, resp)
		}
	}
	if len(gw.calls) != 0 {
		t.Fatalf("gateway called on bad input: %+v", gw.calls)
	}
}

// ---------- presence and typing reads ----------

func TestGetPresence(t *testing.T) {
	v := tokenVerifier{"t-alice": "alice"}

	h := New(nil, nil, &fakeSession{}, &recordingGateway{}, stubPresence{status: realtime.StatusOnline}, WSOptions{})
	w := get(newRouter(t, h, v), "/api/users/bob/presence", "t-alice")
	var resp PresenceResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if w.Code != http.StatusOK || resp.UserID != "bob" || resp.Status != realtime.StatusOnline {
		t.Fatalf("presence: %d %+v", w.Code, resp)
	}

	h = New(nil, nil, &fakeSession{}, &recordingGateway{}, stubPresence{err: errors.New("redis down")}, WSOptions{})
	if w = get(newRouter(t, h, v), "/api/users/bob/presence", "t-alice"); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("store error: %d", w.Code)
	}
}

func TestGetPresence_StoreErrorIsLoggedWithRequestLogger(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf strings.Builder
	logger := zerolog.New(&buf)

	h := New(nil, nil, &fakeSession{}, &recordingGateway{}, stubPresence{err: errors.New("redis down")}, WSOptions{})
	r := gin.New()
	r.Use(middleware.RequestID(), func(c *gin.Context) {
		c.Set("logger", &logger)
		c.Next()
	})
	r.GET("/presence/:id", h.GetPresence)

	w := get(r, "/presence/bob", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", w.Code)
	}
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json: %v", err)
	}
	if resp.Code != ErrCodeUnavailable || resp.RequestID == "" || resp.RequestID != w.Header().Get("X-Request-ID") {
		t.Fatalf("unexpected body: %+v", resp)
	}
	if !strings.Contains(buf.String(), `"level":"error"`) || !strings.Contains(buf.String(), `"status":503`) {
		t.Fatalf("expected error log, got: %s", buf.String())
	}
}

func TestGetTyping(t *testing.T) {
	v := tokenVerifier{"t-alice": "alice"}
	session := &fakeSession{member: map[string]bool{"c1": true}}

	h := New(nil, nil, session, &recordingGateway{}, stubPresence{}, WSOptions{})
	r := newRouter(t, h, v)

	w := get(r, "/api/conversations/c1/typing", "t-alice")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"typing":[]`) {
		t.Fatalf("empty typing: %d %s", w.Code, w.Body.String())
	}
	if w = get(r, "/api/conversations/c2/typing", "t-alice"); w.Code != http.StatusForbidden {
		t.Fatalf("non-participant: %d", w.Code)
	}
	if w = get(r, "/api/conversations/c1/typing", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("no token: %d", w.Code)
	}

	session.authErr = errors.New("db gone")
	if w = get(r, "/api/conversations/c1/typing", "t-alice"); w.Code != http.StatusInternalServerError {
		t.Fatalf("authorize error: %d", w.Code)
	}

	session.authErr = nil
	h = New(nil, nil, session, &recordingGateway{}, stubPresence{err: errors.New("redis down")}, WSOptions{})
	if w = get(newRouter(t, h, v), "/api/conversations/c1/typing", "t-alice"); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("store error: %d", w.Code)
	}
}

// ---------- helpers ----------

func Test_originChecker(t *testing.T) {
	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	open := originChecker(nil)
	if !open(req("http://evil.example")) {
		t.Fatal("empty allowlist should accept any origin")
	}

	only := originChecker([]string{"https://App.example/"})
	if !only(req("https://app.example")) {
		t.Fatal("listed origin rejected")
	}
	if only(req("https://evil.example")) {
		t.Fatal("unlisted origin accepted")
	}
	if !only(req("")) {
		t.Fatal("requests without Origin should pass")
	}
}

func Test_bind(t *testing.T) {
	if _, err := bind[conversationParams](nil); !errors.Is(err, errBadParams) {
		t.Fatalf("empty data: %v", err)
	}
	if _, err := bind[conversationParams](json.RawMessage(`[1,2]`)); !errors.Is(err, errBadParams) {
		t.Fatalf("wrong shape: %v", err)
	}
	p, err := bind[sendMessageParams](json.RawMessage(`{"conversationId":"c1","content":"hi","clientMessageId":"x"}`))
	if err != nil || p.ConversationID != "c1" || p.Content != "hi" || p.ClientMessageID != "x" {
		t.Fatalf("bind = %+v, %v", p, err)
	}
}

func Test_errorCode(t *testing.T) {
	s := &wsSession{log: zerolog.Nop()}
	cases := []struct {
		err  error
		want string
	}{
		{services.ErrNotParticipant, ErrCodeNotParticipant},
		{services.ErrInvalidArgument, ErrCodeInvalidArgument},
		{errBadParams, ErrCodeInvalidArgument},
		{services.ErrEmptyContent, ErrCodeEmptyContent},
		{services.ErrContentTooLong, ErrCodeContentTooLong},
		{services.ErrMessageNotFound, ErrCodeMessageNotFound},
		{errUnknownOp, ErrCodeUnknownOp},
		{realtime.ErrNotActive, ErrCodeConnectionClosing},
		{realtime.ErrHubClosed, ErrCodeConnectionClosing},
		{context.DeadlineExceeded, ErrCodeUnavailable},
		{errors.New("boom"), ErrCodeInternal},
	}
	for _, tc := range cases {
		if got := s.errorCode("op", tc.err); got != tc.want {
			t.Fatalf("%v -> %q, want %q", tc.err, got, tc.want)
		}
	}
}

func Test_closeCode(t *testing.T) {
	if closeCode(realtime.CloseLogout) != websocket.CloseNormalClosure ||
		closeCode(realtime.CloseServer) != websocket.CloseGoingAway ||
		closeCode(realtime.CloseIdle) != websocket.ClosePolicyViolation ||
		closeCode(realtime.CloseNetwork) != websocket.CloseNormalClosure {
		t.Fatal("unexpected close code mapping")
	}
}

// ---------- WebSocket framing ----------

func startWS(t *testing.T, opts WSOptions) (*httptest.Server, *realtime.Hub, context.CancelFunc) {
	t.Helper()
	hub := realtime.NewHub(realtime.HubConfig{QueueSize: 8}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = hub.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-hub.Stopped()
	})

	session := &fakeSession{member: map[string]bool{"c1": true}}
	h := New(hub, tokenVerifier{"t-alice": "alice"}, session, &recordingGateway{}, stubPresence{}, opts)
	srv := httptest.NewServer(newRouter(t, h, tokenVerifier{}))
	t.Cleanup(srv.Close)
	return srv, hub, cancel
}

func dialWS(t *testing.T, srv *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var f map[string]any
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read: %v", err)
	}
	return f
}

func TestServeWS_BearerHeaderAndFraming(t *testing.T) {
	srv, _, _ := startWS(t, WSOptions{RateRPS: 100, RateBurst: 100})
	conn := dialWS(t, srv, http.Header{"Authorization": []string{"Bearer t-alice"}})

	if f := readFrame(t, conn); f["type"] != frameConnected || f["user_id"] != "alice" {
		t.Fatalf("hello = %v", f)
	}

	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{not json`))
	if f := readFrame(t, conn); f["type"] != frameAck || f["error"] != ErrCodeInvalidFrame {
		t.Fatalf("invalid frame ack = %v", f)
	}

	_ = conn.WriteJSON(ClientFrame{ID: "1", Op: opMarkAsRead, Data: json.RawMessage(`{"conversationId":"c1","messageId":"missing"}`)})
	if f := readFrame(t, conn); f["id"] != "1" || f["error"] != ErrCodeMessageNotFound {
		t.Fatalf("markAsRead ack = %v", f)
	}

	_ = conn.WriteJSON(ClientFrame{ID: "2", Op: opMarkAsRead, Data: json.RawMessage(`{"conversationId":"c1","messageId":"m1"}`)})
	f := readFrame(t, conn)
	data, _ := f["data"].(map[string]any)
	if f["success"] != true || data["messageId"] != "m1" || data["userId"] != "alice" {
		t.Fatalf("markAsRead ack = %v", f)
	}

	_ = conn.WriteJSON(ClientFrame{ID: "3", Op: opWatchPresence, Data: json.RawMessage(`{"userId":"bob"}`)})
	if f := readFrame(t, conn); f["id"] != "3" || f["success"] != true {
		t.Fatalf("watchPresence ack = %v", f)
	}
}

func TestServeWS_RateLimited(t *testing.T) {
	srv, _, _ := startWS(t, WSOptions{RateRPS: 0.001, RateBurst: 1})
	conn := dialWS(t, srv, http.Header{"Authorization": []string{"Bearer t-alice"}})
	readFrame(t, conn)

	_ = conn.WriteJSON(ClientFrame{ID: "1", Op: opPing})
	if f := readFrame(t, conn); f["success"] != true {
		t.Fatalf("first ping = %v", f)
	}
	_ = conn.WriteJSON(ClientFrame{ID: "2", Op: opPing})
	if f := readFrame(t, conn); f["id"] != "2" || f["error"] != ErrCodeRateLimited {
		t.Fatalf("second ping = %v", f)
	}
}

func TestServeWS_ServerShutdownClosesConnection(t *testing.T) {
	srv, hub, stop := startWS(t, WSOptions{})
	conn := dialWS(t, srv, http.Header{"Authorization": []string{"Bearer t-alice"}})
	hello := readFrame(t, conn)

	ids, err := hub.HandlesFor("alice")
	if err != nil || len(ids) != 1 || ids[0] != hello["handle_id"] {
		t.Fatalf("handles = %v, %v", ids, err)
	}

	stop()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("expected going-away close, got %v", err)
	}
}
