package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/edgegate/internal/dispatch"
	"github.com/nao1215/edgegate/internal/kv"
	"github.com/nao1215/edgegate/internal/queue"
	"github.com/nao1215/edgegate/internal/ratelimit"
	"github.com/nao1215/edgegate/internal/session"
	"github.com/nao1215/edgegate/internal/token"
	"github.com/nao1215/edgegate/pkg/event"
	"github.com/nao1215/edgegate/pkg/metrics"
	"github.com/nao1215/edgegate/pkg/middleware"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testSecret はテスト用のHS256シークレット。
const testSecret = "test-secret-key"

// testEnv はテスト用サーバーとその構成要素。
type testEnv struct {
	server *Server
	queue  *queue.MemoryQueue
	cache  *kv.MemoryStore
	issuer *token.Issuer
}

// newTestEnv はインメモリの構成要素でゲートウェイを組み立てる。
// mutateでOptionsを変更できる。
func newTestEnv(t *testing.T, mutate func(*Options)) *testEnv {
	t.Helper()

	q := queue.NewMemoryQueue()
	cache := kv.NewMemoryStore()
	issuer := token.NewIssuer(testSecret, "")
	registry := session.NewRegistry(session.NewMemoryBackend())
	t.Cleanup(registry.Close)

	opts := Options{
		Port:           "0",
		AllowedOrigins: []string{"http://localhost:3000"},
		RateLimit:      middleware.RateLimitConfig{Limit: 100, WindowSeconds: 60},
		StoreTimeout:   time.Second,
		Verifier:       token.NewVerifier(token.NewStaticKey(testSecret)),
		Limiter:        ratelimit.New(kv.NewMemoryStore()),
		Sessions:       registry,
		Events:         dispatch.NewProducer(q),
		Cache:          cache,
		Metrics:        metrics.New(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	return &testEnv{server: NewServer(opts), queue: q, cache: cache, issuer: issuer}
}

// bearer はsubjectのトークンを発行してAuthorizationヘッダー値を返す。
func (e *testEnv) bearer(t *testing.T, subject string) string {
	t.Helper()

	signed, err := e.issuer.Issue(subject, time.Hour, nil)
	if err != nil {
		t.Fatalf("Issue()でエラーが発生: %v", err)
	}
	return "Bearer " + signed
}

// do はリクエストを実行して結果を返す。authが空なら認証ヘッダーを付けない。
func (e *testEnv) do(t *testing.T, method, path, auth, body string) *httptest.ResponseRecorder {
	t.Helper()

	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

// decode はレスポンスボディをmapに変換する。
func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("レスポンスのパースに失敗: %v (body=%s)", err, w.Body.String())
	}
	return body
}

// assertError はステータスコードとエラーコードを検証する。
func assertError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()

	if w.Code != status {
		t.Errorf("ステータスコード = %d, want %d (body=%s)", w.Code, status, w.Body.String())
	}
	body := decode(t, w)
	if body["code"] != code {
		t.Errorf("code = %v, want %q", body["code"], code)
	}
	if body["error"] == "" || body["error"] == nil {
		t.Error("errorが空であるべきではない")
	}
}

// TestPublicRoutes は認証不要のルートを検証する。
func TestPublicRoutes(t *testing.T) {
	t.Parallel()

	t.Run("ヘルスチェックが認証なしで応答すること", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, nil)
		w := env.do(t, http.MethodGet, "/health", "", "")

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		body := decode(t, w)
		if body["status"] != "ok" || body["service"] != "edgegate" {
			t.Errorf("body = %v", body)
		}
		if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
			t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, "http://localhost:3000")
		}
		if got := w.Header().Get("X-RateLimit-Limit"); got != "" {
			t.Errorf("X-RateLimit-Limit = %q, 公開ルートでは付かないこと", got)
		}
	})

	t.Run("メトリクスが公開されること", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, nil)
		env.do(t, http.MethodGet, "/sessions/abc", "", "")
		w := env.do(t, http.MethodGet, "/metrics", "", "")

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		if !strings.Contains(w.Body.String(), `edgegate_auth_failures_total{reason="MISSING_TOKEN"} 1`) {
			t.Errorf("認証失敗のメトリクスが含まれていない: %s", w.Body.String())
		}
	})

	t.Run("プリフライトは認証なしで204になること", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, nil)
		w := env.do(t, http.MethodOptions, "/sessions/abc", "", "")

		if w.Code != http.StatusNoContent {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusNoContent)
		}
		if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
			t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, "http://localhost:3000")
		}
	})

	t.Run("未知のルートは404になること", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, nil)
		w := env.do(t, http.MethodGet, "/nowhere", "", "")

		assertError(t, w, http.StatusNotFound, "NOT_FOUND")
		if got := w.Header().Get("Access-Control-Allow-Origin"); got == "" {
			t.Error("404応答にもCORSヘッダーが付くこと")
		}
	})

	t.Run("開発用トークンは無効時に404になること", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, nil)
		w := env.do(t, http.MethodPost, "/auth/dev-token", "", "")

		assertError(t, w, http.StatusNotFound, "NOT_FOUND")
	})
}

// TestDevToken は開発用トークン発行を検証する。
func TestDevToken(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(o *Options) {
		o.Issuer = token.NewIssuer(testSecret, "")
		o.DevTokenTTL = time.Hour
	})

	t.Run("発行したトークンで認証済みルートにアクセスできること", func(t *testing.T) {
		t.Parallel()

		w := env.do(t, http.MethodPost, "/auth/dev-token", "", `{"subject":"tester"}`)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		body := decode(t, w)
		if body["subject"] != "tester" {
			t.Errorf("subject = %v, want %q", body["subject"], "tester")
		}
		signed, _ := body["token"].(string)

		w = env.do(t, http.MethodGet, "/sessions/dev-check", "Bearer "+signed, "")
		assertError(t, w, http.StatusNotFound, "SESSION_NOT_FOUND")
	})

	t.Run("ボディが無い場合は既定のsubjectで発行されること", func(t *testing.T) {
		t.Parallel()

		w := env.do(t, http.MethodPost, "/auth/dev-token", "", "")
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		if got := decode(t, w)["subject"]; got != defaultDevSubject {
			t.Errorf("subject = %v, want %q", got, defaultDevSubject)
		}
	})

	t.Run("長さ不明の空ボディでも既定のsubjectで発行されること", func(t *testing.T) {
		t.Parallel()

		for _, raw := range []string{"", "  \n"} {
			req := httptest.NewRequest(http.MethodPost, "/auth/dev-token", io.NopCloser(strings.NewReader(raw)))
			if req.ContentLength != -1 {
				t.Fatalf("ContentLength = %d, want -1", req.ContentLength)
			}
			w := httptest.NewRecorder()
			env.server.Handler().ServeHTTP(w, req)

			if w.Code != http.StatusOK {
				t.Fatalf("ボディ%qのステータスコード = %d, want %d (body=%s)", raw, w.Code, http.StatusOK, w.Body.String())
			}
			if got := decode(t, w)["subject"]; got != defaultDevSubject {
				t.Errorf("subject = %v, want %q", got, defaultDevSubject)
			}
		}
	})

	t.Run("JSONでないボディは400になること", func(t *testing.T) {
		t.Parallel()

		w := env.do(t, http.MethodPost, "/auth/dev-token", "", "subject=tester")
		assertError(t, w, http.StatusBadRequest, "INVALID_BODY")
	})
}

// TestAccessLog はアクセスログの記録を検証する。
func TestAccessLog(t *testing.T) {
	t.Parallel()

	t.Run("パニックしたリクエストもアクセスログに記録されること", func(t *testing.T) {
		t.Parallel()

		core, logs := observer.New(zapcore.DebugLevel)
		env := newTestEnv(t, func(o *Options) { o.Logger = zap.New(core) })
		env.server.router.GET("/boom", func(*gin.Context) { panic("boom") })

		w := env.do(t, http.MethodGet, "/boom", "", "")

		assertError(t, w, http.StatusInternalServerError, "INTERNAL")
		entries := logs.FilterMessage("リクエスト処理完了").All()
		if len(entries) != 1 {
			t.Fatalf("アクセスログの件数 = %d, want 1", len(entries))
		}
		if got := entries[0].ContextMap()["status"]; got != int64(http.StatusInternalServerError) {
			t.Errorf("status = %v, want %d", got, http.StatusInternalServerError)
		}
		if entries[0].Level != zapcore.ErrorLevel {
			t.Errorf("Level = %v, want %v", entries[0].Level, zapcore.ErrorLevel)
		}
	})
}

// TestClientIdentity はsubjectの無いトークンのレート制限単位を検証する。
func TestClientIdentity(t *testing.T) {
	t.Parallel()

	// send はX-Forwarded-Forを付けて認証済みルートを呼び出す。
	send := func(t *testing.T, env *testEnv, auth, forwardedFor string) *httptest.ResponseRecorder {
		t.Helper()

		req := httptest.NewRequest(http.MethodGet, "/sessions/abc", nil)
		req.RemoteAddr = "192.0.2.1:1234"
		req.Header.Set("Authorization", auth)
		req.Header.Set("X-Forwarded-For", forwardedFor)
		w := httptest.NewRecorder()
		env.server.Handler().ServeHTTP(w, req)
		return w
	}

	t.Run("既定ではX-Forwarded-Forを信頼しないこと", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, func(o *Options) {
			o.RateLimit = middleware.RateLimitConfig{Limit: 1, WindowSeconds: 60}
		})
		auth := env.bearer(t, "")

		send(t, env, auth, "198.51.100.1")
		w := send(t, env, auth, "198.51.100.2")

		assertError(t, w, http.StatusTooManyRequests, "RATE_LIMITED")
	})

	t.Run("信頼するプロキシ経由ならX-Forwarded-Forのアドレスで数えること", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, func(o *Options) {
			o.RateLimit = middleware.RateLimitConfig{Limit: 1, WindowSeconds: 60}
			o.TrustedProxies = []string{"192.0.2.0/24"}
		})
		auth := env.bearer(t, "")

		send(t, env, auth, "198.51.100.1")
		w := send(t, env, auth, "198.51.100.2")

		assertError(t, w, http.StatusNotFound, "SESSION_NOT_FOUND")
	})

	t.Run("不正なプロキシ指定は無視されること", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, func(o *Options) {
			o.RateLimit = middleware.RateLimitConfig{Limit: 1, WindowSeconds: 60}
			o.TrustedProxies = []string{"proxy.local"}
		})
		auth := env.bearer(t, "")

		send(t, env, auth, "198.51.100.1")
		w := send(t, env, auth, "198.51.100.2")

		assertError(t, w, http.StatusTooManyRequests, "RATE_LIMITED")
	})
}

// TestAuthentication は認証済みルートの入口を検証する。
func TestAuthentication(t *testing.T) {
	t.Parallel()

	t.Run("トークンが無い場合401になること", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, nil)
		w := env.do(t, http.MethodPost, "/events", "", `{"a":1}`)

		assertError(t, w, http.StatusUnauthorized, "MISSING_TOKEN")
		if env.queue.Len() != 0 {
			t.Errorf("キューの件数 = %d, want 0", env.queue.Len())
		}
	})

	t.Run("署名が不正な場合401になること", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, nil)
		forged, err := token.NewIssuer("other-secret", "").Issue("mallory", time.Hour, nil)
		if err != nil {
			t.Fatalf("Issue()でエラーが発生: %v", err)
		}
		w := env.do(t, http.MethodGet, "/sessions/abc", "Bearer "+forged, "")

		assertError(t, w, http.StatusUnauthorized, "INVALID_SIGNATURE")
	})

	t.Run("上限を超えると429になること", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, func(o *Options) {
			o.RateLimit = middleware.RateLimitConfig{Limit: 2, WindowSeconds: 60}
		})
		auth := env.bearer(t, "alice")
		for iter := 0; iter < 2; iter++ {
			env.do(t, http.MethodGet, "/sessions/abc", auth, "")
		}
		w := env.do(t, http.MethodGet, "/sessions/abc", auth, "")

		assertError(t, w, http.StatusTooManyRequests, "RATE_LIMITED")
		if got := w.Header().Get("Retry-After"); got == "" {
			t.Error("Retry-Afterが設定されていない")
		}
		if got := w.Header().Get("Access-Control-Allow-Origin"); got == "" {
			t.Error("429応答にもCORSヘッダーが付くこと")
		}
	})
}

// TestSessions はセッションルートを検証する。
func TestSessions(t *testing.T) {
	t.Parallel()

	t.Run("書き込んだレコードを読み出せること", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, nil)
		auth := env.bearer(t, "alice")

		w := env.do(t, http.MethodPut, "/sessions/cart-1", auth, `{"items":[1,2]}`)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		put := decode(t, w)

		w = env.do(t, http.MethodGet, "/sessions/cart-1", auth, "")
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		got := decode(t, w)
		if got["id"] != put["id"] || got["id"] == "" {
			t.Errorf("id = %v, want %v", got["id"], put["id"])
		}
		data, _ := json.Marshal(got["data"])
		if string(data) != `{"items":[1,2]}` {
			t.Errorf("data = %s, want %s", data, `{"items":[1,2]}`)
		}
		if w.Header().Get("X-RateLimit-Remaining") == "" {
			t.Error("X-RateLimit-Remainingが設定されていない")
		}
	})

	t.Run("POSTでも書き込めること", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, nil)
		w := env.do(t, http.MethodPost, "/sessions/cart-2", env.bearer(t, "alice"), `{"n":1}`)

		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
	})

	t.Run("オブジェクト以外のJSONは空オブジェクトとして保存されること", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, nil)
		w := env.do(t, http.MethodPut, "/sessions/cart-3", env.bearer(t, "alice"), `[1,2,3]`)

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		data, _ := json.Marshal(decode(t, w)["data"])
		if string(data) != `{}` {
			t.Errorf("data = %s, want {}", data)
		}
	})

	t.Run("存在しないセッションは404でレート制限ヘッダーが付くこと", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, nil)
		w := env.do(t, http.MethodGet, "/sessions/missing", env.bearer(t, "alice"), "")

		assertError(t, w, http.StatusNotFound, "SESSION_NOT_FOUND")
		if w.Header().Get("X-RateLimit-Limit") != "100" {
			t.Errorf("X-RateLimit-Limit = %q, want %q", w.Header().Get("X-RateLimit-Limit"), "100")
		}
	})

	t.Run("削除後は404になること", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, nil)
		auth := env.bearer(t, "alice")
		env.do(t, http.MethodPut, "/sessions/cart-4", auth, `{}`)

		w := env.do(t, http.MethodDelete, "/sessions/cart-4", auth, "")
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		if decode(t, w)["deleted"] != true {
			t.Error("deletedがtrueであるべき")
		}

		w = env.do(t, http.MethodGet, "/sessions/cart-4", auth, "")
		assertError(t, w, http.StatusNotFound, "SESSION_NOT_FOUND")
	})

	t.Run("JSONでないボディは400になること", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, nil)
		w := env.do(t, http.MethodPut, "/sessions/cart-5", env.bearer(t, "alice"), `{broken`)

		assertError(t, w, http.StatusBadRequest, "INVALID_BODY")
	})

	t.Run("不正なキーは400になること", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, nil)
		auth := env.bearer(t, "alice")
		long := "/sessions/" + strings.Repeat("a", 129)

		assertError(t, env.do(t, http.MethodGet, long, auth, ""), http.StatusBadRequest, "INVALID_SESSION_KEY")
		assertError(t, env.do(t, http.MethodPut, long, auth, `{}`), http.StatusBadRequest, "INVALID_SESSION_KEY")
		assertError(t, env.do(t, http.MethodGet, "/sessions", auth, ""), http.StatusBadRequest, "INVALID_SESSION_KEY")
	})

	t.Run("バックエンドの障害は502になること", func(t *testing.T) {
		t.Parallel()

		registry := session.NewRegistry(failingBackend{})
		t.Cleanup(registry.Close)
		env := newTestEnv(t, func(o *Options) { o.Sessions = registry })

		w := env.do(t, http.MethodGet, "/sessions/abc", env.bearer(t, "alice"), "")
		assertError(t, w, http.StatusBadGateway, "SESSION_UNAVAILABLE")
	})

	t.Run("停止済みのレジストリは503になること", func(t *testing.T) {
		t.Parallel()

		registry := session.NewRegistry(session.NewMemoryBackend())
		registry.Close()
		env := newTestEnv(t, func(o *Options) { o.Sessions = registry })

		w := env.do(t, http.MethodGet, "/sessions/abc", env.bearer(t, "alice"), "")
		assertError(t, w, http.StatusServiceUnavailable, "SESSION_UNAVAILABLE")
	})
}

// failingBackend は常に失敗するセッションバックエンド。
type failingBackend struct{}

func (failingBackend) Load(_ context.Context, _ string) (*session.Record, error) {
	return nil, errors.New("database is locked")
}

func (failingBackend) Save(_ context.Context, _ string, _ *session.Record) error {
	return errors.New("database is locked")
}

func (failingBackend) Remove(_ context.Context, _ string) error {
	return errors.New("database is locked")
}

// failingProducer は常に投入に失敗するEventProducer。
type failingProducer struct{}

func (failingProducer) Enqueue(_ context.Context, _ *event.Message) (string, error) {
	return "", errors.New("queue unreachable")
}

// TestEvents はイベント投入ルートを検証する。
func TestEvents(t *testing.T) {
	t.Parallel()

	receiveOne := func(t *testing.T, q *queue.MemoryQueue) *event.Message {
		t.Helper()

		ds, err := q.Receive(context.Background(), 10)
		if err != nil {
			t.Fatalf("Receive()でエラーが発生: %v", err)
		}
		if len(ds) != 1 {
			t.Fatalf("受信件数 = %d, want 1", len(ds))
		}
		return ds[0].Message
	}

	t.Run("型付きのイベントが投入され202になること", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, nil)
		w := env.do(t, http.MethodPost, "/events", env.bearer(t, "alice"),
			`{"type":"session.update","payload":{"sessionId":"cart-1","data":{"n":1}},"metadata":{"source":"web"}}`)

		if w.Code != http.StatusAccepted {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusAccepted)
		}
		body := decode(t, w)
		if body["queued"] != true || body["id"] == "" {
			t.Errorf("body = %v", body)
		}

		msg := receiveOne(t, env.queue)
		if msg.ID != body["id"] {
			t.Errorf("ID = %q, want %v", msg.ID, body["id"])
		}
		if msg.Type != "session.update" {
			t.Errorf("Type = %q, want %q", msg.Type, "session.update")
		}
		if msg.Subject != "alice" {
			t.Errorf("Subject = %q, want %q", msg.Subject, "alice")
		}
		if msg.Metadata["source"] != "web" {
			t.Errorf("Metadata = %v", msg.Metadata)
		}
		if string(msg.Payload) != `{"sessionId":"cart-1","data":{"n":1}}` {
			t.Errorf("Payload = %s", msg.Payload)
		}
	})

	t.Run("typeの無いオブジェクトはcustomイベントになること", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, nil)
		w := env.do(t, http.MethodPost, "/events", env.bearer(t, "alice"), `{"clicked":"buy"}`)

		if w.Code != http.StatusAccepted {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusAccepted)
		}
		msg := receiveOne(t, env.queue)
		if msg.Type != event.TypeCustom {
			t.Errorf("Type = %q, want %q", msg.Type, event.TypeCustom)
		}
		if string(msg.Payload) != `{"clicked":"buy"}` {
			t.Errorf("Payload = %s", msg.Payload)
		}
	})

	t.Run("オブジェクト以外のボディは400になること", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, nil)
		auth := env.bearer(t, "alice")

		assertError(t, env.do(t, http.MethodPost, "/events", auth, `[1]`), http.StatusBadRequest, "INVALID_BODY")
		assertError(t, env.do(t, http.MethodPost, "/events", auth, `not json`), http.StatusBadRequest, "INVALID_BODY")
		assertError(t, env.do(t, http.MethodPost, "/events", auth, `{"type":"x","metadata":{"n":1}}`), http.StatusBadRequest, "INVALID_BODY")
		if env.queue.Len() != 0 {
			t.Errorf("キューの件数 = %d, want 0", env.queue.Len())
		}
	})

	t.Run("キューに投入できない場合503になること", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, func(o *Options) { o.Events = failingProducer{} })
		w := env.do(t, http.MethodPost, "/events", env.bearer(t, "alice"), `{"a":1}`)

		assertError(t, w, http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE")
	})
}

// TestCache はキャッシュルートを検証する。
func TestCache(t *testing.T) {
	t.Parallel()

	t.Run("書き込んだ値を読み出せること", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, nil)
		auth := env.bearer(t, "alice")

		w := env.do(t, http.MethodPut, "/cache", auth, `{"key":"greeting","value":{"text":"hi"},"ttlSeconds":60}`)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}

		w = env.do(t, http.MethodGet, "/cache?key=greeting", auth, "")
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		body := decode(t, w)
		value, _ := json.Marshal(body["value"])
		if body["key"] != "greeting" || string(value) != `{"text":"hi"}` {
			t.Errorf("body = %v", body)
		}

		if _, found, _ := env.cache.Get(context.Background(), "cache:greeting"); !found {
			t.Error("cache:の名前空間で保存されていない")
		}
	})

	t.Run("期限切れの値は404になること", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, nil)
		now := time.Now()
		env.cache.SetClock(func() time.Time { return now })
		auth := env.bearer(t, "alice")

		env.do(t, http.MethodPut, "/cache", auth, `{"key":"short","value":1,"ttlSeconds":1}`)
		now = now.Add(2 * time.Second)

		w := env.do(t, http.MethodGet, "/cache?key=short", auth, "")
		assertError(t, w, http.StatusNotFound, "CACHE_MISS")
	})

	t.Run("keyが無い場合400になること", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, nil)
		auth := env.bearer(t, "alice")

		assertError(t, env.do(t, http.MethodGet, "/cache", auth, ""), http.StatusBadRequest, "MISSING_KEY")
		assertError(t, env.do(t, http.MethodPut, "/cache", auth, `{"value":1}`), http.StatusBadRequest, "MISSING_KEY")
	})

	t.Run("負のTTLは400になること", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, nil)
		w := env.do(t, http.MethodPut, "/cache", env.bearer(t, "alice"), `{"key":"k","value":1,"ttlSeconds":-1}`)

		assertError(t, w, http.StatusBadRequest, "INVALID_BODY")
	})
}
