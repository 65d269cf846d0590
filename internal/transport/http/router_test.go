package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	authjwt "timecapsule/backend/internal/auth/jwt"
	"timecapsule/backend/internal/config"
	"timecapsule/backend/internal/domain"
	"timecapsule/backend/internal/events"
	"timecapsule/backend/internal/monitoring"
	"timecapsule/backend/internal/service"
	"timecapsule/backend/internal/smtp"
	"timecapsule/backend/internal/storage/filesystem"
	"timecapsule/backend/internal/storage/memory"
)

const (
	testServiceKey = "service-key-for-router-tests"
	testUser       = "user-1"
)

type recordingMailer struct {
	mu   sync.Mutex
	sent []smtp.AccessEmail
}

func (m *recordingMailer) SendAccessEmail(_ context.Context, email smtp.AccessEmail) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, email)
	return "<" + uuid.NewString() + "@test.local>", nil
}

func (m *recordingMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type testEnv struct {
	router  *gin.Engine
	store   *memory.Store
	objects *filesystem.Store
	mailer  *recordingMailer
	tokens  *authjwt.Manager
	metrics *monitoring.Metrics
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	signer, err := filesystem.NewURLSigner("object-signing-secret-for-tests-only", "http://localhost:8080")
	require.NoError(t, err)
	objects, err := filesystem.NewStore(t.TempDir(), signer)
	require.NoError(t, err)

	bus := events.NewLocalBus(nil)
	t.Cleanup(func() { bus.Close() })

	store := memory.NewStore()
	mailer := &recordingMailer{}
	tokens := authjwt.NewManager("router-test-secret-at-least-32-characters", "timecapsule", time.Hour, time.Hour)
	metrics := monitoring.NewMetrics(prometheus.NewRegistry())

	dispatcher := service.NewDispatcher(store, mailer, bus, service.DispatcherOptions{
		AppURL:   "https://capsule.example.com",
		Recorder: metrics,
	}, nil)
	poller := service.NewPoller(store, service.NewLocalDispatchClient(dispatcher), bus, service.PollerOptions{
		Interval:     time.Hour,
		ClaimTimeout: 15 * time.Minute,
		Recorder:     metrics,
	}, nil)
	files := service.NewFileService(store, objects, nil, dispatcher, poller, nil, bus, service.FileServiceOptions{}, nil)
	access := service.NewAccessResolver(store, objects, bus, time.Hour, nil, nil)

	cfg := &config.Config{}
	cfg.CORS.AllowedOrigins = []string{"*"}
	cfg.Service.Key = testServiceKey
	cfg.Storage.MaxUploadSize = 1 << 20

	router := NewRouter(RouterDependencies{
		Config:         cfg,
		FileService:    files,
		Dispatcher:     dispatcher,
		Poller:         poller,
		AccessResolver: access,
		Objects:        objects,
		Tokens:         tokens,
		Metrics:        metrics,
	})

	return &testEnv{
		router:  router,
		store:   store,
		objects: objects,
		mailer:  mailer,
		tokens:  tokens,
		metrics: metrics,
	}
}

func (e *testEnv) userToken(t *testing.T, userID string) string {
	t.Helper()
	pair, err := e.tokens.GenerateTokenPair(userID, userID+"@example.com")
	require.NoError(t, err)
	return pair.AccessToken
}

// seed 直接写入一条记录及其对象
func (e *testEnv) seed(t *testing.T, userID string, scheduled time.Time) *domain.ScheduledFile {
	t.Helper()
	now := time.Now().UTC()
	id := uuid.NewString()
	key := userID + "/" + id + ".txt"
	_, err := e.objects.Put(context.Background(), key, strings.NewReader("capsule content"))
	require.NoError(t, err)

	file := &domain.ScheduledFile{
		ID:             id,
		UserID:         userID,
		FileName:       "letter.txt",
		FileSize:       15,
		FileType:       "text/plain",
		StoragePath:    key,
		RecipientEmail: "friend@example.com",
		ScheduledDate:  scheduled.UTC(),
		Status:         domain.FileStatusPending,
		AccessToken:    uuid.NewString(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, e.store.CreateFile(context.Background(), file))
	return file
}

func (e *testEnv) do(req *http.Request, token string) *httptest.ResponseRecorder {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func jsonRequest(method, target string, body interface{}) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func uploadRequest(t *testing.T, fileName, content, recipient, scheduledDate string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("recipient", recipient))
	require.NoError(t, mw.WriteField("scheduledDate", scheduledDate))
	part, err := mw.CreateFormFile("file", fileName)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/files", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder, data interface{}) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	if data != nil {
		require.NoError(t, json.Unmarshal(env.Data, data))
	}
	return env
}

func TestRouter_FileLifecycle(t *testing.T) {
	env := newTestEnv(t)
	token := env.userToken(t, testUser)
	scheduled := time.Now().Add(72 * time.Hour).UTC().Truncate(time.Second)

	w := env.do(uploadRequest(t, "letter.txt", "hello capsule", "Friend@Example.com", scheduled.Format(time.RFC3339)), token)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created domain.ScheduledFile
	decodeEnvelope(t, w, &created)
	assert.Equal(t, domain.FileStatusPending, created.Status)
	assert.Equal(t, "friend@example.com", created.RecipientEmail)
	assert.True(t, created.ScheduledDate.Equal(scheduled))
	assert.Equal(t, float64(1), testutil.ToFloat64(env.metrics.FilesScheduled))

	t.Run("列表与过滤", func(t *testing.T) {
		w := env.do(httptest.NewRequest(http.MethodGet, "/v1/files?status=pending&q=letter", nil), token)
		require.Equal(t, http.StatusOK, w.Code)
		var files []domain.ScheduledFile
		decodeEnvelope(t, w, &files)
		require.Len(t, files, 1)
		assert.Equal(t, created.ID, files[0].ID)

		w = env.do(httptest.NewRequest(http.MethodGet, "/v1/files?status=sent", nil), token)
		require.Equal(t, http.StatusOK, w.Code)
		decodeEnvelope(t, w, &files)
		assert.Empty(t, files)

		w = env.do(httptest.NewRequest(http.MethodGet, "/v1/files?status=bogus", nil), token)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("其他用户不可见", func(t *testing.T) {
		w := env.do(httptest.NewRequest(http.MethodGet, "/v1/files/"+created.ID, nil), env.userToken(t, "user-2"))
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, MsgFileNotFound, decodeEnvelope(t, w, nil).Msg)
	})

	t.Run("修改计划", func(t *testing.T) {
		next := scheduled.Add(24 * time.Hour)
		w := env.do(jsonRequest(http.MethodPatch, "/v1/files/"+created.ID, map[string]string{
			"recipient":     "other@example.com",
			"scheduledDate": next.Format(time.RFC3339),
		}), token)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var updated domain.ScheduledFile
		decodeEnvelope(t, w, &updated)
		assert.Equal(t, "other@example.com", updated.RecipientEmail)
		assert.True(t, updated.ScheduledDate.Equal(next))
	})

	t.Run("预览并下载", func(t *testing.T) {
		w := env.do(httptest.NewRequest(http.MethodGet, "/v1/files/"+created.ID+"/preview", nil), token)
		require.Equal(t, http.StatusOK, w.Code)
		var link service.PreviewLink
		decodeEnvelope(t, w, &link)

		u, err := url.Parse(link.URL)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(u.Path, "/v1/objects/"))

		w = env.do(httptest.NewRequest(http.MethodGet, u.RequestURI(), nil), "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "hello capsule", w.Body.String())
		assert.Contains(t, w.Header().Get("Content-Disposition"), "inline")
	})

	t.Run("删除", func(t *testing.T) {
		w := env.do(httptest.NewRequest(http.MethodDelete, "/v1/files/"+created.ID, nil), token)
		assert.Equal(t, http.StatusNoContent, w.Code)

		w = env.do(httptest.NewRequest(http.MethodGet, "/v1/files/"+created.ID, nil), token)
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, float64(1), testutil.ToFloat64(env.metrics.FilesDeleted))
	})
}

func TestRouter_FilesRequireAuth(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(httptest.NewRequest(http.MethodGet, "/v1/files", nil), "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(httptest.NewRequest(http.MethodGet, "/v1/files", nil), "not-a-token")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	t.Run("服务凭证不能访问用户接口", func(t *testing.T) {
		w := env.do(httptest.NewRequest(http.MethodGet, "/v1/files", nil), testServiceKey)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestRouter_ScheduleValidation(t *testing.T) {
	env := newTestEnv(t)
	token := env.userToken(t, testUser)
	future := time.Now().Add(time.Hour).Format(time.RFC3339)

	t.Run("危险扩展名", func(t *testing.T) {
		w := env.do(uploadRequest(t, "setup.exe", "MZ", "friend@example.com", future), token)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "不允许上传该类型的文件", decodeEnvelope(t, w, nil).Msg)
	})

	t.Run("收件人无效", func(t *testing.T) {
		w := env.do(uploadRequest(t, "letter.txt", "hi", "not-an-email", future), token)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "收件人邮箱格式无效", decodeEnvelope(t, w, nil).Msg)
	})

	t.Run("时间格式无效", func(t *testing.T) {
		w := env.do(uploadRequest(t, "letter.txt", "hi", "friend@example.com", "next tuesday"), token)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, MsgInvalidDate, decodeEnvelope(t, w, nil).Msg)
	})

	t.Run("非 multipart 请求", func(t *testing.T) {
		w := env.do(jsonRequest(http.MethodPost, "/v1/files", map[string]string{"recipient": "a@b.co"}), token)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, MsgMultipartRequired, decodeEnvelope(t, w, nil).Msg)
	})

	t.Run("请求体超过上限", func(t *testing.T) {
		req := uploadRequest(t, "big.txt", strings.Repeat("x", 3<<20), "friend@example.com", future)
		w := env.do(req, token)
		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	})

	files, err := env.store.ListFilesByUser(context.Background(), testUser, domain.FileFilter{})
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestRouter_SendNow(t *testing.T) {
	env := newTestEnv(t)
	file := env.seed(t, testUser, time.Now().Add(30*24*time.Hour))

	w := env.do(httptest.NewRequest(http.MethodPost, "/v1/files/"+file.ID+"/send", nil), env.userToken(t, testUser))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp service.DispatchResponse
	decodeEnvelope(t, w, &resp)
	assert.Equal(t, 1, resp.Success)
	assert.Equal(t, 1, env.mailer.count())

	stored, err := env.store.GetFile(context.Background(), file.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.FileStatusSent, stored.Status)
}

func TestRouter_SendScheduledFile(t *testing.T) {
	t.Run("匿名批量投递", func(t *testing.T) {
		env := newTestEnv(t)
		env.seed(t, testUser, time.Now().Add(-time.Minute))
		env.seed(t, testUser, time.Now().Add(time.Hour))

		w := env.do(jsonRequest(http.MethodPost, "/send-scheduled-file", map[string]string{}), "")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var resp service.DispatchResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, 1, resp.Processed)
		assert.Equal(t, 1, resp.Success)
		assert.NotEmpty(t, resp.Timestamp)
		assert.True(t, strings.HasSuffix(resp.Duration, "ms"))
		assert.Equal(t, 1, env.mailer.count())
	})

	t.Run("空请求体按批量处理", func(t *testing.T) {
		env := newTestEnv(t)
		w := env.do(httptest.NewRequest(http.MethodPost, "/send-scheduled-file", nil), "")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	})

	t.Run("匿名指定文件被拒绝", func(t *testing.T) {
		env := newTestEnv(t)
		file := env.seed(t, testUser, time.Now().Add(-time.Minute))

		w := env.do(jsonRequest(http.MethodPost, "/send-scheduled-file", map[string]string{"fileId": file.ID}), "")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.JSONEq(t, `{"success":false,"error":"Unauthorized"}`, w.Body.String())
		assert.Equal(t, 0, env.mailer.count())
	})

	t.Run("用户只能投递自己的文件", func(t *testing.T) {
		env := newTestEnv(t)
		file := env.seed(t, testUser, time.Now().Add(time.Hour))

		w := env.do(jsonRequest(http.MethodPost, "/send-scheduled-file", map[string]string{"fileId": file.ID}), env.userToken(t, "user-2"))
		assert.Equal(t, http.StatusNotFound, w.Code)

		w = env.do(jsonRequest(http.MethodPost, "/send-scheduled-file", map[string]string{"fileId": file.ID}), env.userToken(t, testUser))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, 1, env.mailer.count())
	})

	t.Run("服务凭证", func(t *testing.T) {
		env := newTestEnv(t)
		file := env.seed(t, "someone-else", time.Now().Add(time.Hour))

		w := env.do(jsonRequest(http.MethodPost, "/send-scheduled-file", map[string]string{"fileId": file.ID}), testServiceKey)
		require.Equal(t, http.StatusOK, w.Code)
		var resp service.DispatchResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, 1, resp.Success)
	})

	t.Run("无效令牌", func(t *testing.T) {
		env := newTestEnv(t)
		w := env.do(jsonRequest(http.MethodPost, "/send-scheduled-file", nil), "garbage")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.JSONEq(t, `{"success":false,"error":"Invalid authorization token"}`, w.Body.String())
	})

	t.Run("请求体格式错误", func(t *testing.T) {
		env := newTestEnv(t)
		req := httptest.NewRequest(http.MethodPost, "/send-scheduled-file", strings.NewReader("{not json"))
		req.Header.Set("Content-Type", "application/json")
		w := env.do(req, "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestRouter_CronScheduler(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, testUser, time.Now().Add(-time.Minute))

	w := env.do(httptest.NewRequest(http.MethodPost, "/cron-scheduler", nil), "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(httptest.NewRequest(http.MethodPost, "/cron-scheduler", nil), env.userToken(t, testUser))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(httptest.NewRequest(http.MethodPost, "/cron-scheduler", nil), testServiceKey)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp cronResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, CronMessage, resp.Message)
	require.NotNil(t, resp.Result)
	assert.Equal(t, 1, resp.Result.Processed)
	assert.Equal(t, 1, resp.Result.Success)
	assert.Equal(t, 1, env.mailer.count())

	t.Run("没有到期记录", func(t *testing.T) {
		w := env.do(httptest.NewRequest(http.MethodGet, "/cron-scheduler", nil), testServiceKey)
		require.Equal(t, http.StatusOK, w.Code)
		var resp cronResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, service.NoPendingMessage, resp.Result.Message)
	})

	t.Run("服务令牌", func(t *testing.T) {
		serviceToken, err := env.tokens.GenerateServiceToken("scheduler", time.Minute)
		require.NoError(t, err)
		w := env.do(httptest.NewRequest(http.MethodPost, "/cron-scheduler", nil), serviceToken)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestRouter_CronSurvivesClientDisconnect(t *testing.T) {
	env := newTestEnv(t)
	first := env.seed(t, testUser, time.Now().Add(-2*time.Minute))
	second := env.seed(t, testUser, time.Now().Add(-time.Minute))

	// 调度器在请求进行中断开
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/cron-scheduler", nil).WithContext(ctx)

	w := env.do(req, testServiceKey)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 2, env.mailer.count())
	for _, id := range []string{first.ID, second.ID} {
		stored, err := env.store.GetFile(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, domain.FileStatusSent, stored.Status)
	}
}

func TestRouter_Access(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(httptest.NewRequest(http.MethodGet, "/access/"+uuid.NewString(), nil), "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, MsgAccessNotFound, decodeEnvelope(t, w, nil).Msg)

	file := env.seed(t, testUser, time.Now().Add(-time.Minute))
	w = env.do(httptest.NewRequest(http.MethodGet, "/access/"+file.AccessToken, nil), "")
	require.Equal(t, http.StatusOK, w.Code)
	var result service.AccessResult
	decodeEnvelope(t, w, &result)
	assert.Equal(t, "letter.txt", result.FileName)
	assert.Contains(t, result.FileURL, "/v1/objects/")

	// 到期的 pending 记录在访问时标记为已发送
	stored, err := env.store.GetFile(context.Background(), file.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.FileStatusSent, stored.Status)
}

func TestRouter_ObjectSignature(t *testing.T) {
	env := newTestEnv(t)
	file := env.seed(t, testUser, time.Now().Add(time.Hour))

	w := env.do(httptest.NewRequest(http.MethodGet, filesystem.ObjectPath(file.StoragePath)+"?token=forged", nil), "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	other := env.seed(t, testUser, time.Now().Add(time.Hour))
	signed, err := env.objects.SignedURL(context.Background(), other.StoragePath, time.Minute)
	require.NoError(t, err)
	u, err := url.Parse(signed)
	require.NoError(t, err)

	// 令牌绑定对象键，不能用于其他对象
	w = env.do(httptest.NewRequest(http.MethodGet, filesystem.ObjectPath(file.StoragePath)+"?"+u.RawQuery, nil), "")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRouter_Trigger(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(httptest.NewRequest(http.MethodPost, "/v1/files/trigger", nil), env.userToken(t, testUser))
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, MsgTriggerAccepted, decodeEnvelope(t, w, nil).Msg)
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(httptest.NewRequest(http.MethodGet, "/health", nil), "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil), "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "timecapsule_http_requests_total")

	w = env.do(httptest.NewRequest(http.MethodGet, "/nowhere", nil), "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
