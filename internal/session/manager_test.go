package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"reqsploit/internal/ca"
	"reqsploit/internal/logger"
	"reqsploit/internal/storage"
	"reqsploit/pkg/model"
)

// capturePublisher 记录投递给各用户的事件字节
type capturePublisher struct {
	mu     sync.Mutex
	events map[model.UserID][][]byte
}

func newCapturePublisher() *capturePublisher {
	return &capturePublisher{events: make(map[model.UserID][][]byte)}
}

func (c *capturePublisher) Publish(user model.UserID, event []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events[user] = append(c.events[user], event)
}

func (c *capturePublisher) snapshot(user model.UserID) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.events[user]...)
}

func newTestManager(t *testing.T) (*Manager, *storage.SessionRepository, *capturePublisher) {
	t.Helper()
	db, err := storage.Open(":memory:", "test_", logger.NewNop())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	authority, err := ca.New(ca.Config{
		Repo:          storage.NewCertificateRepository(db),
		ServerSecret:  "manager-test-secret",
		LeafCacheSize: 16,
	})
	if err != nil {
		t.Fatalf("new authority: %v", err)
	}
	repo := storage.NewSessionRepository(db)
	pub := newCapturePublisher()
	m := NewManager(Config{
		Authority:      authority,
		Repo:           repo,
		Publisher:      pub,
		PortRangeStart: 42100,
		PortRangeEnd:   42140,
	})
	t.Cleanup(func() { m.Close(context.Background()) })
	return m, repo, pub
}

func TestCreateIsIdempotentPerUser(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	first, err := m.Create(ctx, "alice", true, model.RequestFilters{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if first.Port < 42100 || first.Port > 42140 {
		t.Fatalf("port %d out of configured range", first.Port)
	}

	second, err := m.Create(ctx, "alice", false, model.RequestFilters{Methods: []string{"POST"}})
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if second.ID != first.ID || second.Port != first.Port {
		t.Fatalf("repeat create changed the session: %+v vs %+v", second, first)
	}
	if second.InterceptMode != first.InterceptMode {
		t.Fatal("repeat create must not alter settings")
	}
	if m.ActiveSessionCount() != 1 {
		t.Fatalf("active sessions = %d, want 1", m.ActiveSessionCount())
	}
}

func TestCreateAndDestroyLifecycle(t *testing.T) {
	m, repo, _ := newTestManager(t)
	ctx := context.Background()

	info, err := m.Create(ctx, "bob", false, model.RequestFilters{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if m.ActiveSessionCount() != 1 {
		t.Fatal("create must register the session")
	}
	rec, found, err := repo.Find(ctx, string(info.ID))
	if err != nil || !found {
		t.Fatalf("session record not persisted: %v", err)
	}
	if !rec.Active || rec.Port != info.Port {
		t.Fatalf("persisted record mismatch: %+v", rec)
	}

	if err := m.Destroy(ctx, "bob"); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if m.ActiveSessionCount() != 0 {
		t.Fatal("destroy must unregister the session")
	}
	rec, _, _ = repo.Find(ctx, string(info.ID))
	if rec.Active {
		t.Fatal("destroyed session still marked active")
	}

	// 端口归还后再次创建应成功
	again, err := m.Create(ctx, "bob", false, model.RequestFilters{})
	if err != nil {
		t.Fatalf("recreate after destroy: %v", err)
	}
	if again.ID == info.ID {
		t.Fatal("recreated session must get a fresh identity")
	}
}

func TestDestroyUnknownUserReturnsNotFound(t *testing.T) {
	m, _, _ := newTestManager(t)

	err := m.Destroy(context.Background(), "ghost")
	var nf *model.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("want NotFoundError, got %v", err)
	}
}

func TestUpdateSettingsKeepsNilFields(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Create(ctx, "carol", true, model.RequestFilters{Methods: []string{"GET"}}); err != nil {
		t.Fatalf("create: %v", err)
	}

	off := false
	info, err := m.UpdateSettings(ctx, "carol", &off, nil)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if info.InterceptMode {
		t.Fatal("intercept mode not updated")
	}
	if len(info.Filters.Methods) != 1 || info.Filters.Methods[0] != "GET" {
		t.Fatal("nil filters must keep the previous value")
	}

	filters := model.RequestFilters{Domains: []string{"example.com"}}
	info, err = m.UpdateSettings(ctx, "carol", nil, &filters)
	if err != nil {
		t.Fatalf("update filters: %v", err)
	}
	if info.InterceptMode {
		t.Fatal("nil interceptMode must keep the previous value")
	}
	if len(info.Filters.Domains) != 1 {
		t.Fatal("filters not updated")
	}

	_, err = m.UpdateSettings(ctx, "nobody", &off, nil)
	var nf *model.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("want NotFoundError for unknown user, got %v", err)
	}
}

func TestReconcileDeactivatesOrphans(t *testing.T) {
	m, repo, _ := newTestManager(t)
	ctx := context.Background()

	// 模拟上一个进程遗留的活跃记录
	for _, id := range []string{"s1", "s2"} {
		rec := &storage.SessionRecord{
			SessionID:    id,
			UserID:       "老用户-" + id,
			Port:         42130,
			Active:       true,
			StartedAt:    time.Now().Add(-time.Hour),
			LastActivity: time.Now().Add(-time.Hour),
		}
		if err := repo.Save(ctx, rec); err != nil {
			t.Fatalf("seed record: %v", err)
		}
	}

	if err := m.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	for _, id := range []string{"s1", "s2"} {
		rec, found, err := repo.Find(ctx, id)
		if err != nil || !found {
			t.Fatalf("find %s: %v", id, err)
		}
		if rec.Active {
			t.Fatalf("orphan %s still active after reconcile", id)
		}
	}
}

func TestDestroyDeliversStoppedEvent(t *testing.T) {
	m, _, pub := newTestManager(t)
	ctx := context.Background()

	info, err := m.Create(ctx, "erin", false, model.RequestFilters{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Destroy(ctx, "erin"); err != nil {
		t.Fatalf("destroy: %v", err)
	}

	// 停止事件在销毁时仍在引擎缓冲中，中继必须清空缓冲后才退出
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, ev := range pub.snapshot("erin") {
			if gjson.GetBytes(ev, "type").String() != model.EventProxyStopped {
				continue
			}
			if gjson.GetBytes(ev, "session").String() != string(info.ID) {
				t.Fatal("stopped event missing session stamp")
			}
			if gjson.GetBytes(ev, "user").String() != "erin" {
				t.Fatal("stopped event missing user stamp")
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("proxy:stopped never delivered after destroy")
}

func TestLookupAccessors(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	info, err := m.Create(ctx, "dave", false, model.RequestFilters{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	byUser, ok := m.SessionByUser("dave")
	if !ok || byUser.ID != info.ID {
		t.Fatal("SessionByUser miss")
	}
	byID, ok := m.SessionInfo(info.ID)
	if !ok || byID.UserID != "dave" {
		t.Fatal("SessionInfo miss")
	}
	if _, ok := m.SessionByUser("nobody"); ok {
		t.Fatal("unknown user must miss")
	}

	q, err := m.QueueFor("dave")
	if err != nil || q == nil {
		t.Fatalf("queue for active session: %v", err)
	}
	if _, err := m.QueueFor("nobody"); err == nil {
		t.Fatal("QueueFor unknown user must fail")
	}
}
