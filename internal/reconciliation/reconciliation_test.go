package reconciliation

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lbruckner/creditmeter/internal/ledger"
)

type flakyLedger struct {
	ledger.Store
	failRefunds int
	refunds     int
}

func (f *flakyLedger) Refund(ctx context.Context, userID int64, class ledger.Class, amount int64, reference string) (*ledger.Transaction, int64, error) {
	f.refunds++
	if f.refunds <= f.failRefunds {
		return nil, 0, errors.New("ledger unavailable")
	}
	return f.Store.Refund(ctx, userID, class, amount, reference)
}

func setupService(t *testing.T, failRefunds int) (*Service, *flakyLedger) {
	t.Helper()
	lg := &flakyLedger{Store: ledger.NewMemoryStore(), failRefunds: failRefunds}
	if err := lg.CreateAccount(context.Background(), 1, ledger.ClassBasis, 0); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	return NewService(NewMemoryStore(), lg), lg
}

func TestFlagAndListPending(t *testing.T) {
	svc, _ := setupService(t, 0)
	ctx := context.Background()

	if err := svc.Flag(ctx, 1, ledger.ClassBasis, 5, 77, "provider timeout"); err != nil {
		t.Fatalf("Flag failed: %v", err)
	}
	if err := svc.Flag(ctx, 1, ledger.ClassPremium, 3, 78, "db down"); err != nil {
		t.Fatalf("Flag failed: %v", err)
	}

	pending, err := svc.ListPending(ctx, 10)
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("Expected 2 pending refunds, got %d", len(pending))
	}
	if pending[0].DeductionID != 77 || pending[0].Amount != 5 {
		t.Errorf("Unexpected first row: %+v", pending[0])
	}
}

func TestRetryCreditsAndResolves(t *testing.T) {
	svc, lg := setupService(t, 0)
	ctx := context.Background()

	if err := svc.Flag(ctx, 1, ledger.ClassBasis, 5, 77, "provider timeout"); err != nil {
		t.Fatalf("Flag failed: %v", err)
	}

	fr, err := svc.Retry(ctx, 1)
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if !fr.Resolved || fr.ResolvedAt == nil {
		t.Errorf("Expected resolved row, got %+v", fr)
	}

	balance, err := lg.GetBalance(ctx, 1, ledger.ClassBasis)
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if balance != 5 {
		t.Errorf("Expected balance 5 after refund, got %d", balance)
	}

	if _, err := svc.Retry(ctx, 1); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("Expected ErrAlreadyResolved on second retry, got %v", err)
	}
}

func TestRetryFailureIncrementsAttempts(t *testing.T) {
	svc, _ := setupService(t, 1)
	ctx := context.Background()

	if err := svc.Flag(ctx, 1, ledger.ClassBasis, 5, 77, "provider timeout"); err != nil {
		t.Fatalf("Flag failed: %v", err)
	}

	if _, err := svc.Retry(ctx, 1); err == nil {
		t.Fatal("Expected retry error while ledger is down")
	}

	fr, err := svc.store.Get(ctx, 1)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if fr.Attempts != 1 || fr.Resolved {
		t.Errorf("Expected 1 attempt and unresolved, got %+v", fr)
	}

	// Ledger is back, the next retry settles.
	if _, err := svc.Retry(ctx, 1); err != nil {
		t.Fatalf("Second retry failed: %v", err)
	}
}

func TestRetryAll(t *testing.T) {
	svc, lg := setupService(t, 0)
	ctx := context.Background()

	for i := int64(0); i < 3; i++ {
		if err := svc.Flag(ctx, 1, ledger.ClassBasis, 2, 100+i, "provider timeout"); err != nil {
			t.Fatalf("Flag failed: %v", err)
		}
	}

	resolved, err := svc.RetryAll(ctx)
	if err != nil {
		t.Fatalf("RetryAll failed: %v", err)
	}
	if resolved != 3 {
		t.Errorf("Expected 3 resolved, got %d", resolved)
	}

	balance, _ := lg.GetBalance(ctx, 1, ledger.ClassBasis)
	if balance != 6 {
		t.Errorf("Expected balance 6, got %d", balance)
	}

	pending, _ := svc.ListPending(ctx, 10)
	if len(pending) != 0 {
		t.Errorf("Expected empty queue, got %d rows", len(pending))
	}
}

type flakyResolveStore struct {
	Store
	failResolves int
	resolves     int
}

func (f *flakyResolveStore) MarkResolved(ctx context.Context, id int64) error {
	f.resolves++
	if f.resolves <= f.failResolves {
		return errors.New("store unavailable")
	}
	return f.Store.MarkResolved(ctx, id)
}

func TestRetryCreditsOnceWhenResolveFails(t *testing.T) {
	lg := ledger.NewMemoryStore()
	if err := lg.CreateAccount(context.Background(), 1, ledger.ClassBasis, 0); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	store := &flakyResolveStore{Store: NewMemoryStore(), failResolves: 1}
	svc := NewService(store, lg)
	ctx := context.Background()

	if err := svc.Flag(ctx, 1, ledger.ClassBasis, 50, 7, "provider timeout"); err != nil {
		t.Fatalf("Flag failed: %v", err)
	}

	// First retry lands the credit but cannot mark the row resolved.
	if _, err := svc.Retry(ctx, 1); err == nil {
		t.Fatal("Expected an error while the store is down")
	}
	if bal, _ := lg.GetBalance(ctx, 1, ledger.ClassBasis); bal != 50 {
		t.Fatalf("Expected balance 50 after first retry, got %d", bal)
	}

	// The next sweep must settle the row without crediting again.
	fr, err := svc.Retry(ctx, 1)
	if err != nil {
		t.Fatalf("Second retry failed: %v", err)
	}
	if !fr.Resolved {
		t.Error("Expected the row to be resolved")
	}
	if bal, _ := lg.GetBalance(ctx, 1, ledger.ClassBasis); bal != 50 {
		t.Errorf("Refund of 50 applied more than once: balance=%d", bal)
	}
}

func TestRetryAllCreditsOnceWhenResolveFails(t *testing.T) {
	lg := ledger.NewMemoryStore()
	if err := lg.CreateAccount(context.Background(), 1, ledger.ClassBasis, 0); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	store := &flakyResolveStore{Store: NewMemoryStore(), failResolves: 1}
	svc := NewService(store, lg)
	ctx := context.Background()

	if err := svc.Flag(ctx, 1, ledger.ClassBasis, 50, 7, "provider timeout"); err != nil {
		t.Fatalf("Flag failed: %v", err)
	}

	resolved, err := svc.RetryAll(ctx)
	if err != nil {
		t.Fatalf("RetryAll failed: %v", err)
	}
	if resolved != 1 {
		t.Errorf("Expected 1 resolved, got %d", resolved)
	}

	if bal, _ := lg.GetBalance(ctx, 1, ledger.ClassBasis); bal != 50 {
		t.Errorf("Refund of 50 applied more than once: balance=%d", bal)
	}
	if pending, _ := svc.ListPending(ctx, 10); len(pending) != 0 {
		t.Errorf("Expected empty queue, got %d rows", len(pending))
	}
}

func TestRetryNotFound(t *testing.T) {
	svc, _ := setupService(t, 0)
	if _, err := svc.Retry(context.Background(), 999); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestWorkerSettlesQueue(t *testing.T) {
	svc, lg := setupService(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := svc.Flag(ctx, 1, ledger.ClassBasis, 4, 55, "provider timeout"); err != nil {
		t.Fatalf("Flag failed: %v", err)
	}

	w := NewWorker(svc, 10*time.Millisecond, slog.Default())
	go w.Start(ctx)
	defer w.Stop()

	deadline := time.After(2 * time.Second)
	for {
		balance, _ := lg.GetBalance(ctx, 1, ledger.ClassBasis)
		if balance == 4 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("Worker did not settle the refund in time")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func setupHandlerRouter(t *testing.T, failRefunds int) (*gin.Engine, *Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	svc, _ := setupService(t, failRefunds)
	r := gin.New()
	admin := r.Group("/v1/admin")
	NewHandler(svc).RegisterRoutes(admin)
	return r, svc
}

func TestListFailedEndpoint(t *testing.T) {
	r, svc := setupHandlerRouter(t, 0)
	if err := svc.Flag(context.Background(), 1, ledger.ClassBasis, 5, 77, "provider timeout"); err != nil {
		t.Fatalf("Flag failed: %v", err)
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/admin/refunds/failed", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if body := w.Body.String(); !containsAll(body, `"count":1`, `"deductionId":77`) {
		t.Errorf("Unexpected body: %s", body)
	}
}

func TestRetryEndpoint(t *testing.T) {
	r, svc := setupHandlerRouter(t, 0)
	if err := svc.Flag(context.Background(), 1, ledger.ClassBasis, 5, 77, "provider timeout"); err != nil {
		t.Fatalf("Flag failed: %v", err)
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/admin/refunds/1/retry", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if body := w.Body.String(); !containsAll(body, `"resolved":true`) {
		t.Errorf("Expected resolved refund in body: %s", body)
	}
}

func TestRetryEndpoint_NotFound(t *testing.T) {
	r, _ := setupHandlerRouter(t, 0)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/admin/refunds/999/retry", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestRetryEndpoint_LedgerDown(t *testing.T) {
	r, svc := setupHandlerRouter(t, 5)
	if err := svc.Flag(context.Background(), 1, ledger.ClassBasis, 5, 77, "provider timeout"); err != nil {
		t.Fatalf("Flag failed: %v", err)
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/admin/refunds/1/retry", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadGateway {
		t.Errorf("Expected 502, got %d", w.Code)
	}
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
