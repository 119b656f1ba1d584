//go:build integration

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sparlo/metering/internal/clock"
	"github.com/sparlo/metering/internal/config"
	"github.com/sparlo/metering/internal/migration"
	"github.com/sparlo/metering/internal/observability"
	"github.com/sparlo/metering/internal/server"
	"github.com/sparlo/metering/pkg/db"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

type testEnv struct {
	app     *fx.App
	db      *gorm.DB
	baseURL string
	httpSrv *httptest.Server
}

var env *testEnv

const supportOperator = "e2e-support"

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	setDefaultEnv()

	var err error
	env, err = startEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to start test environment:", err)
		os.Exit(1)
	}

	code := m.Run()
	env.shutdown()
	os.Exit(code)
}

func TestE2E_HealthCheck(t *testing.T) {
	resp, err := http.Get(env.baseURL + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
}

func TestE2E_ConcurrentCompletesCommitOnce(t *testing.T) {
	resetDatabase(t, env.db)

	accountID := "acct-" + uuid.NewString()
	workID := startReport(t, accountID)
	recordStep(t, workID, accountID, 1500)
	recordStep(t, workID, accountID, 500)

	const callers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		committed int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, body := doJSON(t, http.MethodPost, env.baseURL+"/v1/work-units/"+workID+"/complete", map[string]any{"outcome": "success"})
			if resp.StatusCode != http.StatusOK {
				t.Errorf("complete: expected 200, got %d: %s", resp.StatusCode, body)
				return
			}
			data := decodeData(t, body)
			if processed, _ := data["already_processed"].(bool); !processed {
				mu.Lock()
				committed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if committed != 1 {
		t.Fatalf("expected exactly one committing call, got %d", committed)
	}
	if used := tokensUsed(t, accountID); used != 2000 {
		t.Fatalf("expected 2000 tokens used, got %d", used)
	}
	if n := countRows(t, env.db, "completion_records", "work_id = ?", workID); n != 1 {
		t.Fatalf("expected one completion record, got %d", n)
	}
}

func TestE2E_HardCapHoldsUnderConcurrency(t *testing.T) {
	resetDatabase(t, env.db)

	// default tier: 300k limit, 10% grace, 330k hard cap
	accountID := "acct-" + uuid.NewString()
	const units = 10
	workIDs := make([]string, 0, units)
	for i := 0; i < units; i++ {
		workID := startReport(t, accountID)
		recordStep(t, workID, accountID, 50_000)
		workIDs = append(workIDs, workID)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		rejected int
	)
	for _, workID := range workIDs {
		wg.Add(1)
		go func(workID string) {
			defer wg.Done()
			resp, body := doJSON(t, http.MethodPost, env.baseURL+"/v1/work-units/"+workID+"/complete", map[string]any{})
			mu.Lock()
			defer mu.Unlock()
			switch resp.StatusCode {
			case http.StatusOK:
				accepted++
			case http.StatusPaymentRequired:
				rejected++
			default:
				t.Errorf("complete: unexpected status %d: %s", resp.StatusCode, body)
			}
		}(workID)
	}
	wg.Wait()

	if accepted != 6 || rejected != 4 {
		t.Fatalf("expected 6 accepted and 4 rejected, got %d and %d", accepted, rejected)
	}
	if used := tokensUsed(t, accountID); used != 300_000 {
		t.Fatalf("expected 300000 tokens used, got %d", used)
	}
}

func TestE2E_AdjustmentRequiresOperator(t *testing.T) {
	resetDatabase(t, env.db)

	accountID := "acct-" + uuid.NewString()
	workID := startReport(t, accountID)
	recordStep(t, workID, accountID, 1000)
	resp, body := doJSON(t, http.MethodPost, env.baseURL+"/v1/work-units/"+workID+"/complete", map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("complete: expected 200, got %d: %s", resp.StatusCode, body)
	}

	adjustURL := env.baseURL + "/admin/v1/accounts/" + accountID + "/usage/adjust"
	payload := map[string]any{"reason": "refund failed report", "tokens_used_delta": -400}

	resp, _ = doJSON(t, http.MethodPost, adjustURL, payload)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without actor, got %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodPost, adjustURL, payload, map[string]string{server.HeaderActor: "system"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for the system actor, got %d", resp.StatusCode)
	}

	resp, body = doJSON(t, http.MethodPost, adjustURL, payload, map[string]string{server.HeaderActor: "operator:" + supportOperator})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("adjust: expected 200, got %d: %s", resp.StatusCode, body)
	}
	if used := tokensUsed(t, accountID); used != 600 {
		t.Fatalf("expected 600 tokens used after adjustment, got %d", used)
	}
	if n := countRows(t, env.db, "audit_logs", "action = ?", "usage.adjusted"); n == 0 {
		t.Fatalf("expected an audit entry for the adjustment")
	}
}

func startEnv() (*testEnv, error) {
	var (
		engine *gin.Engine
		dbConn *gorm.DB
		cfg    config.Config
	)

	app := fx.New(
		config.Module,
		observability.Module,
		db.Module,
		clock.Module,
		migration.Module,
		fx.Provide(func(cfg config.Config) (*snowflake.Node, error) {
			return snowflake.NewNode(cfg.InstanceID)
		}),
		server.Module,
		fx.Populate(&engine, &dbConn, &cfg),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		return nil, err
	}

	if strings.ToLower(strings.TrimSpace(cfg.DBType)) != "postgres" {
		_ = app.Stop(context.Background())
		return nil, fmt.Errorf("expected postgres db, got %s", cfg.DBType)
	}

	httpSrv := httptest.NewServer(engine)
	return &testEnv{
		app:     app,
		db:      dbConn,
		baseURL: httpSrv.URL,
		httpSrv: httpSrv,
	}, nil
}

func (e *testEnv) shutdown() {
	if e == nil {
		return
	}
	if e.httpSrv != nil {
		e.httpSrv.Close()
	}
	if e.app != nil {
		_ = e.app.Stop(context.Background())
	}
}

func setDefaultEnv() {
	setEnvIfEmpty("ENVIRONMENT", "test")
	setEnvIfEmpty("HTTP_ADDR", "127.0.0.1:0")
	setEnvIfEmpty("DATABASE_AUTO_MIGRATE", "true")
	setEnvIfEmpty("LOG_LEVEL", "error")
	setEnvIfEmpty("AUTHZ_SUPPORT_OPERATORS", supportOperator)
}

func setEnvIfEmpty(key, value string) {
	if strings.TrimSpace(os.Getenv(key)) != "" {
		return
	}
	_ = os.Setenv(key, value)
}

func resetDatabase(t *testing.T, dbConn *gorm.DB) {
	t.Helper()
	if err := truncateAllTables(dbConn); err != nil {
		t.Fatalf("truncate tables: %v", err)
	}
}

func truncateAllTables(dbConn *gorm.DB) error {
	type tableRow struct {
		Name string `gorm:"column:tablename"`
	}
	var rows []tableRow
	if err := dbConn.Raw(
		`SELECT tablename FROM pg_tables WHERE schemaname = 'public' AND tablename <> 'metering_schema_migrations'`,
	).Scan(&rows).Error; err != nil {
		return err
	}

	tables := make([]string, 0, len(rows))
	for _, row := range rows {
		if strings.TrimSpace(row.Name) == "" {
			continue
		}
		tables = append(tables, `"`+row.Name+`"`)
	}
	if len(tables) == 0 {
		return nil
	}

	stmt := fmt.Sprintf("TRUNCATE TABLE %s RESTART IDENTITY CASCADE", strings.Join(tables, ", "))
	return dbConn.Exec(stmt).Error
}

func startReport(t *testing.T, accountID string) string {
	t.Helper()
	workID := uuid.NewString()
	resp, body := doJSON(t, http.MethodPost, env.baseURL+"/v1/work-units", map[string]any{
		"work_id":    workID,
		"account_id": accountID,
		"kind":       "report",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start work unit: expected 200, got %d: %s", resp.StatusCode, body)
	}
	return workID
}

func recordStep(t *testing.T, workID, accountID string, tokens int64) {
	t.Helper()
	resp, body := doJSON(t, http.MethodPost, env.baseURL+"/v1/work-units/"+workID+"/steps", map[string]any{
		"account_id": accountID,
		"step_name":  "analysis",
		"tokens":     tokens,
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("record step: expected 202, got %d: %s", resp.StatusCode, body)
	}
}

func tokensUsed(t *testing.T, accountID string) int64 {
	t.Helper()
	resp, body := doJSON(t, http.MethodGet, env.baseURL+"/v1/accounts/"+accountID+"/usage", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get usage: expected 200, got %d: %s", resp.StatusCode, body)
	}
	used, ok := decodeData(t, body)["tokens_used"].(float64)
	if !ok {
		t.Fatalf("usage response missing tokens_used: %s", body)
	}
	return int64(used)
}

func countRows(t *testing.T, dbConn *gorm.DB, table string, where string, args ...any) int64 {
	t.Helper()
	var count int64
	if err := dbConn.Table(table).Where(where, args...).Count(&count).Error; err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return count
}

func decodeData(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var out struct {
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out.Data
}

func doJSON(t *testing.T, method, reqURL string, payload any, headers ...map[string]string) (*http.Response, []byte) {
	t.Helper()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Errorf("encode json: %v", err)
			return &http.Response{}, nil
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, reqURL, body)
	if err != nil {
		t.Errorf("build request: %v", err)
		return &http.Response{}, nil
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, set := range headers {
		for key, value := range set {
			req.Header.Set(key, value)
		}
	}

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Errorf("request failed: %v", err)
		return &http.Response{}, nil
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Errorf("read response: %v", err)
	}
	return resp, data
}
