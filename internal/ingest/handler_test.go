package ingest_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sentinelchain/sentinel/internal/ingest"
	"github.com/sentinelchain/sentinel/internal/ledger"
)

func newIngestRouter(client ledger.Client) *gin.Engine {
	gin.SetMode(gin.TestMode)
	svc := ingest.NewService(client, time.Second, zap.NewNop())
	r := gin.New()
	ingest.NewHandler(svc, zap.NewNop()).Register(r)
	return r
}

func postIngest(r *gin.Engine, path string, body []byte) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func TestIngestHandler_success(t *testing.T) {
	r := newIngestRouter(ledger.NewMemory())

	w := postIngest(r, "/ingest", wazuhBody(t, validAlert()))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var res ingest.Result
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.Status != "success" || res.TxHash == "" || res.LogID == "" {
		t.Errorf("unexpected response: %+v", res)
	}
}

func TestIngestHandler_legacyPath(t *testing.T) {
	r := newIngestRouter(ledger.NewMemory())

	w := postIngest(r, "/wazuh", wazuhBody(t, validAlert()))
	if w.Code != http.StatusOK {
		t.Fatalf("legacy path status = %d, body %s", w.Code, w.Body.String())
	}
}

func TestIngestHandler_malformed(t *testing.T) {
	r := newIngestRouter(ledger.NewMemory())

	w := postIngest(r, "/ingest", []byte(`{"message": "{\"id\": \"x\"}"}`))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}

	var res struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.Error == "" {
		t.Error("error response without a message")
	}
}

func TestIngestHandler_ledgerDown(t *testing.T) {
	r := newIngestRouter(&brokenLedger{err: ledger.ErrUnavailable})

	w := postIngest(r, "/ingest", wazuhBody(t, validAlert()))
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
}

func TestIngestHandler_ledgerRejected(t *testing.T) {
	r := newIngestRouter(&brokenLedger{err: ledger.ErrRejected})

	w := postIngest(r, "/ingest", wazuhBody(t, validAlert()))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
}
