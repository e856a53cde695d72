package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordBulkItem(t *testing.T) {
	before := testutil.ToFloat64(bulkItemsTotal.WithLabelValues("deleteAssets", "error"))
	RecordBulkItem("deleteAssets", errors.New("x"))
	RecordBulkItem("deleteAssets", nil)
	after := testutil.ToFloat64(bulkItemsTotal.WithLabelValues("deleteAssets", "error"))
	if after-before != 1 {
		t.Errorf("expected one error increment, got %v", after-before)
	}
}

func TestRecordChunkCountsBytesOnSuccess(t *testing.T) {
	before := testutil.ToFloat64(uploadBytesTotal)
	RecordChunk(true, 1024)
	RecordChunk(false, 4096)
	if got := testutil.ToFloat64(uploadBytesTotal) - before; got != 1024 {
		t.Errorf("bytes delta = %v", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	RecordBackendRequest("remote", "listDirectory", nil, 10*time.Millisecond)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "assetsync_backend_requests_total") {
		t.Error("metrics output missing backend request counter")
	}
}
