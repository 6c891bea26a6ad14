package api

import (
	"bytes"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/rawpeak/feature-engine/internal/isotope"
	"github.com/rawpeak/feature-engine/pkg/models"
)

func testRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	return SetupRouter(nil, nil)
}

func postJSON(t *testing.T, r *gin.Engine, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func analyzeScans() []models.Scan {
	weights := []float64{0.55, 0.30, 0.11, 0.04}
	scans := make([]models.Scan, 9)
	for i := range scans {
		rt := 112 + float64(i)*2
		u := (rt - 120) / 4
		h := 1000 * math.Exp(-0.5*u*u)
		scans[i] = models.Scan{RT: rt, MSLevel: 1}
		for k, w := range weights {
			scans[i].Peaks = append(scans[i].Peaks, models.PeakCoord{
				Mz:        isotope.MzAt(500.25, k, 2),
				Intensity: float32(h * w),
			})
		}
	}
	return scans
}

func TestHealthEndpoint(t *testing.T) {
	r := testRouter()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d", w.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" || body["persisted"] != false {
		t.Errorf("health body = %v", body)
	}
}

func TestAnalyzeEndpoint(t *testing.T) {
	r := testRouter()
	w := postJSON(t, r, "/api/v1/analyze", AnalyzeRequest{
		Scans:  analyzeScans(),
		Config: map[string]interface{}{"max_charge": 3.0},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("analyze status = %d, body = %s", w.Code, w.Body.String())
	}
	var body struct {
		RunID    string            `json:"runId"`
		Features []models.Feature  `json:"features"`
		Stats    models.Statistics `json:"statistics"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.RunID == "" {
		t.Error("missing run id")
	}
	if len(body.Features) != 1 {
		t.Fatalf("analyze found %d features, want 1", len(body.Features))
	}
	if body.Features[0].Charge != 2 {
		t.Errorf("charge = %d, want 2", body.Features[0].Charge)
	}
	if body.Stats.Cancelled || body.Stats.FeaturesEmitted != 1 {
		t.Errorf("statistics = %+v", body.Stats)
	}
}

func TestAnalyzeRejectsUnknownConfigKey(t *testing.T) {
	r := testRouter()
	w := postJSON(t, r, "/api/v1/analyze", AnalyzeRequest{
		Scans:  analyzeScans(),
		Config: map[string]interface{}{"wavelet_scale": 2.0},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("unknown key status = %d, want 400", w.Code)
	}
}

func TestAnalyzeRejectsMalformedMap(t *testing.T) {
	r := testRouter()
	w := postJSON(t, r, "/api/v1/analyze", AnalyzeRequest{
		Scans: []models.Scan{{RT: 1, MSLevel: 1, Peaks: []models.PeakCoord{
			{Mz: 501, Intensity: 10},
			{Mz: 500, Intensity: 10}, // not ascending
		}}},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("malformed map status = %d, want 400", w.Code)
	}
}

func TestAnalyzeRejectsEmptyBody(t *testing.T) {
	r := testRouter()
	w := postJSON(t, r, "/api/v1/analyze", AnalyzeRequest{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("empty scan list status = %d, want 400", w.Code)
	}
}

func TestEnqueueRequiresDatabase(t *testing.T) {
	r := testRouter()
	w := postJSON(t, r, "/api/v1/runs", AnalyzeRequest{Scans: analyzeScans()})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("enqueue without db status = %d, want 503", w.Code)
	}
}
