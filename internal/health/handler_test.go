package health

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLiveness_AlwaysReturns200(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewHandler(Stats{})

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/health/live", nil)

	handler.Liveness(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alive")
	assert.Contains(t, w.Body.String(), "timestamp")
}

func TestStatus_ReportsRegistryCounts(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewHandler(Stats{
		TokenCount:   func() int { return 3 },
		WaitingCount: func() int { return 1 },
		RoomCount:    func() int { return 2 },
	})

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/health", nil)

	handler.Status(c)

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `"tokens":3`)
	assert.Contains(t, body, `"waiting":1`)
	assert.Contains(t, body, `"rooms":2`)
	assert.Contains(t, body, "uptime_seconds")
}

func TestStatus_NilStatsFieldsReportZero(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewHandler(Stats{})

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/health", nil)

	handler.Status(c)

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `"tokens":0`)
	assert.Contains(t, body, `"waiting":0`)
	assert.Contains(t, body, `"rooms":0`)
}
