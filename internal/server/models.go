package server

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/tingly-dev/kiro-box/internal/kiro"
)

const listModelsPath = "/ListAvailableModels"

// handleListModels serves GET /v1/models from the model cache, refilling
// it from the upstream listing when empty or stale. A failed refill falls
// back to the static model list so the endpoint keeps answering.
func (s *Server) handleListModels(c *gin.Context) {
	if s.modelCache.IsEmpty() || s.modelCache.IsStale() {
		s.refillModelCache(c.Request.Context())
	}

	ids := s.modelCache.IDs()
	if len(ids) == 0 {
		ids = kiro.ExternalModelIDs()
	}

	created := time.Now().Unix()
	data := make([]map[string]interface{}, 0, len(ids))
	for _, id := range ids {
		data = append(data, map[string]interface{}{
			"id":       id,
			"object":   "model",
			"created":  created,
			"owned_by": "kiro",
		})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

// refillModelCache fetches the upstream model listing. Concurrent refills
// coalesce on the mutex: the first caller does the work, the rest observe
// the freshly updated cache and return without a second fetch.
func (s *Server) refillModelCache(ctx context.Context) {
	s.refillMu.Lock()
	defer s.refillMu.Unlock()
	if !s.modelCache.IsEmpty() && !s.modelCache.IsStale() {
		return
	}

	records, err := s.fetchModelListing(ctx)
	if err != nil {
		logrus.Warnf("model listing fetch failed (%v), using static fallback", err)
		if s.modelCache.IsEmpty() {
			s.modelCache.Update(kiro.FallbackModels(s.cfg.DefaultMaxInputTokens))
		}
		return
	}
	s.modelCache.Update(records)
	logrus.Infof("model cache refilled with %d models", len(records))
}

// fetchModelListing calls the Q listing endpoint. The response schema is
// not pinned upstream, so parsing is deliberately lenient: any array of
// objects carrying a model identifier is accepted.
func (s *Server) fetchModelListing(ctx context.Context) ([]kiro.ModelInfo, error) {
	resp, err := s.driver.Do(ctx, http.MethodGet, s.listModelsURL(), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	return parseModelListing(body, s.cfg.DefaultMaxInputTokens), nil
}

func parseModelListing(body []byte, defaultMaxInput int) []kiro.ModelInfo {
	parsed := gjson.ParseBytes(body)
	list := parsed.Get("models")
	if !list.IsArray() {
		list = parsed.Get("availableModels")
	}

	var records []kiro.ModelInfo
	list.ForEach(func(_, entry gjson.Result) bool {
		id := firstString(entry, "modelId", "model_id", "id", "modelName")
		if id == "" {
			return true
		}
		info := kiro.ModelInfo{ID: id, MaxInputTokens: defaultMaxInput}
		if v := firstNumber(entry, "maxInputTokens", "inputTokenLimit", "tokenLimits.maxInputTokens"); v > 0 {
			info.MaxInputTokens = int(v)
		}
		if v := firstNumber(entry, "defaultCreditsUsed", "creditsUsed", "creditsPerRequest"); v > 0 {
			info.DefaultCreditsUsed = v
		}
		records = append(records, info)
		return true
	})
	return records
}

func firstString(entry gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := entry.Get(p); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

func firstNumber(entry gjson.Result, paths ...string) float64 {
	for _, p := range paths {
		if v := entry.Get(p); v.Exists() {
			return v.Float()
		}
	}
	return 0
}
