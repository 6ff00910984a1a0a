package handlers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/NickPittas/NukeAiPanel/config"
	"github.com/NickPittas/NukeAiPanel/services/cache"
	"github.com/NickPittas/NukeAiPanel/services/providers"
	"github.com/NickPittas/NukeAiPanel/utils"
)

// BackendRegistry is the management surface the admin handler drives.
type BackendRegistry interface {
	Status() []providers.BackendStatus
	ListAvailableBackends() []string
	ListAllModels(ctx context.Context) map[string][]providers.ModelInfo
	ReloadConfig(cfg *config.Config) error
	CacheStats() cache.CacheStats
}

// AdminHandler exposes backend status, model listings, and config
// reload.
type AdminHandler struct {
	registry BackendRegistry
	logger   *zap.Logger
}

// NewAdminHandler creates a new AdminHandler
func NewAdminHandler(registry BackendRegistry, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{registry: registry, logger: logger}
}

// HandleListModels handles GET /api/v1/models
func (h *AdminHandler) HandleListModels(w http.ResponseWriter, r *http.Request) {
	utils.WriteOK(w, h.registry.ListAllModels(r.Context()))
}

// HandleBackendStatus handles GET /api/v1/backends/status
func (h *AdminHandler) HandleBackendStatus(w http.ResponseWriter, r *http.Request) {
	utils.WriteOK(w, map[string]interface{}{
		"backends": h.registry.Status(),
		"cache":    h.registry.CacheStats(),
	})
}

// HandleReloadConfig handles POST /api/v1/config/reload. It re-reads
// the environment and swaps the backend set.
func (h *AdminHandler) HandleReloadConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := config.New()
	if err != nil {
		utils.WriteBadRequest(w, "config reload failed: "+err.Error(), nil)
		return
	}
	if err := h.registry.ReloadConfig(cfg); err != nil {
		utils.WriteBadRequest(w, "config reload rejected: "+err.Error(), nil)
		return
	}

	h.logger.Info("configuration reloaded via API")
	utils.WriteOK(w, map[string]string{"status": "reloaded"})
}
