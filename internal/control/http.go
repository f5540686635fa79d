package control

import (
	"encoding/json"
	"net/http"

	"reqsploit/internal/ca"
	"reqsploit/internal/session"
	"reqsploit/pkg/model"
)

// API 控制面 HTTP 接口：会话管理与根证书下载
type API struct {
	hub       *Hub
	manager   *session.Manager
	authority *ca.Authority
}

// NewAPI 创建控制面接口
func NewAPI(hub *Hub, manager *session.Manager, authority *ca.Authority) *API {
	return &API{hub: hub, manager: manager, authority: authority}
}

// Routes 注册路由
func (a *API) Routes(mux *http.ServeMux) {
	mux.Handle("/ws", a.hub)
	mux.HandleFunc("/sessions", a.handleSessions)
	mux.HandleFunc("/sessions/settings", a.handleSettings)
	mux.HandleFunc("/ca/certificate", a.handleCertDownload)
	mux.HandleFunc("/ca/regenerate", a.handleCertRegenerate)
}

type createSessionBody struct {
	UserID        string               `json:"userId"`
	InterceptMode bool                 `json:"interceptMode"`
	Filters       model.RequestFilters `json:"filters"`
}

// handleSessions POST 创建（幂等）、DELETE 销毁
func (a *API) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var body createSessionBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.UserID == "" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		info, err := a.manager.Create(r.Context(), model.UserID(body.UserID), body.InterceptMode, body.Filters)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, info)

	case http.MethodDelete:
		userID := r.URL.Query().Get("user")
		if err := a.manager.Destroy(r.Context(), model.UserID(userID)); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type updateSettingsBody struct {
	UserID        string                `json:"userId"`
	InterceptMode *bool                 `json:"interceptMode,omitempty"`
	Filters       *model.RequestFilters `json:"filters,omitempty"`
}

// handleSettings 在线更新会话设置
func (a *API) handleSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body updateSettingsBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.UserID == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	info, err := a.manager.UpdateSettings(r.Context(), model.UserID(body.UserID), body.InterceptMode, body.Filters)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, info)
}

// handleCertDownload 根证书下载，私钥绝不出证书子系统
func (a *API) handleCertDownload(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		http.Error(w, "missing user", http.StatusBadRequest)
		return
	}
	pemBytes, err := a.authority.ExportRootPEM(r.Context(), model.UserID(userID))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-x509-ca-cert")
	w.Header().Set("Content-Disposition", `attachment; filename="reqsploit-ca.pem"`)
	_, _ = w.Write(pemBytes)
}

// handleCertRegenerate 轮换用户根证书，旧根签发的叶子全部作废
func (a *API) handleCertRegenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID := r.URL.Query().Get("user")
	if userID == "" {
		http.Error(w, "missing user", http.StatusBadRequest)
		return
	}
	pair, err := a.authority.RegenerateRoot(r.Context(), model.UserID(userID))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-x509-ca-cert")
	_, _ = w.Write(pair.CertPEM)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(model.StatusOf(err))
	_ = json.NewEncoder(w).Encode(map[string]any{"error": err.Error()})
}
