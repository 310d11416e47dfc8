package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/mseverin/voicemem/internal/engine"
	"github.com/mseverin/voicemem/internal/llm"
	"github.com/mseverin/voicemem/internal/storage"
	"github.com/mseverin/voicemem/pkg/types"
)

// APIHandlers contains HTTP handlers for the REST API.
type APIHandlers struct {
	engine *engine.Engine
	store  storage.Store
	synth  llm.Synthesizer
}

// NewAPIHandlers creates a new APIHandlers instance over the engine.
func NewAPIHandlers(eng *engine.Engine) *APIHandlers {
	return &APIHandlers{
		engine: eng,
		store:  eng.Store(),
	}
}

// SetSynthesizer installs the optional speech synthesis collaborator backing
// POST /api/speak. Without one the endpoint reports 503.
func (h *APIHandlers) SetSynthesizer(s llm.Synthesizer) {
	h.synth = s
}

// PostTurn handles POST /api/turns - record one conversation turn.
// A session ID is generated when the request omits one.
func (h *APIHandlers) PostTurn(w http.ResponseWriter, r *http.Request) {
	var req TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body", err)
		return
	}

	if req.SessionID == "" {
		req.SessionID = uuid.New().String()
	}

	turn := &types.Turn{
		SessionID: req.SessionID,
		UserText:  req.UserText,
		AgentText: req.AgentText,
	}
	if err := types.ValidateTurn(turn); err != nil {
		respondError(w, http.StatusBadRequest, "invalid turn", err)
		return
	}
	if req.UserID == "" {
		respondError(w, http.StatusBadRequest, "user_id is required", nil)
		return
	}

	result, err := h.engine.RecordTurn(r.Context(), req.SessionID, req.UserID, req.UserText, req.AgentText)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to record turn", err)
		return
	}

	respondJSON(w, http.StatusCreated, result)
}

// GetPrompt handles GET /api/prompt - serve the system prompt for a session.
// This endpoint never fails with a 5xx; degraded reads fall back inside the
// engine and still produce a usable prompt.
func (h *APIHandlers) GetPrompt(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "session_id is required", nil)
		return
	}
	userID := r.URL.Query().Get("user_id")

	prompt := h.engine.Prompt(r.Context(), sessionID, userID)
	respondJSON(w, http.StatusOK, PromptResponse{SessionID: sessionID, Prompt: prompt})
}

// PostRebuild handles POST /api/rebuild - force a synchronous prompt rebuild.
func (h *APIHandlers) PostRebuild(w http.ResponseWriter, r *http.Request) {
	var req RebuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body", err)
		return
	}
	if req.SessionID == "" {
		respondError(w, http.StatusBadRequest, "session_id is required", nil)
		return
	}

	result, err := h.engine.RebuildNow(r.Context(), req.SessionID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, storage.ErrNotFound) {
			status = http.StatusNotFound
		}
		respondJSON(w, status, RebuildErrorResponse{
			Error:     err.Error(),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
		return
	}

	respondJSON(w, http.StatusOK, RebuildResponse{
		Success:       true,
		ContextCounts: result.Counts,
		PromptLength:  len(result.Prompt),
	})
}

// ListFacts handles GET /api/facts - list a user's importance facts.
func (h *APIHandlers) ListFacts(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		respondError(w, http.StatusBadRequest, "user_id is required", nil)
		return
	}
	minPriority := parseInt(r.URL.Query().Get("min_priority"), types.MinPriority)
	limit := parseInt(r.URL.Query().Get("limit"), storage.MaxFactsPerPrompt)

	facts, err := h.store.FactsByUser(r.Context(), userID, minPriority, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list facts", err)
		return
	}
	respondJSON(w, http.StatusOK, facts)
}

// CreateFact handles POST /api/facts - store an importance fact. Priority is
// clamped to the valid range; high-priority writes fan rebuild triggers out
// to the user's recent sessions.
func (h *APIHandlers) CreateFact(w http.ResponseWriter, r *http.Request) {
	var fact types.Fact
	if err := json.NewDecoder(r.Body).Decode(&fact); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body", err)
		return
	}
	if err := types.ValidateFact(&fact); err != nil {
		respondError(w, http.StatusBadRequest, "invalid fact", err)
		return
	}
	if fact.ID == "" {
		fact.ID = ulid.Make().String()
	}
	fact.LastUpdated = time.Now()

	if err := h.engine.AddFact(r.Context(), &fact); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to store fact", err)
		return
	}
	respondJSON(w, http.StatusCreated, fact)
}

// PatchFact handles PATCH /api/facts/{id} - partial update of a fact.
func (h *APIHandlers) PatchFact(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		respondError(w, http.StatusBadRequest, "fact ID is required", nil)
		return
	}

	fact, err := h.store.Fact(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, "fact not found", nil)
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to load fact", err)
		return
	}

	var patch struct {
		Content  *string  `json:"content"`
		Tags     []string `json:"tags"`
		Priority *int     `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body", err)
		return
	}
	if patch.Content != nil {
		fact.Content = *patch.Content
	}
	if patch.Tags != nil {
		fact.Tags = patch.Tags
	}
	if patch.Priority != nil {
		fact.Priority = types.ClampPriority(*patch.Priority)
	}
	fact.LastUpdated = time.Now()

	if err := types.ValidateFact(fact); err != nil {
		respondError(w, http.StatusBadRequest, "invalid fact", err)
		return
	}
	if err := h.engine.AddFact(r.Context(), fact); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to update fact", err)
		return
	}
	respondJSON(w, http.StatusOK, fact)
}

// DeleteFact handles DELETE /api/facts/{id}.
func (h *APIHandlers) DeleteFact(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		respondError(w, http.StatusBadRequest, "fact ID is required", nil)
		return
	}
	if err := h.store.DeleteFact(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, "fact not found", nil)
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to delete fact", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetSemantic handles GET /api/semantic/{user_id} - list a user's k/v facts.
func (h *APIHandlers) GetSemantic(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")
	if userID == "" {
		respondError(w, http.StatusBadRequest, "user ID is required", nil)
		return
	}
	limit := parseInt(r.URL.Query().Get("limit"), storage.MaxSemanticPerPrompt)

	facts, err := h.store.SemanticByUser(r.Context(), userID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list semantic facts", err)
		return
	}
	respondJSON(w, http.StatusOK, facts)
}

// PutSemantic handles PUT /api/semantic/{user_id} - upsert one k/v fact with
// last-write-wins semantics per (user, key).
func (h *APIHandlers) PutSemantic(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")
	if userID == "" {
		respondError(w, http.StatusBadRequest, "user ID is required", nil)
		return
	}

	var req SemanticPutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body", err)
		return
	}

	fact := &types.SemanticFact{
		UserID:    userID,
		Key:       req.Key,
		Value:     req.Value,
		UpdatedAt: time.Now(),
	}
	if err := types.ValidateSemanticFact(fact); err != nil {
		respondError(w, http.StatusBadRequest, "invalid semantic fact", err)
		return
	}
	if err := h.store.PutSemantic(r.Context(), fact); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to store semantic fact", err)
		return
	}
	respondJSON(w, http.StatusOK, fact)
}

// ListEpisodes handles GET /api/episodes - list episode summaries for a session.
func (h *APIHandlers) ListEpisodes(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "session_id is required", nil)
		return
	}
	limit := parseInt(r.URL.Query().Get("limit"), storage.MaxEpisodesPerPrompt)

	episodes, err := h.store.EpisodesBySession(r.Context(), sessionID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list episodes", err)
		return
	}
	respondJSON(w, http.StatusOK, episodes)
}

// CreateEpisode handles POST /api/episodes - store one episode summary.
func (h *APIHandlers) CreateEpisode(w http.ResponseWriter, r *http.Request) {
	var episode types.EpisodeSummary
	if err := json.NewDecoder(r.Body).Decode(&episode); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body", err)
		return
	}
	if episode.SessionID == "" || episode.Summary == "" {
		respondError(w, http.StatusBadRequest, "session_id and summary are required", nil)
		return
	}
	if episode.ID == "" {
		episode.ID = ulid.Make().String()
	}
	episode.Importance = types.ClampPriority(episode.Importance)
	episode.CreatedAt = time.Now()

	if err := h.store.InsertEpisode(r.Context(), &episode); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to store episode", err)
		return
	}
	respondJSON(w, http.StatusCreated, episode)
}

// ClearSTM handles DELETE /api/sessions/{id}/stm - wipe a session's
// short-term memory. When a chat completer is configured the session is
// folded into an episode summary first.
func (h *APIHandlers) ClearSTM(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "session ID is required", nil)
		return
	}
	if err := h.engine.ClearSession(r.Context(), sessionID); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to clear session memory", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PostSpeak handles POST /api/speak - synthesize text into audio. The
// synthesizer is an optional collaborator; without one the endpoint reports
// 503 rather than pretending the capability exists.
func (h *APIHandlers) PostSpeak(w http.ResponseWriter, r *http.Request) {
	if h.synth == nil {
		respondError(w, http.StatusServiceUnavailable, "speech synthesis is not configured", nil)
		return
	}

	var req SpeakRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body", err)
		return
	}
	if req.Text == "" {
		respondError(w, http.StatusBadRequest, "text is required", nil)
		return
	}

	audio, err := h.synth.Synthesize(r.Context(), req.Text)
	if err != nil {
		respondError(w, http.StatusBadGateway, "speech synthesis failed", err)
		return
	}

	w.Header().Set("Content-Type", "audio/mpeg")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(audio); err != nil {
		log.Printf("WARNING: failed to write audio response: %v", err)
	}
}

// GetHealth handles GET /api/health.
func (h *APIHandlers) GetHealth(w http.ResponseWriter, r *http.Request) {
	storageStatus := "ok"
	status := "healthy"
	if err := h.store.Ping(r.Context()); err != nil {
		storageStatus = "unreachable"
		status = "degraded"
	}
	respondJSON(w, http.StatusOK, HealthResponse{
		Status:    status,
		Storage:   storageStatus,
		QueueSize: h.engine.QueueSize(),
		Version:   "1.0.0",
	})
}

// parseInt parses an integer from a string, returning defaultValue if parsing fails.
func parseInt(s string, defaultValue int) int {
	if s == "" {
		return defaultValue
	}
	val, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return val
}

// respondJSON writes a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are already sent; log and move on.
		log.Printf("WARNING: failed to encode JSON response: %v", err)
	}
}

// respondError writes an error response with the given status code.
func respondError(w http.ResponseWriter, statusCode int, message string, err error) {
	errResp := ErrorResponse{
		Error: message,
		Code:  http.StatusText(statusCode),
	}
	if err != nil {
		errResp.Details = map[string]interface{}{
			"error": err.Error(),
		}
	}
	respondJSON(w, statusCode, errResp)
}
