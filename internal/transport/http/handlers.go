package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"parlor/internal/gamehub"
	"parlor/internal/session"
	"parlor/internal/settle"
	"parlor/internal/store"
)

type PublicHandlers struct {
	store    *store.Store
	registry *session.Registry
}

func NewPublicHandlers(st *store.Store, registry *session.Registry) *PublicHandlers {
	return &PublicHandlers{store: st, registry: registry}
}

func (h *PublicHandlers) Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.store.Ping(ctx); err != nil {
			WriteHTTPError(w, http.StatusServiceUnavailable, "db_unreachable")
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

// Rooms lists rooms that have members, with live session info where present.
func (h *PublicHandlers) Rooms() http.HandlerFunc {
	type roomInfo struct {
		RoomID   string `json:"room_id"`
		Members  int    `json:"members"`
		GameID   string `json:"game_id,omitempty"`
		GameType string `json:"game_type,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		roomIDs, err := h.store.ListRoomsWithMembers(r.Context())
		if err != nil {
			WriteHTTPError(w, http.StatusInternalServerError, "list_rooms_failed")
			return
		}
		out := make([]roomInfo, 0, len(roomIDs))
		for _, roomID := range roomIDs {
			members, err := h.store.ListRoomMemberIDs(r.Context(), roomID)
			if err != nil {
				continue
			}
			info := roomInfo{RoomID: roomID, Members: len(members)}
			if live, ok := h.registry.Lookup(roomID); ok {
				info.GameID = live.GameID
				info.GameType = live.GameType
			}
			out = append(out, info)
		}
		WriteJSON(w, http.StatusOK, map[string]any{"rooms": out})
	}
}

func (h *PublicHandlers) RoomMembers() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := chi.URLParam(r, "room_id")
		members, err := h.store.ListRoomMembers(r.Context(), roomID)
		if err != nil {
			WriteHTTPError(w, http.StatusInternalServerError, "list_members_failed")
			return
		}
		out := make([]map[string]any, 0, len(members))
		for _, m := range members {
			out = append(out, map[string]any{
				"user_id":   m.UserID,
				"is_owner":  m.IsOwner,
				"joined_at": m.JoinedAt,
			})
		}
		WriteJSON(w, http.StatusOK, map[string]any{"room_id": roomID, "members": out})
	}
}

// RoomSnapshot exposes the room's latest public state for spectators and
// polling clients.
func (h *PublicHandlers) RoomSnapshot() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := chi.URLParam(r, "room_id")
		info, ok := h.registry.Lookup(roomID)
		if !ok {
			WriteHTTPError(w, http.StatusNotFound, "no_session")
			return
		}
		snap, hasSnap := h.registry.LatestSnapshot(roomID)
		body := map[string]any{
			"room_id":   roomID,
			"game_id":   info.GameID,
			"game_type": info.GameType,
			"last_seq":  h.registry.LastSeq(roomID),
		}
		if hasSnap {
			body["state"] = snap.State
			body["seq"] = snap.Seq
		}
		WriteJSON(w, http.StatusOK, body)
	}
}

func (h *PublicHandlers) Game() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		gameID := chi.URLParam(r, "game_id")
		g, err := h.store.GetGame(r.Context(), gameID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				WriteHTTPError(w, http.StatusNotFound, "game_not_found")
				return
			}
			WriteHTTPError(w, http.StatusInternalServerError, "get_game_failed")
			return
		}
		results, err := h.store.ListGameResults(r.Context(), gameID)
		if err != nil {
			WriteHTTPError(w, http.StatusInternalServerError, "list_results_failed")
			return
		}
		resOut := make([]map[string]any, 0, len(results))
		for _, res := range results {
			resOut = append(resOut, map[string]any{
				"user_id":      res.UserID,
				"chips_change": res.ChipsChange,
				"total_spent":  res.TotalSpent,
				"net_change":   res.NetChange,
				"position":     res.Position,
			})
		}
		body := map[string]any{
			"game_id":   g.ID,
			"room_id":   g.RoomID,
			"game_type": g.GameType,
			"status":    g.Status,
			"total_pot": g.TotalPot,
			"reason":    g.Reason,
			"results":   resOut,
		}
		if g.WinnerID != nil {
			body["winner_id"] = *g.WinnerID
		}
		WriteJSON(w, http.StatusOK, body)
	}
}

func (h *PublicHandlers) Balance() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "user_id")
		balance, err := h.store.GetAccountBalance(r.Context(), userID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				WriteHTTPError(w, http.StatusNotFound, "account_not_found")
				return
			}
			WriteHTTPError(w, http.StatusInternalServerError, "get_balance_failed")
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"user_id": userID, "balance": balance})
	}
}

type AdminHandlers struct {
	store       *store.Store
	settler     *settle.Engine
	coordinator *gamehub.Coordinator
}

func NewAdminHandlers(st *store.Store, settler *settle.Engine, coordinator *gamehub.Coordinator) *AdminHandlers {
	return &AdminHandlers{store: st, settler: settler, coordinator: coordinator}
}

// Topup credits an account out of band, creating it if needed.
func (h *AdminHandlers) Topup() http.HandlerFunc {
	type req struct {
		UserID string `json:"user_id"`
		Amount int64  `json:"amount"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var body req
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.UserID == "" || body.Amount <= 0 {
			WriteHTTPError(w, http.StatusBadRequest, "bad_request")
			return
		}
		if err := h.store.EnsureAccount(r.Context(), body.UserID, 0); err != nil {
			WriteHTTPError(w, http.StatusInternalServerError, "ensure_account_failed")
			return
		}
		balance, err := h.store.Credit(r.Context(), body.UserID, body.Amount, "admin_topup", "", "")
		if err != nil {
			WriteHTTPError(w, http.StatusInternalServerError, "credit_failed")
			return
		}
		log.Info().Str("user_id", body.UserID).Int64("amount", body.Amount).
			Int64("balance", balance).Msg("admin topup")
		WriteJSON(w, http.StatusOK, map[string]any{"user_id": body.UserID, "balance": balance})
	}
}

func (h *AdminHandlers) GameLedger() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		gameID := chi.URLParam(r, "game_id")
		entries, err := h.store.ListLedgerEntriesForGame(r.Context(), gameID)
		if err != nil {
			WriteHTTPError(w, http.StatusInternalServerError, "list_ledger_failed")
			return
		}
		out := make([]map[string]any, 0, len(entries))
		for _, e := range entries {
			out = append(out, map[string]any{
				"id":            e.ID,
				"user_id":       e.UserID,
				"amount":        e.Amount,
				"balance_after": e.BalanceAfter,
				"type":          e.Type,
				"created_at":    e.CreatedAt,
			})
		}
		WriteJSON(w, http.StatusOK, map[string]any{"game_id": gameID, "entries": out})
	}
}

// Integrity runs the read-only post-settlement consistency check.
func (h *AdminHandlers) Integrity() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		gameID := chi.URLParam(r, "game_id")
		report, err := h.settler.ValidateIntegrity(r.Context(), gameID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				WriteHTTPError(w, http.StatusNotFound, "game_not_found")
				return
			}
			WriteHTTPError(w, http.StatusInternalServerError, "integrity_check_failed")
			return
		}
		WriteJSON(w, http.StatusOK, report)
	}
}

// AbortSession force-aborts a room's live session with refunds.
func (h *AdminHandlers) AbortSession() http.HandlerFunc {
	type req struct {
		Reason string `json:"reason"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := chi.URLParam(r, "room_id")
		var body req
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Reason == "" {
			body.Reason = "admin_abort"
		}
		if err := h.coordinator.AbortSession(r.Context(), roomID, body.Reason); err != nil {
			if errors.Is(err, gamehub.ErrNoSession) {
				WriteHTTPError(w, http.StatusNotFound, "no_session")
				return
			}
			WriteHTTPError(w, http.StatusInternalServerError, "abort_failed")
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"room_id": roomID, "aborted": true})
	}
}
