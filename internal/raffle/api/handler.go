package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"ms-raffle/internal/autopay"
	"ms-raffle/internal/inventory"
	"ms-raffle/internal/logger"
	"ms-raffle/internal/models"
	"ms-raffle/internal/pricing"
	"ms-raffle/internal/reservation"
	"ms-raffle/internal/settlement"
	"ms-raffle/internal/utils"
)

// EventPublisher streams reservation lifecycle events.
type EventPublisher interface {
	PublishReservationCreated(event models.EngineEvent) error
	PublishReservationReleased(event models.EngineEvent) error
}

type Handler struct {
	Inventory    *inventory.Store
	Reservations *reservation.Manager
	Settlement   *settlement.Service
	Autopay      *autopay.Orchestrator
	Pricing      *pricing.Service
	Events       EventPublisher
	Log          *logger.Logger
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/draws", h.OpenDraw)
		r.Get("/draws/open", h.GetOpenDraw)
		r.Get("/draws/open/slots", h.GetOpenDrawSlots)
		r.Get("/draws/{drawId}/slots", h.GetDrawSlots)
		r.Post("/draws/{drawId}/autopay", h.RunAutopay)
		r.Post("/reservations", h.CreateReservation)
		r.Delete("/reservations/{reservationId}", h.ReleaseReservation)
		r.Post("/settlements", h.SettleReservation)
		r.Post("/payments/callback", h.PaymentCallback)
	})
}

func (h *Handler) OpenDraw(w http.ResponseWriter, r *http.Request) {
	draw, err := h.Inventory.OpenDraw(r.Context())
	if err != nil {
		writeJSON(w, http.StatusConflict, utils.ErrorResponse("Could not open draw", err.Error()))
		return
	}
	writeJSON(w, http.StatusCreated, utils.SuccessResponse("Draw opened", draw))
}

func (h *Handler) GetOpenDraw(w http.ResponseWriter, r *http.Request) {
	draw, err := h.Inventory.CurrentDraw(r.Context())
	if err != nil {
		writeJSON(w, http.StatusNotFound, utils.ErrorResponse("No open draw", err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse("Open draw", draw))
}

func (h *Handler) GetOpenDrawSlots(w http.ResponseWriter, r *http.Request) {
	draw, err := h.Inventory.CurrentDraw(r.Context())
	if err != nil {
		writeJSON(w, http.StatusNotFound, utils.ErrorResponse("No open draw", err.Error()))
		return
	}
	h.writeSnapshot(w, r, draw.ID)
}

func (h *Handler) GetDrawSlots(w http.ResponseWriter, r *http.Request) {
	h.writeSnapshot(w, r, chi.URLParam(r, "drawId"))
}

func (h *Handler) writeSnapshot(w http.ResponseWriter, r *http.Request, drawID string) {
	views, err := h.Inventory.Snapshot(r.Context(), drawID)
	if err != nil {
		if errors.Is(err, inventory.ErrNoOpenDraw) {
			writeJSON(w, http.StatusNotFound, utils.ErrorResponse("Draw not found", err.Error()))
			return
		}
		writeJSON(w, http.StatusInternalServerError, utils.ErrorResponse("Could not read slots", err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse("Draw slots", views))
}

// CreateReservation grants an all-or-nothing hold on the open draw.
// Conflicts come back as 409 with the full list of contested numbers.
func (h *Handler) CreateReservation(w http.ResponseWriter, r *http.Request) {
	var req models.ReservationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", err.Error()))
		return
	}
	if req.OwnerID == "" {
		writeJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", "owner_id is required"))
		return
	}

	draw, err := h.Inventory.CurrentDraw(r.Context())
	if err != nil {
		writeJSON(w, http.StatusNotFound, utils.ErrorResponse("No open draw", err.Error()))
		return
	}

	res, err := h.Reservations.Reserve(r.Context(), draw.ID, req.OwnerID, req.Numbers)
	if err != nil {
		var conflict *reservation.ConflictError
		if errors.As(err, &conflict) {
			writeJSON(w, http.StatusConflict, utils.ConflictResponse("Numbers unavailable", err.Error(), conflict.Numbers))
			return
		}
		if errors.Is(err, reservation.ErrInvalidNumbers) {
			writeJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid numbers", err.Error()))
			return
		}
		writeJSON(w, http.StatusInternalServerError, utils.ErrorResponse("Could not reserve", err.Error()))
		return
	}

	if h.Events != nil {
		if err := h.Events.PublishReservationCreated(models.EngineEvent{
			Type:          "reservation_created",
			DrawID:        draw.ID,
			ReservationID: res.ID,
			Numbers:       res.Numbers,
			Timestamp:     time.Now(),
		}); err != nil {
			h.Log.Warn("API", "Kafka publish error (reservation created): "+err.Error())
		}
	}

	writeJSON(w, http.StatusCreated, utils.SuccessResponse("Reservation created", models.ReservationResponse{
		ReservationID: res.ID,
		DrawID:        res.DrawID,
		Numbers:       res.Numbers,
		ExpiresAt:     res.ExpiresAt,
	}))
}

func (h *Handler) ReleaseReservation(w http.ResponseWriter, r *http.Request) {
	reservationID := chi.URLParam(r, "reservationId")
	res, err := h.Reservations.Get(r.Context(), reservationID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, utils.ErrorResponse("Reservation not found", err.Error()))
		return
	}

	if err := h.Reservations.Release(r.Context(), reservationID); err != nil {
		writeJSON(w, http.StatusConflict, utils.ErrorResponse("Could not release reservation", err.Error()))
		return
	}

	if h.Events != nil {
		if err := h.Events.PublishReservationReleased(models.EngineEvent{
			Type:          "reservation_released",
			DrawID:        res.DrawID,
			ReservationID: res.ID,
			Numbers:       res.Numbers,
			Timestamp:     time.Now(),
		}); err != nil {
			h.Log.Warn("API", "Kafka publish error (reservation released): "+err.Error())
		}
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse("Reservation released", nil))
}

// SettleReservation is the synchronous settlement trigger. The amount is
// priced from the reservation itself, never trusted from the caller.
func (h *Handler) SettleReservation(w http.ResponseWriter, r *http.Request) {
	var req models.SettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", err.Error()))
		return
	}
	if req.ReservationID == "" || req.CorrelationID == "" {
		writeJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", "reservation_id and correlation_id are required"))
		return
	}
	h.settle(w, r, req.ReservationID, req.CorrelationID)
}

// PaymentCallback is the asynchronous confirmation path from the payment
// provider. Delivery is at-least-once; a repeat lands on the settle no-op.
func (h *Handler) PaymentCallback(w http.ResponseWriter, r *http.Request) {
	var event models.CallbackEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid callback body", err.Error()))
		return
	}
	if event.Status != "approved" {
		h.Log.Info("API", "Ignoring non-approved payment callback for "+event.CorrelationID)
		writeJSON(w, http.StatusOK, utils.SuccessResponse("Callback acknowledged", nil))
		return
	}
	h.settle(w, r, event.ReservationID, event.CorrelationID)
}

func (h *Handler) settle(w http.ResponseWriter, r *http.Request, reservationID, correlationID string) {
	res, err := h.Reservations.Get(r.Context(), reservationID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, utils.ErrorResponse("Reservation not found", err.Error()))
		return
	}
	amount, _ := h.Pricing.Quote(r.Context(), len(res.Numbers))

	payment, err := h.Settlement.Settle(r.Context(), reservationID, correlationID, amount)
	if err != nil {
		if errors.Is(err, settlement.ErrStaleReservation) {
			writeJSON(w, http.StatusConflict, utils.ErrorResponse("Stale reservation", err.Error()))
			return
		}
		writeJSON(w, http.StatusInternalServerError, utils.ErrorResponse("Could not settle", err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse("Payment settled", payment))
}

// RunAutopay triggers the orchestration run for a draw. Concurrent runs
// over the same draw are rejected with 409.
func (h *Handler) RunAutopay(w http.ResponseWriter, r *http.Request) {
	drawID := chi.URLParam(r, "drawId")
	summary, err := h.Autopay.Run(r.Context(), drawID)
	if err != nil {
		if errors.Is(err, autopay.ErrDrawLocked) {
			writeJSON(w, http.StatusConflict, utils.ErrorResponse("Autopay already running", err.Error()))
			return
		}
		if errors.Is(err, autopay.ErrDrawNotOpen) || errors.Is(err, autopay.ErrDrawProcessed) {
			writeJSON(w, http.StatusConflict, utils.ErrorResponse("Draw not eligible for autopay", err.Error()))
			return
		}
		if errors.Is(err, inventory.ErrNoOpenDraw) {
			writeJSON(w, http.StatusNotFound, utils.ErrorResponse("Draw not found", err.Error()))
			return
		}
		writeJSON(w, http.StatusInternalServerError, utils.ErrorResponse("Autopay run failed", err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse("Autopay run complete", summary))
}

func writeJSON(w http.ResponseWriter, status int, body utils.APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
