package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"ticketing-checkout/internal/middleware"
	"ticketing-checkout/internal/models"
)

const maxBodyBytes = 1 << 20

// ErrorResponse is the JSON body of every failed request
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// messages holds the user-facing text per error code and language
var messages = map[string]map[string]string{
	"en": {
		"validation_error":       "Please check the highlighted details and try again.",
		"inventory_error":        "Some tickets in your selection are no longer available.",
		"payment_provider_error": "The payment provider could not process your request. Please try again.",
		"reconciliation_error":   "We could not confirm this payment automatically. Our team has been notified.",
		"configuration_error":    "This payment option is temporarily unavailable.",
		"not_found":              "We could not find what you were looking for.",
		"unauthorized":           "Please sign in to continue.",
		"conflict":               "This request is already being processed.",
		"internal_error":         "Something went wrong. Please try again.",
	},
	"fr": {
		"validation_error":       "Veuillez vérifier les informations indiquées et réessayer.",
		"inventory_error":        "Certains billets de votre sélection ne sont plus disponibles.",
		"payment_provider_error": "Le prestataire de paiement n'a pas pu traiter votre demande. Veuillez réessayer.",
		"reconciliation_error":   "Nous n'avons pas pu confirmer ce paiement automatiquement. Notre équipe a été prévenue.",
		"configuration_error":    "Ce moyen de paiement est temporairement indisponible.",
		"not_found":              "Nous n'avons pas trouvé ce que vous cherchez.",
		"unauthorized":           "Veuillez vous connecter pour continuer.",
		"conflict":               "Cette demande est déjà en cours de traitement.",
		"internal_error":         "Une erreur est survenue. Veuillez réessayer.",
	},
}

// localize returns the message for code in the request's preferred language
func localize(r *http.Request, code string) string {
	for _, part := range strings.Split(r.Header.Get("Accept-Language"), ",") {
		tag := strings.ToLower(strings.TrimSpace(strings.SplitN(part, ";", 2)[0]))
		if len(tag) >= 2 {
			if catalog, ok := messages[tag[:2]]; ok {
				return catalog[code]
			}
		}
	}
	return messages["en"][code]
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Error("Failed to encode response")
	}
}

// writeError maps a service error onto a status code and a localized message
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validationErr     *models.ValidationError
		inventoryErr      *models.InventoryError
		providerErr       *models.PaymentProviderError
		reconciliationErr *models.ReconciliationError
		configErr         *models.ConfigurationError
	)

	status := http.StatusInternalServerError
	resp := ErrorResponse{Error: "internal_error"}

	switch {
	case errors.Is(err, models.ErrUnauthorized):
		status, resp.Error = http.StatusUnauthorized, "unauthorized"
	case errors.As(err, &validationErr):
		status, resp.Error = http.StatusBadRequest, "validation_error"
		resp.Field = validationErr.Field
		resp.Detail = validationErr.Message
	case errors.As(err, &inventoryErr):
		status, resp.Error = http.StatusConflict, "inventory_error"
		resp.Detail = inventoryErr.Error()
	case errors.As(err, &providerErr):
		status, resp.Error = http.StatusBadGateway, "payment_provider_error"
		resp.Detail = providerErr.Message
	case errors.As(err, &reconciliationErr):
		status, resp.Error = http.StatusConflict, "reconciliation_error"
	case errors.As(err, &configErr):
		status, resp.Error = http.StatusServiceUnavailable, "configuration_error"
	case errors.Is(err, models.ErrOrderNotFound),
		errors.Is(err, models.ErrTicketTypeNotFound),
		errors.Is(err, models.ErrPaymentNotFound),
		errors.Is(err, models.ErrCartNotFound):
		status, resp.Error = http.StatusNotFound, "not_found"
	case errors.Is(err, models.ErrIdempotencyInFlight):
		status, resp.Error = http.StatusConflict, "conflict"
	}
	resp.Message = localize(r, resp.Error)

	entry := logrus.WithFields(logrus.Fields{
		"path":       r.URL.Path,
		"status":     status,
		"request_id": middleware.GetRequestID(r.Context()),
		"error":      err,
	})
	if status >= 500 {
		entry.Error("Request failed")
	} else {
		entry.Info("Request rejected")
	}

	writeJSON(w, status, resp)
}

// decodeJSON reads a JSON body into v, rejecting unknown fields
func decodeJSON(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return &models.ValidationError{Field: "body", Message: "request body is not valid JSON", Err: err}
	}
	return nil
}

// eventIDParam reads the {eventID} route parameter
func eventIDParam(r *http.Request) (int64, error) {
	eventID, err := strconv.ParseInt(chi.URLParam(r, "eventID"), 10, 64)
	if err != nil || eventID <= 0 {
		return 0, models.NewValidationError("event_id", "invalid event ID")
	}
	return eventID, nil
}

// cartOwner identifies whose server-side cart a request touches: the signed-in
// user, or the anonymous cart id the client sends
func cartOwner(r *http.Request) string {
	if identity := middleware.GetIdentity(r.Context()); identity.IsAuthenticated() {
		return fmt.Sprintf("user:%d", identity.UserID)
	}
	if id := strings.TrimSpace(r.Header.Get("X-Cart-ID")); id != "" && len(id) <= 64 {
		return "guest:" + id
	}
	return ""
}
