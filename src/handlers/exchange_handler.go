package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/username/cryptotax/src/exchanges"
	"github.com/username/cryptotax/src/logger"
	"github.com/username/cryptotax/src/models"
	"github.com/username/cryptotax/src/services"
	"github.com/username/cryptotax/src/utils"
)

type ExchangeHandler struct {
	taxService services.TaxService
}

func NewExchangeHandler(taxService services.TaxService) *ExchangeHandler {
	return &ExchangeHandler{taxService: taxService}
}

func (h *ExchangeHandler) HandleListProviders(w http.ResponseWriter, r *http.Request) {
	utils.SendJSON(w, map[string][]string{"providers": exchanges.Providers()}, http.StatusOK)
}

// HandleTestConnection checks credentials with one read-only request.
func (h *ExchangeHandler) HandleTestConnection(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	var creds models.Credentials
	if err := decodeBody(w, r, &creds); err != nil {
		utils.SendJSONError(w, err.Error(), http.StatusBadRequest, "invalid_request")
		return
	}
	if creds.Empty() {
		utils.SendJSONError(w, "api_key and api_secret are required", http.StatusBadRequest, "invalid_request")
		return
	}

	ok, err := h.taxService.TestConnection(r.Context(), provider, creds)
	if err != nil {
		sendServiceError(w, err)
		return
	}
	logger.FromContext(r.Context()).Info("Connection test completed", "provider", provider, "connected", ok)
	utils.SendJSON(w, map[string]any{"provider": provider, "connected": ok}, http.StatusOK)
}
