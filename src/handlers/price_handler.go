package handlers

import (
	"net/http"
	"strings"

	"github.com/username/cryptotax/src/models"
	"github.com/username/cryptotax/src/services"
	"github.com/username/cryptotax/src/utils"
)

const maxPriceAssets = 100

type PriceHandler struct {
	oracle services.PriceOracle
}

func NewPriceHandler(oracle services.PriceOracle) *PriceHandler {
	return &PriceHandler{oracle: oracle}
}

type currentPricesResponse struct {
	Currency string                  `json:"currency"`
	Prices   map[string]models.Price `json:"prices"`
}

// HandleCurrentPrices serves GET /api/prices/current?assets=BTC,ETH.
func (h *PriceHandler) HandleCurrentPrices(w http.ResponseWriter, r *http.Request) {
	var assets []string
	for _, a := range strings.Split(r.URL.Query().Get("assets"), ",") {
		if a = strings.TrimSpace(a); a != "" {
			assets = append(assets, a)
		}
	}
	if len(assets) == 0 {
		utils.SendJSONError(w, "query parameter 'assets' is required", http.StatusBadRequest, "invalid_request")
		return
	}
	if len(assets) > maxPriceAssets {
		utils.SendJSONError(w, "too many assets requested", http.StatusBadRequest, "invalid_request")
		return
	}

	utils.SendJSON(w, currentPricesResponse{
		Currency: h.oracle.ReportingCurrency(),
		Prices:   h.oracle.CurrentPrices(r.Context(), assets),
	}, http.StatusOK)
}
