package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"tradedesk/internal/services"
)

type ExchangeRateHandler struct {
	rates *services.ExchangeRateCache
}

func NewExchangeRateHandler(rates *services.ExchangeRateCache) *ExchangeRateHandler {
	return &ExchangeRateHandler{rates: rates}
}

// GetRate 返回 1 单位外币对应的 BRL
func (h *ExchangeRateHandler) GetRate(c *gin.Context) {
	rate, err := h.rates.Get(c.Request.Context(), c.Param("currency"))
	if err != nil {
		respondError(c, "Failed to get exchange rate", err)
		return
	}
	c.JSON(http.StatusOK, rate)
}

func RegisterExchangeRateRoutes(r *gin.RouterGroup, handler *ExchangeRateHandler) {
	r.GET("/exchange-rates/:currency", handler.GetRate)
}
