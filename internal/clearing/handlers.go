package clearing

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-market/internal/market"
	"github.com/ksred/klear-market/internal/types"
	"github.com/ksred/klear-market/pkg/response"
)

func init() {
	response.Map(http.StatusNotFound, response.ErrCodeNotFound, ErrNoPriceAvailable)
	response.Map(http.StatusConflict, response.ErrCodeConflict, ErrLockNotAcquired)
}

// GinHandlers contains HTTP handlers for clearing endpoints
type GinHandlers struct {
	engine *Engine
}

// NewGinHandlers creates a new set of HTTP handlers for clearing endpoints
func NewGinHandlers(engine *Engine) *GinHandlers {
	return &GinHandlers{
		engine: engine,
	}
}

func cycleResponse(result *CycleResult) types.ClearingResponse {
	return types.ClearingResponse{
		StartedAt:  result.StartedAt,
		DurationMS: result.Duration.Milliseconds(),
		Transactions: lo.Map(result.Transactions, func(txn market.Transaction, _ int) types.TransactionResponse {
			return market.TransactionResponse(&txn)
		}),
		Skipped: lo.Map(result.Skipped, func(s Skip, _ int) types.SkipResponse {
			return types.SkipResponse{BuyOrderID: s.BuyOrderID, SellOrderID: s.SellOrderID, Reason: s.Reason}
		}),
	}
}

// ClearMarketHandler handles POST requests that run a clearing cycle now
// Requires internal authentication
func (h *GinHandlers) ClearMarketHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := h.engine.ClearMarket(c.Request.Context())
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, cycleResponse(result))
	}
}

// GetPricesHandler handles GET requests for a stock's market, bid and ask
// prices. Prices that cannot be derived are omitted.
// URL parameter: symbol
func (h *GinHandlers) GetPricesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		symbol := strings.ToUpper(c.Param("symbol"))

		stock, err := h.engine.book.GetStockBySymbol(ctx, symbol)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		if stock == nil {
			response.Handle(c, nil, fmt.Errorf("%w: %s", market.ErrUnknownStock, symbol))
			return
		}

		resp := types.PriceResponse{Symbol: stock.Symbol}
		for _, read := range []struct {
			get  func() (decimal.Decimal, error)
			into **decimal.Decimal
		}{
			{func() (decimal.Decimal, error) { return h.engine.CurrentMarketPrice(ctx, stock.ID) }, &resp.Market},
			{func() (decimal.Decimal, error) { return h.engine.CurrentBidPrice(ctx, stock.ID) }, &resp.Bid},
			{func() (decimal.Decimal, error) { return h.engine.CurrentAskPrice(ctx, stock.ID) }, &resp.Ask},
		} {
			price, err := read.get()
			switch {
			case errors.Is(err, ErrNoPriceAvailable):
			case err != nil:
				response.Handle(c, nil, err)
				return
			default:
				*read.into = lo.ToPtr(price)
			}
		}
		response.Success(c, resp)
	}
}
