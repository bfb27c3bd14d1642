package market

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"

	"github.com/ksred/klear-market/internal/auth"
	"github.com/ksred/klear-market/internal/participant"
	"github.com/ksred/klear-market/internal/payment"
	"github.com/ksred/klear-market/internal/types"
	"github.com/ksred/klear-market/pkg/response"
)

func init() {
	response.Map(http.StatusNotFound, response.ErrCodeNotFound,
		ErrUnknownStock, ErrUnknownInventory, ErrUnknownOrder,
		participant.ErrUnknownParticipant, payment.ErrUnknownAccount, payment.ErrUnknownTransaction)
	response.Map(http.StatusConflict, response.ErrCodeDuplicateResource,
		ErrDuplicateStock, participant.ErrDuplicateName, ErrIdempotencyConflict)
	response.Map(http.StatusConflict, response.ErrCodeConflict,
		ErrInventoryUnavailable, ErrInventoryListed)
	response.Map(http.StatusForbidden, response.ErrCodeForbidden,
		ErrNotInventoryOwner, payment.ErrUnauthorized)
	response.Map(http.StatusPaymentRequired, response.ErrCodeInsufficientFunds,
		payment.ErrInsufficientFunds)
	response.Map(http.StatusBadRequest, response.ErrCodeBadRequest,
		ErrInvalidOrder, payment.ErrInvalidAmount, participant.ErrInvalidName, ErrDepositUnsupported)
}

// GinHandlers contains HTTP handlers for listings, inventory and orders
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// caller returns the authenticated participant or answers 401
func caller(c *gin.Context) (uint, bool) {
	pid, ok := auth.ParticipantID(c)
	if !ok {
		response.Unauthorized(c, "Missing authentication claims")
	}
	return pid, ok
}

func (h *GinHandlers) symbolOf(ctx context.Context, stockID uint) string {
	stock, err := h.service.db.GetStock(ctx, stockID)
	if err != nil || stock == nil {
		return ""
	}
	return stock.Symbol
}

func (h *GinHandlers) inventoryResponse(ctx context.Context, inv Inventory) types.InventoryResponse {
	return types.InventoryResponse{
		InventoryID:  inv.ID,
		OwnerID:      inv.OwnerID,
		Symbol:       h.symbolOf(ctx, inv.StockID),
		Value:        inv.Value,
		Status:       inv.Status,
		RelatedBuyID: inv.RelatedBuyID,
	}
}

func BuyOrderResponse(order *BuyOrder, status string) types.OrderResponse {
	resp := types.OrderResponse{
		OrderID:     order.OrderID,
		Side:        "BUY",
		Participant: order.BuyerID,
		OrderType:   order.OrderType,
		Quantity:    order.Quantity,
		Status:      status,
		PlacedAt:    order.PlacedAt,
		FillBy:      order.FillBy,
	}
	if order.Price.Valid {
		resp.Price = lo.ToPtr(order.Price.Decimal)
	}
	return resp
}

func SellOrderResponse(order *SellOrder, status string) types.OrderResponse {
	resp := types.OrderResponse{
		OrderID:     order.OrderID,
		Side:        "SELL",
		Participant: order.SellerID,
		InventoryID: order.InventoryID,
		OrderType:   order.OrderType,
		Quantity:    order.Quantity,
		Status:      status,
		PlacedAt:    order.PlacedAt,
		FillBy:      order.FillBy,
	}
	if order.Price.Valid {
		resp.Price = lo.ToPtr(order.Price.Decimal)
	}
	return resp
}

// TransactionResponse flattens a transaction loaded with its orders
func TransactionResponse(txn *Transaction) types.TransactionResponse {
	resp := types.TransactionResponse{
		TransactionID:    txn.TransactionID,
		Price:            txn.Price,
		Status:           txn.Status,
		InitiatedAt:      txn.InitiatedAt,
		ShippedAt:        txn.ShippedAt,
		CompletedAt:      txn.CompletedAt,
		EscrowReleasedAt: txn.EscrowReleasedAt,
	}
	if txn.BuyOrder != nil {
		resp.BuyOrderID = txn.BuyOrder.OrderID
		resp.BuyerID = txn.BuyOrder.BuyerID
	}
	if txn.SellOrder != nil {
		resp.SellOrderID = txn.SellOrder.OrderID
		resp.SellerID = txn.SellOrder.SellerID
	}
	return resp
}

// CreateStockHandler handles POST requests that list a new symbol
func (h *GinHandlers) CreateStockHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req types.CreateStockRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		stock, err := h.service.CreateStock(c.Request.Context(), req)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, gin.H{"stock_id": stock.ID, "symbol": stock.Symbol})
	}
}

// ListStocksHandler handles GET requests for all listed symbols
func (h *GinHandlers) ListStocksHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		stocks, err := h.service.Stocks(c.Request.Context())
		response.Handle(c, lo.Map(stocks, func(s Stock, _ int) string { return s.Symbol }), err)
	}
}

// DepositHandler handles POST requests that fund the caller's account
func (h *GinHandlers) DepositHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		pid, ok := caller(c)
		if !ok {
			return
		}

		var req types.DepositRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		ctx := c.Request.Context()
		if _, err := h.service.Deposit(ctx, pid, req.Amount); err != nil {
			response.Handle(c, nil, err)
			return
		}
		account, balance, err := h.service.Balance(ctx, pid)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, types.BalanceResponse{AccountKey: account.Key, Balance: balance})
	}
}

// BalanceHandler handles GET requests for the caller's balance
func (h *GinHandlers) BalanceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		pid, ok := caller(c)
		if !ok {
			return
		}

		account, balance, err := h.service.Balance(c.Request.Context(), pid)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, types.BalanceResponse{AccountKey: account.Key, Balance: balance})
	}
}

// OriginateInventoryHandler handles POST requests that create units for the caller
func (h *GinHandlers) OriginateInventoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		pid, ok := caller(c)
		if !ok {
			return
		}

		var req types.OriginateInventoryRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		ctx := c.Request.Context()
		items, err := h.service.OriginateInventory(ctx, pid, req)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, lo.Map(items, func(inv Inventory, _ int) types.InventoryResponse {
			return h.inventoryResponse(ctx, inv)
		}))
	}
}

// ListInventoryHandler handles GET requests for the caller's inventory
// Optional query parameter: symbol, which returns the AVAILABLE count instead
func (h *GinHandlers) ListInventoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		pid, ok := caller(c)
		if !ok {
			return
		}

		ctx := c.Request.Context()
		if symbol := c.Query("symbol"); symbol != "" {
			n, err := h.service.InventoryCount(ctx, pid, symbol)
			response.Handle(c, gin.H{"symbol": strings.ToUpper(symbol), "available": n}, err)
			return
		}

		items, err := h.service.Inventory(ctx, pid)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, lo.Map(items, func(inv Inventory, _ int) types.InventoryResponse {
			return h.inventoryResponse(ctx, inv)
		}))
	}
}

// PlaceBuyOrderHandler handles POST requests to place buy orders
// Requires a valid JWT token and idempotency key in headers
func (h *GinHandlers) PlaceBuyOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		pid, ok := caller(c)
		if !ok {
			return
		}

		idempotencyKey := c.GetHeader("Idempotency-Key")
		if idempotencyKey == "" {
			response.BadRequest(c, "Idempotency-Key header is required")
			return
		}

		var req types.PlaceBuyOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		order, err := h.service.PlaceBuyOrder(c.Request.Context(), pid, req, idempotencyKey)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		_, status, err := h.service.BuyOrder(c.Request.Context(), order.OrderID)
		response.Handle(c, BuyOrderResponse(order, status), err)
	}
}

// PlaceSellOrderHandler handles POST requests to place sell orders
// Requires a valid JWT token and idempotency key in headers
func (h *GinHandlers) PlaceSellOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		pid, ok := caller(c)
		if !ok {
			return
		}

		idempotencyKey := c.GetHeader("Idempotency-Key")
		if idempotencyKey == "" {
			response.BadRequest(c, "Idempotency-Key header is required")
			return
		}

		var req types.PlaceSellOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		order, err := h.service.PlaceSellOrder(c.Request.Context(), pid, req, idempotencyKey)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		_, status, err := h.service.SellOrder(c.Request.Context(), order.OrderID)
		response.Handle(c, SellOrderResponse(order, status), err)
	}
}

// GetOrderStatusHandler handles GET requests to retrieve an order and its
// derived status. Only the participant who placed the order may read it.
// URL parameter: order_id
func (h *GinHandlers) GetOrderStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		pid, ok := caller(c)
		if !ok {
			return
		}

		orderID := c.Param("order_id")
		ctx := c.Request.Context()

		var (
			resp  types.OrderResponse
			owner uint
			err   error
		)
		switch {
		case strings.HasPrefix(orderID, "BUY_"):
			var order *BuyOrder
			var status string
			if order, status, err = h.service.BuyOrder(ctx, orderID); err == nil {
				resp, owner = BuyOrderResponse(order, status), order.BuyerID
			}
		case strings.HasPrefix(orderID, "SELL_"):
			var order *SellOrder
			var status string
			if order, status, err = h.service.SellOrder(ctx, orderID); err == nil {
				resp, owner = SellOrderResponse(order, status), order.SellerID
			}
		default:
			response.NotFound(c, "Order not found")
			return
		}

		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		if owner != pid {
			response.NotFound(c, "Order not found")
			return
		}
		response.Success(c, resp)
	}
}

// ListTransactionsHandler handles GET requests for the caller's trades
func (h *GinHandlers) ListTransactionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		pid, ok := caller(c)
		if !ok {
			return
		}

		txns, err := h.service.Transactions(c.Request.Context(), pid)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, lo.Map(txns, func(txn Transaction, _ int) types.TransactionResponse {
			return TransactionResponse(&txn)
		}))
	}
}

// RecordPriceHandler handles POST requests that append an external quote
// Internal route
func (h *GinHandlers) RecordPriceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req types.RecordPriceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		quote, err := h.service.RecordExternalPrice(c.Request.Context(), req)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, gin.H{
			"symbol":   strings.ToUpper(req.Symbol),
			"price":    quote.Price,
			"price_at": quote.PriceAt,
			"source":   quote.Source,
		})
	}
}
