package settlement

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ksred/klear-market/internal/auth"
	"github.com/ksred/klear-market/internal/market"
	"github.com/ksred/klear-market/pkg/response"
)

func init() {
	response.Map(http.StatusConflict, response.ErrCodeConflict, ErrInvalidTransition, ErrEscrowAlreadyReleased)
	response.Map(http.StatusForbidden, response.ErrCodeForbidden, ErrNotParty)
}

// GinHandlers contains HTTP handlers for the transaction lifecycle
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

type party int

const (
	anyParty party = iota
	buyerOnly
	sellerOnly
)

// authorize loads the transaction and checks the caller's role in it
func (h *GinHandlers) authorize(ctx context.Context, transactionID string, participantID uint, role party) error {
	txn, err := h.service.Transaction(ctx, transactionID)
	if err != nil {
		return err
	}
	isBuyer := txn.BuyOrder != nil && txn.BuyOrder.BuyerID == participantID
	isSeller := txn.SellOrder != nil && txn.SellOrder.SellerID == participantID

	allowed := false
	switch role {
	case buyerOnly:
		allowed = isBuyer
	case sellerOnly:
		allowed = isSeller
	default:
		allowed = isBuyer || isSeller
	}
	if !allowed {
		return fmt.Errorf("%w: %s", ErrNotParty, transactionID)
	}
	return nil
}

func (h *GinHandlers) partyAction(role party, action func(ctx context.Context, transactionID string) (*market.Transaction, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		pid, ok := auth.ParticipantID(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}

		ctx := c.Request.Context()
		transactionID := c.Param("transaction_id")
		if err := h.authorize(ctx, transactionID, pid, role); err != nil {
			response.Handle(c, nil, err)
			return
		}

		txn, err := action(ctx, transactionID)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, market.TransactionResponse(txn))
	}
}

// GetTransactionHandler handles GET requests for a transaction the caller
// bought or sold in
// URL parameter: transaction_id
func (h *GinHandlers) GetTransactionHandler() gin.HandlerFunc {
	return h.partyAction(anyParty, h.service.Transaction)
}

// ShipHandler handles POST requests from the seller confirming shipment
// URL parameter: transaction_id
func (h *GinHandlers) ShipHandler() gin.HandlerFunc {
	return h.partyAction(sellerOnly, h.service.Ship)
}

// CloseHandler handles POST requests from the buyer confirming delivery
// URL parameter: transaction_id
func (h *GinHandlers) CloseHandler() gin.HandlerFunc {
	return h.partyAction(buyerOnly, h.service.Close)
}

// ReleaseEscrowHandler handles POST requests that pay the seller
// Requires internal authentication
// URL parameter: transaction_id
func (h *GinHandlers) ReleaseEscrowHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		txn, err := h.service.ReleaseEscrow(c.Request.Context(), c.Param("transaction_id"))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, market.TransactionResponse(txn))
	}
}
