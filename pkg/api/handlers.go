package api

import (
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sort"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/speedrun-hq/speedrun-settlement/pkg/blockchain"
	"github.com/speedrun-hq/speedrun-settlement/pkg/index"
	"github.com/speedrun-hq/speedrun-settlement/pkg/models"
)

// maxDecimals bounds the decimals query parameter
const maxDecimals = 77

// AmountResponse is an input asset amount
type AmountResponse struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

// OutputResponse is a requested output
type OutputResponse struct {
	Oracle    string `json:"oracle"`
	Settler   string `json:"settler"`
	ChainID   string `json:"chain_id"`
	Token     string `json:"token"`
	Amount    string `json:"amount"`
	Recipient string `json:"recipient"`
	Call      string `json:"call,omitempty"`
	Context   string `json:"context,omitempty"`
}

// OrderBody is the indexed order description
type OrderBody struct {
	User          string           `json:"user"`
	Nonce         string           `json:"nonce"`
	OriginChainID string           `json:"origin_chain_id"`
	Expires       uint32           `json:"expires"`
	FillDeadline  uint32           `json:"fill_deadline"`
	InputOracle   string           `json:"input_oracle"`
	Inputs        []AmountResponse `json:"inputs"`
	Outputs       []OutputResponse `json:"outputs"`
}

// OrderResponse combines the live escrow status with the indexed order
type OrderResponse struct {
	DomainID    int        `json:"domain_id"`
	OrderID     string     `json:"order_id"`
	Status      string     `json:"status"`
	Order       *OrderBody `json:"order,omitempty"`
	Solver      string     `json:"solver,omitempty"`
	Destination string     `json:"destination,omitempty"`
	Purchasers  []string   `json:"purchasers,omitempty"`
}

// FillResponse is the fill record of one output
type FillResponse struct {
	DomainID    int    `json:"domain_id"`
	OrderID     string `json:"order_id"`
	OutputHash  string `json:"output_hash"`
	Solver      string `json:"solver"`
	Timestamp   uint32 `json:"timestamp"`
	FinalAmount string `json:"final_amount,omitempty"`
}

func (s *Server) health(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}

func (s *Server) ready(c *gin.Context) {
	if len(s.domains) == 0 {
		c.String(http.StatusServiceUnavailable, "No domains deployed")
		return
	}
	if s.index != nil {
		if err := s.index.Ping(c.Request.Context()); err != nil {
			c.String(http.StatusServiceUnavailable, "Index unavailable")
			return
		}
	}
	c.String(http.StatusOK, "Ready")
}

func (s *Server) status(c *gin.Context) {
	ids := make([]int, 0, len(s.domains))
	for id := range s.domains {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	domains := make(map[string]interface{}, len(ids))
	for _, id := range ids {
		circuitStatus := "closed"
		if cb, ok := s.circuitBreakers[id]; ok && cb.IsOpen() {
			circuitStatus = "open"
		}
		domains[fmt.Sprintf("domain_%d", id)] = gin.H{
			"name":    s.domains[id].Name(),
			"circuit": circuitStatus,
		}
	}

	status := gin.H{"domains": domains}
	if s.keeper != nil {
		inFlight, retrying, abandoned := s.keeper.Stats()
		status["keeper"] = gin.H{
			"sender":    s.sender.Hex(),
			"in_flight": inFlight,
			"retrying":  retrying,
			"abandoned": abandoned,
		}
	}
	c.JSON(http.StatusOK, status)
}

// resetCircuit is the circuit breaker admin control endpoint
func (s *Server) resetCircuit(c *gin.Context) {
	domainStr := c.Query("domain")
	if domainStr == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing domain parameter"})
		return
	}

	domainID, err := strconv.Atoi(domainStr)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid domain id"})
		return
	}

	cb, ok := s.circuitBreakers[domainID]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("no circuit breaker for domain %d", domainID)})
		return
	}

	cb.Reset()
	s.logger.NoticeWithChain(domainID, "Circuit breaker reset through the API")
	c.JSON(http.StatusOK, gin.H{"domain_id": domainID, "circuit": "closed"})
}

func (s *Server) getOrder(c *gin.Context) {
	d, orderID, ok := s.domainAndOrder(c)
	if !ok {
		return
	}
	decimals, ok := parseDecimals(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	status, err := d.Status(ctx, orderID)
	if err != nil {
		s.writeError(c, err)
		return
	}

	resp := OrderResponse{
		DomainID: d.ChainID(),
		OrderID:  orderID.Hex(),
		Status:   status.String(),
	}

	entry, err := s.index.Order(ctx, d.ChainID(), orderID)
	switch {
	case errors.Is(err, index.ErrNotFound):
		if status == models.StatusUnopened {
			c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
			return
		}
	case err != nil:
		s.writeError(c, err)
		return
	default:
		resp.Order = toOrderBody(entry.Order, decimals)
		if entry.Solver != (common.Hash{}) {
			resp.Solver = entry.Solver.Hex()
		}
		if entry.Destination != (common.Address{}) {
			resp.Destination = entry.Destination.Hex()
		}
	}

	purchasers, err := s.index.Purchasers(ctx, d.ChainID(), orderID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	for _, p := range purchasers {
		resp.Purchasers = append(resp.Purchasers, p.Hex())
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) refundOrder(c *gin.Context) {
	d, orderID, ok := s.domainAndOrder(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	entry, err := s.index.Order(ctx, d.ChainID(), orderID)
	if err != nil {
		s.writeError(c, err)
		return
	}

	if err := d.Refund(ctx, s.sender, entry.Order); err != nil {
		s.logger.ErrorWithChain(d.ChainID(), "Refund of order %s failed: %v", orderID.Hex(), err)
		s.writeError(c, err)
		return
	}

	s.logger.InfoWithChain(d.ChainID(), "Refunded order %s through the API", orderID.Hex())
	c.JSON(http.StatusOK, gin.H{"order_id": orderID.Hex(), "status": models.StatusRefunded.String()})
}

func (s *Server) getFill(c *gin.Context) {
	d, orderID, ok := s.domainAndOrder(c)
	if !ok {
		return
	}
	outputHash, err := parseHash(c.Param("outputHash"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid output hash"})
		return
	}
	decimals, ok := parseDecimals(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	record, err := d.FillRecord(ctx, orderID, outputHash)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if record.IsZero() {
		c.JSON(http.StatusNotFound, gin.H{"error": "output not filled"})
		return
	}

	resp := FillResponse{
		DomainID:   d.ChainID(),
		OrderID:    orderID.Hex(),
		OutputHash: outputHash.Hex(),
		Solver:     record.Solver.Hex(),
		Timestamp:  record.Timestamp,
	}

	entry, err := s.index.Fill(ctx, d.ChainID(), orderID, outputHash)
	switch {
	case err == nil:
		resp.FinalAmount = formatAmount(entry.FinalAmount, decimals)
	case !errors.Is(err, index.ErrNotFound):
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// domainAndOrder resolves the domain and order id path parameters
func (s *Server) domainAndOrder(c *gin.Context) (Domain, common.Hash, bool) {
	domainID, err := strconv.Atoi(c.Param("domain"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid domain id"})
		return nil, common.Hash{}, false
	}
	d, ok := s.domains[domainID]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("unknown domain %d", domainID)})
		return nil, common.Hash{}, false
	}
	orderID, err := parseHash(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return nil, common.Hash{}, false
	}
	return d, orderID, true
}

// writeError maps an operation error to a status code
func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, index.ErrNotFound), errors.Is(err, blockchain.ErrNotDeployed):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case models.IsPrecondition(err):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "reason": models.Reason(err)})
	default:
		s.logger.Error("Request %s failed: %v", c.GetString(RequestIDHeader), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// parseHash accepts exactly 32 hex encoded bytes
func parseHash(s string) (common.Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil {
		return common.Hash{}, err
	}
	if len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("expected %d bytes, got %d", common.HashLength, len(b))
	}
	return common.BytesToHash(b), nil
}

// parseDecimals reads the optional decimals parameter; -1 leaves amounts as integers
func parseDecimals(c *gin.Context) (int32, bool) {
	raw := c.Query("decimals")
	if raw == "" {
		return -1, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 || n > maxDecimals {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("decimals must be an integer between 0 and %d", maxDecimals)})
		return 0, false
	}
	return int32(n), true
}

// formatAmount renders amount as an integer, or shifted by decimals when not negative
func formatAmount(amount *big.Int, decimals int32) string {
	if amount == nil {
		return "0"
	}
	if decimals < 0 {
		return amount.String()
	}
	return decimal.NewFromBigInt(amount, 0).Shift(-decimals).String()
}

func toOrderBody(order models.Order, decimals int32) *OrderBody {
	body := &OrderBody{
		User:          order.User.Hex(),
		Nonce:         bigString(order.Nonce),
		OriginChainID: bigString(order.OriginChainID),
		Expires:       order.Expires,
		FillDeadline:  order.FillDeadline,
		InputOracle:   order.InputOracle.Hex(),
		Inputs:        make([]AmountResponse, 0, len(order.Inputs)),
		Outputs:       make([]OutputResponse, 0, len(order.Outputs)),
	}
	for _, in := range order.Inputs {
		body.Inputs = append(body.Inputs, AmountResponse{
			Asset:  in.Asset.Hex(),
			Amount: formatAmount(in.Amount, decimals),
		})
	}
	for _, out := range order.Outputs {
		o := OutputResponse{
			Oracle:    out.Oracle.Hex(),
			Settler:   out.Settler.Hex(),
			ChainID:   bigString(out.ChainID),
			Token:     out.Token.Hex(),
			Amount:    formatAmount(out.Amount, decimals),
			Recipient: out.Recipient.Hex(),
		}
		if len(out.Call) > 0 {
			o.Call = out.Call.String()
		}
		if len(out.Context) > 0 {
			o.Context = out.Context.String()
		}
		body.Outputs = append(body.Outputs, o)
	}
	return body
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
