package gateway

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"gridpilot/logger"

	"github.com/adshao/go-binance/v2"
)

// BinanceGateway live Trader/MarketFeed implementation over Binance spot.
// Holdings are mapped to instruments as <ASSET><quote> symbols; the quote
// asset balance is treated as available cash.
type BinanceGateway struct {
	client *binance.Client
	quote  string // quote asset, e.g. USDT

	mu           sync.Mutex
	orderSymbols map[string]string // orderID -> symbol, needed for cancel
}

// NewBinanceGateway creates a Binance-backed gateway
func NewBinanceGateway(apiKey, secretKey, quoteAsset string) *BinanceGateway {
	if quoteAsset == "" {
		quoteAsset = "USDT"
	}
	return &BinanceGateway{
		client:       binance.NewClient(apiKey, secretKey),
		quote:        quoteAsset,
		orderSymbols: make(map[string]string),
	}
}

// QueryPositions maps non-zero spot balances to position snapshots
func (g *BinanceGateway) QueryPositions(account string) ([]PositionSnapshot, error) {
	acct, err := g.client.NewGetAccountService().Do(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to query binance account: %w", err)
	}

	var snapshots []PositionSnapshot
	for _, b := range acct.Balances {
		if b.Asset == g.quote {
			continue
		}
		free, _ := strconv.ParseFloat(b.Free, 64)
		locked, _ := strconv.ParseFloat(b.Locked, 64)
		total := free + locked
		if total <= 0 {
			continue
		}
		snapshots = append(snapshots, PositionSnapshot{
			Code:      b.Asset + g.quote,
			Name:      b.Asset,
			Volume:    total,
			Available: free,
			// Spot balances carry no cost basis; the caller keeps the last
			// known cost when the snapshot reports zero.
			CostPrice: 0,
		})
	}
	return snapshots, nil
}

// QueryAsset reports the quote balance as available cash
func (g *BinanceGateway) QueryAsset(account string) (*AssetSnapshot, error) {
	acct, err := g.client.NewGetAccountService().Do(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to query binance account: %w", err)
	}

	asset := &AssetSnapshot{}
	for _, b := range acct.Balances {
		if b.Asset != g.quote {
			continue
		}
		free, _ := strconv.ParseFloat(b.Free, 64)
		locked, _ := strconv.ParseFloat(b.Locked, 64)
		asset.AvailableCash = free
		asset.TotalAsset = free + locked
	}
	return asset, nil
}

// PlaceOrder submits a limit order and returns the exchange order id
func (g *BinanceGateway) PlaceOrder(code, side string, volume, price float64) (string, error) {
	sideType := binance.SideTypeBuy
	if side == SideSell {
		sideType = binance.SideTypeSell
	}

	order, err := g.client.NewCreateOrderService().
		Symbol(code).
		Side(sideType).
		Type(binance.OrderTypeLimit).
		TimeInForce(binance.TimeInForceTypeGTC).
		Quantity(strconv.FormatFloat(volume, 'f', -1, 64)).
		Price(strconv.FormatFloat(price, 'f', -1, 64)).
		Do(context.Background())
	if err != nil {
		return "", fmt.Errorf("failed to place %s order for %s: %w", side, code, err)
	}

	orderID := strconv.FormatInt(order.OrderID, 10)
	g.mu.Lock()
	g.orderSymbols[orderID] = code
	g.mu.Unlock()

	logger.Infof("📤 Binance order placed: %s %s %.4f @ %.4f (id: %s)", side, code, volume, price, orderID)
	return orderID, nil
}

// CancelOrder cancels a previously placed order
func (g *BinanceGateway) CancelOrder(orderID string) error {
	g.mu.Lock()
	symbol, ok := g.orderSymbols[orderID]
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown order id: %s", orderID)
	}

	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid order id %s: %w", orderID, err)
	}

	_, err = g.client.NewCancelOrderService().
		Symbol(symbol).
		OrderID(id).
		Do(context.Background())
	if err != nil {
		return fmt.Errorf("failed to cancel order %s: %w", orderID, err)
	}

	g.mu.Lock()
	delete(g.orderSymbols, orderID)
	g.mu.Unlock()
	return nil
}

// LatestPrice implements MarketFeed via the REST ticker endpoint
func (g *BinanceGateway) LatestPrice(code string) (float64, error) {
	prices, err := g.client.NewListPricesService().Symbol(code).Do(context.Background())
	if err != nil || len(prices) == 0 {
		return 0, ErrPriceUnavailable
	}
	price, err := strconv.ParseFloat(prices[0].Price, 64)
	if err != nil || price <= 0 {
		return 0, ErrPriceUnavailable
	}
	return price, nil
}
