package rest

import (
	"context"
	"net/http"
	"net/url"

	"regimebot/internal/exchange"
	"regimebot/internal/models"
)

func (c *Client) GetBalance(ctx context.Context, coin string) (exchange.Balance, error) {
	params := url.Values{}
	params.Set("accountType", c.accountType)
	params.Set("coin", coin)

	var resp bybitResponse[struct {
		List []struct {
			TotalAvailableBalance string `json:"totalAvailableBalance"`
			Coin                  []struct {
				Coin                string `json:"coin"`
				WalletBalance       string `json:"walletBalance"`
				AvailableToWithdraw string `json:"availableToWithdraw"`
			} `json:"coin"`
		} `json:"list"`
	}]
	if err := c.doRequest(ctx, http.MethodGet, "/v5/account/wallet-balance", params, nil, true, &resp); err != nil {
		return exchange.Balance{}, err
	}

	bal := exchange.Balance{Coin: coin}
	for _, account := range resp.Result.List {
		for _, item := range account.Coin {
			if item.Coin != coin {
				continue
			}
			bal.Wallet, _ = parseFloatOrZero(item.WalletBalance)
			bal.Available, _ = parseFloatOrZero(item.AvailableToWithdraw)
		}
		if bal.Available == 0 {
			bal.Available, _ = parseFloatOrZero(account.TotalAvailableBalance)
		}
	}
	if bal.Available == 0 {
		bal.Available = bal.Wallet
	}
	return bal, nil
}

// GetPosition returns the hedge-mode position for dir. A flat side comes
// back with zero Qty.
func (c *Client) GetPosition(ctx context.Context, symbol string, dir models.Direction) (exchange.Position, error) {
	params := url.Values{}
	params.Set("category", c.category)
	params.Set("symbol", symbol)

	var resp bybitResponse[positionList]
	if err := c.doRequest(ctx, http.MethodGet, "/v5/position/list", params, nil, true, &resp); err != nil {
		return exchange.Position{}, err
	}

	pos := exchange.Position{Symbol: symbol, Direction: dir}
	want := positionIdx(dir)
	for _, item := range resp.Result.List {
		if item.PositionIdx != want {
			continue
		}
		pos.Qty, _ = parseFloatOrZero(item.Size)
		pos.AvgPrice, _ = parseFloatOrZero(item.AvgPrice)
		pos.Leverage, _ = parseFloatOrZero(item.Leverage)
	}
	return pos, nil
}
