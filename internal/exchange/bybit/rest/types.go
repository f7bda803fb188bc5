package rest

type bybitResponse[T any] struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  T      `json:"result"`
	Time    int64  `json:"time"`
}

func (r *bybitResponse[T]) status() (int, string) {
	return r.RetCode, r.RetMsg
}

type retStatus interface {
	status() (int, string)
}

type instrumentInfo struct {
	List []struct {
		Symbol      string `json:"symbol"`
		BaseCoin    string `json:"baseCoin"`
		QuoteCoin   string `json:"quoteCoin"`
		PriceFilter struct {
			TickSize string `json:"tickSize"`
		} `json:"priceFilter"`
		LotSizeFilter struct {
			MinOrderQty      string `json:"minOrderQty"`
			QtyStep          string `json:"qtyStep"`
			MinNotionalValue string `json:"minNotionalValue"`
		} `json:"lotSizeFilter"`
	} `json:"list"`
}

type klineList struct {
	Symbol string     `json:"symbol"`
	List   [][]string `json:"list"`
}

type orderItem struct {
	OrderID      string `json:"orderId"`
	OrderLinkID  string `json:"orderLinkId"`
	Symbol       string `json:"symbol"`
	Side         string `json:"side"`
	OrderType    string `json:"orderType"`
	Price        string `json:"price"`
	Qty          string `json:"qty"`
	CumExecQty   string `json:"cumExecQty"`
	AvgPrice     string `json:"avgPrice"`
	OrderStatus  string `json:"orderStatus"`
	ReduceOnly   bool   `json:"reduceOnly"`
	PositionIdx  int    `json:"positionIdx"`
	CreatedTime  string `json:"createdTime"`
	UpdatedTime  string `json:"updatedTime"`
	TimeInForce  string `json:"timeInForce"`
	RejectReason string `json:"rejectReason"`
}

type orderList struct {
	List []orderItem `json:"list"`
}

type positionList struct {
	List []struct {
		Symbol      string `json:"symbol"`
		Side        string `json:"side"`
		Size        string `json:"size"`
		AvgPrice    string `json:"avgPrice"`
		Leverage    string `json:"leverage"`
		PositionIdx int    `json:"positionIdx"`
	} `json:"list"`
}
