// Package domain holds the shared value types of the trading core: order and
// transaction statuses, sides, analysis lifecycle states, recommendation
// attributes and the broker tracking-comment codec. The package is pure - it
// has no infrastructure dependencies and may be imported from anywhere.
package domain

// OrderSide is the direction of an order or transaction.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// Opposite returns the other side.
func (s OrderSide) Opposite() OrderSide {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Valid reports whether the side is one of the two known values.
func (s OrderSide) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderType identifies how an order executes at the broker.
type OrderType string

const (
	OrderTypeMarket    OrderType = "MARKET"
	OrderTypeLimitBuy  OrderType = "LIMIT_BUY"
	OrderTypeLimitSell OrderType = "LIMIT_SELL"
	OrderTypeStopBuy   OrderType = "STOP_BUY"
	OrderTypeStopSell  OrderType = "STOP_SELL"
	OrderTypeStopLimitBuy  OrderType = "STOP_LIMIT_BUY"
	OrderTypeStopLimitSell OrderType = "STOP_LIMIT_SELL"
	OrderTypeOCO           OrderType = "OCO"
)

// IsLimit reports whether the order type requires a limit price.
func (t OrderType) IsLimit() bool {
	switch t {
	case OrderTypeLimitBuy, OrderTypeLimitSell, OrderTypeStopLimitBuy, OrderTypeStopLimitSell:
		return true
	}
	return false
}

// IsStop reports whether the order type requires a stop price.
func (t OrderType) IsStop() bool {
	switch t {
	case OrderTypeStopBuy, OrderTypeStopSell, OrderTypeStopLimitBuy, OrderTypeStopLimitSell:
		return true
	}
	return false
}

// Valid reports whether the order type is known.
func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeMarket, OrderTypeLimitBuy, OrderTypeLimitSell, OrderTypeStopBuy,
		OrderTypeStopSell, OrderTypeStopLimitBuy, OrderTypeStopLimitSell, OrderTypeOCO:
		return true
	}
	return false
}

// OrderStatus is the lifecycle state of a trading order.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusWaitingTrigger  OrderStatus = "WAITING_TRIGGER"
	OrderStatusSubmitted       OrderStatus = "SUBMITTED"
	OrderStatusAccepted        OrderStatus = "ACCEPTED"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
	OrderStatusError           OrderStatus = "ERROR"
	OrderStatusClosed          OrderStatus = "CLOSED"
)

// Terminal reports whether no further status transitions are allowed.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected,
		OrderStatusExpired, OrderStatusError, OrderStatusClosed:
		return true
	}
	return false
}

// Executed reports whether the order has (partially) filled.
func (s OrderStatus) Executed() bool {
	return s == OrderStatusFilled || s == OrderStatusPartiallyFilled
}

// FailedWithoutFill reports terminal states reached without any execution.
func (s OrderStatus) FailedWithoutFill() bool {
	switch s {
	case OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired, OrderStatusError:
		return true
	}
	return false
}

// TimeInForce is the good-for tag of an order.
type TimeInForce string

const (
	TIFGoodTillCanceled TimeInForce = "GTC"
	TIFDay              TimeInForce = "DAY"
	TIFImmediateOrCancel TimeInForce = "IOC"
	TIFFillOrKill        TimeInForce = "FOK"
)

// Valid reports whether the time-in-force tag is known.
func (t TimeInForce) Valid() bool {
	switch t {
	case TIFGoodTillCanceled, TIFDay, TIFImmediateOrCancel, TIFFillOrKill:
		return true
	}
	return false
}

// TransactionStatus is the lifecycle state of a logical trade.
type TransactionStatus string

const (
	TxWaiting TransactionStatus = "WAITING"
	TxOpened  TransactionStatus = "OPENED"
	TxClosing TransactionStatus = "CLOSING"
	TxClosed  TransactionStatus = "CLOSED"
)

// Open reports whether the transaction still represents exposure.
func (s TransactionStatus) Open() bool {
	return s == TxWaiting || s == TxOpened || s == TxClosing
}

// AnalysisStatus is the lifecycle state of a market analysis run.
type AnalysisStatus string

const (
	AnalysisPending   AnalysisStatus = "PENDING"
	AnalysisRunning   AnalysisStatus = "RUNNING"
	AnalysisCompleted AnalysisStatus = "COMPLETED"
	AnalysisFailed    AnalysisStatus = "FAILED"
	AnalysisSkipped   AnalysisStatus = "SKIPPED"
)

// UseCase is the purpose of an analysis run.
type UseCase string

const (
	UseCaseEnterMarket   UseCase = "ENTER_MARKET"
	UseCaseOpenPositions UseCase = "OPEN_POSITIONS"
)

// Valid reports whether the use case is known.
func (u UseCase) Valid() bool {
	return u == UseCaseEnterMarket || u == UseCaseOpenPositions
}

// RecommendedAction is the expert's verdict for a symbol.
type RecommendedAction string

const (
	ActionBuy  RecommendedAction = "BUY"
	ActionSell RecommendedAction = "SELL"
	ActionHold RecommendedAction = "HOLD"
)

// RiskLevel grades a recommendation's risk.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// TimeHorizon grades a recommendation's expected holding period.
type TimeHorizon string

const (
	HorizonShortTerm  TimeHorizon = "SHORT_TERM"
	HorizonMediumTerm TimeHorizon = "MEDIUM_TERM"
	HorizonLongTerm   TimeHorizon = "LONG_TERM"
)

// PriceType selects which quote side a price lookup returns.
type PriceType string

const (
	PriceBid PriceType = "bid"
	PriceAsk PriceType = "ask"
	PriceMid PriceType = "mid"
)

// Special symbols expanded by the worker queue into per-symbol analysis tasks.
const (
	SymbolDynamic       = "DYNAMIC"
	SymbolExpert        = "EXPERT"
	SymbolOpenPositions = "OPEN_POSITIONS"
)

// IsSpecialSymbol reports whether the symbol is an expansion placeholder
// rather than a tradable instrument.
func IsSpecialSymbol(symbol string) bool {
	return symbol == SymbolDynamic || symbol == SymbolExpert || symbol == SymbolOpenPositions
}

// Transaction close reasons recorded by the reconciler.
const (
	CloseReasonOCOLegFilled           = "oco_leg_filled"
	CloseReasonTPSLFilled             = "tp_sl_filled"
	CloseReasonPositionBalanced       = "position_balanced"
	CloseReasonEntryTerminalNoExec    = "entry_orders_terminal_no_execution"
	CloseReasonEntryTerminalAfterOpen = "entry_orders_terminal_after_opening"
	CloseReasonAllOrdersTerminal      = "all_orders_terminal"
	CloseReasonManualClose            = "manual_close"
	CloseReasonPositionNotAtBroker    = "position_not_at_broker"
)

// QuantityTolerance is the absolute tolerance used when comparing filled
// buy and sell volumes for the balanced-position close rule.
const QuantityTolerance = 1e-4
