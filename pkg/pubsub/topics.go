package pubsub

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Topic constructors. User topics key on the lowercase hex address so the
// subscription gate and producers always agree.

func PriceTopic(symbol string) string     { return "price:" + symbol }
func OrderbookTopic(symbol string) string { return "orderbook:" + symbol }
func TradesTopic(symbol string) string    { return "trades:" + symbol }

func CandlesTopic(symbol, interval string) string {
	return "candles:" + symbol + ":" + interval
}

func UserTopic(addr common.Address) string {
	return "user:" + strings.ToLower(addr.Hex())
}
