package storage

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Key schema. Timestamps are zero-padded to 20 digits so prefix scans come
// back in chronological order.
//
//	usr:<address>                      → User
//	bal:<address>                      → Balance
//	chg:<address>:<seq>                → balance Change (append-only)
//	ord:<orderID>                      → Order
//	ocl:<address>:<clientOrderID>      → orderID (idempotency index)
//	oop:<symbol>:<orderID>             → orderID (open-order index, status ∈ {open, partial})
//	oad:<address>:<createdAt>:<orderID>→ orderID (per-address order history)
//	trd:<tradeID>                      → Trade
//	tmk:<symbol>:<timestamp>:<tradeID> → tradeID (per-market trade history)
//	ttk:<takerOrderID>:<tradeID>       → tradeID (trades by taker order)
//	tad:<address>:<timestamp>:<tradeID>→ tradeID (per-address trade history)
//	pos:<positionID>                   → Position
//	pop:<address>:<symbol>             → positionID (open-position index)
//	pad:<address>:<createdAt>:<positionID> → positionID (per-address history)
//	cdl:<symbol>:<interval>:<bucketStart>  → Candle
//	fct:<address>                      → faucet state

func userKey(addr common.Address) []byte {
	return []byte("usr:" + addr.Hex())
}

func balanceKey(addr common.Address) []byte {
	return []byte("bal:" + addr.Hex())
}

func changeKey(addr common.Address, seq uint64) []byte {
	return []byte(fmt.Sprintf("chg:%s:%020d", addr.Hex(), seq))
}

func orderKey(orderID string) []byte {
	return []byte("ord:" + orderID)
}

func orderClientKey(addr common.Address, clientOrderID string) []byte {
	return []byte(fmt.Sprintf("ocl:%s:%s", addr.Hex(), clientOrderID))
}

func orderOpenKey(symbol, orderID string) []byte {
	return []byte(fmt.Sprintf("oop:%s:%s", symbol, orderID))
}

func orderOpenPrefix(symbol string) []byte {
	return []byte(fmt.Sprintf("oop:%s:", symbol))
}

func orderAddrKey(addr common.Address, createdAtMs int64, orderID string) []byte {
	return []byte(fmt.Sprintf("oad:%s:%020d:%s", addr.Hex(), createdAtMs, orderID))
}

func orderAddrPrefix(addr common.Address) []byte {
	return []byte(fmt.Sprintf("oad:%s:", addr.Hex()))
}

func tradeKey(tradeID string) []byte {
	return []byte("trd:" + tradeID)
}

func tradeMarketKey(symbol string, timestampMs int64, tradeID string) []byte {
	return []byte(fmt.Sprintf("tmk:%s:%020d:%s", symbol, timestampMs, tradeID))
}

func tradeMarketPrefix(symbol string) []byte {
	return []byte(fmt.Sprintf("tmk:%s:", symbol))
}

func tradeTakerKey(takerOrderID, tradeID string) []byte {
	return []byte(fmt.Sprintf("ttk:%s:%s", takerOrderID, tradeID))
}

func tradeTakerPrefix(takerOrderID string) []byte {
	return []byte(fmt.Sprintf("ttk:%s:", takerOrderID))
}

func tradeAddrKey(addr common.Address, timestampMs int64, tradeID string) []byte {
	return []byte(fmt.Sprintf("tad:%s:%020d:%s", addr.Hex(), timestampMs, tradeID))
}

func tradeAddrPrefix(addr common.Address) []byte {
	return []byte(fmt.Sprintf("tad:%s:", addr.Hex()))
}

func positionKey(positionID string) []byte {
	return []byte("pos:" + positionID)
}

func positionOpenKey(addr common.Address, symbol string) []byte {
	return []byte(fmt.Sprintf("pop:%s:%s", addr.Hex(), symbol))
}

func positionOpenPrefix() []byte {
	return []byte("pop:")
}

func positionAddrKey(addr common.Address, createdAtMs int64, positionID string) []byte {
	return []byte(fmt.Sprintf("pad:%s:%020d:%s", addr.Hex(), createdAtMs, positionID))
}

func positionAddrPrefix(addr common.Address) []byte {
	return []byte(fmt.Sprintf("pad:%s:", addr.Hex()))
}

func candleKey(symbol, interval string, bucketStart int64) []byte {
	return []byte(fmt.Sprintf("cdl:%s:%s:%020d", symbol, interval, bucketStart))
}

func candlePrefix(symbol, interval string) []byte {
	return []byte(fmt.Sprintf("cdl:%s:%s:", symbol, interval))
}

func faucetKey(addr common.Address) []byte {
	return []byte("fct:" + addr.Hex())
}

// keyUpperBound returns the exclusive upper bound for a prefix scan.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
