package broker

import "fmt"

// MT5 trade server return codes the engine reacts to.
const (
	// RetDone is the success sentinel: the request completed.
	RetDone = 10009

	// Transient failures: the operation is skipped and may succeed later.
	RetRequote      = 10004
	RetPriceChanged = 10020
	RetTimeout      = 10046
	RetInvalidFill  = 10047
	RetConnection   = 10048
	RetTooManyReq   = 10049
	RetLocked       = 10052

	// Permanent failures: retrying the same leg is pointless.
	RetInvalidRequest = 10013
	RetInvalidVolume  = 10014
	RetInvalidPrice   = 10015
	RetInvalidStops   = 10016
	RetTradeDisabled  = 10017
	RetMarketClosed   = 10018
	RetNoMoney        = 10019
	RetInvalidOrder   = 10027
	RetLimitVolume    = 10064
)

var transientRetCodes = map[int]string{
	RetRequote:      "requote: the price moved before the request reached the server",
	RetPriceChanged: "price changed during processing",
	RetTimeout:      "trade server timeout",
	RetInvalidFill:  "unsupported fill policy for this symbol",
	RetConnection:   "no connection to the trade server",
	RetTooManyReq:   "too many requests, server throttling",
	RetLocked:       "request locked for processing",
}

var permanentRetCodes = map[int]string{
	RetInvalidRequest: "invalid request structure",
	RetInvalidVolume:  "invalid volume: check lot step and min/max lot for the symbol",
	RetInvalidPrice:   "invalid price in the request",
	RetInvalidStops:   "invalid stop levels for the symbol",
	RetTradeDisabled:  "trading disabled for the symbol",
	RetMarketClosed:   "market closed for the symbol",
	RetNoMoney:        "not enough money for the requested volume",
	RetInvalidOrder:   "invalid or prohibited order type",
	RetLimitVolume:    "volume limit for the symbol reached",
}

// IsTransientRetCode reports whether the return code indicates a condition
// worth retrying on a later tick.
func IsTransientRetCode(code int) bool {
	_, ok := transientRetCodes[code]
	return ok
}

// IsPermanentRetCode reports whether the return code indicates the group
// should be aborted rather than the leg retried.
func IsPermanentRetCode(code int) bool {
	_, ok := permanentRetCodes[code]
	return ok
}

// DescribeRetCode returns a human-readable diagnosis for a return code.
func DescribeRetCode(code int) string {
	if code == RetDone {
		return "done"
	}
	if msg, ok := transientRetCodes[code]; ok {
		return msg
	}
	if msg, ok := permanentRetCodes[code]; ok {
		return msg
	}
	return fmt.Sprintf("unrecognized trade server return code %d", code)
}
