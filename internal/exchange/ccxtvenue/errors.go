package ccxtvenue

import (
	"context"
	"errors"
	"net"
	"strings"

	ccxt "github.com/ccxt/ccxt/go/v4"

	"github.com/tathienbao/maker-exec/internal/exchange"
)

// classify maps a ccxt failure onto an exchange.Kind.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return exchange.NewError(exchange.KindTransient, op, err)
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.ExchangeNotAvailableErrType,
			ccxt.RateLimitExceededErrType,
			ccxt.DDoSProtectionErrType,
			ccxt.BadResponseErrType,
			ccxt.NullResponseErrType,
			ccxt.OnMaintenanceErrType:
			return exchange.NewError(exchange.KindTransient, op, err)
		case ccxt.InsufficientFundsErrType:
			return exchange.NewError(exchange.KindInsufficientBalance, op, err)
		case ccxt.OrderNotFoundErrType:
			return exchange.NewError(exchange.KindUnknownOrder, op, err)
		case ccxt.InvalidOrderErrType:
			if looksLikePriceRejection(ccxtErr.Message) {
				return exchange.NewError(exchange.KindRejectedPrice, op, err)
			}
			return exchange.NewError(exchange.KindOther, op, err)
		default:
			return exchange.NewError(exchange.KindOther, op, err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return exchange.NewError(exchange.KindTransient, op, err)
	}

	// Some venues report balance problems as plain messages.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient") || strings.Contains(msg, "not enough balance"):
		return exchange.NewError(exchange.KindInsufficientBalance, op, err)
	case looksLikePriceRejection(msg):
		return exchange.NewError(exchange.KindRejectedPrice, op, err)
	}
	return exchange.NewError(exchange.KindOther, op, err)
}

func looksLikePriceRejection(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "post only") ||
		strings.Contains(msg, "post-only") ||
		strings.Contains(msg, "would immediately match") ||
		strings.Contains(msg, "price filter") ||
		strings.Contains(msg, "invalid price")
}
