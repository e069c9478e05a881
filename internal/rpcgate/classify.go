package rpcgate

import (
	"errors"
	"strings"

	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Kind names the error taxonomy from spec.md §7, generalizing the
// teacher's flat IsRetryableError string-match list into named outcomes C6
// can reason about without re-parsing provider error bodies everywhere.
type Kind int

const (
	KindSuccess Kind = iota
	KindRateLimited
	KindTransientRPC
	KindMalformedBlock
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindRateLimited:
		return "rate_limited"
	case KindTransientRPC:
		return "transient_rpc"
	case KindMalformedBlock:
		return "malformed_block"
	case KindPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

var rateLimitMarkers = []string{
	"429",
	"-32005",
	"exceeded compute units",
	"too many requests",
	"rate limit",
	"over rate limit",
}

var transientMarkers = []string{
	"connection refused",
	"connection reset",
	"eof",
	"timeout",
	"tls handshake timeout",
	"no such host",
	"network is unreachable",
	"502",
	"503",
	"504",
	"i/o timeout",
}

var malformedMarkers = []string{
	"block not found",
	"unexpected end of json input",
	"invalid character",
	"decode",
}

var permanentMarkers = []string{
	"execution reverted",
	"insufficient funds",
	"gas too low",
	"nonce too low",
	"replacement transaction underpriced",
	"already known",
}

// Classify maps an RPC/transport error onto a Kind. Unknown errors default
// to KindTransientRPC, the same "retry, don't give up" default the
// teacher's IsRetryableError falls back to for anything it doesn't
// recognize.
func Classify(err error) Kind {
	if err == nil {
		return KindSuccess
	}

	var rpcErr gethrpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.ErrorCode() {
		case -32005:
			return KindRateLimited
		case -32000, -32603:
			return KindTransientRPC
		}
	}

	msg := strings.ToLower(err.Error())
	for _, m := range rateLimitMarkers {
		if strings.Contains(msg, m) {
			return KindRateLimited
		}
	}
	for _, m := range permanentMarkers {
		if strings.Contains(msg, m) {
			return KindPermanent
		}
	}
	for _, m := range malformedMarkers {
		if strings.Contains(msg, m) {
			return KindMalformedBlock
		}
	}
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return KindTransientRPC
		}
	}
	return KindTransientRPC
}
