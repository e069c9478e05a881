package rpcgate

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil is success", nil, KindSuccess},
		{"429 is rate limited", errors.New("http 429 too many requests"), KindRateLimited},
		{"compute units exceeded", errors.New("exceeded compute units"), KindRateLimited},
		{"connection reset is transient", errors.New("read tcp: connection reset by peer"), KindTransientRPC},
		{"timeout is transient", errors.New("context deadline exceeded: timeout"), KindTransientRPC},
		{"insufficient funds is permanent", errors.New("insufficient funds for gas * price + value"), KindPermanent},
		{"execution reverted is permanent", errors.New("execution reverted: ERC20: transfer amount exceeds balance"), KindPermanent},
		{"block not found is malformed", errors.New("block not found"), KindMalformedBlock},
		{"unrecognized defaults to transient", errors.New("something went sideways"), KindTransientRPC},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}
