package farmsim

import (
	"context"
	"encoding/json"
	"fmt"
)

// LocalCaller implements farm.RPCCaller by dispatching straight to a
// Service. Params and results still go through JSON so the in-process farm
// sees exactly what the HTTP endpoint would.
type LocalCaller struct {
	service *Service
}

// NewLocalCaller creates a caller bound to svc.
func NewLocalCaller(svc *Service) *LocalCaller {
	return &LocalCaller{service: svc}
}

// Call runs method against the service.
func (c *LocalCaller) Call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("rpc call %s: %w", method, err)
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal rpc params: %w", err)
	}
	result, rpcErr := c.service.Call(ctx, method, raw)
	if rpcErr != nil {
		return nil, rpcErr
	}
	out, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal rpc result: %w", err)
	}
	return out, nil
}
