package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/custodix/vaultcore/pkg/circuit"
)

// RPCConfig configures the remote gateway client.
type RPCConfig struct {
	URL          string
	Timeout      time.Duration
	PollInterval time.Duration
}

// RPCGateway talks JSON-RPC to the remote ledger node. All calls run
// behind a circuit breaker; transient transport failures surface as
// ErrTransientNetwork so callers can apply the configured backoff.
type RPCGateway struct {
	cfg     RPCConfig
	client  *http.Client
	breaker *circuit.Breaker
	logger  *zap.Logger
}

// NewRPCGateway creates a gateway client.
func NewRPCGateway(cfg RPCConfig, logger *zap.Logger) *RPCGateway {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &RPCGateway{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		breaker: circuit.NewBreaker(circuit.Config{
			Name:        "ledger-rpc",
			MaxFailures: 5,
			Timeout:     15 * time.Second,
			HalfOpenMax: 2,
			OnStateChange: func(from, to circuit.State) {
				logger.Warn("ledger rpc breaker state changed",
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		}),
		logger: logger,
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (g *RPCGateway) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	return g.breaker.Execute(ctx, func() error {
		body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
		if err != nil {
			return fmt.Errorf("marshal rpc request: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.URL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build rpc request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := g.client.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrTransientNetwork, method, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("%w: %s: status %d", ErrTransientNetwork, method, resp.StatusCode)
		}
		var rr rpcResponse
		if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
			return fmt.Errorf("%w: decode %s response: %v", ErrTransientNetwork, method, err)
		}
		if rr.Error != nil {
			return fmt.Errorf("%w: %s: %s", ErrRejectedByLedger, method, rr.Error.Message)
		}
		if out != nil {
			if err := json.Unmarshal(rr.Result, out); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	})
}

// Submit implements Gateway. Transient failures surface as
// ErrTransientNetwork; the retry policy lives with the caller, so a
// failure here counts exactly one attempt. The memo keeps resubmission
// economically idempotent on the ledger side.
func (g *RPCGateway) Submit(ctx context.Context, tx *UnsignedTransaction) (string, error) {
	var sig string
	if err := g.call(ctx, "submitTransaction", []interface{}{tx}, &sig); err != nil {
		return "", err
	}
	return sig, nil
}

// Status implements Gateway.
func (g *RPCGateway) Status(ctx context.Context, signature string) (Status, error) {
	var raw string
	if err := g.call(ctx, "getSignatureStatus", []interface{}{signature}, &raw); err != nil {
		return StatusUnknown, err
	}
	switch raw {
	case "pending":
		return StatusPending, nil
	case "confirmed":
		return StatusConfirmed, nil
	case "failed":
		return StatusFailed, nil
	default:
		return StatusUnknown, nil
	}
}

// Balance implements Gateway.
func (g *RPCGateway) Balance(ctx context.Context, account string) (decimal.Decimal, error) {
	var raw string
	if err := g.call(ctx, "getBalance", []interface{}{account}, &raw); err != nil {
		return decimal.Zero, err
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse balance %q: %w", raw, err)
	}
	return amount, nil
}

// VaultState implements Gateway.
func (g *RPCGateway) VaultState(ctx context.Context, account string) (AccountState, error) {
	var raw struct {
		Total  string `json:"total"`
		Locked string `json:"locked"`
	}
	if err := g.call(ctx, "getVaultState", []interface{}{account}, &raw); err != nil {
		return AccountState{}, err
	}
	total, err := decimal.NewFromString(raw.Total)
	if err != nil {
		return AccountState{}, fmt.Errorf("parse vault total %q: %w", raw.Total, err)
	}
	locked, err := decimal.NewFromString(raw.Locked)
	if err != nil {
		return AccountState{}, fmt.Errorf("parse vault locked %q: %w", raw.Locked, err)
	}
	return AccountState{Total: total, Locked: locked}, nil
}

// SubscribeEvents implements Gateway by long-polling getEvents with a
// sequence cursor, preserving delivery order across reconnects.
func (g *RPCGateway) SubscribeEvents(ctx context.Context, programID string, fromSeq uint64) (<-chan Event, error) {
	ch := make(chan Event, 64)
	go func() {
		defer close(ch)
		cursor := fromSeq
		ticker := time.NewTicker(g.cfg.PollInterval)
		defer ticker.Stop()
		for {
			var batch []Event
			err := g.call(ctx, "getEvents", []interface{}{programID, cursor, 100}, &batch)
			if err != nil {
				g.logger.Warn("event poll failed", zap.Uint64("cursor", cursor), zap.Error(err))
			}
			for _, ev := range batch {
				if ev.Sequence <= cursor {
					continue
				}
				select {
				case ch <- ev:
					cursor = ev.Sequence
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
