// Package webhook receives chain-event notifications, queues them durably,
// and routes each log to the right pipeline.
package webhook

import (
	"encoding/json"
	"fmt"

	"escrowledger/internal/contract"
)

// PayloadType is the only event envelope the provider sends.
const PayloadType = "GRAPHQL"

// PayloadError is a structural defect in an incoming payload. It maps to a
// 400 at the ingress; anything else is the service's problem, not the sender's.
type PayloadError struct {
	Field  string
	Reason string
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("invalid payload: %s: %s", e.Field, e.Reason)
}

type payloadLog struct {
	Transaction struct {
		Hash string `json:"hash"`
	} `json:"transaction"`
	Account struct {
		Address string `json:"address"`
	} `json:"account"`
	Topics []string `json:"topics"`
	Data   string   `json:"data"`
	Index  uint64   `json:"index"`
}

type payload struct {
	Type  string `json:"type"`
	Event struct {
		Data struct {
			Block struct {
				Number uint64       `json:"number"`
				Logs   []payloadLog `json:"logs"`
			} `json:"block"`
		} `json:"data"`
	} `json:"event"`
}

// ParsePayload validates the provider envelope and flattens it into raw logs.
// An empty logs array is valid; the provider sends heartbeat blocks.
func ParsePayload(body []byte) ([]contract.RawLog, error) {
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, &PayloadError{Field: "body", Reason: "not valid JSON"}
	}
	if p.Type != PayloadType {
		return nil, &PayloadError{Field: "type", Reason: fmt.Sprintf("expected %q, got %q", PayloadType, p.Type)}
	}
	block := p.Event.Data.Block
	if block.Number == 0 {
		return nil, &PayloadError{Field: "event.data.block.number", Reason: "missing"}
	}

	raws := make([]contract.RawLog, 0, len(block.Logs))
	for i, l := range block.Logs {
		if l.Transaction.Hash == "" {
			return nil, &PayloadError{Field: fmt.Sprintf("logs[%d].transaction.hash", i), Reason: "missing"}
		}
		if len(l.Topics) == 0 {
			return nil, &PayloadError{Field: fmt.Sprintf("logs[%d].topics", i), Reason: "empty"}
		}
		raws = append(raws, contract.RawLog{
			TxHash:      l.Transaction.Hash,
			BlockNumber: block.Number,
			LogIndex:    l.Index,
			Address:     l.Account.Address,
			Topics:      l.Topics,
			Data:        l.Data,
		})
	}
	return raws, nil
}
