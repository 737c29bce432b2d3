package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ValidationError marks a malformed collaborator document. The boundary
// rejects such documents whole; nothing downstream ever sees a partially
// trusted proposal or decision.
type ValidationError struct {
	Doc    string // document kind, e.g. "trade_proposal"
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s document: %s", e.Doc, e.Reason)
}

func decodeStrict(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// ParseTradeProposal decodes and validates a TradeProposal document.
func ParseTradeProposal(data []byte) (*TradeProposal, error) {
	var p TradeProposal
	if err := decodeStrict(data, &p); err != nil {
		return nil, &ValidationError{Doc: "trade_proposal", Reason: err.Error()}
	}
	if err := p.Validate(); err != nil {
		return nil, &ValidationError{Doc: "trade_proposal", Reason: err.Error()}
	}
	return &p, nil
}

// ParseManagerDecision decodes and validates a ManagerDecision document.
func ParseManagerDecision(data []byte) (*ManagerDecision, error) {
	var m ManagerDecision
	if err := decodeStrict(data, &m); err != nil {
		return nil, &ValidationError{Doc: "manager_decision", Reason: err.Error()}
	}
	if err := m.Validate(); err != nil {
		return nil, &ValidationError{Doc: "manager_decision", Reason: err.Error()}
	}
	return &m, nil
}
