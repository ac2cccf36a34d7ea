package queue

import (
	"fmt"
	"strings"
)

// BatchMessage is the broker payload for async batch processing.
type BatchMessage struct {
	BatchID       string `json:"batchId"`
	ClientID      string `json:"clientId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

func (m BatchMessage) Validate() error {
	if strings.TrimSpace(m.BatchID) == "" {
		return fmt.Errorf("batchId is required")
	}
	return nil
}
