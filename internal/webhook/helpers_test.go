package webhook

import (
	"encoding/json"
	"testing"
)

func snsBody(t *testing.T, typ, message string) []byte {
	t.Helper()
	body, err := json.Marshal(snsEnvelope{Type: typ, MessageID: "sns-1", Message: message})
	if err != nil {
		t.Fatalf("marshal sns envelope: %v", err)
	}
	return body
}
