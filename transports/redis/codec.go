package redis

import (
	"encoding/json"
	"fmt"

	"github.com/glimte/mmate-cqrs/contracts"
)

func encode(msg *contracts.BinaryMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func decode(payload string) (*contracts.BinaryMessage, error) {
	var msg contracts.BinaryMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return nil, fmt.Errorf("invalid message envelope: %w", err)
	}
	if msg.Headers == nil {
		msg.Headers = make(map[string]string)
	}
	return &msg, nil
}
