package services

import (
	"encoding/json"
	"fmt"

	"github.com/lorrc/notification-relay/internal/core/domain"
)

func marshalNotification(env *domain.Envelope) ([]byte, error) {
	data, err := json.Marshal(domain.NewNotification(env))
	if err != nil {
		return nil, fmt.Errorf("marshal notification: %w", err)
	}
	return data, nil
}
