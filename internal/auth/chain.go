package auth

import (
	"context"
	"errors"
	"fmt"

	"go-chat-core/internal/chat"
)

type Verifier interface {
	Verify(ctx context.Context, credential string) (chat.Identity, error)
}

// Chain tries each verifier in order and takes the first identity.
type Chain []Verifier

func (c Chain) Verify(ctx context.Context, credential string) (chat.Identity, error) {
	var errs []error
	for _, v := range c {
		id, err := v.Verify(ctx, credential)
		if err == nil {
			return id, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return "", fmt.Errorf("no verifier configured: %w", chat.ErrAuth)
	}
	return "", errors.Join(errs...)
}
