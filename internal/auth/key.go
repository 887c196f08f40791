package auth

import (
	"context"
	"fmt"
	"strings"

	"go-chat-core/internal/chat"

	"golang.org/x/crypto/bcrypt"
)

// KeyVerifier checks "identity:secret" credentials against bcrypt hashes, for
// bots and services that do not hold user tokens.
type KeyVerifier struct {
	hashes map[chat.Identity][]byte
}

// ParseKeys reads "identity=hash" pairs separated by commas, the API_KEYS format.
func ParseKeys(raw string) (*KeyVerifier, error) {
	v := &KeyVerifier{hashes: make(map[chat.Identity][]byte)}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		id, hash, ok := strings.Cut(pair, "=")
		if !ok || id == "" || hash == "" {
			return nil, fmt.Errorf("api key entry %q: want identity=hash", pair)
		}
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("api key for %q: %w", id, err)
		}
		v.hashes[chat.Identity(id)] = []byte(hash)
	}
	return v, nil
}

func (v *KeyVerifier) Len() int { return len(v.hashes) }

func (v *KeyVerifier) Verify(_ context.Context, credential string) (chat.Identity, error) {
	id, secret, ok := strings.Cut(credential, ":")
	if !ok {
		return "", fmt.Errorf("not an api key: %w", chat.ErrAuth)
	}
	hash, known := v.hashes[chat.Identity(id)]
	if !known {
		return "", fmt.Errorf("unknown api key identity %q: %w", id, chat.ErrAuth)
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(secret)); err != nil {
		return "", fmt.Errorf("api key for %q: %w", id, chat.ErrAuth)
	}
	return chat.Identity(id), nil
}

// HashKey produces the stored form of an API key secret.
func HashKey(secret string, cost int) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
