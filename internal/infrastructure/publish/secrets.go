package publish

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

var ErrSinkClosed = errors.New("publish sink closed")

// SecretResolver turns a destination's CredentialsRef into the stream key.
type SecretResolver interface {
	Resolve(ref string) (string, error)
}

// EnvSecrets resolves refs from environment variables named Prefix plus the
// upper-cased ref, with dashes and dots mapped to underscores.
type EnvSecrets struct {
	Prefix string
}

func (e EnvSecrets) Resolve(ref string) (string, error) {
	name := e.Prefix + strings.NewReplacer("-", "_", ".", "_").Replace(strings.ToUpper(ref))
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return "", fmt.Errorf("secret %q is not set", name)
	}
	return v, nil
}

func resolveKey(secrets SecretResolver, ref string) (string, error) {
	if ref == "" || secrets == nil {
		return "", nil
	}
	key, err := secrets.Resolve(ref)
	if err != nil {
		return "", fmt.Errorf("failed to resolve credentials: %w", err)
	}
	return key, nil
}
