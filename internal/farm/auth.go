package farm

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// ErrNoToken indicates no farm token was found in any source.
var ErrNoToken = errors.New("no farm token found")

// TokenEnv is the environment variable checked first by ResolveToken.
const TokenEnv = "FARMSYNC_TOKEN"

// ResolveToken loads a farm API token from the first available source:
//  1. FARMSYNC_TOKEN environment variable
//  2. ~/.farmsync/token file
func ResolveToken() (string, error) {
	if tok := os.Getenv(TokenEnv); tok != "" {
		return strings.TrimSpace(tok), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", ErrNoToken
	}
	data, err := os.ReadFile(filepath.Join(home, ".farmsync", "token"))
	if err != nil {
		return "", ErrNoToken
	}
	tok := strings.TrimSpace(string(data))
	if tok == "" {
		return "", ErrNoToken
	}
	return tok, nil
}
