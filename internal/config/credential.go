package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
)

// ErrMissingCredential is returned when the network token is absent.
var ErrMissingCredential = errors.New("missing credential")

// Credential is the single network token used to authenticate with the platform.
// It never comes from the config document.
type Credential struct {
	Token string `env:"BOT_TOKEN,required,notEmpty"`
}

// LoadCredential reads the token from the process environment. There is no
// default; callers must abort startup on error.
func LoadCredential() (Credential, error) {
	var c Credential
	if err := env.Parse(&c); err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrMissingCredential, err)
	}
	c.Token = strings.TrimSpace(c.Token)
	if c.Token == "" {
		return Credential{}, fmt.Errorf("%w: BOT_TOKEN is blank", ErrMissingCredential)
	}
	return c, nil
}

// LoadDotEnv copies KEY=VALUE lines from path into the environment without
// overriding variables that are already set. A missing file is ignored.
func LoadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.Trim(strings.TrimSpace(line[eq+1:]), `"'`)
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
