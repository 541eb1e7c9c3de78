package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// CredentialsFilename is the broker credentials file name.
const CredentialsFilename = "iip_cred.yaml"

// ErrInsecureCredentials indicates the credentials directory or file has
// permissions wider than owner-only.
var ErrInsecureCredentials = errors.New("insecure credentials")

// Credentials holds broker account aliases loaded from iip_cred.yaml.
type Credentials struct {
	Users map[string]string `yaml:"rabbitmq_users"`
}

// User resolves a broker user alias.
func (c *Credentials) User(alias string) (string, error) {
	v, ok := c.Users[alias]
	if !ok {
		return "", fmt.Errorf("%w: rabbitmq_users.%s", ErrKeyMissing, alias)
	}
	return v, nil
}

// Passwd resolves a broker password alias.
func (c *Credentials) Passwd(alias string) (string, error) {
	return c.User(alias)
}

// DefaultCredentialsDir is $HOME/.lsst.
func DefaultCredentialsDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot resolve home directory: %w", err)
	}
	return filepath.Join(home, ".lsst"), nil
}

// LoadCredentials reads iip_cred.yaml from dir. The directory must be
// mode 0700 and the file mode 0600; anything readable or writable by
// group or other is refused.
func LoadCredentials(dir string) (*Credentials, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot stat %s: %v", ErrInsecureCredentials, dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrInsecureCredentials, dir)
	}
	if info.Mode().Perm()&0o077 != 0 {
		return nil, fmt.Errorf("%w: directory %s must be mode 0700", ErrInsecureCredentials, dir)
	}

	path := filepath.Join(dir, CredentialsFilename)
	info, err = os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot stat %s: %v", ErrInsecureCredentials, path, err)
	}
	if info.Mode().Perm()&0o077 != 0 {
		return nil, fmt.Errorf("%w: file %s must be mode 0600", ErrInsecureCredentials, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var c Credentials
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &c, nil
}
