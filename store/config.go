package store

import "fmt"

type Config struct {
	// Directory holds the keystore file and the per-install identifier.
	Directory string `yaml:"directory" json:"directory"`
	// Passphrase protects the keystore content. The encryption key is
	// derived from it and the per-install identifier.
	Passphrase string `yaml:"passphrase" json:"-"`
}

func (c *Config) Validate() error {
	if c.Directory == "" {
		return fmt.Errorf("directory")
	}
	if c.Passphrase == "" {
		return fmt.Errorf("passphrase")
	}
	return nil
}
