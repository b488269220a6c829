package preferences

import "fmt"

type Config struct {
	// Directory holds the encrypted preferences file and the shared
	// per-install identifier.
	Directory string `yaml:"directory" json:"directory"`
}

func (c *Config) Validate() error {
	if c.Directory == "" {
		return fmt.Errorf("directory")
	}
	return nil
}
