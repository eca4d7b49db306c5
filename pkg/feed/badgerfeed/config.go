package badgerfeed

import (
	"errors"
	"fmt"
	"os"

	"github.com/i5heu/hyperobjects/internal/diskspace"
)

func (c *Config) checkConfig() error {
	if c.Path == "" {
		return errors.New("no path provided in configuration")
	}

	info, err := os.Stat(c.Path)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(c.Path, 0o700); err != nil {
			return fmt.Errorf("mkdir %s: %w", c.Path, err)
		}
	case err != nil:
		return err
	case !info.IsDir():
		return errors.New("path is not a directory")
	}

	return diskspace.Check(c.Path, c.MinimumFreeGB, c.Logger)
}
