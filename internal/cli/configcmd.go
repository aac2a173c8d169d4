package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/dshills/mlpipeline/internal/config"
)

func (a *app) showConfig(cmd *cobra.Command) error {
	out, err := a.cfg.YAML()
	if err != nil {
		return err
	}
	if a.configFile != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "# source: %s\n", a.configFile)
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}

func (a *app) initConfig(cmd *cobra.Command, path string, yes bool) error {
	_, err := os.Stat(path)
	switch {
	case err == nil:
		if !yes {
			ok, err := a.confirm(fmt.Sprintf("%s already exists. Overwrite it?", path))
			if err != nil {
				return err
			}
			if !ok {
				return ErrAborted
			}
		}
	case !errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("failed to check %s: %w", path, err)
	}

	if err := config.WriteDefault(path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
	return nil
}
