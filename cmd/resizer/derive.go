package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tendant/simple-resize/pkg/simpleresize/config"
)

// NewDeriveKeyCommand prints the derived key of each source key
func NewDeriveKeyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "derive-key <source-key>...",
		Short: "Print the target key each source key is resized to",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(config.WithEnv())
			if err != nil {
				return err
			}
			keys, err := cfg.KeyDeriver()
			if err != nil {
				return err
			}
			for _, source := range args {
				target, err := keys.DeriveTargetKey(source)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", source, target)
			}
			return nil
		},
	}
}

// NewEnvCommand lists the environment variables the resizer reads
func NewEnvCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "List configuration environment variables",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprint(cmd.OutOrStdout(), config.Usage())
		},
	}
}
