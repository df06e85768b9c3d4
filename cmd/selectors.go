package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/classbot/internal/config"
	"github.com/xkilldash9x/classbot/internal/selectors"
)

func newSelectorsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "selectors",
		Short: "Print the effective element selectors as YAML",
		Long: `Prints every landmark with the expression used to find it, after the
overrides from the selectors section of the configuration are applied.
The output can be pasted back into config.yaml as a starting point.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := viperFrom(cmd)
			if err != nil {
				return err
			}
			cfg, err := config.Decode(v)
			if err != nil {
				return err
			}
			reg := selectors.Default()
			if err := reg.Merge(cfg.Selectors); err != nil {
				return err
			}

			out, err := yaml.Marshal(map[string]map[string]string{"selectors": reg.Snapshot()})
			if err != nil {
				return fmt.Errorf("encode selectors: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}
