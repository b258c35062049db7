package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Woutah/configurun/internal/client"
	"github.com/Woutah/configurun/internal/codec"
)

func newAddCmd() *cobra.Command {
	var (
		name    string
		cfgType string
	)

	cmd := &cobra.Command{
		Use:   "add <config-file>",
		Short: "Enqueue a configuration at the back of the queue",
		Long:  "Enqueue a configuration file as a new queue item. Pass \"-\" to read the configuration from stdin.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readConfig(args[0])
			if err != nil {
				return err
			}
			env, err := encodeConfig(raw, cfgType)
			if err != nil {
				return err
			}
			if name == "" {
				name = itemNameFor(args[0])
			}

			return withClient(cmd, true, func(ctx context.Context, c *client.Client) error {
				id, err := c.Add(ctx, name, env)
				if err != nil {
					return fmt.Errorf("add item: %w", err)
				}
				fmt.Printf("Added item %d (%s)\n", id, name)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&name, "item-name", "", "Display name for the item (defaults to the file name)")
	cmd.Flags().StringVar(&cfgType, "type", codec.MapType, "Registered configuration type name")
	return cmd
}

// encodeConfig wraps a raw JSON configuration in a codec envelope under the
// given registered type name. The worker decodes the envelope from stdin.
func encodeConfig(raw []byte, cfgType string) (json.RawMessage, error) {
	if !json.Valid(raw) {
		return nil, fmt.Errorf("configuration is not valid JSON")
	}
	env, err := codec.NewRegistry().EncodeNamed(cfgType, raw)
	if err != nil {
		return nil, fmt.Errorf("encode configuration: %w", err)
	}
	return env, nil
}

func readConfig(path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return data, nil
}

func itemNameFor(path string) string {
	if path == "-" {
		return "stdin"
	}
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
