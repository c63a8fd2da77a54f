package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sodovaya/kbledash/internal/ant"
)

var switchCmd = &cobra.Command{
	Use:   "switch <name> <on|off>",
	Short: "Toggle a BMS switch",
	Long: fmt.Sprintf(`Toggle one of the BMS switches: %s.

The command waits for the BMS to acknowledge the register write.`, strings.Join(ant.SwitchNames(), ", ")),
	Args:      cobra.ExactArgs(2),
	ValidArgs: ant.SwitchNames(),
	RunE:      runSwitch,
}

func init() {
	rootCmd.AddCommand(switchCmd)
}

func parseOnOff(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "true", "1":
		return true, nil
	case "off", "false", "0":
		return false, nil
	default:
		return false, fmt.Errorf("invalid state %q (want on or off)", s)
	}
}

func runSwitch(cmd *cobra.Command, args []string) error {
	name := args[0]
	enabled, err := parseOnOff(args[1])
	if err != nil {
		return err
	}

	cfg, log := loadConfig()
	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()

	bms, err := newBMSSession(cfg, log)
	if err != nil {
		return err
	}
	defer bms.Close()

	if err := bms.Connect(ctx); err != nil {
		return err
	}
	if err := bms.SetSwitch(ctx, name, enabled); err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", name, args[1])
	return nil
}
