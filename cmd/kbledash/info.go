package main

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/spf13/cobra"

	"github.com/sodovaya/kbledash/internal/ant"
	"github.com/sodovaya/kbledash/internal/telemetry"
)

var infoTimeout time.Duration

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print BMS device info, one status sample and the controller state",
	RunE:  runInfo,
}

func init() {
	infoCmd.Flags().DurationVar(&infoTimeout, "timeout", 15*time.Second, "Overall deadline")
	rootCmd.AddCommand(infoCmd)
}

func runInfo(cmd *cobra.Command, args []string) error {
	cfg, log := loadConfig()

	ctx, cancel := context.WithTimeout(cmd.Context(), infoTimeout)
	defer cancel()

	bms, err := newBMSSession(cfg, log)
	if err != nil {
		return err
	}
	defer bms.Close()

	if err := bms.Connect(ctx); err != nil {
		return err
	}
	fmt.Printf("Connection: %s\n\n", bms.Name())

	info, err := bms.FetchDeviceInfo(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Manufacturer: %s\n", info.Manufacturer)
	fmt.Printf("Model:        %s\n", info.Model)
	fmt.Printf("Hardware:     %s\n", ant.DisplayVersion(info.HWVersion))
	fmt.Printf("Software:     %s\n\n", info.SWVersion)

	sample, err := bms.FetchStatus(ctx)
	if err != nil {
		return err
	}
	fmt.Print(formatSample(sample))

	ctrl, err := newControllerSession(cfg, log)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	if err := ctrl.Connect(ctx); err != nil {
		log.Warnf("controller: %v", err)
		return nil
	}
	if err := ctrl.SendQueries(ctx); err != nil {
		log.Warnf("controller: %v", err)
		return nil
	}
	// Replies arrive as notifications
	select {
	case <-ctx.Done():
	case <-time.After(300 * time.Millisecond):
	}
	state, updated := ctrl.Snapshot()
	if updated.IsZero() {
		fmt.Printf("\nController: no reply\n")
		return nil
	}
	v := cfg.VehicleParams()
	fmt.Printf("\nController (%s)\n", ctrl.Name())
	fmt.Printf("  Speed:       %d rpm (%.1f km/h)\n", state.MotorSpeed,
		telemetry.RPMToSpeed(state.MotorSpeed, telemetry.InchesToMeters(v.WheelDiameterInch)))
	fmt.Printf("  Voltage:     %d V\n", state.BatteryVoltage)
	fmt.Printf("  Current:     %d A\n", state.PhaseCurrent)
	fmt.Printf("  Temperature: motor %d °C, controller %d °C\n", state.TemperatureMotor, state.TemperatureController)
	fmt.Printf("  Throttle:    %d\n", state.Throttle)
	return nil
}

func formatSample(s *ant.Sample) string {
	result := fmt.Sprintf("Voltage:  %.2f V\n", s.Voltage)
	result += fmt.Sprintf("Current:  %.1f A\n", s.Current)
	result += fmt.Sprintf("SOC:      %d %%\n", s.SOC)
	result += fmt.Sprintf("Charge:   %.1f / %.1f Ah\n", s.Charge, s.Capacity)
	result += fmt.Sprintf("MOS:      %d °C\n", s.MOSTemperature)

	result += "Sensors: "
	for _, t := range s.Temperatures {
		if math.IsNaN(t) {
			result += " --"
			continue
		}
		result += fmt.Sprintf(" %.0f", t)
	}
	result += "\n"

	for i, mv := range s.CellVoltages {
		result += fmt.Sprintf("  Cell %2d: %.3f V\n", i+1, float64(mv)/1000)
	}
	// Only charge and discharge are carried in the status frame
	for _, name := range ant.SwitchNames() {
		if on, ok := s.Switches[name]; ok {
			result += fmt.Sprintf("  %-10s %v\n", name+":", on)
		}
	}
	return result
}
