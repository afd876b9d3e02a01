package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ky4olb/wwvengine/config"
)

var rootCmd = &cobra.Command{
	Use:   "wwvengine",
	Short: "WWV/WWVH time-signal detection engine",
	Long:  `Streams baseband I/Q samples through the WWV/WWVH tick, marker, and BCD detectors and reports a decoded time-of-day with confidence.`,
	RunE:  runDecode,
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.Flags().StringP("input", "i", "", "path to a raw interleaved float32 I/Q capture file (required)")
	rootCmd.Flags().StringP("station", "s", "WWV", "station to decode: WWV or WWVH")
	rootCmd.Flags().Float64P("sample-rate", "r", 8000, "I/Q sample rate in Hz")
	rootCmd.Flags().StringP("csv-log-dir", "l", "", "directory for per-detector CSV logs (empty disables)")
	rootCmd.Flags().BoolP("mqtt", "m", false, "publish telemetry to the configured MQTT broker")
	rootCmd.Flags().BoolP("udp", "u", false, "broadcast telemetry over the configured UDP endpoint")
	rootCmd.Flags().BoolP("debug", "D", false, "enable debug logging")
	rootCmd.MarkFlagRequired("input")

	viper.BindPFlag("station", rootCmd.Flags().Lookup("station"))
	viper.BindPFlag("sample_rate", rootCmd.Flags().Lookup("sample-rate"))
	viper.BindPFlag("csv_log_dir", rootCmd.Flags().Lookup("csv-log-dir"))
	viper.BindPFlag("mqtt_enabled", rootCmd.Flags().Lookup("mqtt"))
	viper.BindPFlag("udp_enabled", rootCmd.Flags().Lookup("udp"))
	viper.BindPFlag("debug", rootCmd.Flags().Lookup("debug"))
}

func initConfig() {
	if err := config.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
}
