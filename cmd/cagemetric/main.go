// Copyright (C) 2026 CageMetric (dev@cagemetric.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command cagemetric is the terminal client for the CageMetric relay.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	authToken string
)

var rootCmd = &cobra.Command{
	Use:   "cagemetric",
	Short: "Chat with the CageMetric fight statistics service",
	Long: "cagemetric connects to a CageMetric relay and answers natural " +
		"language questions about fighters, events, and bout statistics.",
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server",
		envOrDefault("CAGEMETRIC_SERVER", "http://localhost:8090"),
		"Base URL of the relay")
	rootCmd.PersistentFlags().StringVar(&authToken, "token",
		os.Getenv("CAGEMETRIC_TOKEN"),
		"Bearer token for the relay")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(healthCmd)
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
