package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Rational-Boxes/depot/pkg/client"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "depotd",
	Short: "Depot - multi-tenant versioned file service",
	Long: `Depot stores files under opaque identifiers with full version
history, tiered across an in-memory cache, local disk and an
append-only object store.

Every mutation is journaled as a new version; nothing is ever
overwritten in place.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Depot version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Probe a running depot server",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("server")

		c, err := client.New(addr)
		if err != nil {
			return fmt.Errorf("failed to connect: %v", err)
		}
		defer c.Close()

		st, err := c.Check(context.Background())
		if err != nil {
			return fmt.Errorf("server unreachable: %v", err)
		}

		fmt.Printf("Server:   %s\n", addr)
		if st.Serving {
			fmt.Println("Status:   serving")
		} else {
			fmt.Println("Status:   not serving")
		}
		if st.Writable {
			fmt.Println("Mode:     read-write")
		} else {
			fmt.Println("Mode:     read-only")
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().String("server", "localhost:9000", "Server address")
}
