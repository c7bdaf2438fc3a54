// Command scenecast-send streams files to a running scenecast service, one
// frame per file, using the length-prefixed wire protocol. It stands in for
// the real producer when testing or demoing the service.
package main

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/scenecast/scenecast/internal/wire"
)

func main() {
	var (
		addr     string
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:           "scenecast-send [files...]",
		Short:         "Stream snapshot files to a scenecast service",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(addr, interval, args)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "127.0.0.1:8080", "service address")
	cmd.Flags().DurationVarP(&interval, "interval", "i", 0, "pause between frames")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func send(addr string, interval time.Duration, files []string) error {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()

	for i, path := range files {
		payload, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := wire.WriteFrame(conn, payload); err != nil {
			return err
		}
		fmt.Printf("sent %s (%d bytes)\n", path, len(payload))

		if interval > 0 && i < len(files)-1 {
			time.Sleep(interval)
		}
	}
	return nil
}
