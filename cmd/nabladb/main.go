// Command nabladb is a host-side CLI over internal/nabladb: dump and verify
// NablaDB files without booting the kernel; it has no subcommand that builds
// them. Grounded on BiscuitOS's cmd/biscuit cobra-based CLI
// shape.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sq8vps/system-sub001/internal/nabladb"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "nabladb",
		Short: "Inspect NablaDB configuration/driver-registry files",
	}
	root.AddCommand(dumpCmd(), verifyCmd())
	return root
}

func dumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump <file>",
		Short: "Parse a NablaDB file and print its entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			f, err := nabladb.Parse(raw)
			if err != nil {
				return err
			}
			printEntries(cmd, f.Entries, 0)
			return nil
		},
	}
}

func printEntries(cmd *cobra.Command, entries []nabladb.Entry, depth int) {
	indent := ""
	for i := 0; i < depth; i++ {
		indent += "  "
	}
	for _, e := range entries {
		switch {
		case e.IsArray:
			cmd.Printf("%s%s[] = %v\n", indent, e.Name, e.Elements)
		case e.Type == nabladb.TypeMulti:
			cmd.Printf("%s%s {\n", indent, e.Name)
			printEntries(cmd, e.Multi, depth+1)
			cmd.Printf("%s}\n", indent)
		default:
			cmd.Printf("%s%s = %v\n", indent, e.Name, e.Value)
		}
	}
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <file>",
		Short: "Check a NablaDB file's magic, size, and CRC-32",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if !nabladb.Verify(raw) {
				return fmt.Errorf("%s: failed verification", args[0])
			}
			cmd.Println("ok")
			return nil
		},
	}
}
