package main

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/getsentry/functree"
)

const separator = "------"

func newTailCommand() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail [path]",
		Short: "Print the last call trees of a log",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := functree.DefaultPath
			if len(args) == 1 {
				path = args[0]
			}
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()

			blocks, err := lastBlocks(f, n)
			if err != nil {
				return fmt.Errorf("reading %s: %w", path, err)
			}
			out := cmd.OutOrStdout()
			for _, b := range blocks {
				fmt.Fprint(out, b)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&n, "number", "n", 1, "number of trees to print")
	return cmd
}

// lastBlocks returns the last n complete blocks of r, separator included.
// A trailing block without separator is still being written and is ignored.
func lastBlocks(r io.Reader, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	var blocks []string
	var current []byte
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		current = append(current, line...)
		current = append(current, '\n')
		if line != separator {
			continue
		}
		blocks = append(blocks, string(current))
		current = current[:0]
		if len(blocks) > n {
			blocks = blocks[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return blocks, nil
}
