/*
Copyright © 2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/apex/log"
	"github.com/spf13/cobra"

	"github.com/blacktop/go-svm/disasm"
	"github.com/blacktop/go-svm/kernel"
	"github.com/blacktop/go-svm/scan"
)

// Match is one signature hit in a kernel image.
type Match struct {
	Section string   `json:"section"`
	Address uint64   `json:"address"`
	Offset  int      `json:"offset"`
	Code    []string `json:"code,omitempty"`
}

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().StringP("section", "s", "", "Section to search (default: every executable section)")
	scanCmd.Flags().IntP("count", "n", 8, "Instructions to disassemble at each match")
	scanCmd.Flags().Bool("all", false, "Report every match instead of the first")
	scanCmd.Flags().Bool("dump", false, "Hex dump the bytes at each match")
	scanCmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
}

var scanCmd = &cobra.Command{
	Use:   "scan IMAGE PATTERN",
	Short: "Locate a byte signature in a PE kernel image and disassemble it",
	Long: `Search a PE kernel image (ntoskrnl.exe or a driver) for a signature
like "48 8B 05 ?? ?? ?? ?? 48 85 C0" and disassemble the code at each
match. Addresses are relative to the preferred image base.`,
	Example: `  hv scan ntoskrnl.exe "48 8B 05 ?? ?? ?? ?? 48 85 C0" -s .text`,
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		section, err := cmd.Flags().GetString("section")
		if err != nil {
			return err
		}
		count, err := cmd.Flags().GetInt("count")
		if err != nil {
			return err
		}
		all, err := cmd.Flags().GetBool("all")
		if err != nil {
			return err
		}
		dump, err := cmd.Flags().GetBool("dump")
		if err != nil {
			return err
		}

		sig, err := scan.ParsePattern(args[1])
		if err != nil {
			return err
		}
		img, err := kernel.OpenImage(args[0])
		if err != nil {
			return err
		}
		defer img.Close()

		dec := disasm.Init()
		var matches []Match
		for _, s := range img.Sections {
			if section != "" && !strings.EqualFold(s.Name, section) {
				continue
			}
			if section == "" && !s.Executable {
				continue
			}
			offsets := scan.FindAll(s.Data(), sig.Bytes, sig.Wildcard)
			if !all && len(offsets) > 1 {
				offsets = offsets[:1]
			}
			for _, off := range offsets {
				addr := img.Base + s.VirtualAddress + uint64(off)
				m := Match{Section: s.Name, Address: addr, Offset: off}
				for _, l := range dec.Disassemble(s.Data()[off:], addr, count) {
					m.Code = append(m.Code, fmt.Sprintf("%#x: %-24x %s", l.Addr, l.Bytes, l.Text))
				}
				matches = append(matches, m)
				if dump {
					end := min(off+len(sig.Bytes)+32, len(s.Data()))
					fmt.Print(hex.Dump(s.Data()[off:end]))
				}
			}
			if !all && len(matches) > 0 {
				break
			}
		}
		if len(matches) == 0 {
			return fmt.Errorf("%w: pattern %s in %s", kernel.ErrNotFound, sig, args[0])
		}
		if asJSON {
			return printJSON(matches)
		}

		for _, m := range matches {
			log.WithFields(log.Fields{
				"section": m.Section,
				"offset":  fmt.Sprintf("%#x", m.Offset),
			}).Info(fmt.Sprintf("match at %s", colorOK(fmt.Sprintf("%#x", m.Address))))
			for _, line := range m.Code {
				fmt.Println("    " + line)
			}
		}
		return nil
	},
}
