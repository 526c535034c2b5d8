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
	"context"
	"fmt"

	"github.com/apex/log"
	"github.com/spf13/cobra"

	"github.com/blacktop/go-svm/npt"
	"github.com/blacktop/go-svm/sandbox"
)

// ViewReport describes one view for a guest physical address.
type ViewReport struct {
	View        string           `json:"view"`
	Policy      string           `json:"policy"`
	NCR3        uint64           `json:"ncr3"`
	Translation *npt.Translation `json:"translation,omitempty"`
	Error       string           `json:"error,omitempty"`
}

func init() {
	rootCmd.AddCommand(viewsCmd)
	viewsCmd.Flags().Uint64P("limit", "l", 4<<30, "End of the identity mapped guest physical range")
	viewsCmd.Flags().Uint64P("gpa", "g", 0, "Guest physical address to translate in every view")
	viewsCmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
}

var viewsCmd = &cobra.Command{
	Use:   "views",
	Short: "Build the nested page table views offline and translate an address",
	Long: `Build the four nested page table views with the configured policies
in ordinary memory, apply the configured sandbox regions and show how
each view maps one guest physical address.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, err := cmd.Flags().GetUint64("limit")
		if err != nil {
			return err
		}
		if cfg.NPT.Limit != 0 && !cmd.Flags().Changed("limit") {
			limit = cfg.NPT.Limit
		}
		gpa, err := cmd.Flags().GetUint64("gpa")
		if err != nil {
			return err
		}

		policies, err := cfg.Policies()
		if err != nil {
			return err
		}
		alloc := npt.NewRuntimeAllocator()
		set, err := npt.NewSet(alloc, limit, log.Log)
		if err != nil {
			return err
		}
		defer set.Release()
		if err := set.BuildAll(context.Background(), policies); err != nil {
			return err
		}

		sb := sandbox.Init(log.Log)
		sb.SetViews(set)
		for _, r := range cfg.Sandbox {
			if _, err := sb.AddRegion(r); err != nil {
				return fmt.Errorf("sandbox region %q: %w", r.Name, err)
			}
		}

		var reports []ViewReport
		for _, v := range npt.Views {
			rep := ViewReport{View: v.String(), NCR3: set.NCR3(v)}
			if a, err := set.Policy(v); err == nil {
				rep.Policy = a.String()
			}
			tr, err := set.Translate(v, gpa)
			if err != nil {
				rep.Error = err.Error()
			} else {
				rep.Translation = &tr
			}
			reports = append(reports, rep)
		}
		if asJSON {
			return printJSON(reports)
		}

		log.WithFields(log.Fields{
			"limit": fmt.Sprintf("%#x", set.Limit()),
			"pages": alloc.Pages(),
		}).Info("views built")
		for _, r := range reports {
			fmt.Printf("%s %-20s policy=%s ncr3=%#x\n", colorKey("view"), r.View, r.Policy, r.NCR3)
			if r.Translation == nil {
				fmt.Printf("    %#x: %s\n", gpa, colorFail(r.Error))
				continue
			}
			fmt.Printf("    %#x -> %#x (%#x page, %s)\n", gpa, r.Translation.HPA, r.Translation.Size, r.Translation.Access)
		}
		if reg, ok := sb.Lookup(gpa); ok {
			fmt.Printf("%s %#x is in sandbox region %q; fetch from primary switches to %s\n",
				colorKey("note"), gpa, reg.Name, sb.ViewForFetch(npt.Primary, gpa))
		}
		return nil
	},
}
