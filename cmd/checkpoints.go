package cmd

import (
	"fmt"
	"strconv"

	"github.com/alpkeskin/gotoon"
	"github.com/olekukonko/tablewriter"
	"github.com/pders01/ckpt-eval/internal/catalog"
	"github.com/pders01/ckpt-eval/internal/config"
	"github.com/spf13/cobra"
)

var checkpointsToon bool

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints [root]",
	Short: "List the checkpoints a sweep would evaluate",
	Long: `List the checkpoint_<epoch> directories under a model root and mark the
ones selected by pretrained_epoch_list.

Without a root the pretrained_model_path of --config is listed.

Examples:
  ckpt-eval checkpoints
  ckpt-eval checkpoints outputs/jeep
  ckpt-eval checkpoints --config config/jeep.yml --toon`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCheckpoints,
}

func init() {
	rootCmd.AddCommand(checkpointsCmd)

	checkpointsCmd.Flags().BoolVar(&checkpointsToon, "toon", false, "Output in LLM-friendly toon format")
}

type checkpointListing struct {
	Root        string           `json:"root"`
	Single      bool             `json:"single"`
	Checkpoints []checkpointInfo `json:"checkpoints"`
}

type checkpointInfo struct {
	Name     string `json:"name"`
	Epoch    int    `json:"epoch"`
	Selected bool   `json:"selected"`
}

func runCheckpoints(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	var root string
	var allowed []int
	if len(args) == 1 {
		root = args[0]
	} else {
		cfg, err := config.Load(appFs, cfgFile)
		if err != nil {
			return err
		}
		root = cfg.PretrainedModelPath
		allowed = cfg.PretrainedEpochList
	}

	listing := checkpointListing{Root: root, Checkpoints: []checkpointInfo{}}
	single, err := catalog.IsSingleCheckpoint(appFs, root)
	if err != nil {
		return err
	}
	if single {
		listing.Single = true
	} else {
		all, err := catalog.Discover(appFs, root)
		if err != nil {
			return err
		}
		selected := make(map[string]bool)
		for _, cp := range catalog.Select(all, allowed) {
			selected[cp.Path] = true
		}
		for _, cp := range all {
			listing.Checkpoints = append(listing.Checkpoints, checkpointInfo{
				Name:     cp.Name(),
				Epoch:    cp.Epoch,
				Selected: selected[cp.Path],
			})
		}
	}

	if checkpointsToon {
		output, err := gotoon.Encode(listing)
		if err != nil {
			return fmt.Errorf("failed to encode listing: %w", err)
		}
		fmt.Fprintln(out, output)
		return nil
	}

	if listing.Single {
		fmt.Fprintf(out, "%s is a single model bundle\n", root)
		return nil
	}

	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"CHECKPOINT", "EPOCH", "SELECTED"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	for _, c := range listing.Checkpoints {
		mark := ""
		if c.Selected {
			mark = "*"
		}
		table.Append([]string{c.Name, strconv.Itoa(c.Epoch), mark})
	}
	table.Render()
	return nil
}
