package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/conneroisu/exthmr/internal/config"
	"github.com/conneroisu/exthmr/internal/manifest"
	"github.com/conneroisu/exthmr/internal/types"
)

var entriesCmd = &cobra.Command{
	Use:     "entries",
	Aliases: []string{"ls"},
	Short:   "List build entries and their roles",
	Long: `List the configured entry scripts with the output they build to and the
role that decides what a rebuild reloads: the whole extension for the
background, the matching content-script groups for content scripts and
nothing otherwise. Roles not set in the configuration are inferred from the
reconciled manifest.

Examples:
  exthmr entries                   # Table
  exthmr entries -f json           # JSON`,
	PreRunE: func(cmd *cobra.Command, args []string) error { return BindFlags(cmd) },
	RunE:    runEntries,
}

var entriesFlags *StandardFlags

func init() {
	rootCmd.AddCommand(entriesCmd)

	entriesFlags = AddStandardFlags(entriesCmd, "output")
}

// EntryInfo describes one entry as listed by the entries command.
type EntryInfo struct {
	Name     string     `json:"name" yaml:"name"`
	Source   string     `json:"source" yaml:"source"`
	Output   string     `json:"output" yaml:"output"`
	Role     types.Role `json:"role" yaml:"role"`
	Inferred bool       `json:"inferred" yaml:"inferred"`
	Matches  []string   `json:"matches,omitempty" yaml:"matches,omitempty"`
}

func runEntries(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	res, err := reconcileManifest(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	infos, err := describeEntries(cfg, res.Descriptor)
	if err != nil {
		return err
	}

	return writeOutput(cmd.OutOrStdout(), entriesFlags.OutputFormat, infos, func(w io.Writer) error {
		return entriesTable(w, infos)
	})
}

// describeEntries resolves each entry's output name and role against d.
func describeEntries(cfg *config.Config, d *manifest.Descriptor) ([]EntryInfo, error) {
	entries, err := cfg.BuildEntries()
	if err != nil {
		return nil, err
	}
	root := cfg.RootDir()

	infos := make([]EntryInfo, 0, len(entries))
	for _, e := range entries {
		output := e.OutputName(root)
		info := EntryInfo{Name: e.Name, Source: e.SourcePath, Output: output, Role: e.Role}

		groups := manifest.GroupsForOutput(d, output)
		if info.Role == types.RoleAuto {
			info.Inferred = true
			switch {
			case manifest.IsBackgroundOutput(d, output):
				info.Role = types.RoleBackground
			case len(groups) > 0:
				info.Role = types.RoleContentScript
			default:
				info.Role = types.RoleOther
			}
		}
		if info.Role == types.RoleContentScript {
			for _, g := range groups {
				info.Matches = append(info.Matches, g.Matches...)
			}
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func entriesTable(w io.Writer, infos []EntryInfo) error {
	title := cases.Title(language.English)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tROLE\tOUTPUT\tMATCHES")
	for _, info := range infos {
		role := title.String(strings.ReplaceAll(string(info.Role), "-", " "))
		if info.Inferred {
			role += " (inferred)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", info.Name, role, info.Output, strings.Join(info.Matches, ", "))
	}
	return tw.Flush()
}
