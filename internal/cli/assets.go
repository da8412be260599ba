package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"postpilot/internal/catalog"
	"postpilot/internal/domain"
)

var (
	assetTitle       string
	assetDescription string
	assetCategory    string
	assetTopics      []string
	assetsUnpub      string
)

var assetsCmd = &cobra.Command{
	Use:   "assets",
	Short: "Manage the video asset catalog",
}

var assetsAddCmd = &cobra.Command{
	Use:   "add <source>",
	Short: "Add a video to the catalog",
	Long: `Add a video to the catalog with the next sequential id (v001, v002, ...).

Relative source paths are resolved against the catalog file's directory.
The description defaults to the title.

Examples:
  postpilot assets add videos/intro.mp4 --title "Intro" --topics travel,food`,
	Args: cobra.ExactArgs(1),
	RunE: runAssetsAdd,
}

var assetsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List catalog assets",
	Long: `List catalog assets with the targets they were published to.

Examples:
  postpilot assets list
  postpilot assets list --unpublished douyin`,
	Args: cobra.NoArgs,
	RunE: runAssetsList,
}

var assetsRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove an asset from the catalog",
	Args:  cobra.ExactArgs(1),
	RunE:  runAssetsRemove,
}

func init() {
	assetsAddCmd.Flags().StringVarP(&assetTitle, "title", "t", "", "title (required)")
	assetsAddCmd.Flags().StringVar(&assetDescription, "description", "", "description (default: title)")
	assetsAddCmd.Flags().StringVar(&assetCategory, "category", "", "optional category")
	assetsAddCmd.Flags().StringSliceVar(&assetTopics, "topics", nil, "topic tags")
	_ = assetsAddCmd.MarkFlagRequired("title")

	assetsListCmd.Flags().StringVarP(&assetsUnpub, "unpublished", "u", "", "only assets not yet published to this target")

	assetsCmd.AddCommand(assetsAddCmd)
	assetsCmd.AddCommand(assetsListCmd)
	assetsCmd.AddCommand(assetsRemoveCmd)
}

func runAssetsAdd(cmd *cobra.Command, args []string) error {
	asset, err := a.Assets().Add(cmd.Context(), catalog.AssetInput{
		Source:      args[0],
		Title:       assetTitle,
		Description: assetDescription,
		Category:    assetCategory,
		Topics:      assetTopics,
	})
	if err != nil {
		return fmt.Errorf("add asset: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Added %s: %s (%s)\n", asset.ID, asset.Title, asset.Source)
	return nil
}

func runAssetsList(cmd *cobra.Command, args []string) error {
	var (
		assets []domain.Asset
		err    error
	)
	if assetsUnpub != "" {
		t, perr := domain.ParseTarget(assetsUnpub)
		if perr != nil {
			return perr
		}
		assets, err = a.Assets().ListUnpublished(cmd.Context(), t)
	} else {
		assets, err = a.Assets().List(cmd.Context())
	}
	if err != nil {
		return fmt.Errorf("list assets: %w", err)
	}
	w := cmd.OutOrStdout()
	if len(assets) == 0 {
		fmt.Fprintln(w, "No assets found.")
		return nil
	}

	tw := newTable(w)
	fmt.Fprintln(tw, "ID\tTITLE\tCATEGORY\tTOPICS\tPUBLISHED")
	for _, as := range assets {
		published := make([]string, 0, len(as.Published))
		for t := range as.Published {
			published = append(published, string(t))
		}
		sort.Strings(published)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", as.ID, as.Title, dash(as.Category), dash(strings.Join(as.Topics, ",")), dash(strings.Join(published, ",")))
	}
	return tw.Flush()
}

func runAssetsRemove(cmd *cobra.Command, args []string) error {
	if err := a.Assets().Remove(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
