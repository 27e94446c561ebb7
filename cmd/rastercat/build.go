package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build and persist the catalog",
	Long: `Scans the configured sources, builds the spatial index and writes the
index and descriptor files. An existing loadable catalog is kept unless
--force is given.`,
	RunE: runBuild,
}

func init() {
	buildCmd.Flags().Bool("force", false, "rebuild even if a loadable catalog exists")
}

func runBuild(cmd *cobra.Command, _ []string) error {
	force, _ := cmd.Flags().GetBool("force")

	ctx, cancel := signalContext()
	defer cancel()

	a, err := newOneShot(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	result, built, err := a.BuildCatalog(ctx, force)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]interface{}{
		"built":       built,
		"rasters":     result.Rasters,
		"skipped":     result.Skipped,
		"fingerprint": result.Fingerprint,
		"index":       a.Store.IndexPath(),
		"descriptors": a.Store.DescriptorsPath(),
	})
}
