package main

import (
	"encoding/json"
	"errors"
	"os"

	"github.com/spf13/cobra"
)

var mirrorCmd = &cobra.Command{
	Use:   "mirror",
	Short: "Copy rasters from remote storage into the local raster directory",
	Long: `Runs one mirror pass from the configured storage (s3, azure, http or
mount) into storage.local_path. A pass that changed files rebuilds the
catalog.`,
	RunE: runMirror,
}

func runMirror(_ *cobra.Command, _ []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newOneShot(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	if a.Mirror == nil {
		return errors.New("storage.type is local: nothing to mirror")
	}

	result, err := a.Mirror.Mirror(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
