package export

import (
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Blu-J/rundler/services/reputation"
	"github.com/Blu-J/rundler/storage"
	"github.com/Blu-J/rundler/storage/pebble"
)

var Cmd = &cobra.Command{
	Use:   "export-reputation",
	Short: "Export the persisted reputation snapshot as JSON",
	RunE: func(*cobra.Command, []string) error {
		if databaseDir == "" {
			return fmt.Errorf("database-dir must be provided")
		}

		store, err := pebble.New(databaseDir, log.Logger)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer store.Close()

		out := io.Writer(os.Stdout)
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("failed to create output file: %w", err)
			}
			defer f.Close()
			out = f
		}

		if err := ExportReputation(pebble.NewReputation(store), out); err != nil {
			return fmt.Errorf("fail to export: %w", err)
		}

		log.Info().Str("database-dir", databaseDir).Msg("successfully exported reputation snapshot")
		return nil
	},
}

var (
	databaseDir string
	output      string
)

func init() {
	Cmd.Flags().StringVar(&databaseDir, "database-dir", "./db", "Path to the relay database directory")
	Cmd.Flags().StringVar(&output, "output", "", "Output file, defaults to stdout")
}

// Snapshot is the exported form of the persisted reputation state.
type Snapshot struct {
	Height  uint64              `json:"height"`
	Records []reputation.Record `json:"records"`
}

// ExportReputation writes the snapshot held by index to w.
func ExportReputation(index storage.ReputationIndexer, w io.Writer) error {
	height, records, err := index.Load()
	if err != nil {
		return err
	}
	if records == nil {
		records = []reputation.Record{}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(Snapshot{Height: height, Records: records})
}
