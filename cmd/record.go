package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/marcus/storesync/internal/models"
	"github.com/marcus/storesync/internal/output"
)

var recordCmd = &cobra.Command{
	Use:   "record <entity-type> <entity-id> [payload-json|-]",
	Short: "Record a local change to an entity",
	Long: `Writes a change record through the same path the business layer uses:
the record gets the next local clock tick, is based on the current state and
becomes the current state. Use - to read the payload from stdin.`,
	Example: `  storesync record product P1 '{"sku":"P1","name":"Espresso","price_cents":350,"active":true}'
  storesync record inventory P1 '{"sku":"P1","location":"main","quantity":12,"delta":-1}'
  storesync record customer C9 --delete`,
	GroupID: "sync",
	Args:    cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		t := models.EntityType(args[0])
		if !models.IsValidEntityType(t) {
			return fmt.Errorf("unknown entity type %q", t)
		}
		deleted, _ := cmd.Flags().GetBool("delete")
		owner, _ := cmd.Flags().GetString("owner")

		var raw []byte
		switch {
		case len(args) == 3 && args[2] == "-":
			data, err := io.ReadAll(os.Stdin)
			if err != nil {
				return fmt.Errorf("read stdin: %w", err)
			}
			raw = data
		case len(args) == 3:
			raw = []byte(args[2])
		case !deleted:
			return errors.New("a payload is required unless --delete is set")
		}
		payload, err := models.DecodePayload(t, raw)
		if err != nil {
			return err
		}

		e, err := openEnv()
		if err != nil {
			return err
		}
		defer e.Close()

		if owner == "" {
			owner = e.cfg.StoreID
		}
		ref := models.EntityRef{Type: t, ID: args[1], StoreID: owner}
		rec, err := e.store.RecordLocalChange(cmd.Context(), e.cfg.StoreID, ref, payload, deleted)
		if err != nil {
			return err
		}
		if jsonOutput {
			return output.JSON(rec)
		}
		output.Success("Recorded %s at %s (seq %d)", rec.Ref, rec.Version(), rec.Seq)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(recordCmd)
	recordCmd.Flags().Bool("delete", false, "record a tombstone")
	recordCmd.Flags().String("owner", "", "store that owns the entity (default: this store)")
}
