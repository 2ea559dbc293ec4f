// Copyright 2022 LSPosed contributors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	dexhelper "github.com/LSPosed/DexHelper"
)

var exportOut string

func init() {
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "dex-index.db",
		"output SQLite file")
	rootCmd.AddCommand(exportCmd)
}

var exportCmd = &cobra.Command{
	Use:   "export <dex>...",
	Short: "Export the decoded tables into a SQLite database",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openImages(args)
		if err != nil {
			return err
		}
		defer d.Close()

		db, err := sql.Open("sqlite", exportOut)
		if err != nil {
			return fmt.Errorf("failed to open db: %w", err)
		}
		defer db.Close()

		if err := initSchema(db); err != nil {
			return err
		}
		if err := exportTables(db, d); err != nil {
			return err
		}

		fmt.Printf("exported %d image(s) to %s\n", d.ImageCount(), exportOut)
		return nil
	},
}

func initSchema(db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS classes (
		dex INTEGER NOT NULL,
		class_def_idx INTEGER NOT NULL,
		descriptor TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS methods (
		dex INTEGER NOT NULL,
		method_id INTEGER NOT NULL,
		class TEXT NOT NULL,
		name TEXT NOT NULL,
		signature TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS fields (
		dex INTEGER NOT NULL,
		field_id INTEGER NOT NULL,
		class TEXT NOT NULL,
		type TEXT NOT NULL,
		name TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_methods_name ON methods(name);
	CREATE INDEX IF NOT EXISTS idx_fields_name ON fields(name);
	`
	if _, err := db.Exec(query); err != nil {
		return fmt.Errorf("failed to init schema: %w", err)
	}
	return nil
}

func exportTables(db *sql.DB, d *dexhelper.Helper) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for dex := 0; dex < d.ImageCount(); dex++ {
		for i := 0; i < d.ClassDefCount(dex); i++ {
			if _, err := tx.Exec(
				"INSERT INTO classes (dex, class_def_idx, descriptor) VALUES (?, ?, ?)",
				dex, i, d.ClassDefAt(dex, i)); err != nil {
				return err
			}
		}
		for id := 0; id < d.MethodCount(dex); id++ {
			m := d.DecodeMethodID(dex, uint32(id))
			if _, err := tx.Exec(
				"INSERT INTO methods (dex, method_id, class, name, signature) VALUES (?, ?, ?, ?, ?)",
				dex, id, m.DeclaringClass.Name, m.Name, formatMethod(m)); err != nil {
				return err
			}
		}
		for id := 0; id < d.FieldCount(dex); id++ {
			f := d.DecodeFieldID(dex, uint32(id))
			if _, err := tx.Exec(
				"INSERT INTO fields (dex, field_id, class, type, name) VALUES (?, ?, ?, ?, ?)",
				dex, id, f.DeclaringClass.Name, f.Type.Name, f.Name); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}
