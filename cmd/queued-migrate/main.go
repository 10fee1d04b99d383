// Command queued-migrate applies or inspects the queue database schema
// without pulling in the API, worker, or scheduler packages. It exists
// for deployment pipelines that want a migration step decoupled from
// the long-running queued process.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/cuemby/queued/pkg/storage"
)

func main() {
	var (
		dbPath = flag.String("db", "./queued-data/queued.db", "Path to the SQLite database file")
		check  = flag.Bool("check", false, "Report the schema version; a missing file is reported and not created, an existing one is opened, which applies any pending migrations")
	)
	flag.Parse()

	if *check {
		if err := runCheck(*dbPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := runMigrate(*dbPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runMigrate(dbPath string) error {
	// storage.Open applies every pending migration as part of opening
	// the database, so opening it successfully is the whole job.
	engine, err := storage.Open(dbPath)
	if err != nil {
		return err
	}
	defer engine.Close()

	current, latest, err := engine.SchemaVersion()
	if err != nil {
		return err
	}
	fmt.Printf("✓ %s migrated to schema version %d\n", dbPath, current)
	if current != latest {
		fmt.Printf("  warning: latest known version is %d\n", latest)
	}
	return nil
}

func runCheck(dbPath string) error {
	if _, err := os.Stat(dbPath); err != nil {
		if os.IsNotExist(err) {
			fmt.Printf("%s does not exist\n", dbPath)
			return nil
		}
		return err
	}

	engine, err := storage.Open(dbPath)
	if err != nil {
		return err
	}
	defer engine.Close()

	current, latest, err := engine.SchemaVersion()
	if err != nil {
		return err
	}
	fmt.Printf("%s: schema version %d (latest known: %d)\n", dbPath, current, latest)
	return nil
}
