// powersync-shell is a small operator tool around the sync engine: it opens
// a database with the extension attached, initializes or migrates the
// internal tables, optionally applies a schema, and can replay a file of
// recorded sync lines through powersync_control, printing the instructions
// the engine emits.
package main

import (
	"bufio"
	"database/sql"
	"os"

	humanize "github.com/dustin/go-humanize"
	flags "github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"

	"go.powersync.dev/core/extension"
	"go.powersync.dev/core/storage"
)

var opts struct {
	DB        string `long:"db" default:"powersync.db" description:"Path of the SQLite database"`
	Schema    string `long:"schema" description:"Path of a schema JSON document to apply"`
	Lines     string `long:"lines" description:"Path of a file with one sync line per row, replayed through the engine"`
	Migration int    `long:"migration" default:"-1" description:"Migrate the internal tables to this version instead of the latest"`
	Params    string `long:"parameters" description:"JSON parameters passed with the start command"`
}

func main() {
	log.SetOutput(os.Stderr)

	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}

	db, err := sql.Open(extension.DriverName, opts.DB)
	if err != nil {
		log.WithField("err", err).Fatal("failed to open database")
	}
	defer db.Close()
	// One connection: the engine instance lives on the connection.
	db.SetMaxOpenConns(1)

	if opts.Migration >= 0 {
		if _, err = db.Exec(`SELECT powersync_test_migration(?)`, opts.Migration); err != nil {
			log.WithField("err", err).Fatal("migration failed")
		}
		log.WithField("version", opts.Migration).Info("migrated")
	} else {
		if _, err = db.Exec(`SELECT powersync_init()`); err != nil {
			log.WithField("err", err).Fatal("init failed")
		}
		log.WithField("version", storage.LatestVersion).Info("initialized")
	}

	if opts.Schema != "" {
		schemaJSON, err := os.ReadFile(opts.Schema)
		if err != nil {
			log.WithField("err", err).Fatal("failed to read schema")
		}
		if _, err = db.Exec(`SELECT powersync_replace_schema(?)`, string(schemaJSON)); err != nil {
			log.WithField("err", err).Fatal("failed to apply schema")
		}
		log.WithField("path", opts.Schema).Info("applied schema")
	}

	if opts.Lines != "" {
		replayLines(db)
	}
}

// replayLines drives one sync session from a file of recorded lines.
func replayLines(db *sql.DB) {
	var file, err = os.Open(opts.Lines)
	if err != nil {
		log.WithField("err", err).Fatal("failed to open lines file")
	}
	defer file.Close()

	if info, err := file.Stat(); err == nil {
		log.WithFields(log.Fields{
			"path": opts.Lines,
			"size": humanize.Bytes(uint64(info.Size())),
		}).Info("replaying sync lines")
	}

	var txn *sql.Tx
	if txn, err = db.Begin(); err != nil {
		log.WithField("err", err).Fatal("failed to begin transaction")
	}

	control := func(op string, payload interface{}) {
		var instructions string
		if err := txn.QueryRow(
			`SELECT powersync_control(?, ?)`, op, payload).Scan(&instructions); err != nil {
			log.WithFields(log.Fields{"op": op, "err": err}).Fatal("control failed")
		}
		if instructions != "[]" {
			log.WithFields(log.Fields{"op": op, "instructions": instructions}).Info("control")
		}
	}

	var start interface{}
	if opts.Params != "" {
		start = `{"parameters": ` + opts.Params + `}`
	}
	control("start", start)

	var scanner = bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<24)
	var count int
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		control("line_text", scanner.Text())
		count++
	}
	if err = scanner.Err(); err != nil {
		log.WithField("err", err).Fatal("failed to read lines")
	}
	control("stop", nil)

	if err = txn.Commit(); err != nil {
		log.WithField("err", err).Fatal("failed to commit")
	}
	log.WithField("lines", count).Info("replay complete")
}
