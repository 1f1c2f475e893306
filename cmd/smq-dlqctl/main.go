// Command smq-dlqctl inspects and replays a SmartMessage dead letter
// queue (spec §4.6). Subcommand dispatch and flag handling follow
// cmd/chartly/main.go's style (os.Args[1] switch, flag.NewFlagSet per
// subcommand). The sql-migrate/sql-stats subcommands exercise the
// SQL-backed store against either Postgres or SQLite, so both drivers are
// blank-imported here the way postgres_store.go's caller would register
// its driver at the binary's entrypoint.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nova-labs/smartmessage/pkg/dlq"
	"github.com/nova-labs/smartmessage/pkg/envelope"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "inspect":
		cmdInspect(os.Args[2:])
	case "stats":
		cmdStats(os.Args[2:])
	case "replay":
		cmdReplay(os.Args[2:])
	case "export":
		cmdExport(os.Args[2:])
	case "sql-migrate":
		cmdSQLMigrate(os.Args[2:])
	case "sql-stats":
		cmdSQLStats(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Println("smq-dlqctl inspect --file ./smartmessage.dlq --limit 20")
	fmt.Println("smq-dlqctl stats --file ./smartmessage.dlq")
	fmt.Println("smq-dlqctl replay --file ./smartmessage.dlq --count 10")
	fmt.Println("smq-dlqctl export --file ./smartmessage.dlq --from RFC3339 --to RFC3339")
	fmt.Println("smq-dlqctl sql-migrate --driver sqlite3|postgres --dsn <dsn> --table smartmessage_dlq")
	fmt.Println("smq-dlqctl sql-stats --driver sqlite3|postgres --dsn <dsn> --table smartmessage_dlq")
}

func openStore(path string) *dlq.FileStore {
	s, err := dlq.Open(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open failed:", err)
		os.Exit(1)
	}
	return s
}

func cmdInspect(args []string) {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	file := fs.String("file", "smartmessage.dlq", "DLQ file path")
	limit := fs.Int("limit", 20, "max records to print")
	class := fs.String("class", "", "filter by message class")
	_ = fs.Parse(args)

	store := openStore(*file)

	var (
		records []dlq.Record
		err     error
	)
	if *class != "" {
		records, err = store.FilterByClass(*class)
	} else {
		records, err = store.InspectMessages(*limit)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "inspect failed:", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	for _, r := range records {
		_ = enc.Encode(r)
	}
	fmt.Fprintf(os.Stderr, "%d record(s)\n", len(records))
}

func cmdStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	file := fs.String("file", "smartmessage.dlq", "DLQ file path")
	_ = fs.Parse(args)

	store := openStore(*file)
	stats, err := store.Statistics()
	if err != nil {
		fmt.Fprintln(os.Stderr, "stats failed:", err)
		os.Exit(1)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(stats)
}

// stdoutPublisher replays by printing the envelope, the CLI's stand-in
// for a live transport (an operator would otherwise have to stand up a
// whole process to replay against a running broker).
type stdoutPublisher struct{}

func (stdoutPublisher) Publish(env envelope.Envelope) error {
	fmt.Printf("[replay] class=%s uuid=%s from=%s payload=%s\n",
		env.Header.MessageClass, env.Header.UUID, env.Header.From, string(env.Payload))
	return nil
}

func cmdReplay(args []string) {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	file := fs.String("file", "smartmessage.dlq", "DLQ file path")
	count := fs.Int("count", 10, "max records to replay")
	_ = fs.Parse(args)

	store := openStore(*file)
	succeeded, err := store.ReplayBatch(*count, stdoutPublisher{})
	if err != nil {
		fmt.Fprintln(os.Stderr, "replay completed with errors, first:", err)
	}
	fmt.Fprintf(os.Stderr, "%d record(s) replayed\n", succeeded)
}

func cmdExport(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	file := fs.String("file", "smartmessage.dlq", "DLQ file path")
	from := fs.String("from", "", "RFC3339 start (inclusive)")
	to := fs.String("to", "", "RFC3339 end (inclusive)")
	_ = fs.Parse(args)

	fromT, err := parseTimeOrZero(*from)
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid --from:", err)
		os.Exit(2)
	}
	toT, err := parseTimeOrZero(*to)
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid --to:", err)
		os.Exit(2)
	}
	if toT.IsZero() {
		toT = time.Now().UTC()
	}

	store := openStore(*file)
	records, err := store.ExportRange(fromT, toT)
	if err != nil {
		fmt.Fprintln(os.Stderr, "export failed:", err)
		os.Exit(1)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(records)
}

func parseTimeOrZero(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

func openSQLStore(driver, dsn, table string) (*sql.DB, *dlq.SQLStore) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		fmt.Fprintln(os.Stderr, "sql.Open failed:", err)
		os.Exit(1)
	}
	store, err := dlq.NewSQLStore(db, driver, table, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid store config:", err)
		os.Exit(1)
	}
	return db, store
}

func cmdSQLMigrate(args []string) {
	fs := flag.NewFlagSet("sql-migrate", flag.ExitOnError)
	driver := fs.String("driver", "sqlite3", "sqlite3 or postgres")
	dsn := fs.String("dsn", "smartmessage_dlq.db", "driver-specific data source name")
	table := fs.String("table", "", "table name (default smartmessage_dlq)")
	_ = fs.Parse(args)

	db, store := openSQLStore(*driver, *dsn, *table)
	defer db.Close()

	if err := store.EnsureSchema(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "migrate failed:", err)
		os.Exit(1)
	}
	fmt.Println("schema ensured")
}

func cmdSQLStats(args []string) {
	fs := flag.NewFlagSet("sql-stats", flag.ExitOnError)
	driver := fs.String("driver", "sqlite3", "sqlite3 or postgres")
	dsn := fs.String("dsn", "smartmessage_dlq.db", "driver-specific data source name")
	table := fs.String("table", "", "table name (default smartmessage_dlq)")
	_ = fs.Parse(args)

	db, store := openSQLStore(*driver, *dsn, *table)
	defer db.Close()

	n, err := store.Count(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, "count failed:", err)
		os.Exit(1)
	}
	fmt.Printf("%d row(s)\n", n)
}
