package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	flag "github.com/spf13/pflag"

	"gallery.dev/internal/migrate"
	"gallery.dev/internal/seed"
	"gallery.dev/internal/store/pg"
)

func main() {
	log.SetFlags(0)
	var (
		dsn      = flag.String("dsn", os.Getenv("GALLERY_PG_DSN"), "PostgreSQL DSN")
		table    = flag.String("table", "schema_migrations", "Migration history table")
		seedFile = flag.String("seed", "", "YAML seed file applied by the seed command")
		timeout  = flag.Duration("timeout", 2*time.Minute, "Overall deadline")
	)
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: migrate [flags] up|down|status|seed|move-exhibit-teams")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via --dsn or GALLERY_PG_DSN")
	}
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	mgr := migrate.NewManager(db, migrate.WithMigrationsTable(*table))

	switch flag.Arg(0) {
	case "up":
		var applied []string
		applied, err = mgr.Up(ctx)
		for _, name := range applied {
			fmt.Println("applied", name)
		}
	case "down":
		var name string
		name, err = mgr.Down(ctx)
		if err == nil && name != "" {
			fmt.Println("rolled back", name)
		}
	case "status":
		var history []migrate.Migration
		history, err = mgr.Status(ctx)
		for _, m := range history {
			state := "pending"
			if m.Applied {
				state = "applied"
			}
			fmt.Printf("%-8s %s\n", state, m.Name)
		}
	case "seed":
		if *seedFile == "" {
			log.Fatal("seed requires --seed")
		}
		var doc *seed.Document
		if doc, err = seed.LoadFile(*seedFile); err == nil {
			err = seed.Apply(ctx, pg.New(db, nil), doc)
		}
	case "move-exhibit-teams":
		var report migrate.MoveReport
		report, err = mgr.MoveExhibitTeams(ctx)
		if err == nil {
			fmt.Printf("assigned=%d split=%d members=%d\n", report.Assigned, report.Split, report.Members)
		}
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}
