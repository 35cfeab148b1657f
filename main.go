package main

import (
	"fmt"
	"log"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/deemkeen/apfed/activitypub"
	"github.com/deemkeen/apfed/db"
	"github.com/deemkeen/apfed/kv"
	"github.com/deemkeen/apfed/util"
	"github.com/spf13/cobra"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	infoStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	warnStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214"))
	okStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
)

var rootCmd = &cobra.Command{
	Use:           util.Name,
	Short:         "ActivityPub federation engine",
	Long:          `Signs, verifies and delivers ActivityPub traffic for local actors, with durable per-category queues.`,
	Version:       util.GetVersion(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, warnStyle.Render("Error: ")+err.Error())
		os.Exit(1)
	}
}

// app is what every command works on: the configuration, the database and the
// federation components built from them
type app struct {
	conf   *util.AppConfig
	db     *db.DB
	fed    *activitypub.Federation
	shared kv.Store // nil when sweeps are not coordinated
}

func (a *app) Close() error {
	return a.db.Close()
}

func openApp() (*app, error) {
	conf, err := util.ReadConf()
	if err != nil {
		return nil, err
	}
	return newApp(conf)
}

func newApp(conf *util.AppConfig) (*app, error) {
	path := util.ResolveDbPath(conf.Conf.DbPath)
	database, err := db.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}

	shared, err := sharedStore(conf.Conf.SharedStore, database)
	if err != nil {
		database.Close()
		return nil, err
	}

	cache := shared
	if cache == nil {
		cache = kv.NewMemory()
	}

	fed := activitypub.New(conf, activitypub.Stores{
		Actors:     database,
		Follows:    database,
		Activities: database,
		Blocks:     database,
		Jobs:       database,
		Cache:      cache,
	}, nil, nil)

	return &app{conf: conf, db: database, fed: fed, shared: shared}, nil
}

// sharedStore selects the key/value store shared by every process of the
// instance. It backs the key cache and the scheduler election.
func sharedStore(conf util.SharedStoreConf, database *db.DB) (kv.Store, error) {
	switch conf.Backend {
	case "", "sqlite":
		return database, nil
	case "memory":
		return kv.NewMemory(), nil
	case "s3":
		store, err := kv.NewS3Store(kv.S3Config{
			Endpoint:  conf.Endpoint,
			Region:    conf.Region,
			Bucket:    conf.Bucket,
			Prefix:    conf.Prefix,
			AccessKey: os.Getenv("APFED_S3_ACCESS_KEY"),
			SecretKey: os.Getenv("APFED_S3_SECRET_KEY"),
			Insecure:  conf.Insecure,
		})
		if err != nil {
			return nil, err
		}
		log.Printf("Shared store: s3 bucket %s at %s", conf.Bucket, conf.Endpoint)
		return store, nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown shared store backend %q", conf.Backend)
	}
}

// withApp opens the app for the duration of a command
func withApp(run func(cmd *cobra.Command, a *app, args []string) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()
		return run(cmd, a, args)
	}
}
