// Copyright (C) 2025 Lancache Warden Authors.
// See LICENSE for copying information.

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/fpath"
	"storj.io/private/cfgstruct"
	"storj.io/private/process"

	"lancache.dev/warden/manager"
	"lancache.dev/warden/manager/managerdb"
	"lancache.dev/warden/manager/operations"
	"lancache.dev/warden/manager/state"
	"lancache.dev/warden/manager/steam"
)

// WardenFlags defines the warden configuration.
type WardenFlags struct {
	EditConf bool   `default:"false" help:"open config in default editor"`
	DataDir  string `help:"directory for state, secrets and the master database" default:"$CONFDIR/data"`

	manager.Config
}

var (
	rootCmd = &cobra.Command{
		Use:   "warden",
		Short: "Lancache Warden",
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the warden",
		RunE:  cmdRun,
	}
	setupCmd = &cobra.Command{
		Use:         "setup",
		Short:       "Create config files",
		RunE:        cmdSetup,
		Annotations: map[string]string{"type": "setup"},
	}
	diagCmd = &cobra.Command{
		Use:         "diag",
		Short:       "Print state and operation history",
		RunE:        cmdDiag,
		Annotations: map[string]string{"type": "helper"},
	}

	runCfg   WardenFlags
	setupCfg WardenFlags
	diagCfg  WardenFlags
	confDir  string
)

func init() {
	defaultConfDir := fpath.ApplicationDir("lancache", "warden")
	cfgstruct.SetupFlag(zap.L(), rootCmd, &confDir, "config-dir", defaultConfDir, "main directory for warden configuration")
	defaults := cfgstruct.DefaultsFlag(rootCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(diagCmd)
	process.Bind(runCmd, &runCfg, defaults, cfgstruct.ConfDir(confDir))
	process.Bind(setupCmd, &setupCfg, defaults, cfgstruct.ConfDir(confDir), cfgstruct.SetupMode())
	process.Bind(diagCmd, &diagCfg, defaults, cfgstruct.ConfDir(confDir))
}

func main() {
	process.Exec(rootCmd)
}

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)
	log := zap.L()

	if err := os.MkdirAll(runCfg.DataDir, 0o700); err != nil {
		return errs.New("failed to create data directory: %+v", err)
	}

	db, err := managerdb.Open(ctx, log.Named("db"), runCfg.DataDir, runCfg.Database)
	if err != nil {
		return errs.New("error starting master database: %+v", err)
	}
	defer func() {
		err = errs.Combine(err, db.Close())
	}()

	if err := db.MigrateToLatest(ctx); err != nil {
		return errs.New("error migrating master database: %+v", err)
	}

	dialer := steam.NewBridgeDialer(log.Named("steam:bridge"), runCfg.Bridge)

	peer, err := manager.New(ctx, log, db, dialer, runCfg.DataDir, runCfg.Config)
	if err != nil {
		return err
	}

	runError := peer.Run(ctx)
	closeError := peer.Close()

	return errs.Combine(runError, closeError)
}

func cmdSetup(cmd *cobra.Command, args []string) (err error) {
	setupDir, err := filepath.Abs(confDir)
	if err != nil {
		return err
	}

	valid, _ := fpath.IsValidSetupDir(setupDir)
	if !valid {
		return fmt.Errorf("warden configuration already exists (%v)", setupDir)
	}

	if err := os.MkdirAll(setupDir, 0o700); err != nil {
		return err
	}

	overrides := map[string]interface{}{
		"log.level": "info",
	}

	configFile := filepath.Join(setupDir, "config.yaml")
	err = process.SaveConfig(cmd, configFile, process.SaveConfigWithOverrides(overrides))
	if err != nil {
		return err
	}

	if setupCfg.EditConf {
		return fpath.EditFile(configFile)
	}

	return nil
}

func cmdDiag(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)

	dataDir, err := filepath.Abs(diagCfg.DataDir)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dataDir); err != nil {
		fmt.Println("warden data directory doesn't exist", dataDir)
		return err
	}

	store, err := state.Open(zap.L().Named("state"), dataDir)
	if err != nil {
		return errs.New("error reading state: %+v", err)
	}
	snapshot := store.Get()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	defer func() { err = errs.Combine(err, w.Flush()) }()

	fmt.Fprintln(w, "STATE")
	fmt.Fprintf(w, "\tlast change number\t%d\n", snapshot.DepotProcessing.LastChangeNumber)
	fmt.Fprintf(w, "\tmappings found\t%d\n", snapshot.DepotProcessing.MappingsFound)
	if last := snapshot.Scheduling.LastCrawl; last != nil {
		fmt.Fprintf(w, "\tlast crawl\t%s\n", last.UTC().Format(time.RFC3339))
	} else {
		fmt.Fprintf(w, "\tlast crawl\tnever\n")
	}
	fmt.Fprintf(w, "\tcrawl mode\t%s every %.1fh\n",
		snapshot.Scheduling.CrawlMode, snapshot.Scheduling.CrawlIntervalHours)

	db, err := managerdb.Open(ctx, zap.L().Named("db"), dataDir, diagCfg.Database)
	if err != nil {
		return errs.New("error opening master database: %+v", err)
	}
	defer func() {
		err = errs.Combine(err, db.Close())
	}()

	count, err := db.DepotMappings().Count(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "\tdepot mappings\t%d\n", count)

	records, err := readHistory(dataDir)
	if err != nil {
		return err
	}

	fmt.Fprintln(w, "\nOPERATIONS")
	for _, record := range records {
		ended := "running"
		if record.EndedAt != nil {
			ended = record.EndedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "\t%s\t%s\t%s\t%.0f%%\t%s\n",
			record.Kind, record.Scope, record.Status, record.Percent, ended)
	}
	if len(records) == 0 {
		fmt.Fprintln(w, "\tnone recorded")
	}
	return nil
}

// readHistory loads the registry's persisted records without starting
// a registry.
func readHistory(dataDir string) ([]operations.Record, error) {
	var records []operations.Record
	for _, path := range operations.HistoryFiles(dataDir) {
		raw, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, errs.Wrap(err)
		}
		var batch []operations.Record
		if err := json.Unmarshal(raw, &batch); err != nil {
			return nil, errs.Wrap(err)
		}
		records = append(records, batch...)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].StartedAt.After(records[j].StartedAt)
	})
	return records, nil
}
