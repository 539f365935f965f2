package app

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/spf13/cobra"

	"github.com/stacklok/mcp-grimoire/pkg/config"
	"github.com/stacklok/mcp-grimoire/pkg/embedstore"
	"github.com/stacklok/mcp-grimoire/pkg/paths"
	"github.com/stacklok/mcp-grimoire/pkg/spell"
)

func newDoctorCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Inspect the grimoire home directory without serving, spawning, or killing any process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor()
		},
	}
}

func runDoctor() error {
	if homeFlag != "" {
		if err := os.Setenv("GRIMOIRE_HOME", homeFlag); err != nil {
			return err
		}
	}

	home, err := paths.Home()
	if err != nil {
		return fmt.Errorf("resolving grimoire home: %w", err)
	}

	discovery, err := spell.New(home)
	if err != nil {
		return fmt.Errorf("scanning spell directory: %w", err)
	}
	spells := discovery.GetSpells()

	cachePath, err := paths.EmbeddingCachePath()
	if err != nil {
		return err
	}
	store := embedstore.New(cachePath, config.Default().DebounceWindow)
	var cacheSize string
	if err := store.Load(); err != nil {
		cacheSize = fmt.Sprintf("error: %v", err)
	} else if info, statErr := os.Stat(cachePath); statErr == nil {
		cacheSize = fmt.Sprintf("%d bytes", info.Size())
	} else {
		cacheSize = "not yet created"
	}

	var orphans []string
	meta := store.GetLifecycleMetadata()
	for name, pid := range meta.ActivePIDs {
		if exists, _ := process.PidExists(int32(pid)); exists {
			orphans = append(orphans, fmt.Sprintf("%s (pid %d)", name, pid))
		}
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header([]string{"Check", "Result"})
	_ = table.Append([]string{"Grimoire home", home})
	_ = table.Append([]string{"Spells discovered", fmt.Sprintf("%d", len(spells))})
	_ = table.Append([]string{"Embedding cache", cacheSize})
	_ = table.Append([]string{"Would-be-reaped orphan PIDs", fmt.Sprintf("%d", len(orphans))})
	if err := table.Render(); err != nil {
		return err
	}

	if len(orphans) > 0 {
		fmt.Println("\nOrphan processes recorded from a previous run:")
		for _, o := range orphans {
			fmt.Println("  -", o)
		}
	}
	return nil
}
