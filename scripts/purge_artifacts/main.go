// purge_artifacts - A utility to prune old scan artifact partitions.
// Scan artifacts are only actionable for minutes, but the date-partitioned
// blobs accumulate forever. This removes partitions older than a retention
// window, warning when a partition still holds pending artifacts.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tstrasser/wheelhouse/internal/config"
	"github.com/tstrasser/wheelhouse/internal/models"
)

const dayFormat = "2006-01-02"

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "Path to configuration file")
		keepDays   = flag.Int("keep", 14, "Retention window in days")
		dryRun     = flag.Bool("dry-run", false, "Show what would be removed without removing it")
		yes        = flag.Bool("yes", false, "Skip confirmation prompt")
	)
	flag.Parse()

	if *keepDays < 1 {
		log.Fatalf("-keep must be at least 1 day")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	root := filepath.Join(cfg.Storage.Path, "opportunities")
	cutoff := time.Now().UTC().AddDate(0, 0, -*keepDays).Format(dayFormat)
	fmt.Printf("Storage root: %s\n", root)
	fmt.Printf("Removing partitions before %s\n\n", cutoff)

	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("Nothing stored yet.")
			return
		}
		log.Fatalf("Failed to list %s: %v", root, err)
	}

	type partition struct {
		day     string
		blobs   int
		pending int
	}
	var stale []partition
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := time.Parse(dayFormat, e.Name()); err != nil {
			continue
		}
		// Day names compare lexically in date order.
		if e.Name() >= cutoff {
			continue
		}
		blobs, pending := tally(filepath.Join(root, e.Name()))
		stale = append(stale, partition{day: e.Name(), blobs: blobs, pending: pending})
	}

	if len(stale) == 0 {
		fmt.Println("Nothing to remove.")
		return
	}

	for _, p := range stale {
		line := fmt.Sprintf("  %s: %d artifacts", p.day, p.blobs)
		if p.pending > 0 {
			line += fmt.Sprintf(" (%d still pending)", p.pending)
		}
		fmt.Println(line)
	}
	fmt.Println()

	if *dryRun {
		fmt.Printf("Dry run: would remove %d partitions\n", len(stale))
		return
	}

	if !*yes {
		fmt.Printf("Remove %d partitions? [y/N] ", len(stale))
		reader := bufio.NewReader(os.Stdin)
		answer, _ := reader.ReadString('\n')
		if strings.ToLower(strings.TrimSpace(answer)) != "y" {
			fmt.Println("Aborted.")
			return
		}
	}

	removed := 0
	for _, p := range stale {
		if err := os.RemoveAll(filepath.Join(root, p.day)); err != nil {
			log.Printf("Failed to remove %s: %v", p.day, err)
			continue
		}
		removed++
	}
	fmt.Printf("Removed %d partitions\n", removed)
}

// tally counts the artifacts in one day partition and how many never ran.
func tally(dir string) (blobs, pending int) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, 0
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		blobs++
		data, err := os.ReadFile(filepath.Join(dir, e.Name())) // #nosec G304 -- paths come from the store layout
		if err != nil {
			continue
		}
		var artifact models.ScanArtifact
		if err := json.Unmarshal(data, &artifact); err != nil {
			continue
		}
		if artifact.Status == models.ArtifactPending {
			pending++
		}
	}
	return blobs, pending
}
