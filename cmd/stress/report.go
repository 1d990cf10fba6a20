package stress

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"
)

// printResult prints the result of a stress scenario in a formatted way
func printResult(res *scenarioResult) {
	opsPerSec := float64(res.Ops) / res.Duration.Seconds()
	fmt.Printf("%-10s%d ops in %s\t%.0f ops/sec (mean %.0f)\t%d freed, %d left for close\n",
		res.Name, res.Ops, res.Duration.Round(time.Millisecond), opsPerSec, res.RateMean, res.Freed, res.Leftover)
}

// writeResultsToCSV writes stress results to a CSV file
func writeResultsToCSV(csvPath string, results map[string]*scenarioResult, cfg *stressConfig) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	// Write header
	header := []string{
		"Scenario", "Ops", "OpsPerSec", "Rate1", "Freed", "Leftover", "DurationSec",
		"Workers", "BlockSize", "Spread",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	// Write scenario results
	for _, res := range results {
		row := []string{
			res.Name,
			strconv.FormatInt(res.Ops, 10),
			fmt.Sprintf("%.0f", float64(res.Ops)/res.Duration.Seconds()),
			fmt.Sprintf("%.0f", res.Rate1),
			strconv.FormatInt(res.Freed, 10),
			strconv.FormatInt(res.Leftover, 10),
			fmt.Sprintf("%.2f", res.Duration.Seconds()),
			strconv.Itoa(cfg.Workers),
			strconv.Itoa(cfg.BlockSize),
			strconv.Itoa(cfg.Spread),
		}

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for scenario %s: %v", res.Name, err)
		}
	}

	return nil
}
