package stress

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/avollmer/reclaim/cmd/util"
	"github.com/avollmer/reclaim/lib/logging"
	"github.com/lni/dragonboat/v4/logger"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Logger is the logger instance used by this package
var Logger = logger.GetLogger("stress")

var (
	StressCmd = &cobra.Command{
		Use:   "stress",
		Short: "Load-test the reclamation substrates",
		Long: `Run concurrent stress scenarios against the tracking tree, the
epoch reclamation manager and the generational context, and report
throughput and reclamation totals. The configuration can be set via command
line flags or environment variables. The format of the environment variables
is RECLAIM_<flag> (e.g. RECLAIM_WORKERS=16)`,
		PreRunE: processConfig,
		RunE:    run,
	}

	cfg stressConfig
)

// stressConfig holds the fully parsed stress run configuration
type stressConfig struct {
	Scenarios         []string
	Workers           int
	Duration          time.Duration
	BlockSize         int
	Spread            int
	TTLMax            time.Duration
	SweepMin          time.Duration
	SweepMax          time.Duration
	PressureThreshold int64
	MetricsEndpoint   string
	CSVPath           string
}

func init() {
	// initialize viper
	cobra.OnInitialize(util.InitConfig)

	// add flags
	key := "scenarios"
	StressCmd.PersistentFlags().String(key, "tree,epoch,genctx", util.WrapString("Comma-separated list of scenarios to run (tree, epoch, genctx)"))

	key = "workers"
	StressCmd.PersistentFlags().Int(key, 8, util.WrapString("Number of concurrent workers per scenario"))

	key = "duration"
	StressCmd.PersistentFlags().Duration(key, 10*time.Second, util.WrapString("How long to run each scenario"))

	key = "block-size"
	StressCmd.PersistentFlags().Int(key, 256, util.WrapString("Size of each allocated block in bytes"))

	key = "spread"
	StressCmd.PersistentFlags().Int(key, 1024, util.WrapString("Number of live blocks each worker cycles through"))

	key = "ttl-max"
	StressCmd.PersistentFlags().Duration(key, 100*time.Millisecond, util.WrapString("Upper bound for the randomized block TTL in the tree scenario (0 disables time-based expiry)"))

	key = "sweep-min"
	StressCmd.PersistentFlags().Duration(key, 10*time.Millisecond, util.WrapString("Lower bound of the adaptive sweep/rotation cadence"))

	key = "sweep-max"
	StressCmd.PersistentFlags().Duration(key, time.Second, util.WrapString("Upper bound of the adaptive sweep/rotation cadence"))

	key = "pressure-threshold"
	StressCmd.PersistentFlags().Int64(key, 1024, util.WrapString("Garbage pressure in KB that forces an out-of-band sweep"))

	key = "metrics-endpoint"
	StressCmd.PersistentFlags().String(key, "", util.WrapString("Optional address to serve Prometheus metrics on during the run (e.g. localhost:9090)"))

	key = "csv"
	StressCmd.Flags().String(key, "", util.WrapString("Optional path to save stress results as CSV"))
}

// processConfig reads the configuration from the command line flags and
// environment variables into the stress configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	cfg = stressConfig{
		Workers:           viper.GetInt("workers"),
		Duration:          viper.GetDuration("duration"),
		BlockSize:         viper.GetInt("block-size"),
		Spread:            viper.GetInt("spread"),
		TTLMax:            viper.GetDuration("ttl-max"),
		SweepMin:          viper.GetDuration("sweep-min"),
		SweepMax:          viper.GetDuration("sweep-max"),
		PressureThreshold: viper.GetInt64("pressure-threshold") * 1024,
		MetricsEndpoint:   viper.GetString("metrics-endpoint"),
		CSVPath:           viper.GetString("csv"),
	}

	if cfg.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", cfg.Workers)
	}
	if cfg.BlockSize < 1 {
		return fmt.Errorf("block-size must be at least 1 byte, got %d", cfg.BlockSize)
	}
	if cfg.Spread < 1 {
		return fmt.Errorf("spread must be at least 1, got %d", cfg.Spread)
	}

	for _, name := range strings.Split(viper.GetString("scenarios"), ",") {
		name = strings.TrimSpace(name)
		switch name {
		case "tree", "epoch", "genctx":
			cfg.Scenarios = append(cfg.Scenarios, name)
		default:
			return fmt.Errorf("invalid scenario %s (expected one of: tree, epoch, genctx)", name)
		}
	}

	return nil
}

// run executes the configured scenarios one after another
func run(_ *cobra.Command, _ []string) error {
	logLevel := viper.GetString("log-level")
	if logLevel == "" {
		logLevel = "info"
	}
	logging.InitLoggers(logLevel)

	fmt.Println("Stress testing tool for the reclamation substrates")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Printf("Scenarios: %s\n", strings.Join(cfg.Scenarios, ", "))
	fmt.Printf("Workers:   %d\n", cfg.Workers)
	fmt.Printf("Duration:  %s per scenario\n", cfg.Duration)
	fmt.Printf("Blocks:    %d bytes, %d per worker\n", cfg.BlockSize, cfg.Spread)
	fmt.Println()

	if cfg.MetricsEndpoint != "" {
		startMetricsServer(cfg.MetricsEndpoint)
	}

	// one registry for the per-scenario throughput meters
	registry := gometrics.NewRegistry()

	fmt.Println("starting scenarios...")
	results := make(map[string]*scenarioResult)
	for _, name := range cfg.Scenarios {
		var (
			res *scenarioResult
			err error
		)
		switch name {
		case "tree":
			res, err = runTreeScenario(&cfg, registry)
		case "epoch":
			res, err = runEpochScenario(&cfg, registry)
		case "genctx":
			res, err = runGenctxScenario(&cfg, registry)
		}
		if err != nil {
			return fmt.Errorf("scenario %s failed: %v", name, err)
		}
		results[name] = res
		printResult(res)
	}

	// Write results to csv if specified
	if cfg.CSVPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", cfg.CSVPath)
		if err := writeResultsToCSV(cfg.CSVPath, results, &cfg); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}

	return nil
}

// --------------------------------------------------------------------------
// Metrics Endpoint
// --------------------------------------------------------------------------

var (
	promMu      sync.Mutex
	promSources []func(http.ResponseWriter)
)

// exposeMetrics registers a substrate with the /metrics endpoint for the
// duration of its scenario
func exposeMetrics(write func(http.ResponseWriter)) (unregister func()) {
	promMu.Lock()
	defer promMu.Unlock()
	idx := len(promSources)
	promSources = append(promSources, write)
	return func() {
		promMu.Lock()
		defer promMu.Unlock()
		promSources[idx] = nil
	}
}

// startMetricsServer serves the registered substrates' metrics in Prometheus
// text format. The server lives for the remainder of the process.
func startMetricsServer(endpoint string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		promMu.Lock()
		defer promMu.Unlock()
		for _, write := range promSources {
			if write != nil {
				write(w)
			}
		}
	})

	go func() {
		Logger.Infof("serving metrics on http://%s/metrics", endpoint)
		if err := http.ListenAndServe(endpoint, mux); err != nil {
			Logger.Errorf("metrics server failed: %v", err)
		}
	}()
}
