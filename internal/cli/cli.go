// ============================================================================
// batch-job CLI
// ============================================================================
//
// Command structure:
//   batchjob                         # Root command
//   ├── run                          # Run a registered function over an input file
//   │   ├── --func                   # Registered function name
//   │   ├── --input                  # JSON file of per-iteration rows
//   │   ├── --output                 # Where to write the result JSON
//   │   └── --workers, --timeout-ms, --mode, --hosts, ...
//   ├── status                       # Inspect a running job's working directory
//   ├── cancel                       # Cancel a running job
//   └── batch-job-worker             # Hidden: worker-process entry point
//
// Configuration is a YAML file (default: configs/default.yaml) holding
// engine defaults and the metrics endpoint; every engine setting can be
// overridden per run with flags.
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ojwoodford/batch-job/internal/controller"
	"github.com/ojwoodford/batch-job/internal/metrics"
	"github.com/ojwoodford/batch-job/internal/worker"
	"github.com/ojwoodford/batch-job/pkg/types"
)

// Config is the YAML configuration file structure.
type Config struct {
	Engine struct {
		Workers   int      `yaml:"workers"`
		TimeoutMs int64    `yaml:"timeout_ms"`
		Mode      string   `yaml:"mode"`
		WorkDir   string   `yaml:"work_dir"`
		Hosts     []string `yaml:"hosts"`
		Progress  bool     `yaml:"progress"`
		KeepFiles bool     `yaml:"keep_files"`
	} `yaml:"engine"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

const defaultConfigPath = "configs/default.yaml"

var configFile string

// BuildCLI assembles the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "batchjob",
		Short: "batch-job: parallelize a for loop across processes and machines",
		Long: `batch-job splits an embarrassingly parallel loop into chunks and
distributes them over worker processes, locally or across machines
sharing a filesystem. Workers coordinate through lock files or a
memory-mapped region; no server is involved.`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", defaultConfigPath, "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildCancelCommand())
	rootCmd.AddCommand(BuildWorkerCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	var (
		funcName  string
		inputFile string
		output    string
		workers   int
		chunkSize int
		timeoutMs int64
		mode      string
		hosts     []string
		workDir   string
		progress  bool
		keepFiles bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a registered function over every row of an input file",
		Long: `Read per-iteration input rows from a JSON file, run the named
function over them in parallel, and write the assembled result as JSON.
The function must be registered in this binary.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}

			applyDefaults(cfg, cmd, &workers, &timeoutMs, &mode, &hosts, &workDir, &progress, &keepFiles)

			var mc *metrics.Collector
			if cfg.Metrics.Enabled {
				mc = metrics.NewCollector(prometheus.DefaultRegisterer)
				go func() {
					if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
						fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
					}
				}()
			}

			input, err := readInput(inputFile)
			if err != nil {
				return err
			}

			ctrl, err := controller.New(controller.Config{
				Func:      funcName,
				Input:     input,
				Workers:   workers,
				ChunkSize: chunkSize,
				Hosts:     hosts,
				TimeoutMs: timeoutMs,
				Mode:      types.Mode(mode),
				WorkDir:   workDir,
				Progress:  progress,
				KeepFiles: keepFiles,
				Metrics:   mc,
			})
			if err != nil {
				return err
			}

			// Ctrl+C cancels the job; workers stop at their next chunk
			// boundary and the working directory is cleaned up.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			res, err := ctrl.Run(ctx)
			if err != nil {
				return err
			}
			return writeOutput(output, res)
		},
	}

	cmd.Flags().StringVar(&funcName, "func", "", "registered function name")
	cmd.Flags().StringVarP(&inputFile, "input", "i", "", "JSON file of per-iteration rows")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default: stdout)")
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "worker count (default: one per CPU)")
	cmd.Flags().IntVar(&chunkSize, "chunk-size", 0, "iterations per chunk (default: chosen by the timing probe)")
	cmd.Flags().Int64Var(&timeoutMs, "timeout-ms", 0, "per-chunk deadline in ms; positive skips stalled chunks, negative retries them")
	cmd.Flags().StringVar(&mode, "mode", "", "coordination mode: networked or colocated")
	cmd.Flags().StringSliceVar(&hosts, "hosts", nil, "remote hosts to spread workers over (networked mode)")
	cmd.Flags().StringVar(&workDir, "workdir", "", "directory to create the job directory under")
	cmd.Flags().BoolVar(&progress, "progress", false, "log progress while the job runs")
	cmd.Flags().BoolVar(&keepFiles, "keep-files", false, "keep the job directory after the run")
	cmd.MarkFlagRequired("func")
	cmd.MarkFlagRequired("input")

	return cmd
}

// applyDefaults fills unset flags from the config file.
func applyDefaults(cfg *Config, cmd *cobra.Command, workers *int, timeoutMs *int64, mode *string, hosts *[]string, workDir *string, progress, keepFiles *bool) {
	if !cmd.Flags().Changed("workers") {
		*workers = cfg.Engine.Workers
	}
	if !cmd.Flags().Changed("timeout-ms") {
		*timeoutMs = cfg.Engine.TimeoutMs
	}
	if !cmd.Flags().Changed("mode") {
		*mode = cfg.Engine.Mode
	}
	if *mode == "" {
		*mode = string(types.ModeNetworked)
	}
	if !cmd.Flags().Changed("hosts") {
		*hosts = cfg.Engine.Hosts
	}
	if !cmd.Flags().Changed("workdir") {
		*workDir = cfg.Engine.WorkDir
	}
	if !cmd.Flags().Changed("progress") {
		*progress = cfg.Engine.Progress
	}
	if !cmd.Flags().Changed("keep-files") {
		*keepFiles = cfg.Engine.KeepFiles
	}
}

func readInput(path string) ([]types.Row, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read input file: %w", err)
	}

	var rows []types.Row
	if err := json.Unmarshal(data, &rows); err == nil {
		return rows, nil
	}

	// Fall back to a bare array of numeric arrays.
	var flat [][]float64
	if err := json.Unmarshal(data, &flat); err != nil {
		return nil, fmt.Errorf("failed to parse input file %s: %w", path, err)
	}
	rows = make([]types.Row, len(flat))
	for i, d := range flat {
		rows[i] = types.Row{Data: d}
	}
	return rows, nil
}

func writeOutput(path string, res interface{}) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	data = append(data, '\n')

	if path == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ============================================================================
// worker (hidden)
// ============================================================================

// BuildWorkerCommand returns the hidden subcommand that worker
// processes are launched with. It is addressable both through the full
// CLI and directly as argv[1] by library users who never build a CLI.
func BuildWorkerCommand() *cobra.Command {
	var (
		descriptorPath string
		slot           int
	)

	cmd := &cobra.Command{
		Use:    controller.WorkerSubcommand,
		Short:  "Run as a batch-job worker process (internal)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return worker.Main(descriptorPath, slot, nil)
		},
	}

	cmd.Flags().StringVar(&descriptorPath, "descriptor", "", "path to the published job descriptor")
	cmd.Flags().IntVar(&slot, "slot", 0, "worker slot index")
	cmd.MarkFlagRequired("descriptor")

	return cmd
}

// ============================================================================
// status / cancel
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var workDir string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the progress of a running job",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := controller.Inspect(workDir)
			if err != nil {
				return err
			}
			return printStatus(st)
		},
	}

	cmd.Flags().StringVar(&workDir, "workdir", "", "the job's working directory")
	cmd.MarkFlagRequired("workdir")

	return cmd
}

func printStatus(st *controller.JobStatus) error {
	fmt.Printf("Job:        %s\n", st.ID)
	fmt.Printf("Function:   %s\n", st.Func)
	fmt.Printf("Mode:       %s\n", st.Mode)
	fmt.Printf("Iterations: %d (chunk size %d)\n", st.N, st.ChunkSize)
	fmt.Printf("Chunks:     %d/%d done\n", st.DoneChunks, st.NumChunks)

	if len(st.Workers) > 0 {
		fmt.Println("Workers:")
		for _, w := range st.Workers {
			state := "idle"
			switch {
			case w.Finished:
				state = "finished"
			case w.Chunk != 0:
				state = fmt.Sprintf("chunk %d", w.Chunk)
			}
			host := w.Host
			if host == "" {
				host = "localhost"
			}
			fmt.Printf("  slot %d: pid %d on %s, %s\n", w.Slot, w.PID, host, state)
		}
	}
	return nil
}

func buildCancelCommand() *cobra.Command {
	var workDir string

	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel a running job",
		Long: `Delete the job's descriptor, which workers treat as the
cancellation signal at their next chunk boundary.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := controller.CancelJob(workDir); err != nil {
				return err
			}
			fmt.Println("job cancelled")
			return nil
		},
	}

	cmd.Flags().StringVar(&workDir, "workdir", "", "the job's working directory")
	cmd.MarkFlagRequired("workdir")

	return cmd
}

// loadConfig reads the YAML config. A missing file at the default path
// is not an error; the built-in defaults apply.
func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) && path == defaultConfigPath {
		return &Config{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return &cfg, nil
}
