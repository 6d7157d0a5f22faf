// Command rangedl is the CLI entry point for the parallel range
// downloader: it parses flags, drives rangedl.Downloader to
// completion, and renders progress and a final summary.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/johejo/rangedl"
	"github.com/johejo/rangedl/health"
)

// fileConfig is the optional YAML defaults file loaded by -c/--config,
// generalizing the teacher's YAML-configured mirror list to this CLI's
// flag set. A config value is applied only where the flag still holds
// its default value, so a flag given on the command line with a value
// other than its default wins; a flag given with exactly its default
// value is overridden by the config.
type fileConfig struct {
	Num       int    `yaml:"num"`
	SizeMB    int64  `yaml:"size_mb"`
	SizeKB    int64  `yaml:"size_kb"`
	SizeGB    int64  `yaml:"size_gb"`
	Algorithm string `yaml:"algorithm"`
	Weight    float64 `yaml:"weight"`
	Timeout   time.Duration `yaml:"timeout"`
}

func loadConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file %q: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file %q: %w", path, err)
	}
	return cfg, nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type flags struct {
	num          int
	sizeMB       int64
	sizeKB       int64
	sizeGB       int64
	nonProgress  bool
	debug        bool
	algorithm    string
	weight       float64
	timeout      time.Duration
	configPath   string
	outputPath   string
}

func newRootCmd() *cobra.Command {
	f := &flags{}

	cmd := &cobra.Command{
		Use:   "rangedl URL [URL...]",
		Short: "Parallel HTTP/1.1 range-based file downloader",
		Long: "rangedl fetches a single file from one or more mirror URLs over many\n" +
			"concurrent TCP connections, reorders the received byte ranges, and\n" +
			"streams them to disk in order.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), args, f)
		},
		SilenceUsage: true,
	}

	cmd.Flags().IntVarP(&f.num, "num", "n", 5, "number of TCP connections (clamped to 10)")
	cmd.Flags().Int64VarP(&f.sizeMB, "size", "s", 0, "split size in MB, additive with --size-kb/--size-gb")
	cmd.Flags().Int64VarP(&f.sizeKB, "size-kb", "k", 0, "split size in KB, additive")
	cmd.Flags().Int64VarP(&f.sizeGB, "size-gb", "g", 0, "split size in GB, additive")
	cmd.Flags().BoolVarP(&f.nonProgress, "non-progress", "p", false, "disable progress bar output")
	cmd.Flags().BoolVarP(&f.debug, "debug", "d", false, "enable verbose diagnostics")
	cmd.Flags().StringVar(&f.algorithm, "algorithm", "stack_v1", "stall detector: stack_v1|stack_v2|timeout")
	cmd.Flags().Float64Var(&f.weight, "weight", 0, "detector weight (stack_v1/stack_v2 default if 0)")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "timeout detector duration (default 5s if 0)")
	cmd.Flags().StringVarP(&f.configPath, "config", "c", "", "optional YAML file of defaults")
	cmd.Flags().StringVarP(&f.outputPath, "output", "o", "", "output file path (default: basename of the first URL)")

	return cmd
}

func run(ctx context.Context, urls []string, f *flags) error {
	cfg, err := loadConfig(f.configPath)
	if err != nil {
		return err
	}
	applyConfigDefaults(f, cfg)

	log := logrus.New()
	if f.debug {
		log.SetLevel(logrus.DebugLevel)
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	partSize := (f.sizeMB*1000 + f.sizeKB + f.sizeGB*1000*1000) * 1000

	det, err := buildDetector(f.algorithm, f.weight, f.timeout)
	if err != nil {
		return err
	}

	var bar *progressbar.ProgressBar
	opts := []rangedl.Option{
		rangedl.WithNumConns(f.num),
		rangedl.WithPartSize(partSize),
		rangedl.WithDetector(det),
		rangedl.WithLogger(log),
	}
	if f.outputPath != "" {
		opts = append(opts, rangedl.WithOutputPath(f.outputPath))
	}
	if !f.nonProgress {
		bar = progressbar.DefaultBytes(-1, "downloading")
		opts = append(opts, rangedl.WithProgress(func(delta int64) {
			_ = bar.Add64(delta)
		}))
	}

	d := rangedl.New(urls, opts...)

	result, err := d.Download(ctx)
	if bar != nil {
		_ = bar.Finish()
	}
	if err != nil {
		log.WithError(err).Error("rangedl: download failed")
		return err
	}

	log.WithFields(logrus.Fields{
		"bytes":       result.Bytes,
		"elapsed":     result.Elapsed,
		"mbps":        result.Stats.MegabitsPerSec,
		"output":      result.OutputPath,
		"write_batch_mean":   result.Stats.WriteBatchMean(),
		"write_batch_stddev": result.Stats.WriteBatchStdDev(),
	}).Info("rangedl: download complete")

	for _, c := range result.Stats.PerConnection {
		log.WithFields(logrus.Fields{
			"conn":       c.ConnName,
			"bytes":      c.TotalBytes,
			"bytes_sec":  c.BytesPerSec,
		}).Debug("rangedl: connection throughput")
	}

	return nil
}

func applyConfigDefaults(f *flags, cfg fileConfig) {
	if f.num == 5 && cfg.Num != 0 {
		f.num = cfg.Num
	}
	if f.sizeMB == 0 {
		f.sizeMB = cfg.SizeMB
	}
	if f.sizeKB == 0 {
		f.sizeKB = cfg.SizeKB
	}
	if f.sizeGB == 0 {
		f.sizeGB = cfg.SizeGB
	}
	if f.algorithm == "stack_v1" && cfg.Algorithm != "" {
		f.algorithm = cfg.Algorithm
	}
	if f.weight == 0 {
		f.weight = cfg.Weight
	}
	if f.timeout == 0 {
		f.timeout = cfg.Timeout
	}
}

func buildDetector(algorithm string, weight float64, timeout time.Duration) (health.Detector, error) {
	switch algorithm {
	case "", "stack_v1":
		return health.NewStackV1(int(weight)), nil
	case "stack_v2":
		return health.NewStackV2(weight), nil
	case "timeout":
		return health.NewTimeout(timeout), nil
	default:
		return nil, fmt.Errorf("rangedl: unknown --algorithm %q, want stack_v1, stack_v2, or timeout", algorithm)
	}
}
