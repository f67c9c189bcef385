package main

import (
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/fxnlabs/sparse-node/internal/config"
	"github.com/fxnlabs/sparse-node/internal/gpu"
)

func backendOptions(cfg *config.Config) gpu.CUDAOptions {
	return gpu.CUDAOptions{
		DriverPath:   cfg.Backend.CUDA.DriverPath,
		CusparsePath: cfg.Backend.CUDA.CusparsePath,
		Device:       cfg.Backend.CUDA.Device,
		Workers:      cfg.Backend.CUDA.Workers,
	}
}

func newManager(cfg *config.Config, log *zap.Logger) (*gpu.Manager, error) {
	return gpu.NewManager(log, cfg.Backend.Preference, backendOptions(cfg))
}

func infoCommand(cfg **config.Config, log **zap.Logger) *cli.Command {
	return &cli.Command{
		Name:  "info",
		Usage: "Show the selected backend and device",
		Action: func(c *cli.Context) error {
			banner := figure.NewFigure("sparse node", "", true)
			banner.Print()

			m, err := newManager(*cfg, *log)
			if err != nil {
				return err
			}
			defer m.Cleanup()

			info := m.GetDeviceInfo()
			fmt.Printf("Backend:  %s\n", m.GetBackendType())
			fmt.Printf("Device:   %s\n", info.Name)
			if info.TotalMemory > 0 {
				fmt.Printf("Memory:   %.1f GiB\n", float64(info.TotalMemory)/(1<<30))
			}
			fmt.Printf("Driver:   %s\n", info.DriverVersion)
			return nil
		},
	}
}

// randomCSR builds a random matrix with roughly density*rows*cols entries.
func randomCSR(rng *rand.Rand, rows, cols int64, density float64) *gpu.CSRMatrix {
	m := &gpu.CSRMatrix{Rows: rows, Cols: cols, RowOffsets: make([]int64, rows+1)}
	for i := int64(0); i < rows; i++ {
		m.RowOffsets[i] = m.NNZ()
		for j := int64(0); j < cols; j++ {
			if rng.Float64() < density {
				m.ColIndices = append(m.ColIndices, j)
				m.Values = append(m.Values, rng.NormFloat64())
			}
		}
	}
	m.RowOffsets[rows] = m.NNZ()
	return m
}

func multiplyCommand(cfg **config.Config, log **zap.Logger) *cli.Command {
	return &cli.Command{
		Name:  "multiply",
		Usage: "Run one random SpMV and verify against the CPU backend",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "rows", Value: 1024},
			&cli.Int64Flag{Name: "cols", Value: 1024},
			&cli.Float64Flag{Name: "density", Value: 0.01},
			&cli.Int64Flag{Name: "seed", Value: 1},
		},
		Action: func(c *cli.Context) error {
			m, err := newManager(*cfg, *log)
			if err != nil {
				return err
			}
			defer m.Cleanup()

			rng := rand.New(rand.NewSource(c.Int64("seed")))
			a := randomCSR(rng, c.Int64("rows"), c.Int64("cols"), c.Float64("density"))
			x := make([]float64, a.Cols)
			for i := range x {
				x[i] = rng.NormFloat64()
			}
			y := make([]float64, a.Rows)

			start := time.Now()
			if err := m.SpMV(gpu.NonTranspose, 1, a, x, 0, y); err != nil {
				return err
			}
			elapsed := time.Since(start)

			// Verify against the CPU backend unless it computed the
			// result in the first place.
			if m.IsGPUAvailable() {
				ref := make([]float64, a.Rows)
				cpu := gpu.NewCPUBackend(*log)
				if err := cpu.Initialize(); err != nil {
					return err
				}
				defer cpu.Cleanup()
				if err := cpu.SpMV(gpu.NonTranspose, 1, a, x, 0, ref); err != nil {
					return err
				}
				for i := range ref {
					if diff := y[i] - ref[i]; diff > 1e-9 || diff < -1e-9 {
						return fmt.Errorf("verification failed at row %d: got %g, want %g", i, y[i], ref[i])
					}
				}
				fmt.Println("Verification: OK")
			}

			fmt.Printf("Backend: %s  nnz: %d  time: %s\n", m.GetBackendType(), a.NNZ(), elapsed)
			return nil
		},
	}
}

func benchCommand(cfg **config.Config, log **zap.Logger) *cli.Command {
	return &cli.Command{
		Name:  "bench",
		Usage: "Run repeated SpMV and report throughput; serves metrics while running",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "rows", Value: 8192},
			&cli.Int64Flag{Name: "cols", Value: 8192},
			&cli.Float64Flag{Name: "density", Value: 0.01},
			&cli.IntFlag{Name: "iterations", Value: 100},
		},
		Action: func(c *cli.Context) error {
			conf := *cfg
			lg := *log

			go func() {
				http.Handle("/metrics", promhttp.Handler())
				if err := http.ListenAndServe(conf.Metrics.Listen, nil); err != nil {
					lg.Warn("metrics server stopped", zap.Error(err))
				}
			}()

			m, err := newManager(conf, lg)
			if err != nil {
				return err
			}
			defer m.Cleanup()

			rng := rand.New(rand.NewSource(1))
			a := randomCSR(rng, c.Int64("rows"), c.Int64("cols"), c.Float64("density"))
			x := make([]float64, a.Cols)
			for i := range x {
				x[i] = rng.NormFloat64()
			}
			y := make([]float64, a.Rows)

			iterations := c.Int("iterations")
			start := time.Now()
			for i := 0; i < iterations; i++ {
				if err := m.SpMV(gpu.NonTranspose, 1, a, x, 0, y); err != nil {
					return err
				}
			}
			elapsed := time.Since(start)

			flops := 2 * float64(a.NNZ()) * float64(iterations)
			fmt.Printf("Backend: %s  iterations: %d  total: %s  GFLOPS: %.2f\n",
				m.GetBackendType(), iterations, elapsed, flops/elapsed.Seconds()/1e9)
			return nil
		},
	}
}
