package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehr/riskpredict/internal/config"
	"github.com/ehr/riskpredict/internal/domain/prediction"
	"github.com/ehr/riskpredict/internal/platform/db"
	"github.com/ehr/riskpredict/migrations"
)

var version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "riskpredict-server",
		Short:        "Diabetes risk prediction API server",
		Version:      version,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(scoreCmd())
	rootCmd.AddCommand(predictCmd())
	rootCmd.AddCommand(migrateCmd())
	return rootCmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the prediction API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

type scoreOutput struct {
	prediction.PredictionOutcome
	RiskLevel string              `json:"risk_level"`
	Factors   []prediction.Factor `json:"factors"`
}

func scoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Score a patient with the rule-based scorer",
		Example: "  riskpredict-server score --age 65 --bmi 32 --glucose 130 --family-history",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			var in prediction.PatientRiskInput
			if flags.Changed("age") {
				v, _ := flags.GetInt("age")
				in.Age = &v
			}
			if flags.Changed("bmi") {
				v, _ := flags.GetFloat64("bmi")
				in.BMI = &v
			}
			if flags.Changed("glucose") {
				v, _ := flags.GetFloat64("glucose")
				in.GlucoseLevel = &v
			}
			if flags.Changed("family-history") {
				v, _ := flags.GetBool("family-history")
				in.FamilyHistory = &v
			}
			if err := in.Validate(); err != nil {
				return err
			}

			outcome, factors := prediction.ScoreDetailed(in)
			return writeJSON(cmd.OutOrStdout(), scoreOutput{
				PredictionOutcome: outcome,
				RiskLevel:         outcome.Prediction.QualitativeRisk(),
				Factors:           factors,
			})
		},
	}
	cmd.Flags().Int("age", 0, "Age in years")
	cmd.Flags().Float64("bmi", 0, "Body mass index")
	cmd.Flags().Float64("glucose", 0, "Fasting glucose level (mg/dL)")
	cmd.Flags().Bool("family-history", false, "Family history of diabetes")
	return cmd
}

func predictCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "predict",
		Short: "Run a prediction against the configured ML service",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			var r io.Reader = cmd.InOrStdin()
			if file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return fmt.Errorf("open patient file: %w", err)
				}
				defer f.Close()
				r = f
			}

			var data prediction.PatientData
			if err := json.NewDecoder(r).Decode(&data); err != nil {
				return fmt.Errorf("decode patient data: %w", err)
			}
			if err := data.Risk.Validate(); err != nil {
				return err
			}

			allowFallback := cfg.FallbackAllowed()
			if cmd.Flags().Changed("fallback") {
				allowFallback, _ = cmd.Flags().GetBool("fallback")
			}

			logger := newLogger(cfg, cmd.ErrOrStderr())
			svc := prediction.NewService(prediction.NewHTTPClient(cfg.MLServiceURL), nil, prediction.Options{
				AllowFallback: allowFallback,
				Timeout:       cfg.MLTimeout,
				Logger:        logger,
			})

			res := svc.Predict(cmd.Context(), data)
			if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if !res.Available() {
				return fmt.Errorf("no prediction available: %s", res.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringP("file", "f", "-", "Patient JSON file (- for stdin)")
	cmd.Flags().Bool("fallback", false, "Override PREDICTION_FALLBACK")
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			to, _ := cmd.Flags().GetInt("to")
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				count, err := m.UpTo(ctx, to)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().Int("to", 0, "Apply up to this version (0 = all)")
	cmd.AddCommand(upCmd)

	// migrate status
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printStatus(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	})

	cmd.PersistentFlags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	return cmd
}

func withMigrator(cmd *cobra.Command, fn func(ctx context.Context, m *db.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if !cfg.StorageEnabled() {
		return fmt.Errorf("DATABASE_URL is required for migrations")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	dir, _ := cmd.Flags().GetString("dir")
	return fn(ctx, db.NewMigrator(pool, migrationsFS(dir)))
}

func migrationsFS(dir string) fs.FS {
	if dir != "" {
		return os.DirFS(dir)
	}
	return migrations.FS
}

func printStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
