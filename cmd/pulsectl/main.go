// Command pulsectl is the admin CLI for the messaging pipeline: it manages
// schedules directly against the database, for operators and for local
// development.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/peopleops/pulse/internal/schedule"
	"github.com/peopleops/pulse/pkg/database"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("PULSE")
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "pulsectl",
		Short:         "Administer the outbound messaging pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("database-url", "", "PostgreSQL connection string (defaults to PULSE_DATABASE_URL)")
	_ = v.BindPFlag("database_url", root.PersistentFlags().Lookup("database-url"))

	root.AddCommand(newScheduleCmd(v))
	return root
}

func openStore(v *viper.Viper) (*schedule.Repository, func(), error) {
	dsn := v.GetString("database_url")
	if dsn == "" {
		return nil, nil, fmt.Errorf("database URL is required (--database-url or PULSE_DATABASE_URL)")
	}
	db, err := database.Connect(dsn)
	if err != nil {
		return nil, nil, err
	}
	return schedule.NewRepository(db), func() { db.Close() }, nil
}

func newScheduleCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage send schedules",
	}
	cmd.AddCommand(newScheduleCreateCmd(v), newScheduleListCmd(v), newScheduleCancelCmd(v))
	return cmd
}

func newScheduleCreateCmd(v *viper.Viper) *cobra.Command {
	var (
		surveyID    string
		question    string
		employees   []string
		departments []string
		roles       []string
		every       string
		interval    int
		firstRun    string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a schedule",
		Example: `  pulsectl schedule create --survey enps-q3 \
    --question "How likely are you to recommend us as a place to work?" \
    --departments Sales --every monthly`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if surveyID == "" || question == "" {
				return fmt.Errorf("--survey and --question are required")
			}
			if len(employees) == 0 && len(departments) == 0 && len(roles) == 0 {
				return fmt.Errorf("at least one of --employees, --departments, --roles is required")
			}

			s := &schedule.Schedule{
				Kind:     "survey",
				Type:     schedule.TypeOneShot,
				SurveyID: surveyID,
				Question: question,
				Target: schedule.TargetSelector{
					EmployeeIDs: employees,
					Departments: departments,
					Roles:       roles,
				},
			}

			if every != "" {
				rec, err := schedule.NewRecurrence(schedule.Unit(every), interval)
				if err != nil {
					return err
				}
				s.Type = schedule.TypeRecurring
				s.Recurrence = &rec
			}

			if firstRun != "" {
				at, err := time.Parse(time.RFC3339, firstRun)
				if err != nil {
					return fmt.Errorf("invalid --at value: %w", err)
				}
				s.NextRunAt = &at
			}

			store, closeDB, err := openStore(v)
			if err != nil {
				return err
			}
			defer closeDB()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			if err := store.Create(ctx, s); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created schedule %s\n", s.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&surveyID, "survey", "", "survey id to send")
	cmd.Flags().StringVar(&question, "question", "", "question text")
	cmd.Flags().StringSliceVar(&employees, "employees", nil, "explicit employee ids")
	cmd.Flags().StringSliceVar(&departments, "departments", nil, "target departments")
	cmd.Flags().StringSliceVar(&roles, "roles", nil, "target roles")
	cmd.Flags().StringVar(&every, "every", "", "recurrence unit (daily, weekly, monthly, quarterly, yearly); omit for a one-shot")
	cmd.Flags().IntVar(&interval, "interval", 1, "recurrence interval")
	cmd.Flags().StringVar(&firstRun, "at", "", "first run time, RFC3339 (default: immediately)")
	return cmd
}

func newScheduleListCmd(v *viper.Viper) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List schedules, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeDB, err := openStore(v)
			if err != nil {
				return err
			}
			defer closeDB()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			schedules, err := store.List(ctx, limit)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%-36s  %-9s  %-9s  %-12s  %-20s  %s\n",
				"ID", "TYPE", "STATUS", "NEXT RUN", "TARGET", "SURVEY")
			for _, s := range schedules {
				next := "-"
				if s.NextRunAt != nil {
					next = s.NextRunAt.Format("2006-01-02 15:04")
				}
				fmt.Fprintf(w, "%-36s  %-9s  %-9s  %-12s  %-20s  %s\n",
					s.ID, s.Type, s.Status, next, describeTarget(s.Target), s.SurveyID)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "maximum schedules to show")
	return cmd
}

func newScheduleCancelCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <schedule-id>",
		Short: "Cancel an active schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeDB, err := openStore(v)
			if err != nil {
				return err
			}
			defer closeDB()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			if err := store.Cancel(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled schedule %s\n", args[0])
			return nil
		},
	}
}

func describeTarget(t schedule.TargetSelector) string {
	switch {
	case len(t.EmployeeIDs) > 0:
		return fmt.Sprintf("%d employees", len(t.EmployeeIDs))
	case len(t.Departments) > 0:
		return "dept:" + strings.Join(t.Departments, ",")
	case len(t.Roles) > 0:
		return "role:" + strings.Join(t.Roles, ",")
	default:
		return "-"
	}
}
