package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"tramita/internal/app"
	"tramita/internal/config"
	"tramita/internal/db"
	"tramita/internal/domain"
	"tramita/internal/engine"
	"tramita/internal/migrate"
	"tramita/internal/repo"
	"tramita/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "tramita",
	Short: "Tramita CLI",
	Long: `Tramita runs the case lifecycle of a court of accounts.
Core concepts:
- Workspace: your .tramita directory with the database; rules live in the DB and are imported explicitly.
- Processo: a case (visto, prestacao de contas, recurso, ...) moving through ordered stages.
- Distribuicao: each new case is assigned a judge letter by the active rule (rotation, load or bucket).
- Prazo: every stage opens a statutory deadline in business days; it can be suspended and resumed.
- Emolumento: the registration fee, computed from the rule for the process type.
- Regras: SLA, distribution, letra mappings, holidays and fee rules, imported from YAML.
- Event log: every lifecycle change is recorded, view with 'tramita log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TRAMITA")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("court", "", "court id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("court", rootCmd.PersistentFlags().Lookup("court"))
}

func registerCommands() {
	rootCmd.AddCommand(processoCmd())
	rootCmd.AddCommand(regrasCmd())
	rootCmd.AddCommand(emolumentoCmd())
	rootCmd.AddCommand(juizCmd())
	rootCmd.AddCommand(feriadoCmd())
	rootCmd.AddCommand(prazoCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func processoCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "processo",
		Short: "Manage cases",
		Long:  "Cases are registered, distributed to a judge letter, and tramitam through the configured stages with a deadline per stage.",
	}
	p.AddCommand(processoRegisterCmd())
	p.AddCommand(processoListCmd())
	p.AddCommand(processoShowCmd())
	p.AddCommand(processoTransitionCmd())
	p.AddCommand(processoSuspendCmd())
	p.AddCommand(processoResumeCmd())
	p.AddCommand(processoStatusCmd())
	return p
}

func processoRegisterCmd() *cobra.Command {
	var opts engine.RegisterOptions
	var urgency string
	var valorContrato int64
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register (autuar) a case",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			opts.Urgency = domain.UrgencyLevel(urgency)
			if cmd.Flags().Changed("valor-contrato") {
				opts.ValorContrato = &valorContrato
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.RegisterCase(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "case id (optional, UUID if omitted)")
	cmd.Flags().StringVar(&opts.Number, "number", "", "case number")
	cmd.Flags().StringVar((*string)(&opts.ProcessType), "type", "visto", "process type")
	cmd.Flags().StringVar(&urgency, "urgency", "normal", "urgency level")
	cmd.Flags().Int64Var(&valorContrato, "valor-contrato", 0, "contract value in centavos")
	cmd.Flags().StringVar(&opts.NaturezaEntidade, "natureza-entidade", "", "entity nature")
	cmd.Flags().StringVar(&opts.FonteFinanciamento, "fonte-financiamento", "", "financing source")
	_ = cmd.MarkFlagRequired("number")
	return cmd
}

func processoListCmd() *cobra.Command {
	var f repo.CaseFilters
	var archived string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cases",
		RunE: func(cmd *cobra.Command, args []string) error {
			if archived != "" {
				val := archived == "true"
				f.Archived = &val
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cases, err := e.Repo.ListCases(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cases)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Number", "Type", "Stage", "Status", "Letra", "Relator"})
				for _, c := range cases {
					tw.AppendRow(table.Row{c.ID, c.Number, c.ProcessType, c.CurrentStage, c.StageStatus, c.Letra, c.RelatorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ProcessType, "type", "", "process type filter")
	cmd.Flags().StringVar(&f.Stage, "stage", "", "stage filter")
	cmd.Flags().StringVar(&f.RelatorID, "relator", "", "relator filter")
	cmd.Flags().StringVar(&archived, "archived", "", "archived filter (true/false)")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "max results")
	return cmd
}

func processoShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Repo.GetCase(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func processoTransitionCmd() *cobra.Command {
	var action, reason string
	var expectedVersion int64
	cmd := &cobra.Command{
		Use:   "transition <id>",
		Short: "Apply a tramitação action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.TransitionOptions{
				CaseID:          args[0],
				Action:          domain.TransitionAction(action),
				ActorID:         viper.GetString("actor-id"),
				Reason:          reason,
				ExpectedVersion: -1,
			}
			if cmd.Flags().Changed("expected-version") {
				opts.ExpectedVersion = expectedVersion
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Transition(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&action, "action", "", "action (aprovar, rejeitar, pedir_diligencia, suspender, retomar)")
	cmd.Flags().StringVar(&reason, "reason", "", "reason (required for rejeitar and pedir_diligencia)")
	cmd.Flags().Int64Var(&expectedVersion, "expected-version", 0, "optimistic concurrency check")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func processoSuspendCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "suspend <id>",
		Short: "Suspend the current stage deadline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if reason == "" {
				return fmt.Errorf("--reason required")
			}
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.SuspendCase(ctx, id, viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "suspension reason")
	return cmd
}

func processoResumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <id>",
		Short: "Resume a suspended deadline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.ResumeCase(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func processoStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Show case with its current deadline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Repo.GetCase(ctx, id)
				if err != nil {
					return err
				}
				rep, err := e.DeadlineStatus(ctx, id)
				if err != nil && !errors.Is(err, repo.ErrNotFound) {
					return err
				}
				out := map[string]any{"case": c}
				if err == nil {
					out["deadline"] = rep.Deadline
					out["deadline_status"] = rep.Status
					out["remaining_business_days"] = rep.Remaining
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Processo: %s (%s)\n", c.Number, c.ProcessType)
				fmt.Printf("Stage: %s (%s)\n", c.CurrentStage, c.StageStatus)
				fmt.Printf("Distribuicao: letra %s, relator %s\n", c.Letra, c.RelatorID)
				if err == nil {
					fmt.Printf("Prazo: due %s, status %s, %d business days remaining\n", rep.Deadline.DueDate, rep.Status, rep.Remaining)
				} else {
					fmt.Println("Prazo: none open")
				}
				return nil
			})
		},
	}
	return cmd
}

func regrasCmd() *cobra.Command {
	r := &cobra.Command{
		Use:   "regras",
		Short: "Manage admin rules",
		Long:  "Rules drive the engine: SLA deadlines, distribution criteria, letra-judge mappings, holidays and fee formulas. Import them from a YAML file.",
	}
	r.AddCommand(regrasImportCmd())
	r.AddCommand(regrasShowCmd())
	return r
}

func regrasImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import rules from YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			var rs engine.RuleSet
			if err := yaml.Unmarshal(data, &rs); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.ImportRules(ctx, rs, viper.GetString("actor-id")); err != nil {
					return err
				}
				return printJSONOrTable(map[string]int{
					"judges":         len(rs.Judges),
					"sla_rules":      len(rs.SLARules),
					"distribution":   len(rs.Distribution),
					"letra_mappings": len(rs.LetraMappings),
					"holidays":       len(rs.Holidays),
					"emolumentos":    len(rs.Emolumentos),
				})
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML rule set")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func regrasShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show stored rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out := map[string]any{}
				var err error
				if out["judges"], err = e.Repo.ListJudges(ctx); err != nil {
					return err
				}
				if out["sla_rules"], err = e.Repo.ListSLARules(ctx); err != nil {
					return err
				}
				if out["distribution"], err = e.Repo.ListDistributionRules(ctx); err != nil {
					return err
				}
				if out["letra_mappings"], err = e.Repo.ListLetraMappings(ctx); err != nil {
					return err
				}
				if out["holidays"], err = e.Repo.ListHolidays(ctx); err != nil {
					return err
				}
				if out["emolumentos"], err = e.Repo.ListEmolumentoRules(ctx); err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	return cmd
}

func emolumentoCmd() *cobra.Command {
	e := &cobra.Command{
		Use:   "emolumento",
		Short: "Fee calculation",
	}
	e.AddCommand(emolumentoCalcCmd())
	e.AddCommand(emolumentoQuoteCmd())
	return e
}

func emolumentoCalcCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "calc <case-id>",
		Short: "Fee for a registered case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CalculateEmolumento(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	return cmd
}

func emolumentoQuoteCmd() *cobra.Command {
	var processType string
	var valorContrato int64
	cmd := &cobra.Command{
		Use:   "quote",
		Short: "Fee quote before registration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var valor *int64
				if cmd.Flags().Changed("valor-contrato") {
					valor = &valorContrato
				}
				res, err := e.QuoteEmolumento(ctx, domain.ProcessType(processType), valor)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&processType, "type", "visto", "process type")
	cmd.Flags().Int64Var(&valorContrato, "valor-contrato", 0, "contract value in centavos")
	return cmd
}

func juizCmd() *cobra.Command {
	j := &cobra.Command{
		Use:   "juiz",
		Short: "Judges",
	}
	j.AddCommand(juizListCmd())
	return j
}

func juizListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List judges",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				judges, err := e.Repo.ListJudges(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(judges)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Ativo"})
				for _, j := range judges {
					tw.AppendRow(table.Row{j.ID, j.Name, j.Ativo})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func feriadoCmd() *cobra.Command {
	f := &cobra.Command{
		Use:   "feriado",
		Short: "Holiday calendar",
	}
	f.AddCommand(feriadoListCmd())
	return f
}

func feriadoListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List holiday entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				holidays, err := e.Repo.ListHolidays(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(holidays)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Date", "Description", "Counts for SLAs"})
				for _, h := range holidays {
					tw.AppendRow(table.Row{h.Date, h.Description, h.ConsideraParaSLAs})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func prazoCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "prazo",
		Short: "Deadlines",
	}
	p.AddCommand(prazoHistoryCmd())
	p.AddCommand(prazoSweepCmd())
	return p
}

func prazoHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <case-id>",
		Short: "Deadline history of a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				reps, err := e.DeadlineHistory(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(reps)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "Start", "Due", "Status", "Remaining", "Closed"})
				for _, rep := range reps {
					tw.AppendRow(table.Row{rep.Deadline.Stage, rep.Deadline.StartDate, rep.Deadline.DueDate, rep.Status, rep.Remaining, rep.Deadline.Closed})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func prazoSweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Emit breach events for overdue deadlines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				notified, err := e.SweepDeadlines(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"notified": notified})
				}
				if len(notified) == 0 {
					fmt.Println("no breaches")
					return nil
				}
				for _, id := range notified {
					fmt.Println(id)
				}
				return nil
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect engine config",
		Long:  "Config is the rulebook stored in the DB: court identity, tramitação stage lists per process type, warning threshold, fee brackets and RBAC roles. Import from tramita.yml if desired.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import engine config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				courtID := cfg.Court.ID
				if courtID == "" {
					courtID = viper.GetString("court")
				}
				if courtID == "" {
					return fmt.Errorf("config has no court id; set court.id or --court")
				}
				if err := e.Repo.UpsertEngineConfig(ctx, courtID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	var courtID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default tramita.yml to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			target := config.Path(workspace)
			if _, err := os.Stat(target); err == nil {
				return fmt.Errorf("%s already exists", target)
			}
			if err := os.WriteFile(target, []byte(config.GenerateDefault(courtID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", target)
			return nil
		},
	}
	cmd.Flags().StringVar(&courtID, "court", "tribunal-contas", "court id")
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: registrations, transitions, suspensions and breaches.",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func rbacCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rbac",
		Short: "RBAC management",
	}
	cmd.AddCommand(rbacSeedCmd())
	cmd.AddCommand(rbacGrantCmd())
	cmd.AddCommand(rbacRevokeCmd())
	cmd.AddCommand(rbacWhoamiCmd())
	return cmd
}

func rbacSeedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Seed roles and capabilities from config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.SeedRBAC(ctx); err != nil {
					return err
				}
				fmt.Println("roles seeded")
				return nil
			})
		},
	}
	return cmd
}

func rbacGrantCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "grant-role",
		Short: "Grant role to actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.GrantRole(ctx, target, role)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func rbacRevokeCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "revoke-role",
		Short: "Revoke role from actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RevokeRole(ctx, target, role)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func rbacWhoamiCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show current actor roles and capabilities",
		RunE: func(cmd *cobra.Command, args []string) error {
			actorID := viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				roles, err := e.Auth.ActorRoles(ctx, tx, actorID)
				if err != nil {
					return err
				}
				caps, err := e.Auth.ActorCapabilities(ctx, tx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"actor_id":     actorID,
					"roles":        roles,
					"capabilities": caps,
				})
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "API key management",
	}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyDeleteCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				return fmt.Errorf("--actor required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rawKey, key, err := e.CreateAPIKey(ctx, actorID, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": rawKey})
				}
				fmt.Printf("API key created (shown once): %s\n", rawKey)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id filter")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, id)
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			courtID, cfg, err := app.ResolveConfig(cmd.Context(), workspace, viper.GetString("court"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("TRAMITA_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacyHeader,
			}
			if authCfg.JWTSecret == "" && !allowLegacyHeader {
				return fmt.Errorf("TRAMITA_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, CourtID: courtID, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Tramita API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacyHeader, "allow-legacy-actor-header", false, "accept X-Actor-Id without auth (dev only)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveConfig(ctx, workspace, viper.GetString("court"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
