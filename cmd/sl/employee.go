package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"staffline/internal/app"
	"staffline/internal/domain"
	"staffline/internal/engine"
	"staffline/internal/engine/auth"
	"staffline/internal/provision"
	"staffline/internal/repo"
)

func employeeCmd() *cobra.Command {
	emp := &cobra.Command{Use: "employee", Short: "Manage employee records"}
	emp.AddCommand(employeeListCmd())
	emp.AddCommand(employeeShowCmd())
	emp.AddCommand(employeeImportCmd())
	emp.AddCommand(employeeApproveCmd())
	emp.AddCommand(employeeRejectCmd())
	emp.AddCommand(employeeDismissCmd())
	return emp
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid employee id %q", arg)
	}
	return id, nil
}

func employeeListCmd() *cobra.Command {
	var f repo.EmployeeFilter
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List employee records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				if _, err := actor(ctx, s, auth.PermEmployeeRead); err != nil {
					return err
				}
				f.Status = domain.Status(status)
				items, err := s.Engine.ListEmployees(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "External ID", "Name", "Company", "Department", "Site", "Status"})
				for _, e := range items {
					name := strings.TrimSpace(e.SecondName + " " + e.FirstName + " " + e.ThirdName)
					if e.IsTechnical {
						name += " (tech)"
					}
					tw.AppendRow(table.Row{e.ID, e.ExternalID, name, e.Company, e.EffectiveDepartment(), e.WorkSite, e.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Search, "search", "", "match names, external id or department")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "maximum records")
	cmd.Flags().Int64Var(&f.Cursor, "cursor", 0, "show records older than this id")
	return cmd
}

func employeeShowCmd() *cobra.Command {
	var preview bool
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an employee record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				if _, err := actor(ctx, s, auth.PermEmployeeRead); err != nil {
					return err
				}
				emp, err := s.Engine.GetEmployee(ctx, id)
				if err != nil {
					return err
				}
				out := map[string]any{"employee": emp, "message": emp.Status.Message()}
				if preview {
					ident, attrs, err := s.Naming.Identity(emp, s.Logger)
					if err != nil {
						out["identity_error"] = err.Error()
					} else {
						out["identity"] = ident
						out["attributes"] = attrs
					}
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().BoolVar(&preview, "identity", false, "include the directory identity approval would create")
	return cmd
}

func employeeImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import employee records from a JSON file (object, array or {\"employees\": [...]})",
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []byte
			var err error
			if file == "-" {
				data, err = io.ReadAll(os.Stdin)
			} else {
				data, err = os.ReadFile(file)
			}
			if err != nil {
				return err
			}
			recs, err := engine.ParseIntake(data)
			if err != nil {
				return err
			}
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				actorID, err := actor(ctx, s, auth.PermEmployeeIntake)
				if err != nil {
					return err
				}
				report, err := s.Engine.Intake(ctx, recs, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				fmt.Printf("created %d, failed %d\n", len(report.Created), len(report.Failed))
				for _, f := range report.Failed {
					fmt.Printf("  #%d %s: %s\n", f.Index, f.ExternalID, f.Reason)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "JSON file, - for stdin")
	return cmd
}

func employeeApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a pending employee and provision the account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				actorID, err := actor(ctx, s, auth.PermEmployeeApprove)
				if err != nil {
					return err
				}
				out, err := s.Engine.Approve(ctx, id, actorID)
				if perr := printOutcome(out); perr != nil {
					return perr
				}
				return err
			})
		},
	}
}

func employeeRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a pending employee",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				actorID, err := actor(ctx, s, auth.PermEmployeeReject)
				if err != nil {
					return err
				}
				emp, err := s.Engine.Reject(ctx, id, actorID, reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(emp)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the event log")
	return cmd
}

func employeeDismissCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dismiss <id>",
		Short: "Dismiss an employee and disable the account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				actorID, err := actor(ctx, s, auth.PermEmployeeDismiss)
				if err != nil {
					return err
				}
				out, err := s.Engine.Dismiss(ctx, id, actorID)
				if perr := printOutcome(out); perr != nil {
					return perr
				}
				return err
			})
		},
	}
}

func printOutcome(out engine.Outcome) error {
	if viper.GetBool("json") {
		return printJSON(map[string]any{
			"employee": out.Employee,
			"run":      out.Run,
			"category": out.Run.Category(),
			"detail":   out.Run.Detail(),
		})
	}
	if out.Employee.ID != 0 {
		fmt.Printf("employee %d: %s (%s)\n", out.Employee.ID, out.Employee.Status, out.Employee.Status.Message())
	}
	if out.Run.Identity.DistinguishedName != "" {
		fmt.Printf("account: %s <%s>\n  %s\n", out.Run.Identity.LoginName, out.Run.Identity.PrincipalName, out.Run.Identity.DistinguishedName)
	}
	printSteps(out.Run.Steps)
	return nil
}

func printSteps(steps []provision.StepResult) {
	if len(steps) == 0 {
		return
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Step", "Mandatory", "OK", "Category", "Detail", "ms"})
	for _, st := range steps {
		tw.AppendRow(table.Row{st.Name, st.Mandatory, st.OK, st.Category, st.Detail, st.DurationMS})
	}
	tw.Render()
}

func technicalCmd() *cobra.Command {
	tech := &cobra.Command{Use: "technical", Short: "Technical (service) accounts"}
	var in engine.TechnicalAccountInput
	create := &cobra.Command{
		Use:   "create",
		Short: "Record a technical account; approve it to provision",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				actorID, err := actor(ctx, s, auth.PermTechnicalCreate)
				if err != nil {
					return err
				}
				emp, err := s.Engine.CreateTechnicalAccount(ctx, in, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(emp)
			})
		},
	}
	create.Flags().StringVar(&in.Username, "username", "", "account name")
	create.Flags().StringVar(&in.FirstName, "first-name", "", "first name (default username)")
	create.Flags().StringVar(&in.SecondName, "second-name", "", "second name")
	create.Flags().StringVar(&in.Company, "company", "", "company")
	create.Flags().StringVar(&in.Description, "description", "", "what the account is for")
	_ = create.MarkFlagRequired("username")
	tech.AddCommand(create)
	return tech
}

func runCmd() *cobra.Command {
	run := &cobra.Command{Use: "run", Short: "Provisioning and deprovisioning runs"}
	var employeeID int64
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				if _, err := actor(ctx, s, auth.PermAuditRead); err != nil {
					return err
				}
				runs, err := s.Engine.Runs(ctx, employeeID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Run", "Employee", "Kind", "Success", "Category", "Detail", "Actor", "Finished"})
				for _, r := range runs {
					tw.AppendRow(table.Row{r.ID, r.EmployeeID, r.Kind, r.Success, r.Category, r.Detail, r.ActorID, r.FinishedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().Int64Var(&employeeID, "employee", 0, "employee id")
	list.Flags().IntVar(&limit, "limit", 20, "maximum runs")
	run.AddCommand(list)
	return run
}

func compensationCmd() *cobra.Command {
	comp := &cobra.Command{
		Use:   "compensation",
		Short: "Remote changes recorded for manual undo",
		Long:  "Outstanding compensations are directory or mailbox changes a failed run could not undo; an operator has to revert them by hand.",
	}
	var f repo.CompensationFilter
	var states []string
	list := &cobra.Command{
		Use:   "list",
		Short: "List compensations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				if _, err := actor(ctx, s, auth.PermAuditRead); err != nil {
					return err
				}
				f.States = states
				items, err := s.Engine.Compensations(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Run", "Employee", "Action", "Target", "State", "Updated"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.RunID, c.EmployeeID, c.Action, c.Target, c.State, c.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().Int64Var(&f.EmployeeID, "employee", 0, "employee id")
	list.Flags().StringVar(&f.RunID, "run", "", "run id")
	list.Flags().StringSliceVar(&states, "state", nil, "state filter (pending, applied, released, outstanding)")
	list.Flags().IntVar(&f.Limit, "limit", 100, "maximum records")
	comp.AddCommand(list)
	return comp
}

func placementCmd() *cobra.Command {
	pl := &cobra.Command{Use: "placement", Short: "Directory placement rules"}
	var site, department string
	resolve := &cobra.Command{
		Use:   "resolve",
		Short: "Show the container a work site and department map to",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			p, err := cfg.Placement().Resolve(site, department)
			if err != nil {
				return err
			}
			return printJSONOrTable(p)
		},
	}
	resolve.Flags().StringVar(&site, "site", "", "work site")
	resolve.Flags().StringVar(&department, "department", "", "department or sub-department")
	pl.AddCommand(resolve)
	return pl
}
