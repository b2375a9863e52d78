package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskline/internal/app"
	"taskline/internal/config"
	"taskline/internal/db"
	"taskline/internal/domain"
	"taskline/internal/engine"
	"taskline/internal/migrate"
	"taskline/internal/repo"
	"taskline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "tl",
	Short: "Taskline CLI",
	Long: `Taskline orchestrates task hierarchies for mixed human and agent teams.
Core concepts:
- Workspace: your .taskline directory holding the database; taskline.yml carries tenant and webhook config.
- Tenant: the isolation boundary; every task, worker, and audit record belongs to exactly one.
- Workers: humans and agents. Agents can do most things but never approve their own reviews.
- Tasks: work items in a tree. Statuses go pending -> in_progress -> review/completed/blocked; completed tasks reopen explicitly.
- Progress: percent complete, monotonic until a reopen or an acknowledged regression.
- Rollup: a parent cannot complete while any subtask is still open.
- Audit trail: every mutation writes one immutable record, view with 'tl audit tail'.`,
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
	viper.SetEnvPrefix("TASKLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("tenant", "", "tenant id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("tenant", rootCmd.PersistentFlags().Lookup("tenant"))
}

func registerCommands() {
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func tenantCmd() *cobra.Command {
	tenant := &cobra.Command{Use: "tenant", Short: "Manage tenants"}
	tenant.AddCommand(tenantCreateCmd())
	tenant.AddCommand(tenantListCmd())
	tenant.AddCommand(tenantSwitchCmd())
	tenant.AddCommand(tenantMembersCmd())
	return tenant
}

func tenantCreateCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create tenant",
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
			e := engine.New(conn, config.Default(id))
			t, err := e.CreateTenant(cmd.Context(), domain.ActorContext{
				ID:       viper.GetString("actor-id"),
				Kind:     domain.KindHuman,
				TenantID: id,
			}, id, name)
			if err != nil {
				return err
			}
			return printJSONOrTable(t)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "tenant id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func tenantListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tenants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListTenants(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func tenantSwitchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "switch <tenant-id>",
		Short: "Begin a tenant switch for the current actor",
		Long:  "Records a pending switch. The next credential issued for the actor carries the new tenant; the pending switch expires if unused.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := localActor(ctx, e)
				if err != nil {
					return err
				}
				h, err := e.Tenants.BeginSwitch(ctx, actor, strings.TrimSpace(args[0]))
				if err != nil {
					return err
				}
				return printJSONOrTable(h)
			})
		},
	}
	return cmd
}

func tenantMembersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "members",
		Short: "List tenant members",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				members, err := e.Repo.ListTenantMembers(ctx, e.Config.Tenant.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(members)
			})
		},
	}
	return cmd
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectStatusCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var id, name, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := localActor(ctx, e)
				if err != nil {
					return err
				}
				p, err := e.CreateProject(ctx, actor, id, e.Config.Tenant.ID, name, desc)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListProjects(ctx, e.Config.Tenant.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func projectStatusCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show project task counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProject(ctx, projectID)
				if err != nil {
					return err
				}
				counts, err := e.Repo.CountTasksByStatus(ctx, p.TenantID, p.ID)
				if err != nil {
					return err
				}
				out := map[string]any{
					"project_id":  p.ID,
					"tenant_id":   p.TenantID,
					"task_counts": counts,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Project: %s (tenant %s)\n", p.ID, p.TenantID)
				fmt.Println("Tasks:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func workerCmd() *cobra.Command {
	worker := &cobra.Command{
		Use:   "worker",
		Short: "Manage workers",
		Long:  "Workers are humans and agents. Capability tags (task.delegate, review.approve, tenant.admin) widen what an agent may do.",
	}
	worker.AddCommand(workerRegisterCmd())
	worker.AddCommand(workerListCmd())
	worker.AddCommand(workerDisableCmd())
	worker.AddCommand(workerEnableCmd())
	worker.AddCommand(workerAPIKeyCmd())
	return worker
}

func workerRegisterCmd() *cobra.Command {
	var handle, displayName, kind string
	var capabilities []string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := localActor(ctx, e)
				if err != nil {
					return err
				}
				w, err := e.RegisterWorker(ctx, actor, engine.WorkerRegisterOptions{
					Handle:       handle,
					DisplayName:  displayName,
					Kind:         kind,
					Capabilities: capabilities,
					TenantID:     e.Config.Tenant.ID,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&handle, "handle", "", "unique handle")
	cmd.Flags().StringVar(&displayName, "name", "", "display name")
	cmd.Flags().StringVar(&kind, "kind", "human", "worker kind (human, agent)")
	cmd.Flags().StringArrayVar(&capabilities, "capability", []string{}, "capability tag (repeatable)")
	_ = cmd.MarkFlagRequired("handle")
	return cmd
}

func workerListCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListWorkers(ctx, kind)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Handle", "Kind", "Capabilities", "Disabled"})
				for _, w := range items {
					tw.AppendRow(table.Row{w.ID, w.Handle, w.Kind, strings.Join(w.Capabilities, ","), w.Disabled})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "filter by kind")
	return cmd
}

func workerDisableCmd() *cobra.Command {
	return workerToggleCmd("disable", true)
}

func workerEnableCmd() *cobra.Command {
	return workerToggleCmd("enable", false)
}

func workerToggleCmd(use string, disabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <worker-id-or-handle>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " a worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := localActor(ctx, e)
				if err != nil {
					return err
				}
				workerID, err := resolveWorkerID(ctx, e.Repo, args[0])
				if err != nil {
					return err
				}
				w, err := e.SetWorkerDisabled(ctx, actor, workerID, disabled)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
}

func workerAPIKeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(workerAPIKeyCreateCmd())
	key.AddCommand(workerAPIKeyListCmd())
	key.AddCommand(workerAPIKeyDeleteCmd())
	return key
}

func workerAPIKeyCreateCmd() *cobra.Command {
	var workerID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for a worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetWorker(ctx, workerID); err != nil {
					return err
				}
				secret := uuid.New().String()
				k := domain.APIKey{
					ID:      uuid.New().String(),
					ActorID: workerID,
					Name:    name,
					KeyHash: repo.HashAPIKey(secret),
				}
				if err := r.InsertAPIKey(ctx, nil, k); err != nil {
					return err
				}
				// The plaintext secret is shown exactly once.
				return printJSONOrTable(map[string]string{
					"id":        k.ID,
					"actor_id":  k.ActorID,
					"api_key":   secret,
					"key_hash":  k.KeyHash,
					"note":      "store the api_key now; only the hash is persisted",
				})
			})
		},
	}
	cmd.Flags().StringVar(&workerID, "worker", "", "worker id")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	_ = cmd.MarkFlagRequired("worker")
	return cmd
}

func workerAPIKeyListCmd() *cobra.Command {
	var workerID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, workerID)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&workerID, "worker", "", "filter by worker id")
	return cmd
}

func workerAPIKeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks flow pending -> in_progress -> review/completed/blocked. A parent cannot complete while subtasks are open, and every mutation lands in the audit trail.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskTreeCmd())
	task.AddCommand(taskStartCmd())
	task.AddCommand(taskProgressCmd())
	task.AddCommand(taskDelegateCmd())
	task.AddCommand(taskReviewCmd())
	task.AddCommand(taskApproveCmd())
	task.AddCommand(taskRejectCmd())
	task.AddCommand(taskCompleteCmd())
	task.AddCommand(taskBlockCmd())
	task.AddCommand(taskUnblockCmd())
	task.AddCommand(taskReopenCmd())
	task.AddCommand(taskReparentCmd())
	task.AddCommand(taskRollupCmd())
	task.AddCommand(taskAuditCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	var parent int64
	var priority int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("parent") {
				opts.ParentID = &parent
			}
			if cmd.Flags().Changed("priority") {
				opts.Priority = &priority
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := localActor(ctx, e)
				if err != nil {
					return err
				}
				t, err := e.CreateTask(ctx, actor, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ProjectID, "project", "", "project id")
	cmd.Flags().Int64Var(&parent, "parent", 0, "parent task id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority (lower is higher)")
	cmd.Flags().StringArrayVar(&opts.Tags, "tag", []string{}, "tag (repeatable)")
	cmd.Flags().StringVar(&opts.DueDate, "due", "", "due date (RFC3339)")
	cmd.Flags().StringVar(&opts.AssigneeID, "assignee", "", "assignee worker id")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f.TenantID = e.Config.Tenant.ID
				tasks, err := e.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Progress", "Assignee"})
				for _, t := range tasks {
					assignee := ""
					if t.AssigneeID != nil {
						assignee = *t.AssigneeID
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, fmt.Sprintf("%d%%", t.Progress), assignee})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.AssigneeID, "assignee", "", "assignee filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func taskGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTask(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskTreeCmd() *cobra.Command {
	var depth int
	cmd := &cobra.Command{
		Use:   "tree <id>",
		Short: "Show a task subtree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := localActor(ctx, e)
				if err != nil {
					return err
				}
				node, err := e.Subtree(ctx, actor, id, depth)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(node)
				}
				fmt.Printf("%s [%s] %d%%\n", node.Task.Title, node.Task.Status, node.Task.Progress)
				for i, c := range node.Children {
					printTaskTree(c, "", i == len(node.Children)-1)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&depth, "depth", 0, "max depth (0 = unbounded)")
	return cmd
}

func taskStartCmd() *cobra.Command {
	var subtasks []string
	cmd := &cobra.Command{
		Use:   "start <id>",
		Short: "Start a task, optionally creating subtasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := localActor(ctx, e)
				if err != nil {
					return err
				}
				t, children, err := e.Start(ctx, actor, id, subtasks)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"task": t, "subtasks": children})
			})
		},
	}
	cmd.Flags().StringArrayVar(&subtasks, "subtask", []string{}, "subtask title (repeatable)")
	return cmd
}

func taskProgressCmd() *cobra.Command {
	var percent int
	var note string
	var regression bool
	cmd := &cobra.Command{
		Use:   "progress <id>",
		Short: "Update progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := localActor(ctx, e)
				if err != nil {
					return err
				}
				t, err := e.UpdateProgress(ctx, actor, id, percent, note, regression)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().IntVar(&percent, "percent", 0, "percent complete (0-100)")
	cmd.Flags().StringVar(&note, "note", "", "progress note")
	cmd.Flags().BoolVar(&regression, "regression", false, "acknowledge a decrease")
	_ = cmd.MarkFlagRequired("percent")
	return cmd
}

func taskDelegateCmd() *cobra.Command {
	var to, note string
	cmd := &cobra.Command{
		Use:   "delegate <id>",
		Short: "Delegate a task to another worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := localActor(ctx, e)
				if err != nil {
					return err
				}
				toID, err := resolveWorkerID(ctx, e.Repo, to)
				if err != nil {
					return err
				}
				t, err := e.Delegate(ctx, actor, id, toID, note)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target worker id or handle")
	cmd.Flags().StringVar(&note, "note", "", "handoff note")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func taskReviewCmd() *cobra.Command {
	return simpleTaskCmd("review", "Request review", func(ctx context.Context, e engine.Engine, actor domain.ActorContext, id int64, _ string) (domain.Task, error) {
		return e.RequestReview(ctx, actor, id)
	}, "")
}

func taskApproveCmd() *cobra.Command {
	return simpleTaskCmd("approve", "Approve a review", func(ctx context.Context, e engine.Engine, actor domain.ActorContext, id int64, note string) (domain.Task, error) {
		return e.Approve(ctx, actor, id, note)
	}, "note")
}

func taskRejectCmd() *cobra.Command {
	return simpleTaskCmd("reject", "Reject a review", func(ctx context.Context, e engine.Engine, actor domain.ActorContext, id int64, reason string) (domain.Task, error) {
		return e.Reject(ctx, actor, id, reason)
	}, "reason")
}

func taskCompleteCmd() *cobra.Command {
	return simpleTaskCmd("complete", "Complete a task", func(ctx context.Context, e engine.Engine, actor domain.ActorContext, id int64, note string) (domain.Task, error) {
		return e.Complete(ctx, actor, id, note)
	}, "note")
}

func taskBlockCmd() *cobra.Command {
	return simpleTaskCmd("block", "Block a task", func(ctx context.Context, e engine.Engine, actor domain.ActorContext, id int64, reason string) (domain.Task, error) {
		return e.Block(ctx, actor, id, reason)
	}, "reason")
}

func taskUnblockCmd() *cobra.Command {
	return simpleTaskCmd("unblock", "Unblock a task", func(ctx context.Context, e engine.Engine, actor domain.ActorContext, id int64, _ string) (domain.Task, error) {
		return e.Unblock(ctx, actor, id)
	}, "")
}

func taskReopenCmd() *cobra.Command {
	return simpleTaskCmd("reopen", "Reopen a completed task", func(ctx context.Context, e engine.Engine, actor domain.ActorContext, id int64, note string) (domain.Task, error) {
		return e.Reopen(ctx, actor, id, note)
	}, "note")
}

// simpleTaskCmd builds the shared shape of single-task transitions: one
// positional id and at most one free-text flag.
func simpleTaskCmd(use, short string, fn func(context.Context, engine.Engine, domain.ActorContext, int64, string) (domain.Task, error), textFlag string) *cobra.Command {
	var text string
	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := localActor(ctx, e)
				if err != nil {
					return err
				}
				t, err := fn(ctx, e, actor, id, text)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	if textFlag != "" {
		cmd.Flags().StringVar(&text, textFlag, "", textFlag)
	}
	return cmd
}

func taskReparentCmd() *cobra.Command {
	var parent int64
	var detach bool
	cmd := &cobra.Command{
		Use:   "reparent <id>",
		Short: "Move a task under a new parent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			var newParent *int64
			if !detach {
				if !cmd.Flags().Changed("parent") {
					return fmt.Errorf("--parent or --detach required")
				}
				newParent = &parent
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := localActor(ctx, e)
				if err != nil {
					return err
				}
				t, err := e.Reparent(ctx, actor, id, newParent)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().Int64Var(&parent, "parent", 0, "new parent task id")
	cmd.Flags().BoolVar(&detach, "detach", false, "detach to root")
	return cmd
}

func taskRollupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rollup <id>",
		Short: "Report whether all subtasks are terminal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				done, err := e.ComputeRollup(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"task_id": id, "subtasks_terminal": done})
			})
		},
	}
}

func taskAuditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit <id>",
		Short: "Show the audit trail for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				records, err := e.Audit.ByEntity(ctx, "task", strconv.FormatInt(id, 10))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(records)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Action", "Actor", "Kind", "At", "Detail"})
				for _, r := range records {
					tw.AppendRow(table.Row{r.ID, r.Action, r.ActorID, r.ActorKind, r.CreatedAt, r.Detail})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func auditCmd() *cobra.Command {
	audit := &cobra.Command{Use: "audit", Short: "Inspect the audit trail"}
	audit.AddCommand(auditTailCmd())
	return audit
}

func auditTailCmd() *cobra.Command {
	var n int
	var since string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail tenant audit records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				records, err := e.Audit.ByTenant(ctx, e.Config.Tenant.ID, since, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(records)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of records")
	cmd.Flags().StringVar(&since, "since", "", "only records at or after this RFC3339 timestamp")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
}

func configInitCmd() *cobra.Command {
	var tenantID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default taskline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(tenantID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "default", "tenant id to seed")
	return cmd
}

func configValidateCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if filePath == "" {
				filePath = config.Path(viper.GetString("workspace"))
			}
			if _, err := config.FromFile(filePath); err != nil {
				return err
			}
			fmt.Printf("%s is valid\n", filePath)
			return nil
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
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
			_, cfg, err := app.ResolveTenantAndConfig(cmd.Context(), workspace, viper.GetString("tenant"), viper.GetString("actor-id"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("TASKLINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("TASKLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
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
			fmt.Printf("Serving Taskline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
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
	_, cfg, err := app.ResolveTenantAndConfig(ctx, workspace, viper.GetString("tenant"), viper.GetString("actor-id"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

// resolveWorkerID accepts either a worker id or a handle.
func resolveWorkerID(ctx context.Context, r repo.Repo, ref string) (string, error) {
	if _, err := r.GetWorker(ctx, ref); err == nil {
		return ref, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return "", err
	}
	w, err := r.GetWorkerByHandle(ctx, ref)
	if err != nil {
		return "", err
	}
	return w.ID, nil
}

// localActor resolves the CLI actor against the worker registry so its kind
// and capability tags apply; unknown ids act as a plain human.
func localActor(ctx context.Context, e engine.Engine) (domain.ActorContext, error) {
	actorID := viper.GetString("actor-id")
	actor := domain.ActorContext{
		ID:       actorID,
		Kind:     domain.KindHuman,
		TenantID: e.Config.Tenant.ID,
	}
	w, err := e.Repo.GetWorker(ctx, actorID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return actor, nil
		}
		return actor, err
	}
	actor.Kind = w.Kind
	actor.Capabilities = w.Capabilities
	return actor, nil
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

func parseTaskID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid task id %q", s)
	}
	return id, nil
}

func printTaskTree(n domain.TaskNode, prefix string, last bool) {
	connector := "├── "
	newPrefix := prefix + "│   "
	if last {
		connector = "└── "
		newPrefix = prefix + "    "
	}
	fmt.Printf("%s%s%s [%s] %d%%\n", prefix, connector, n.Task.Title, n.Task.Status, n.Task.Progress)
	for i, c := range n.Children {
		printTaskTree(c, newPrefix, i == len(n.Children)-1)
	}
}
