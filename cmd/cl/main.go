package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"crewline/internal/app"
	"crewline/internal/config"
	"crewline/internal/db"
	"crewline/internal/domain"
	"crewline/internal/engine"
	"crewline/internal/migrate"
	"crewline/internal/repo"
	"crewline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cl",
	Short: "Crewline CLI",
	Long: `Crewline coordinates a crew of autonomous coding agents working on one codebase.
Core concepts:
- Workspace: your .crewline directory holding the database; config lives in crewline.yml and is imported into the DB.
- Project: owns all tasks, agents, and threads.
- Tasks: work items flowing backlog -> ready -> in_progress -> in_qa -> in_review -> merged, with QA and review able to bounce work back.
- Claims: an agent locks a task before working on it; locks survive bounce-backs and are freed when the owner goes offline.
- Threads: per-task message boards where agents post progress, blockers, and review feedback.
- Broadcasts: a merge notifies every agent with in-flight work so they rebase before their own work goes stale.
- Event log: diary of changes, view with 'cl log tail'.`,
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
	viper.SetEnvPrefix("CREWLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("agent-id", "local-agent", "acting agent identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("agent-id", rootCmd.PersistentFlags().Lookup("agent-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(threadCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectInitCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectConfigCmd())
	return prj
}

func projectInitCmd() *cobra.Command {
	var id, desc string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a project",
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
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			if cfg == nil {
				cfg = config.Default(id)
			}
			cfg.Project.ID = id
			e := engine.New(conn, cfg)
			p, err := e.InitProject(cmd.Context(), id, desc, viper.GetString("agent-id"))
			if err != nil {
				return err
			}
			return printDetail(p)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func projectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Status", "Created"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Kind, p.Status, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProject(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				return printDetail(p)
			})
		},
	}
	return cmd
}

func projectConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show effective project config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printDetail(e.Config)
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Workspace config file"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default crewline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(projectID)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "project-id", "my-project", "project id to seed")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printDetail(e.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate crewline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show project status",
		Long:  "The scoreboard for your project: task counts per pipeline stage and the agent roster.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID := e.Config.Project.ID
				p, err := e.Repo.GetProject(ctx, projectID)
				if err != nil {
					return err
				}
				counts, err := e.Repo.CountTasksByStatus(ctx, projectID)
				if err != nil {
					return err
				}
				agents, err := e.ListAgents(ctx, repo.AgentFilters{ProjectID: projectID})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"project_id":  p.ID,
						"status":      p.Status,
						"task_counts": counts,
						"agents":      agents,
					})
				}
				fmt.Printf("Project: %s (%s)\n", p.ID, p.Status)
				fmt.Println("Tasks:")
				for _, s := range domain.Statuses {
					fmt.Printf("  %s: %d\n", s, counts[string(s)])
				}
				fmt.Println("Agents:")
				for _, a := range agents {
					current := "-"
					if a.CurrentTaskID != nil {
						current = *a.CurrentTaskID
					}
					fmt.Printf("  %s (%s) %s task=%s\n", a.ID, a.Role, a.Status, current)
				}
				return nil
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks are the work items. They flow backlog -> ready -> in_progress -> in_qa -> in_review -> merged; QA and review can bounce work back to in_progress. Claims prevent two agents doing the same task at once.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskTransitionCmd())
	task.AddCommand(taskClaimCmd())
	task.AddCommand(taskThreadCmd())
	task.AddCommand(taskTreeCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	var labels []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.CreatedBy = viper.GetString("agent-id")
			opts.Labels = labels
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.ProjectID == "" {
					opts.ProjectID = e.Config.Project.ID
				}
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printDetail(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (optional, UUID if omitted)")
	cmd.Flags().StringVar(&opts.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&opts.ParentID, "parent", "", "parent task id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Priority, "priority", "", "priority (critical|high|medium|low)")
	cmd.Flags().StringVar(&opts.BranchType, "branch-type", "", "branch type (feature|fix|refactor)")
	cmd.Flags().StringArrayVar(&labels, "label", []string{}, "label (repeatable)")
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
				if f.ProjectID == "" {
					f.ProjectID = e.Config.Project.ID
				}
				tasks, err := e.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Priority", "Agent", "Branch"})
				for _, t := range tasks {
					agent := ""
					if t.AssignedAgentID != nil {
						agent = *t.AssignedAgentID
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.Priority, agent, t.BranchName})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.AssignedTo, "assigned-to", "", "assigned agent filter")
	cmd.Flags().StringVar(&f.Parent, "parent", "", "parent task id")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max results")
	return cmd
}

func taskGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTask(ctx, id)
				if err != nil {
					return err
				}
				return printDetail(t)
			})
		},
	}
	return cmd
}

func taskTransitionCmd() *cobra.Command {
	var from, to, token string
	cmd := &cobra.Command{
		Use:   "transition <id>",
		Short: "Move a task along the pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.TransitionOptions{
				TaskID:  args[0],
				From:    domain.Status(from),
				To:      domain.Status(to),
				AgentID: viper.GetString("agent-id"),
				Token:   token,
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Transition(ctx, opts)
				if err != nil {
					return err
				}
				return printDetail(t)
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "expected current status")
	cmd.Flags().StringVar(&to, "to", "", "target status")
	cmd.Flags().StringVar(&token, "token", "", "idempotency token (optional)")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func taskClaimCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "claim <id>",
		Short: "Claim a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Claim(ctx, id, viper.GetString("agent-id"))
				if err != nil {
					return err
				}
				return printDetail(t)
			})
		},
	}
	return cmd
}

func taskThreadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "thread <id>",
		Short: "Show a task's thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				th, err := e.GetTaskThread(ctx, id)
				if err != nil {
					return err
				}
				msgs, err := e.ListMessages(ctx, th.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"thread": th, "messages": msgs})
				}
				fmt.Printf("Thread %s (%s)\n", th.ID, th.Name)
				for _, m := range msgs {
					author := "-"
					if m.AgentID != nil {
						author = *m.AgentID
					}
					fmt.Printf("  #%d [%s] %s: %s\n", m.Seq, m.PostType, author, m.Content)
				}
				return nil
			})
		},
	}
	return cmd
}

func taskTreeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Show task hierarchy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.ListTasks(ctx, repo.TaskFilters{ProjectID: e.Config.Project.ID})
				if err != nil {
					return err
				}
				children := map[string][]domain.Task{}
				var roots []domain.Task
				for _, t := range tasks {
					if t.ParentID != nil {
						children[*t.ParentID] = append(children[*t.ParentID], t)
					} else {
						roots = append(roots, t)
					}
				}
				for i, t := range roots {
					printTaskTree(t, children, "", i == len(roots)-1)
				}
				return nil
			})
		},
	}
	return cmd
}

func agentCmd() *cobra.Command {
	agent := &cobra.Command{
		Use:   "agent",
		Short: "Manage agents",
		Long:  "Agents are the autonomous workers. Register them with a role, keep them alive with heartbeats, and poll their delivery feed for merge broadcasts.",
	}
	agent.AddCommand(agentRegisterCmd())
	agent.AddCommand(agentListCmd())
	agent.AddCommand(agentShowCmd())
	agent.AddCommand(agentHeartbeatCmd())
	agent.AddCommand(agentEventsCmd())
	agent.AddCommand(agentKeyCmd())
	return agent
}

func agentRegisterCmd() *cobra.Command {
	var opts engine.AgentRegisterOptions
	var skills []string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Skills = skills
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.ProjectID == "" {
					opts.ProjectID = e.Config.Project.ID
				}
				a, err := e.RegisterAgent(ctx, opts)
				if err != nil {
					return err
				}
				return printDetail(a)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "agent id (optional, UUID if omitted)")
	cmd.Flags().StringVar(&opts.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&opts.Role, "role", "", "role (coder|qa|reviewer)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "display name")
	cmd.Flags().StringVar(&opts.Model, "model", "", "model identifier")
	cmd.Flags().StringArrayVar(&skills, "skill", []string{}, "skill tag (repeatable)")
	_ = cmd.MarkFlagRequired("role")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func agentListCmd() *cobra.Command {
	var f repo.AgentFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.ProjectID == "" {
					f.ProjectID = e.Config.Project.ID
				}
				agents, err := e.ListAgents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(agents)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Role", "Status", "Task", "Heartbeat"})
				for _, a := range agents {
					current := ""
					if a.CurrentTaskID != nil {
						current = *a.CurrentTaskID
					}
					hb := ""
					if a.LastHeartbeatAt != nil {
						hb = *a.LastHeartbeatAt
					}
					tw.AppendRow(table.Row{a.ID, a.Name, a.Role, a.Status, current, hb})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&f.Role, "role", "", "role filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter (active|stale|offline)")
	return cmd
}

func agentShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.GetAgent(ctx, id)
				if err != nil {
					return err
				}
				return printDetail(a)
			})
		},
	}
	return cmd
}

func agentHeartbeatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "heartbeat [id]",
		Short: "Record an agent heartbeat",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := viper.GetString("agent-id")
			if len(args) == 1 {
				id = args[0]
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Heartbeat(ctx, id)
			})
		},
	}
	return cmd
}

func agentEventsCmd() *cobra.Command {
	var after int64
	var limit int
	cmd := &cobra.Command{
		Use:   "events <id>",
		Short: "Poll an agent's delivery feed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.AgentDeliveries(ctx, id, after, limit)
				if err != nil {
					return err
				}
				return printJSON(items)
			})
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "return deliveries after this cursor")
	cmd.Flags().IntVar(&limit, "limit", 50, "max deliveries")
	return cmd
}

func agentKeyCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "key <agent-id>",
		Short: "Issue an API key for an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agentID := args[0]
			raw := make([]byte, 32)
			if _, err := rand.Read(raw); err != nil {
				return err
			}
			key := "clk_" + hex.EncodeToString(raw)
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetAgent(ctx, agentID); err != nil {
					return err
				}
				k := domain.APIKey{
					ID:        uuid.NewString(),
					AgentID:   agentID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(key),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, k); err != nil {
					return err
				}
				// The raw key is shown once and never stored.
				fmt.Println(key)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func threadCmd() *cobra.Command {
	thread := &cobra.Command{Use: "thread", Short: "Threads and messages"}
	thread.AddCommand(threadCreateCmd())
	thread.AddCommand(threadPostCmd())
	thread.AddCommand(threadMessagesCmd())
	return thread
}

func threadCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project thread",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				th, err := e.CreateThread(ctx, e.Config.Project.ID, name, viper.GetString("agent-id"))
				if err != nil {
					return err
				}
				return printDetail(th)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "thread name")
	return cmd
}

func threadPostCmd() *cobra.Command {
	var postType, content string
	cmd := &cobra.Command{
		Use:   "post <thread-id>",
		Short: "Post a message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.PostMessageOptions{
				ThreadID: args[0],
				AgentID:  viper.GetString("agent-id"),
				PostType: postType,
				Content:  content,
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.PostMessage(ctx, opts)
				if err != nil {
					return err
				}
				return printDetail(m)
			})
		},
	}
	cmd.Flags().StringVar(&postType, "type", "comment", "post type")
	cmd.Flags().StringVar(&content, "content", "", "message content")
	_ = cmd.MarkFlagRequired("content")
	return cmd
}

func threadMessagesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "messages <thread-id>",
		Short: "List messages in a thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				msgs, err := e.ListMessages(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(msgs)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: task transitions, claims, merges, heartbeats gone quiet.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, e.Config.Project.ID, evtType)
				if err != nil {
					return err
				}
				return printJSON(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowAgentHeader bool
	var reapInterval time.Duration
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
			_, cfg, err := app.ResolveProjectAndConfig(cmd.Context(), workspace, viper.GetString("project"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("CREWLINE_JWT_SECRET"),
				AllowLegacyAgentHeader: allowAgentHeader,
			}
			if authCfg.JWTSecret == "" && !allowAgentHeader {
				return fmt.Errorf("CREWLINE_JWT_SECRET is required for bearer auth (or pass --allow-agent-header for local development)")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			e.StartReaper(cmd.Context(), reapInterval)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Crewline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowAgentHeader, "allow-agent-header", false, "accept unauthenticated X-Agent-Id requests (development only)")
	cmd.Flags().DurationVar(&reapInterval, "reap-interval", 30*time.Second, "liveness sweep interval")
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
	_, cfg, err := app.ResolveProjectAndConfig(ctx, workspace, viper.GetString("project"), r)
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

// printDetail renders a single entity as a two-column field table, or as
// JSON when --json is set or the value is not a JSON object.
func printDetail(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var fields map[string]any
	if err := json.Unmarshal(b, &fields); err != nil {
		return printJSON(v)
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Field", "Value"})
	for _, k := range keys {
		tw.AppendRow(table.Row{k, formatField(fields[k])})
	}
	tw.Render()
	return nil
}

func formatField(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		b, _ := json.Marshal(val)
		return string(b)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printTaskTree(t domain.Task, children map[string][]domain.Task, prefix string, last bool) {
	connector := "+-- "
	newPrefix := prefix + "|   "
	if last {
		connector = "`-- "
		newPrefix = prefix + "    "
	}
	fmt.Printf("%s%s%s [%s]\n", prefix, connector, t.Title, t.Status)
	for i, c := range children[t.ID] {
		printTaskTree(c, children, newPrefix, i == len(children[t.ID])-1)
	}
}
