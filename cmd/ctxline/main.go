package main

import (
	"context"
	"database/sql"
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

	"contextline/internal/app"
	"contextline/internal/config"
	"contextline/internal/db"
	"contextline/internal/domain"
	"contextline/internal/engine"
	"contextline/internal/migrate"
	"contextline/internal/repo"
	"contextline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ctxline",
	Short: "Contextline CLI",
	Long: `Contextline governs what context and prompts reach which agents.
Core concepts:
- Workspace: your .contextline directory holding the database; service config lives in the DB and is imported explicitly.
- Content items: named contexts and prompts, optionally tagged with a line of business.
- Versions: immutable snapshots of an item; they flow proposed -> approved/rejected, and approval archives the previous active version. Only the single active version is ever delivered.
- Agents: consumers registered through draft -> pending_approval -> approved; only approved agents receive governed content.
- Policy: cross line-of-business requests are denied; untagged items are unrestricted.
- Audit ledger: every delivery decision (delivered or denied) is appended to the access log, view with 'ctxline audit tail'.`,
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
	viper.SetEnvPrefix("CONTEXTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("service", "contextline", "service id")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("service", rootCmd.PersistentFlags().Lookup("service"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(orgCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(deliverCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect service config",
		Long:  "Config is the rulebook (stored in DB): capability card skills, line-of-business catalog, delivery defaults, and auth settings. Import from contextline.yml if desired.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show service config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
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

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import service config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			cfg, err := config.FromYAML(data)
			if err != nil {
				return err
			}
			serviceID := cfg.Service.ID
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if serviceID == "" {
					serviceID = viper.GetString("service")
				}
				if err := r.UpsertServiceConfig(ctx, serviceID, cfg); err != nil {
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

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default contextline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(viper.GetString("service"))), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	return cmd
}

func orgCmd() *cobra.Command {
	org := &cobra.Command{Use: "org", Short: "Manage the organization tree"}
	org.AddCommand(orgCreateCmd())
	org.AddCommand(orgListCmd())
	return org
}

func orgCreateCmd() *cobra.Command {
	var slug, name, parent string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an organization node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.CreateOrg(ctx, slug, name, parent)
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().StringVar(&slug, "slug", "", "organization slug")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&parent, "parent", "", "parent slug (empty creates the root)")
	_ = cmd.MarkFlagRequired("slug")
	return cmd
}

func orgListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List organizations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				orgs, err := r.ListOrgs(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(orgs)
			})
		},
	}
	return cmd
}

func itemCmd() *cobra.Command {
	item := &cobra.Command{
		Use:   "item",
		Short: "Manage content items",
		Long:  "Content items are named contexts and prompts. The name is the stable handle agents request; versions underneath carry the actual payload.",
	}
	item.AddCommand(itemCreateCmd())
	item.AddCommand(itemListCmd())
	item.AddCommand(itemShowCmd())
	item.AddCommand(itemSetActiveCmd())
	return item
}

func itemCreateCmd() *cobra.Command {
	var opts engine.ItemCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a content item",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				it, err := e.CreateItem(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Kind, "kind", "context", "item kind (context, prompt)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "unique item name")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.LineOfBusiness, "lob", "", "line of business tag (empty for unrestricted)")
	cmd.Flags().StringVar(&opts.Classification, "classification", "", "data classification")
	cmd.Flags().StringArrayVar(&opts.Regulatory, "regulatory", []string{}, "regulatory tag (repeatable)")
	cmd.Flags().StringVar(&opts.OrgSlug, "org", "", "owning organization slug")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func itemListCmd() *cobra.Command {
	var f repo.ItemFilters
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List content items",
		RunE: func(cmd *cobra.Command, args []string) error {
			if activeOnly {
				active := true
				f.Active = &active
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListItems(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Name", "Kind", "LOB", "Active", "Active Version"})
				for _, it := range items {
					version := ""
					if it.ActiveVersionID != nil {
						version = *it.ActiveVersionID
					}
					tw.AppendRow(table.Row{it.Name, it.Kind, it.LineOfBusiness, it.Active, version})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Kind, "kind", "", "kind filter (context, prompt)")
	cmd.Flags().StringVar(&f.LOB, "lob", "", "line of business filter (includes unrestricted items)")
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only active items")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func itemShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id-or-name>",
		Short: "Show a content item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				it, err := r.ResolveItem(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
	return cmd
}

func itemSetActiveCmd() *cobra.Command {
	var active bool
	cmd := &cobra.Command{
		Use:   "set-active <id-or-name>",
		Short: "Activate or deactivate an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				it, err := e.SetItemActive(ctx, args[0], active)
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
	cmd.Flags().BoolVar(&active, "active", true, "target active state")
	return cmd
}

func versionCmd() *cobra.Command {
	v := &cobra.Command{
		Use:   "version",
		Short: "Manage content versions",
		Long:  "Versions are immutable snapshots: propose a payload, then approve or reject it. Approval repoints the item's active version and archives the previous one.",
	}
	v.AddCommand(versionProposeCmd())
	v.AddCommand(versionListCmd())
	v.AddCommand(versionShowCmd())
	v.AddCommand(versionApproveCmd())
	v.AddCommand(versionRejectCmd())
	v.AddCommand(versionActiveCmd())
	return v
}

func versionProposeCmd() *cobra.Command {
	var payload, payloadFile, message string
	cmd := &cobra.Command{
		Use:   "propose <item>",
		Short: "Propose a new version for an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if payload == "" && payloadFile == "" {
				return fmt.Errorf("--payload or --payload-file required")
			}
			if payloadFile != "" {
				data, err := os.ReadFile(payloadFile)
				if err != nil {
					return err
				}
				payload = string(data)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.ProposeVersion(ctx, args[0], payload, viper.GetString("actor-id"), message)
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "", "JSON payload")
	cmd.Flags().StringVar(&payloadFile, "payload-file", "", "path to JSON payload")
	cmd.Flags().StringVar(&message, "message", "", "commit message")
	return cmd
}

func versionListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <item>",
		Short: "List versions of an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				it, err := r.ResolveItem(ctx, args[0])
				if err != nil {
					return err
				}
				versions, err := r.ListVersions(ctx, it.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(versions)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Label", "ID", "Status", "Author", "Hash"})
				for _, v := range versions {
					tw.AppendRow(table.Row{v.Label, v.ID, v.Status, v.Author, v.ContentHash[:12]})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func versionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <version-id>",
		Short: "Show a version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				v, err := r.GetVersion(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	return cmd
}

func versionApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <version-id>",
		Short: "Approve a proposed version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.ApproveVersion(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	return cmd
}

func versionRejectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reject <version-id>",
		Short: "Reject a proposed version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.RejectVersion(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	return cmd
}

func versionActiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "active <item>",
		Short: "Show the active version of an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.ActiveVersion(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	return cmd
}

func agentCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "agent",
		Short: "Manage registered agents",
		Long:  "Agents must register and be approved before governed content is delivered to them. Lifecycle: draft -> pending_approval -> approved (or rejected).",
	}
	a.AddCommand(agentRegisterCmd())
	a.AddCommand(agentListCmd())
	a.AddCommand(agentShowCmd())
	a.AddCommand(agentSubmitCmd())
	a.AddCommand(agentApproveCmd())
	a.AddCommand(agentRejectCmd())
	return a
}

func agentRegisterCmd() *cobra.Command {
	var opts engine.AgentRegisterOptions
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register an agent in draft status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.RegisterAgent(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&opts.AgentID, "id", "", "external agent id")
	cmd.Flags().StringVar(&opts.Name, "name", "", "display name")
	cmd.Flags().StringVar(&opts.OrgSlug, "org", "", "organization slug (defaults to root)")
	cmd.Flags().StringVar(&opts.OwnerTeam, "owner-team", "", "owning line of business")
	cmd.Flags().StringArrayVar(&opts.Tools, "tool", []string{}, "declared tool (repeatable)")
	cmd.Flags().StringArrayVar(&opts.DataScopes, "data-scope", []string{}, "data scope (repeatable)")
	cmd.Flags().BoolVar(&opts.HandlesPII, "handles-pii", false, "agent handles PII")
	cmd.Flags().StringArrayVar(&opts.Regulatory, "regulatory", []string{}, "regulatory tag (repeatable)")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("owner-team")
	return cmd
}

func agentListCmd() *cobra.Command {
	var f repo.AgentFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				agents, err := r.ListAgents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(agents)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Agent ID", "Name", "Owner Team", "Status"})
				for _, a := range agents {
					tw.AppendRow(table.Row{a.AgentID, a.Name, a.OwnerTeam, a.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.OwnerTeam, "owner-team", "", "owner team filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func agentShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <agent-id>",
		Short: "Show an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				a, err := resolveAgent(ctx, r, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func agentTransitionCmd(use, short string, fn func(engine.Engine, context.Context, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := resolveAgent(ctx, e.Repo, args[0])
				if err != nil {
					return err
				}
				return fn(e, ctx, a.ID)
			})
		},
	}
}

func agentSubmitCmd() *cobra.Command {
	return agentTransitionCmd("submit <agent-id>", "Submit a draft agent for approval",
		func(e engine.Engine, ctx context.Context, id string) error {
			a, err := e.SubmitAgent(ctx, id)
			if err != nil {
				return err
			}
			return printJSONOrTable(a)
		})
}

func agentApproveCmd() *cobra.Command {
	return agentTransitionCmd("approve <agent-id>", "Approve a pending agent",
		func(e engine.Engine, ctx context.Context, id string) error {
			a, err := e.ApproveAgent(ctx, id)
			if err != nil {
				return err
			}
			return printJSONOrTable(a)
		})
}

func agentRejectCmd() *cobra.Command {
	return agentTransitionCmd("reject <agent-id>", "Reject a pending agent",
		func(e engine.Engine, ctx context.Context, id string) error {
			a, err := e.RejectAgent(ctx, id)
			if err != nil {
				return err
			}
			return printJSONOrTable(a)
		})
}

func deliverCmd() *cobra.Command {
	var agentID, traceID, format string
	var vars []string
	cmd := &cobra.Command{
		Use:   "deliver <item>",
		Short: "Run a governed delivery locally",
		Long:  "Runs the same sequence as the HTTP gateway: policy check, ledger write, render. Useful for verifying what an agent would receive.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			variables := map[string]string{}
			for _, kv := range vars {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("--var must be key=value, got %q", kv)
				}
				variables[k] = v
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.Deliver(ctx, engine.DeliverOptions{
					Identifier: args[0],
					AgentID:    agentID,
					TraceID:    traceID,
					Variables:  variables,
					Format:     format,
					Origin:     "cli",
				})
				if err != nil {
					return err
				}
				fmt.Println(string(d.Body))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "requesting agent id")
	cmd.Flags().StringVar(&traceID, "trace", "", "trace id")
	cmd.Flags().StringVar(&format, "format", "", "output format (structured, text, key-value)")
	cmd.Flags().StringArrayVar(&vars, "var", []string{}, "template variable key=value (repeatable)")
	_ = cmd.MarkFlagRequired("agent")
	_ = cmd.MarkFlagRequired("trace")
	return cmd
}

func taskCmd() *cobra.Command {
	t := &cobra.Command{
		Use:   "task",
		Short: "Manage protocol tasks",
		Long:  "Tasks are asynchronous skill invocations: submitted -> working -> completed/failed. A task executes exactly once.",
	}
	t.AddCommand(taskCreateCmd())
	t.AddCommand(taskExecuteCmd())
	t.AddCommand(taskShowCmd())
	return t
}

func taskCreateCmd() *cobra.Command {
	var skill, input string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTask(ctx, skill, json.RawMessage(input))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&skill, "skill", "", "skill id")
	cmd.Flags().StringVar(&input, "input", "{}", "skill input JSON")
	_ = cmd.MarkFlagRequired("skill")
	return cmd
}

func taskExecuteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "execute <task-id>",
		Short: "Execute a submitted task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.ExecuteTask(ctx, args[0], "cli")
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				t, err := r.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func auditCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "audit",
		Short: "Access ledger",
		Long:  "The append-only record of delivery decisions: who asked for what, what was served or why it was denied.",
	}
	a.AddCommand(auditTailCmd())
	a.AddCommand(auditAgentCmd())
	a.AddCommand(auditTraceCmd())
	return a
}

func auditTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent ledger entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				entries, err := r.RecentAccess(ctx, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Agent", "Resource", "Outcome", "Reason"})
				for _, entry := range entries {
					tw.AppendRow(table.Row{entry.TS, entry.AgentID, entry.ResourceName, entry.Outcome, entry.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	return cmd
}

func auditAgentCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "agent <agent-id>",
		Short: "Show one agent's access lineage in request order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				entries, err := r.AccessByAgent(ctx, args[0], limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(entries)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows")
	return cmd
}

func auditTraceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trace <trace-id>",
		Short: "Show ledger entries for a trace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				entries, err := r.AccessByTrace(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(entries)
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage admin API keys"}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyRevokeCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				raw, key, err := repo.NewAPIKey(viper.GetString("actor-id"), name)
				if err != nil {
					return err
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "key": raw})
				}
				fmt.Println("key id:", key.ID)
				fmt.Println("key (save it now, it is not stored):", raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor filter")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
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
			cfg, err := app.ResolveServiceConfig(cmd.Context(), viper.GetString("service"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:      os.Getenv("CONTEXTLINE_JWT_SECRET"),
				AllowAnonymous: cfg.Auth.AllowAnonymous,
			}
			if authCfg.JWTSecret == "" {
				authCfg.JWTSecret = cfg.Auth.JWTSecret
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowAnonymous {
				return fmt.Errorf("CONTEXTLINE_JWT_SECRET is required unless auth.allow_anonymous is set")
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
			fmt.Printf("Serving Contextline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
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
	conn, r, err := openRepo()
	if err != nil {
		return err
	}
	defer conn.Close()
	cfg, err := app.ResolveServiceConfig(ctx, viper.GetString("service"), r)
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg))
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, r, err := openRepo()
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, r)
}

func openRepo() (*sql.DB, repo.Repo, error) {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, repo.Repo{}, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, repo.Repo{}, err
	}
	return conn, repo.Repo{DB: conn}, nil
}

func resolveAgent(ctx context.Context, r repo.Repo, identifier string) (domain.Agent, error) {
	a, err := r.GetAgent(ctx, identifier)
	if errors.Is(err, repo.ErrNotFound) {
		return r.GetAgentByExternalID(ctx, identifier)
	}
	return a, err
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
