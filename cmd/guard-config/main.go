package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oarkflow/squealx"
	"github.com/urfave/cli/v3"
	_ "modernc.org/sqlite"

	"github.com/oarkflow/guard"
	"github.com/oarkflow/guard/logger"
	"github.com/oarkflow/guard/stores"
)

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "guard-config",
		Usage: "Configuration tool for guard",
		Commands: []*cli.Command{
			{
				Name:      "convert",
				Usage:     "Convert between formats (.yaml, .yml, .json)",
				ArgsUsage: "<input> <output>",
				Action:    handleConvert,
			},
			{
				Name:      "validate",
				Usage:     "Validate configuration",
				ArgsUsage: "<file>",
				Action:    handleValidate,
			},
			{
				Name:      "stats",
				Usage:     "Show configuration statistics",
				ArgsUsage: "<file>",
				Action:    handleStats,
			},
			{
				Name:      "tree",
				Usage:     "Print the organization tree",
				ArgsUsage: "<file>",
				Action:    handleTree,
			},
			{
				Name:      "evaluate",
				Usage:     "Explain one access decision",
				ArgsUsage: "<file> <user> <org> <feature> <action>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "group",
						Aliases: []string{"g"},
						Usage:   "Permission group overriding the organization default",
					},
				},
				Action: handleEvaluate,
			},
			{
				Name:      "apply",
				Usage:     "Write seed data to a SQLite database",
				ArgsUsage: "<file> <sqlite-file>",
				Action:    handleApply,
			},
		},
	}
}

func requireArgs(cmd *cli.Command, n int) error {
	if cmd.Args().Len() < n {
		return cli.Exit(fmt.Sprintf("Usage: guard-config %s %s", cmd.Name, cmd.ArgsUsage), 1)
	}
	return nil
}

func handleConvert(_ context.Context, cmd *cli.Command) error {
	if err := requireArgs(cmd, 2); err != nil {
		return err
	}
	in, out := cmd.Args().Get(0), cmd.Args().Get(1)
	cfg, err := load(in)
	if err != nil {
		return err
	}
	if err := saveConfig(cfg, out); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}
	fmt.Printf("Converted %s -> %s\n", in, out)
	return nil
}

func handleValidate(_ context.Context, cmd *cli.Command) error {
	if err := requireArgs(cmd, 1); err != nil {
		return err
	}
	cfg, err := load(cmd.Args().First())
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return cli.Exit(fmt.Sprintf("Invalid configuration: %v", err), 1)
	}
	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  Version: %d\n", cfg.Version)
	fmt.Printf("  Organizations: %d\n", len(cfg.Organizations))
	fmt.Printf("  Groups: %d\n", len(cfg.Groups))
	fmt.Printf("  Row policies: %d\n", len(cfg.RowPolicies))
	fmt.Printf("  Operations: %d\n", len(cfg.Operations))
	return nil
}

func handleStats(_ context.Context, cmd *cli.Command) error {
	if err := requireArgs(cmd, 1); err != nil {
		return err
	}
	filename := cmd.Args().First()
	cfg, err := load(filename)
	if err != nil {
		return err
	}
	stat, _ := os.Stat(filename)

	fmt.Println("Configuration Statistics")
	fmt.Println("========================")
	if stat != nil {
		fmt.Printf("File size: %d bytes\n", stat.Size())
	}
	fmt.Printf("Version: %d\n", cfg.Version)
	fmt.Println()

	fmt.Println("Components:")
	fmt.Printf("  Organizations:  %d\n", len(cfg.Organizations))
	fmt.Printf("  Groups:         %d\n", len(cfg.Groups))
	fmt.Printf("  Row policies:   %d\n", len(cfg.RowPolicies))
	fmt.Printf("  Default groups: %d\n", len(cfg.DefaultGroups))
	fmt.Printf("  Operations:     %d\n", len(cfg.Operations))
	fmt.Printf("  Routes:         %d\n", len(cfg.Routes))
	fmt.Println()

	if len(cfg.Groups) > 0 {
		assignments, conditional, masks := 0, 0, 0
		for _, g := range cfg.Groups {
			assignments += len(g.Assignments)
			masks += len(g.MaskRules)
			for _, a := range g.Assignments {
				if a.HasCondition() {
					conditional++
				}
			}
		}
		fmt.Println("Group Details:")
		fmt.Printf("  Assignments:       %d\n", assignments)
		fmt.Printf("  With conditions:   %d\n", conditional)
		fmt.Printf("  Mask rules:        %d\n", masks)
		fmt.Printf("  Avg per group:     %.1f\n", float64(assignments)/float64(len(cfg.Groups)))
		fmt.Println()
	}

	if len(cfg.RowPolicies) > 0 {
		byScope := map[guard.RowScope]int{}
		for _, p := range cfg.RowPolicies {
			byScope[p.Scope]++
		}
		fmt.Println("Row Policies by Scope:")
		for _, s := range []guard.RowScope{guard.ScopeOwn, guard.ScopeOrg, guard.ScopeAll, guard.ScopeCustom} {
			fmt.Printf("  %-7s %d\n", s, byScope[s])
		}
		fmt.Println()
	}

	fmt.Println("Engine Configuration:")
	fmt.Printf("  Group cache TTL:   %dms\n", cfg.Engine.GroupCacheTTL)
	fmt.Printf("  Default row scope: %s\n", cfg.Engine.DefaultRowScope)
	fmt.Printf("  Org attribute:     %s\n", cfg.Engine.OrgAttribute)
	fmt.Printf("  Audit queue size:  %d\n", cfg.Engine.AuditQueueSize)
	fmt.Printf("  Worker count:      %d\n", cfg.Engine.WorkerCount)
	return nil
}

func handleTree(_ context.Context, cmd *cli.Command) error {
	if err := requireArgs(cmd, 1); err != nil {
		return err
	}
	cfg, err := load(cmd.Args().First())
	if err != nil {
		return err
	}
	snap, err := guard.NewOrganizationTreeSnapshot(cfg.Organizations)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Invalid hierarchy: %v", err), 1)
	}
	for _, n := range snap.Flatten() {
		depth := len(snap.Ancestors(n.Code))
		line := strings.Repeat("  ", depth) + n.Code
		if n.DisplayName != "" {
			line += " (" + n.DisplayName + ")"
		}
		if n.Status == guard.OrganizationInactive {
			line += " [inactive]"
		}
		fmt.Println(line)
	}
	return nil
}

func handleEvaluate(ctx context.Context, cmd *cli.Command) error {
	if err := requireArgs(cmd, 5); err != nil {
		return err
	}
	args := cmd.Args()
	cfg, err := load(args.Get(0))
	if err != nil {
		return err
	}
	feature, err := guard.ParseFeature(args.Get(3))
	if err != nil {
		return err
	}
	action, err := guard.ParseAction(args.Get(4))
	if err != nil {
		return err
	}
	actor := guard.Actor{Username: args.Get(1), OrganizationCode: args.Get(2), GroupCode: cmd.String("group")}

	backend, err := stores.NewMemoryBackend(cfg)
	if err != nil {
		return fmt.Errorf("loading seed data: %w", err)
	}
	opts := append(cfg.Engine.Options(), guard.WithLogger(logger.NewPhusluLogger().Named("guard-config")))
	engine, err := guard.NewEngine(backend.Deps(), opts...)
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}
	defer engine.Close()

	ctx = guard.WithActor(ctx, actor)
	d, err := engine.Evaluate(ctx, feature, action)
	if err != nil {
		return cli.Exit(fmt.Sprintf("DENIED: %v", err), 2)
	}
	fmt.Printf("GRANTED: %s\n", d)
	fmt.Printf("  Group:     %s\n", d.PermissionGroupCode)
	fmt.Printf("  Row scope: %s\n", d.RowScope)
	if d.Condition != "" {
		fmt.Printf("  Condition: %s\n", d.Condition)
	}
	if tags := d.MaskTags(); len(tags) > 0 {
		fmt.Printf("  Masked:    %s\n", strings.Join(tags, ", "))
	}
	f, err := engine.ResolveFilter(ctx, d, nil)
	if err != nil {
		fmt.Printf("  Filter:    unavailable (%v)\n", err)
		return nil
	}
	fmt.Printf("  Filter:   %s\n", f.Where())
	for k, v := range f.Args {
		fmt.Printf("    :%s = %v\n", k, v)
	}
	return nil
}

func handleApply(ctx context.Context, cmd *cli.Command) error {
	if err := requireArgs(cmd, 2); err != nil {
		return err
	}
	cfg, err := load(cmd.Args().Get(0))
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return cli.Exit(fmt.Sprintf("Invalid configuration: %v", err), 1)
	}
	sqlDB, err := sql.Open("sqlite", cmd.Args().Get(1))
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer sqlDB.Close()
	backend, err := stores.NewSQLBackend(squealx.NewDb(sqlDB, "sqlite", "guard"))
	if err != nil {
		return fmt.Errorf("preparing database: %w", err)
	}
	if err := backend.Seed(ctx, cfg); err != nil {
		return fmt.Errorf("applying config: %w", err)
	}
	fmt.Printf("Configuration applied successfully\n")
	fmt.Printf("  Organizations loaded: %d\n", len(cfg.Organizations))
	fmt.Printf("  Groups loaded: %d\n", len(cfg.Groups))
	fmt.Printf("  Row policies loaded: %d\n", len(cfg.RowPolicies))
	return nil
}

func load(filename string) (*guard.Config, error) {
	cfg, err := guard.NewConfigLoader().LoadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func saveConfig(cfg *guard.Config, filename string) error {
	ext := strings.ToLower(filepath.Ext(filename))

	var data []byte
	var err error

	switch ext {
	case ".yaml", ".yml":
		data, err = cfg.ToYAML()
	case ".json":
		data, err = cfg.ToJSON()
	default:
		return fmt.Errorf("unsupported file format: %s", ext)
	}

	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}
