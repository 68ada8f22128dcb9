package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oarkflow/squealx"
	_ "modernc.org/sqlite"

	"github.com/oarkflow/policy"
	"github.com/oarkflow/policy/logger"
	"github.com/oarkflow/policy/stores"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "convert":
		handleConvert()
	case "validate":
		handleValidate()
	case "stats":
		handleStats()
	case "apply":
		handleApply()
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("policy-config - Configuration tool for the policy engine")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  policy-config convert <input> <output>   - Convert between formats")
	fmt.Println("  policy-config validate <file>            - Validate configuration")
	fmt.Println("  policy-config stats <file>               - Show configuration statistics")
	fmt.Println("  policy-config apply <file> [sqlite.db]   - Apply configuration to a store")
	fmt.Println()
	fmt.Println("Supported formats: .yaml, .yml, .json")
}

func handleConvert() {
	if len(os.Args) < 4 {
		fmt.Println("Usage: policy-config convert <input> <output>")
		os.Exit(1)
	}

	cfg, err := loadConfig(os.Args[2])
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := saveConfig(cfg, os.Args[3]); err != nil {
		fmt.Printf("Error saving config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Converted %s -> %s\n", os.Args[2], os.Args[3])
}

func handleValidate() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: policy-config validate <file>")
		os.Exit(1)
	}

	cfg, err := loadConfig(os.Args[2])
	if err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  Version: %d\n", cfg.Version)
	fmt.Printf("  Personas: %d\n", len(cfg.Personas))
	fmt.Printf("  Policies: %d\n", len(cfg.Policies))
}

func handleStats() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: policy-config stats <file>")
		os.Exit(1)
	}

	cfg, err := loadConfig(os.Args[2])
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	stat, _ := os.Stat(os.Args[2])
	fmt.Println("Configuration Statistics")
	fmt.Println("========================")
	if stat != nil {
		fmt.Printf("File size: %d bytes\n", stat.Size())
	}
	fmt.Printf("Version: %d\n", cfg.Version)
	fmt.Println()

	totalRules := 0
	allowCount := 0
	denyCount := 0
	conditioned := 0
	for _, p := range cfg.Policies {
		totalRules += len(p.Rules)
		for _, r := range p.Rules {
			if r.Effect == policy.EffectAllow {
				allowCount++
			} else {
				denyCount++
			}
			if r.Conditions != nil {
				conditioned++
			}
		}
	}
	fmt.Println("Components:")
	fmt.Printf("  Personas: %d\n", len(cfg.Personas))
	fmt.Printf("  Policies: %d\n", len(cfg.Policies))
	fmt.Printf("  Rules:    %d\n", totalRules)
	fmt.Println()
	if totalRules > 0 {
		fmt.Println("Rule Details:")
		fmt.Printf("  Allow rules:       %d\n", allowCount)
		fmt.Printf("  Deny rules:        %d\n", denyCount)
		fmt.Printf("  Conditional rules: %d\n", conditioned)
		fmt.Println()
	}

	fmt.Println("Engine Configuration:")
	fmt.Printf("  Snapshot cache TTL:  %dms\n", cfg.Engine.SnapshotCacheTTLMs)
	fmt.Printf("  Decision cache TTL:  %dms\n", cfg.Engine.DecisionCacheTTLMs)
	fmt.Printf("  Max condition depth: %d\n", cfg.Engine.MaxConditionDepthOrDefault())
	fmt.Printf("  Tie break:           %s\n", tieBreakLabel(cfg.Engine.TieBreak))
}

func tieBreakLabel(tb string) string {
	if tb == "" {
		return string(policy.TieBreakDenyWins) + " (default)"
	}
	return tb
}

func handleApply() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: policy-config apply <file> [sqlite.db]")
		os.Exit(1)
	}

	cfg, err := loadConfig(os.Args[2])
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	var store policy.PolicyAdminStore
	var directory policy.Directory

	if len(os.Args) >= 4 {
		sqlDB, err := sql.Open("sqlite", os.Args[3])
		if err != nil {
			fmt.Printf("Error opening database: %v\n", err)
			os.Exit(1)
		}
		defer sqlDB.Close()
		db := squealx.NewDb(sqlDB, "sqlite", "policydb")
		if err := stores.Migrate(db); err != nil {
			fmt.Printf("Error running migrations: %v\n", err)
			os.Exit(1)
		}
		store = stores.NewSQLPolicyStore(db)
		directory = stores.NewSQLDirectory(db)
	} else {
		store = stores.NewMemoryPolicyStore()
		directory = stores.NewMemoryDirectory()
	}

	resolver := policy.NewSubjectResolver(directory,
		policy.WithResolverLogger(logger.NewPhusluLogger()))
	engine, err := policy.NewEngine(resolver, store,
		policy.WithLogger(logger.NewPhusluLogger()))
	if err != nil {
		fmt.Printf("Error building engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	if err := engine.ApplyConfig(ctx, cfg); err != nil {
		fmt.Printf("Error applying config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Configuration applied successfully\n")
	fmt.Printf("  Policies loaded: %d\n", len(cfg.Policies))
}

func loadConfig(filename string) (*policy.Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	loader := policy.NewConfigLoader()
	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ".yaml", ".yml":
		return loader.LoadYAML(data)
	case ".json":
		return loader.LoadJSON(data)
	default:
		return nil, fmt.Errorf("unsupported file format: %s", ext)
	}
}

func saveConfig(cfg *policy.Config, filename string) error {
	var data []byte
	var err error
	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
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
