package main

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/guard"
	"github.com/oarkflow/guard/stores"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	g := guard.NewPermissionGroupBuilder("AUDIT").Grant(guard.FeatureOrganization, guard.ActionRead).MustBuild()
	data, err := guard.NewConfigBuilder().
		AddOrganization("HQ", "Head office", "").
		AddOrganization("BR01", "Branch 1", "HQ").
		AddGroup(g).
		AddRowPolicy(guard.RowAccessPolicy{Feature: guard.FeatureOrganization, GroupCode: "AUDIT", Scope: guard.ScopeOrg}).
		DefaultGroup("BR01", "AUDIT").
		ToYAML()
	if err != nil {
		t.Fatalf("build config: %v", err)
	}
	path := filepath.Join(t.TempDir(), "guard.yaml")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func run(t *testing.T, args ...string) {
	t.Helper()
	if err := newApp().Run(context.Background(), append([]string{"guard-config"}, args...)); err != nil {
		t.Fatalf("%v: %v", args, err)
	}
}

func TestCommands(t *testing.T) {
	path := writeConfig(t)
	run(t, "validate", path)
	run(t, "stats", path)
	run(t, "tree", path)
	run(t, "evaluate", path, "kim", "BR01", "ORGANIZATION", "READ")

	jsonPath := filepath.Join(filepath.Dir(path), "guard.json")
	run(t, "convert", path, jsonPath)
	cfg, err := guard.NewConfigLoader().LoadFile(jsonPath)
	if err != nil {
		t.Fatalf("load converted: %v", err)
	}
	if len(cfg.Organizations) != 2 || len(cfg.Groups) != 1 {
		t.Fatalf("converted config lost data: %+v", cfg)
	}
	if err := saveConfig(cfg, filepath.Join(filepath.Dir(path), "guard.toml")); err == nil {
		t.Fatalf("expected unsupported format error")
	}
}

func TestApplyWritesSQLite(t *testing.T) {
	path := writeConfig(t)
	dbPath := filepath.Join(t.TempDir(), "guard.db")
	run(t, "apply", path, dbPath)

	sqlDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sqlDB.Close()
	backend, err := stores.NewSQLBackend(squealx.NewDb(sqlDB, "sqlite", "guard"))
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	codes, err := backend.Groups.Codes(context.Background())
	if err != nil {
		t.Fatalf("codes: %v", err)
	}
	if !reflect.DeepEqual(codes, []string{"AUDIT"}) {
		t.Fatalf("expected AUDIT group, got %v", codes)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected load error")
	}
}
