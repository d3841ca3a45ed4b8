package config

import "testing"

type mapEnv map[string]string

func (m mapEnv) Getenv(key string) string { return m[key] }

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfigFromEnv(mapEnv{"MASTER_SECRET": "s", "CLI_API_TOKEN": "c"})
	if err != nil {
		t.Fatalf("LoadConfigFromEnv: %v", err)
	}
	if cfg.Port != 3010 {
		t.Fatalf("expected default port, got %d", cfg.Port)
	}
	if cfg.MessagePageMax != 200 {
		t.Fatalf("expected default page max, got %d", cfg.MessagePageMax)
	}
}

func TestLoadConfig_RequiresSecrets(t *testing.T) {
	if _, err := LoadConfigFromEnv(mapEnv{"CLI_API_TOKEN": "c"}); err == nil {
		t.Fatalf("expected error without MASTER_SECRET")
	}
	if _, err := LoadConfigFromEnv(mapEnv{"MASTER_SECRET": "s"}); err == nil {
		t.Fatalf("expected error without CLI_API_TOKEN")
	}
}

func TestLoadConfig_InvalidPort(t *testing.T) {
	_, err := LoadConfigFromEnv(mapEnv{"MASTER_SECRET": "s", "CLI_API_TOKEN": "c", "PORT": "banana"})
	if err == nil {
		t.Fatalf("expected error for invalid PORT")
	}
}
