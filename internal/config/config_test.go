package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/gateway-fm/leaderprobe/pkg/types"
)

func validConfig() Config {
	cfg := Default()
	cfg.WSRPCURL = "ws://localhost:8900"
	cfg.HTTPRPCURL = "http://localhost:8899"
	cfg.SenderRPCURL = "http://localhost:9000"
	cfg.KeypairPath = "/tmp/id.json"
	cfg.ScheduleURL = "http://localhost:8080/schedule"
	cfg.NumLeaders = 10
	return *cfg
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{name: "duration bound only", mutate: func(c *Config) { c.NumLeaders = 0; c.RunDuration = time.Minute }},
		{name: "both bounds", mutate: func(c *Config) { c.RunDuration = time.Minute }},
		{name: "any policy", mutate: func(c *Config) { c.SlotPolicy = "any"; c.LeaderWindow = 0 }},
		{name: "missing ws URL", mutate: func(c *Config) { c.WSRPCURL = "" }, wantErr: true},
		{name: "missing http URL", mutate: func(c *Config) { c.HTTPRPCURL = "" }, wantErr: true},
		{name: "missing sender URL", mutate: func(c *Config) { c.SenderRPCURL = "" }, wantErr: true},
		{name: "missing keypair", mutate: func(c *Config) { c.KeypairPath = "" }, wantErr: true},
		{name: "missing schedule URL", mutate: func(c *Config) { c.ScheduleURL = "" }, wantErr: true},
		{name: "no run bound", mutate: func(c *Config) { c.NumLeaders = 0 }, wantErr: true},
		{name: "negative leaders", mutate: func(c *Config) { c.NumLeaders = -1 }, wantErr: true},
		{name: "zero cu limit", mutate: func(c *Config) { c.CULimit = 0 }, wantErr: true},
		{name: "zero memo length", mutate: func(c *Config) { c.MemoRandomLen = 0 }, wantErr: true},
		{name: "unknown policy", mutate: func(c *Config) { c.SlotPolicy = "every-other" }, wantErr: true},
		{name: "window-start without window", mutate: func(c *Config) { c.LeaderWindow = 0 }, wantErr: true},
		{name: "zero refresh", mutate: func(c *Config) { c.BlockhashRefresh = 0 }, wantErr: true},
		{name: "negative settle", mutate: func(c *Config) { c.SettleDelay = -time.Second }, wantErr: true},
		{name: "zero batch", mutate: func(c *Config) { c.StatusBatchSize = 0 }, wantErr: true},
		{name: "batch over RPC limit", mutate: func(c *Config) { c.StatusBatchSize = 257 }, wantErr: true},
		{name: "negative in-flight", mutate: func(c *Config) { c.MaxInFlight = -1 }, wantErr: true},
		{name: "bad log level", mutate: func(c *Config) { c.LogLevel = "loud" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Config.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func envFrom(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

var requiredEnv = map[string]string{
	"WS_RPC":       "ws://rpc:8900",
	"HTTP_RPC":     "http://rpc:8899",
	"SENDER_RPC":   "http://sender:9000",
	"KEYPAIR_PATH": "/keys/id.json",
	"SCHEDULE_URL": "http://schedule/api",
	"NUM_LEADERS":  "5",
}

func TestLoad_EnvAndDefaults(t *testing.T) {
	env := map[string]string{
		"CU_PRICE_MICRO_LAMPORTS": "1000",
		"SETTLE_DELAY":            "15s",
		"SLOT_POLICY":             "any",
	}
	for k, v := range requiredEnv {
		env[k] = v
	}

	cfg, err := load(nil, envFrom(env))
	if err != nil {
		t.Fatalf("load() error = %v", err)
	}
	if cfg.SenderRPCURL != "http://sender:9000" || cfg.NumLeaders != 5 {
		t.Errorf("env not applied: %+v", cfg)
	}
	if cfg.CUPrice != 1000 || cfg.SettleDelay != 15*time.Second {
		t.Errorf("CUPrice=%d SettleDelay=%v", cfg.CUPrice, cfg.SettleDelay)
	}
	if cfg.CULimit != DefaultCULimit || cfg.MemoPrefix != "TESTING" || cfg.StatusBatchSize != 10 {
		t.Errorf("defaults not kept: %+v", cfg)
	}
	if cfg.Policy().Mode != types.PolicyAnyAssigned {
		t.Errorf("Policy() = %+v", cfg.Policy())
	}
}

func TestLoad_FlagsOverrideEnv(t *testing.T) {
	cfg, err := load([]string{"-num-leaders", "20", "-cu-limit", "50000", "-slot-policy", "window-start"}, envFrom(requiredEnv))
	if err != nil {
		t.Fatalf("load() error = %v", err)
	}
	if cfg.NumLeaders != 20 {
		t.Errorf("NumLeaders = %d, want 20", cfg.NumLeaders)
	}
	if cfg.CULimit != 50000 {
		t.Errorf("CULimit = %d, want 50000", cfg.CULimit)
	}
	if p := cfg.Policy(); p.Mode != types.PolicyWindowStart || p.WindowLength != DefaultLeaderWindow {
		t.Errorf("Policy() = %+v", p)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		args    []string
		wantErr string
	}{
		{name: "missing required", env: map[string]string{}, wantErr: "WS_RPC"},
		{name: "malformed count", env: map[string]string{"NUM_LEADERS": "ten"}, wantErr: "NUM_LEADERS"},
		{name: "malformed duration", env: map[string]string{"RUN_DURATION": "soon"}, wantErr: "RUN_DURATION"},
		{name: "cu limit overflow", env: map[string]string{"CU_LIMIT": "5000000000"}, wantErr: "CU_LIMIT"},
		{name: "unknown flag", args: []string{"-nope"}, wantErr: "nope"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := map[string]string{}
			for k, v := range requiredEnv {
				env[k] = v
			}
			if len(tt.env) == 0 && tt.args == nil {
				env = map[string]string{}
			}
			for k, v := range tt.env {
				env[k] = v
			}
			_, err := load(tt.args, envFrom(env))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"trace", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, %v", tt.in, got, err)
		}
	}
}
