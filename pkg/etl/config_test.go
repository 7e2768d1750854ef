package etl

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	// Создаем временную директорию для тестовых файлов
	tmpDir := t.TempDir()

	tests := []struct {
		name    string
		yaml    string
		wantErr bool
		errMsg  string
	}{
		{
			name: "Valid minimal config",
			yaml: `
run:
  mapping: "mapping.yml"
`,
			wantErr: false,
		},
		{
			name: "Valid full config",
			yaml: `
remote:
  instance_url: "https://example.my.salesforce.com/"
  access_token: "token"
  api_version: "60.0"
  timeout: 30s
store:
  driver: "postgres"
  dsn: "postgres://localhost/orgdata"
run:
  mapping: "mapping.yml"
  ignore_row_errors: true
  bulk_mode: Serial
  today: "2024-03-01"
  timeout: 1h
operations:
  smart_threshold: 500
dlq:
  enabled: true
  file_path: "dlq.json"
audit:
  enabled: true
  output: "audit.log"
result_log:
  type: "redis"
  address: "127.0.0.1:6379"
  name: "nightly"
report:
  xlsx: "report.xlsx"
  json: "report.json"
metrics:
  textfile: "orgdata.prom"
checkpoint:
  enabled: true
`,
			wantErr: false,
		},
		{
			name: "Invalid bulk mode",
			yaml: `
run:
  bulk_mode: "sideways"
`,
			wantErr: true,
			errMsg:  "run:",
		},
		{
			name: "DLQ without file",
			yaml: `
dlq:
  enabled: true
`,
			wantErr: true,
			errMsg:  "dlq: file_path is required",
		},
		{
			name: "Unsupported result log",
			yaml: `
result_log:
  type: "mqtt"
  address: "localhost:1883"
  name: "x"
`,
			wantErr: true,
			errMsg:  "unsupported type 'mqtt'",
		},
		{
			name: "Redis result log without name",
			yaml: `
result_log:
  type: "redis"
  address: "127.0.0.1:6379"
`,
			wantErr: true,
			errMsg:  "name is required",
		},
		{
			name: "Kafka result log",
			yaml: `
result_log:
  type: "kafka"
  address: "kafka-1:9092,kafka-2:9092"
  name: "orgdata-runs"
`,
			wantErr: false,
		},
		{
			name: "Audit without output",
			yaml: `
audit:
  enabled: true
`,
			wantErr: true,
			errMsg:  "output or dsn is required",
		},
		{
			name: "Invalid audit level",
			yaml: `
audit:
  enabled: true
  level: "verbose"
  output: "audit.log"
`,
			wantErr: true,
			errMsg:  "level must be one of",
		},
		{
			name: "Resume without checkpoint",
			yaml: `
run:
  resume: true
`,
			wantErr: true,
			errMsg:  "resume requires checkpoint",
		},
		{
			name: "Resume with start step",
			yaml: `
run:
  resume: true
  start_step: "Insert Contacts"
checkpoint:
  enabled: true
`,
			wantErr: true,
			errMsg:  "mutually exclusive",
		},
		{
			name: "Namespace injection without namespace",
			yaml: `
run:
  inject_namespaces: true
`,
			wantErr: true,
			errMsg:  "namespace is required",
		},
		{
			name: "Invalid today",
			yaml: `
run:
  today: "01.03.2024"
`,
			wantErr: true,
			errMsg:  "today must be a date",
		},
		{
			name:    "Invalid YAML",
			yaml:    "run: [unclosed",
			wantErr: true,
			errMsg:  "failed to parse YAML",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := filepath.Join(tmpDir, strings.ReplaceAll(tt.name, " ", "_")+".yaml")
			if err := os.WriteFile(configPath, []byte(tt.yaml), 0644); err != nil {
				t.Fatalf("Failed to write test config: %v", err)
			}

			config, err := LoadConfig(configPath)

			if tt.wantErr {
				if err == nil {
					t.Errorf("LoadConfig() expected error, got nil")
					return
				}
				if tt.errMsg != "" && !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("LoadConfig() error = %v, want error containing %q", err, tt.errMsg)
				}
				return
			}

			if err != nil {
				t.Errorf("LoadConfig() unexpected error: %v", err)
				return
			}
			if config == nil {
				t.Error("LoadConfig() returned nil config")
			}
		})
	}
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "failed to read config file") {
		t.Errorf("Expected read error, got %v", err)
	}
}

func TestRunConfig_SetDefaults(t *testing.T) {
	t.Setenv("ORGDATA_ACCESS_TOKEN", "from-env")

	config := &RunConfig{
		Remote:     RemoteConfig{InstanceURL: "https://example.my.salesforce.com/"},
		Audit:      AuditConfig{Enabled: true, Output: "audit.log"},
		ResultLog:  ResultLogConfig{Type: "redis", Address: "localhost:6379", Name: "run"},
		Report:     ReportConfig{XLSX: "report.xlsx"},
		Checkpoint: DefaultConfig().Checkpoint,
	}
	config.Checkpoint.Enabled = true
	config.SetDefaults()

	if config.Remote.APIVersion != "62.0" {
		t.Errorf("Expected api version 62.0, got %s", config.Remote.APIVersion)
	}
	if config.Remote.Timeout != 120*time.Second {
		t.Errorf("Expected remote timeout 120s, got %v", config.Remote.Timeout)
	}
	if config.Remote.AccessToken != "from-env" {
		t.Errorf("Expected access token from environment, got %q", config.Remote.AccessToken)
	}
	if config.Remote.InstanceURL != "https://example.my.salesforce.com" {
		t.Errorf("Expected trailing slash trimmed, got %s", config.Remote.InstanceURL)
	}
	if config.Run.RowWarningLimit != DefaultRowWarningLimit {
		t.Errorf("Expected row warning limit %d, got %d", DefaultRowWarningLimit, config.Run.RowWarningLimit)
	}
	if !config.Run.ResetOIDsEnabled() {
		t.Error("Expected reset_oids enabled by default")
	}
	if config.Audit.Level != "standard" {
		t.Errorf("Expected audit level standard, got %s", config.Audit.Level)
	}
	if config.ResultLog.TTL != 3600 {
		t.Errorf("Expected result log TTL 3600, got %d", config.ResultLog.TTL)
	}
	if config.Report.Sheet != "Report" {
		t.Errorf("Expected sheet Report, got %s", config.Report.Sheet)
	}
	if config.Checkpoint.File == "" {
		t.Error("Expected default checkpoint file")
	}
	if config.Operations.SmartThreshold == 0 {
		t.Error("Expected operations defaults to be applied")
	}
}

func TestRunOptions_TodayDate(t *testing.T) {
	opts := RunOptions{Today: "2024-03-01"}
	want := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	if got := opts.TodayDate(); !got.Equal(want) {
		t.Errorf("TodayDate() = %v, want %v", got, want)
	}

	off := false
	opts.ResetOIDs = &off
	if opts.ResetOIDsEnabled() {
		t.Error("Expected reset_oids disabled")
	}
}

func TestRunConfig_HTTPConfig(t *testing.T) {
	config := DefaultConfig()
	config.Remote.InstanceURL = "https://example.my.salesforce.com"
	config.Remote.AccessToken = "token"

	hc := config.HTTPConfig()
	if hc.InstanceURL != config.Remote.InstanceURL || hc.AccessToken != "token" {
		t.Errorf("Unexpected connection settings: %+v", hc)
	}
	if hc.APIVersion != "62.0" {
		t.Errorf("Expected api version 62.0, got %s", hc.APIVersion)
	}
	if hc.Retry.MaxAttempts != config.Resilience.Retry.MaxAttempts {
		t.Errorf("Expected retry settings to be passed through")
	}
}

func TestSampleConfig_SaveAndLoad(t *testing.T) {
	for _, driver := range []string{"sqlite", "postgres", "mysql", "mssql"} {
		t.Run(driver, func(t *testing.T) {
			sample, err := SampleConfig(driver)
			if err != nil {
				t.Fatalf("SampleConfig() error = %v", err)
			}

			path := filepath.Join(t.TempDir(), "orgdata.yaml")
			if err := SaveConfig(path, sample); err != nil {
				t.Fatalf("SaveConfig() error = %v", err)
			}

			loaded, err := LoadConfig(path)
			if err != nil {
				t.Fatalf("LoadConfig() error = %v", err)
			}
			if loaded.Store.Driver != driver {
				t.Errorf("Store.Driver = %s, want %s", loaded.Store.Driver, driver)
			}
			if loaded.Run.Mapping != "mapping.yml" {
				t.Errorf("Run.Mapping = %s, want mapping.yml", loaded.Run.Mapping)
			}
			if loaded.Resilience.Retry.InitialDelay != sample.Resilience.Retry.InitialDelay {
				t.Errorf("retry delay not preserved: %v != %v", loaded.Resilience.Retry.InitialDelay, sample.Resilience.Retry.InitialDelay)
			}
		})
	}
}

func TestSampleConfig_UnsupportedDriver(t *testing.T) {
	if _, err := SampleConfig("oracle"); err == nil {
		t.Error("Expected error for unsupported driver")
	}
}
