// Package tuning holds the service's operational knobs, loaded from a
// yaml file over defaults.
package tuning

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	ListenAddr    string `yaml:"listen_addr"`
	DataDir       string `yaml:"data_dir"`
	IndexDBPath   string `yaml:"index_db_path"`
	MaxEvaluators int    `yaml:"max_evaluators"`

	Engine    Engine    `yaml:"engine"`
	Scheduler Scheduler `yaml:"scheduler"`
}

type Engine struct {
	InstallDir         string `yaml:"install_dir"`
	SaveFile           string `yaml:"save_file"`
	ReadinessTimeoutMs int    `yaml:"readiness_timeout_ms"`
	StopTimeoutMs      int    `yaml:"stop_timeout_ms"`
	PreserveWorkdirs   bool   `yaml:"preserve_workdirs"`
}

type Scheduler struct {
	PollIntervalMs int `yaml:"poll_interval_ms"`
	PollRetries    int `yaml:"poll_retries"`
}

func Defaults() Tuning {
	return Tuning{
		ListenAddr:    "127.0.0.1:8340",
		DataDir:       "data",
		IndexDBPath:   "data/index.db",
		MaxEvaluators: 4,
		Engine: Engine{
			ReadinessTimeoutMs: 20000,
			StopTimeoutMs:      5000,
		},
		Scheduler: Scheduler{
			PollIntervalMs: 50,
			PollRetries:    2,
		},
	}
}

// Load reads path over Defaults, so absent keys keep their default value.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}
