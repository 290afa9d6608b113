package config

import (
	"encoding/json"
	"errors"
	"os"
)

// ServerMode selects the connection execution strategy.
const (
	ModeReactor         = "reactor"
	ModeThreadPerClient = "tpc"
)

type Config struct {
	Database struct {
		Host               string `json:"host"`
		Port               uint64 `json:"port"`
		Username           string `json:"username"`
		Password           string `json:"password"`
		Database           string `json:"database"`
		UseTLS             bool   `json:"use_tls"`
		ConnectTimeout     string `json:"connect_timeout"`
		SocketTimeout      string `json:"socket_timeout"`
		ConnectIdleTimeout string `json:"connect_idle_timeout"`
		OperationTimeout   string `json:"operation_timeout"`
		Heartbeat          string `json:"heartbeat"`
		MinPoolSize        uint64 `json:"min_pool_size"`
		MaxPoolSize        uint64 `json:"max_pool_size"`
	} `json:"database"`
	DebugMode   bool   `json:"debug_mode"`
	AppName     string `json:"app_name"`
	AppPort     int    `json:"app_port"`
	ServerMode  string `json:"server_mode"`
	WorkerCount int    `json:"worker_count"`
	MetricsPort int    `json:"metrics_port"`
	MemoryStore bool   `json:"memory_store"`
}

var config Config
var initialized = false

// ReadConfigFile loads the configuration from the given path. A missing file
// is created from the zero template so the operator has something to edit.
func ReadConfigFile(path string) (Config, error) {
	bytes, err := os.ReadFile(path)

	if err != nil {
		writer, _ := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0644)
		template := Config{}
		template.ServerMode = ModeReactor
		data, _ := json.MarshalIndent(template, "", "\t")
		_, _ = writer.Write(data)
		_ = writer.Close()
		return config, errors.New("the configuration file does not exist and has been created. Please try again after editing the configuration file")
	}

	err = json.Unmarshal(bytes, &config)

	if err != nil {
		return config, errors.New("the configuration file does not contain valid JSON")
	}

	if config.ServerMode == "" {
		config.ServerMode = ModeReactor
	}

	initialized = true
	return config, nil
}

func ReadConfig() (Config, error) {
	return ReadConfigFile("config.json")
}

func GetConfig() (Config, error) {
	if initialized {
		return config, nil
	}
	return ReadConfig()
}
