package config

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	appCnf *AppConfig
	mux    sync.RWMutex
)

type AppConfig struct {
	Logger *logrus.Logger

	RootWorkingDir string

	Client        ClientInfo    `yaml:"client"`
	LogSettings   LogSettings   `yaml:"log_settings"`
	AuthInfo      AuthInfo      `yaml:"auth_info"`
	InferenceInfo InferenceInfo `yaml:"inference_info"`
	RelayInfo     RelayInfo     `yaml:"relay_info"`
}

type ClientInfo struct {
	Port           int            `yaml:"port"`
	Debug          bool           `yaml:"debug"`
	ProxyHeader    string         `yaml:"proxy_header"`
	PrometheusConf PrometheusConf `yaml:"prometheus"`
}

type PrometheusConf struct {
	Enable      bool   `yaml:"enable"`
	MetricsPath string `yaml:"metrics_path"`
}

type LogSettings struct {
	LogLevel   *string `yaml:"log_level"`
	LogFile    string  `yaml:"log_file"`
	MaxSize    int     `yaml:"max_size"`
	MaxBackups int     `yaml:"max_backups"`
	MaxAge     int     `yaml:"max_age"`
}

// AuthInfo identifies the trusted token issuer. The issuer URL is derived
// from Region + UserPoolId unless IssuerUrl is set explicitly.
type AuthInfo struct {
	Region     string `yaml:"region"`
	UserPoolId string `yaml:"user_pool_id"`
	IssuerUrl  string `yaml:"issuer_url"`
}

// InferenceInfo describes the backend bidirectional stream endpoint.
type InferenceInfo struct {
	Host            string        `yaml:"host"`
	ModelId         string        `yaml:"model_id"`
	CredentialsMode string        `yaml:"credentials_mode"`
	ApiKey          string        `yaml:"api_key"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
}

// RelayInfo carries the per-session retry and teardown tuning.
type RelayInfo struct {
	MaxRetries      int           `yaml:"max_retries"`
	InitialBackoff  time.Duration `yaml:"initial_backoff"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
	ConduitCapacity int           `yaml:"conduit_capacity"`
	StreamGrace     time.Duration `yaml:"stream_grace"`
	TransportGrace  time.Duration `yaml:"transport_grace"`
}

const (
	CredentialsModeLocal   = "local"
	CredentialsModeAmbient = "ambient"
)

// New applies defaults, validates the config and sets it for global usage.
func New(cnf *AppConfig) (*AppConfig, error) {
	if cnf.InferenceInfo.Host == "" {
		return nil, errors.New("inference_info.host is required")
	}
	if cnf.InferenceInfo.ModelId == "" {
		return nil, errors.New("inference_info.model_id is required")
	}
	if cnf.AuthInfo.IssuerUrl == "" && (cnf.AuthInfo.Region == "" || cnf.AuthInfo.UserPoolId == "") {
		return nil, errors.New("auth_info requires either issuer_url or region + user_pool_id")
	}

	switch cnf.InferenceInfo.CredentialsMode {
	case CredentialsModeLocal:
		if cnf.InferenceInfo.ApiKey == "" {
			return nil, errors.New("inference_info.api_key is required for local credentials mode")
		}
	case CredentialsModeAmbient:
		// nothing to attach, the deployment environment provides identity
	case "":
		cnf.InferenceInfo.CredentialsMode = CredentialsModeAmbient
	default:
		return nil, errors.New("inference_info.credentials_mode must be local or ambient")
	}

	if cnf.InferenceInfo.DialTimeout <= 0 {
		cnf.InferenceInfo.DialTimeout = 15 * time.Second
	}
	if cnf.RelayInfo.MaxRetries <= 0 {
		cnf.RelayInfo.MaxRetries = 3
	}
	if cnf.RelayInfo.InitialBackoff <= 0 {
		cnf.RelayInfo.InitialBackoff = time.Second
	}
	if cnf.RelayInfo.MaxBackoff <= 0 {
		cnf.RelayInfo.MaxBackoff = 10 * time.Second
	}
	if cnf.RelayInfo.ConduitCapacity <= 0 {
		cnf.RelayInfo.ConduitCapacity = 64
	}
	if cnf.RelayInfo.StreamGrace <= 0 {
		cnf.RelayInfo.StreamGrace = 3 * time.Second
	}
	if cnf.RelayInfo.TransportGrace <= 0 {
		cnf.RelayInfo.TransportGrace = 3 * time.Second
	}

	mux.Lock()
	appCnf = cnf
	mux.Unlock()

	return cnf, nil
}

func GetConfig() *AppConfig {
	mux.RLock()
	defer mux.RUnlock()
	return appCnf
}
