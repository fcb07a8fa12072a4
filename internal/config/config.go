// Package config loads startup configuration: built-in defaults, an
// optional TOML file, then environment overrides, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	HTTP      HTTPConfig      `toml:"http"`
	Call      CallConfig      `toml:"call"`
	Resources ResourcesConfig `toml:"resources"`
	Database  DatabaseConfig  `toml:"database"`
	Jenkins   JenkinsConfig   `toml:"jenkins"`
	Repo      RepoConfig      `toml:"repository"`
	Sheets    SheetsConfig    `toml:"sheets"`
}

type HTTPConfig struct {
	Listen string `toml:"listen"`
}

type CallConfig struct {
	TimeoutSec int `toml:"timeout_sec"`
}

type ResourcesConfig struct {
	RevalidateSec int `toml:"revalidate_sec"`
	// Eager lists resource kinds to establish at startup instead of on
	// first use.
	Eager []string `toml:"eager"`
}

type DatabaseConfig struct {
	Host     string   `toml:"host"`
	Port     string   `toml:"port"`
	Name     string   `toml:"name"`
	User     string   `toml:"user"`
	Password string   `toml:"password"`
	SSLMode  string   `toml:"sslmode"`
	PoolSize int      `toml:"pool_size"`
	Tables   []string `toml:"tables"`
}

type JenkinsConfig struct {
	URL      string `toml:"url"`
	Port     string `toml:"port"`
	Username string `toml:"username"`
	APIToken string `toml:"api_token"`
}

// BaseURL joins the instance URL with the optional port.
func (j JenkinsConfig) BaseURL() string {
	base := strings.TrimRight(j.URL, "/")
	if j.Port != "" {
		base = base + ":" + j.Port
	}
	return base
}

type RepoConfig struct {
	Path            string `toml:"path"`
	RemoteURL       string `toml:"remote_url"`
	GitLabURL       string `toml:"gitlab_url"`
	GitLabToken     string `toml:"gitlab_token"`
	GitLabProjectID string `toml:"gitlab_project_id"`
}

type SheetsConfig struct {
	// CredentialsFile is the path to the service account key JSON.
	CredentialsFile string `toml:"credentials_file"`
}

func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{Listen: ":8080"},
		Call: CallConfig{TimeoutSec: 30},
		Resources: ResourcesConfig{
			RevalidateSec: 30,
		},
		Database: DatabaseConfig{
			Port:     "5432",
			SSLMode:  "disable",
			PoolSize: 5,
		},
	}
}

// Load reads the optional TOML file at path, then applies environment
// overrides. A missing file is not an error; a present but malformed one is.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err == nil {
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config: %w", err)
			}
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	envStr(&c.HTTP.Listen, "PERFHUB_HTTP_LISTEN")
	envInt(&c.Call.TimeoutSec, "PERFHUB_CALL_TIMEOUT_SEC")
	envInt(&c.Resources.RevalidateSec, "PERFHUB_REVALIDATE_SEC")
	envList(&c.Resources.Eager, "PERFHUB_EAGER_RESOURCES")

	envStr(&c.Database.Host, "DB_HOST")
	envStr(&c.Database.Port, "DB_PORT")
	envStr(&c.Database.Name, "DB_NAME")
	envStr(&c.Database.User, "DB_USER")
	envStr(&c.Database.Password, "DB_PASSWORD")
	envStr(&c.Database.SSLMode, "DB_SSLMODE")
	envInt(&c.Database.PoolSize, "DB_POOL_SIZE")
	envList(&c.Database.Tables, "DB_RESULT_TABLES")

	envStr(&c.Jenkins.URL, "JENKINS_URL")
	envStr(&c.Jenkins.Port, "JENKINS_PORT")
	envStr(&c.Jenkins.Username, "JENKINS_USERNAME")
	envStr(&c.Jenkins.APIToken, "JENKINS_API_TOKEN")

	envStr(&c.Repo.Path, "LOCAL_REPO_PATH")
	envStr(&c.Repo.RemoteURL, "REPO_REMOTE_URL")
	envStr(&c.Repo.GitLabURL, "GITLAB_URL")
	envStr(&c.Repo.GitLabToken, "GITLAB_TOKEN")
	envStr(&c.Repo.GitLabProjectID, "GITLAB_PROJECT_ID")

	envStr(&c.Sheets.CredentialsFile, "GOOGLE_SERVICE_ACCOUNT_JSON")
}

func envStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envList(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	}
}
