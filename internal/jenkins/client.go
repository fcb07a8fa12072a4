// Package jenkins is the CI backend: a basic-auth REST client for the
// Jenkins instance that runs the performance suites.
package jenkins

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/perfqa/perfhub/internal/telemetry"
)

// DefaultTriggerJob is the job used when a trigger call names none.
const DefaultTriggerJob = "run_tests_vperfv2"

var (
	runURLRe   = regexp.MustCompile(`(https?://[^/]+)/job/([^/]+)/(\d+)`)
	finishedRe = regexp.MustCompile(`Finished:\s*(\w+)`)
	uniqRe     = regexp.MustCompile(`(?m)^\s*Uniq\s+(\d{10})\s*$`)
	ansiRe     = regexp.MustCompile(`\x1B\[[0-?]*[ -/]*[@-~]`)
)

// Config describes the Jenkins instance and credentials.
type Config struct {
	BaseURL  string
	Username string
	APIToken string
}

// Client talks to one Jenkins instance. Run URLs carry their own host, so
// console reads follow the URL; job-level operations use the configured base.
type Client struct {
	baseURL    string
	username   string
	token      string
	httpClient *http.Client
}

func New(cfg Config) *Client {
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		username:   cfg.Username,
		token:      cfg.APIToken,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Ping verifies the instance answers authenticated API requests. Part of the
// resource.Session contract.
func (c *Client) Ping(ctx context.Context) error {
	var root struct{}
	return c.getJSON(ctx, "ping", c.baseURL+"/api/json", &root)
}

// Close is a no-op; the client holds no persistent connection state beyond
// the shared transport. Part of the resource.Session contract.
func (c *Client) Close() error { return nil }

// APIError is a non-2xx answer from Jenkins.
type APIError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("jenkins %s HTTP %d: %s", e.Operation, e.StatusCode, e.Body)
}

// RunRef identifies one build of one job.
type RunRef struct {
	Base  string
	Job   string
	Build int
}

// ParseRunURL extracts the host, job, and build number from a run URL.
func ParseRunURL(raw string) (RunRef, error) {
	m := runURLRe.FindStringSubmatch(raw)
	if m == nil {
		return RunRef{}, fmt.Errorf("not a jenkins run URL: %q", raw)
	}
	build, err := strconv.Atoi(m[3])
	if err != nil {
		return RunRef{}, fmt.Errorf("not a jenkins run URL: %q", raw)
	}
	return RunRef{Base: m[1], Job: m[2], Build: build}, nil
}

func (ref RunRef) runURL() string {
	return fmt.Sprintf("%s/job/%s/%d", ref.Base, ref.Job, ref.Build)
}

// RunStatus reports the terminal status of a run. It scans the tail of the
// console log for the "Finished: <STATUS>" line Jenkins prints when a build
// completes; finished is false while the build is still running.
func (c *Client) RunStatus(ctx context.Context, rawURL string) (status string, finished bool, err error) {
	ref, err := ParseRunURL(rawURL)
	if err != nil {
		return "", false, err
	}
	console, err := c.consoleText(ctx, ref)
	if err != nil {
		return "", false, err
	}

	lines := strings.Split(strings.TrimRight(console, "\n"), "\n")
	if len(lines) > 10 {
		lines = lines[len(lines)-10:]
	}
	for _, line := range lines {
		if m := finishedRe.FindStringSubmatch(line); m != nil {
			return m[1], true, nil
		}
	}
	return "", false, nil
}

// RunUniq extracts the ten-digit uniq id the test harness prints into the
// console log. The log is stripped of ANSI escapes first; colorized output
// would otherwise hide the marker line.
func (c *Client) RunUniq(ctx context.Context, rawURL string) (string, error) {
	ref, err := ParseRunURL(rawURL)
	if err != nil {
		return "", err
	}
	console, err := c.consoleText(ctx, ref)
	if err != nil {
		return "", err
	}
	plain := ansiRe.ReplaceAllString(console, "")
	m := uniqRe.FindStringSubmatch(plain)
	if m == nil {
		return "", fmt.Errorf("no uniq id in console log of %s", ref.runURL())
	}
	return m[1], nil
}

// RunParameters returns the build parameters of a run as a flat string map.
func (c *Client) RunParameters(ctx context.Context, rawURL string) (map[string]string, error) {
	ref, err := ParseRunURL(rawURL)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Actions []struct {
			Parameters []struct {
				Name  string `json:"name"`
				Value any    `json:"value"`
			} `json:"parameters"`
		} `json:"actions"`
	}
	if err := c.getJSON(ctx, "run parameters", ref.runURL()+"/api/json", &payload); err != nil {
		return nil, err
	}

	params := make(map[string]string)
	for _, action := range payload.Actions {
		for _, p := range action.Parameters {
			params[p.Name] = fmt.Sprintf("%v", p.Value)
		}
	}
	return params, nil
}

// TestContext is the run configuration the QA workflows care about.
type TestContext struct {
	Protocol string `json:"protocol"`
	Suite    string `json:"suite"`
	Cluster  string `json:"cluster"`
}

// ExtractTestContext reads the conventional parameter names out of a run's
// build parameters. A tests_file of "other" means the suite was given
// inline via tests_list; the suite name is the file basename without its
// extension either way.
func ExtractTestContext(params map[string]string) TestContext {
	testsFile := params["tests_file"]
	if testsFile == "other" {
		testsFile = params["tests_list"]
	}
	suite := path.Base(testsFile)
	suite = strings.TrimSuffix(suite, path.Ext(suite))
	return TestContext{
		Protocol: params["INFRA_PROTOCOL"],
		Suite:    suite,
		Cluster:  params["cluster_label"],
	}
}

// TriggerJob starts a parameterized build and returns the queue item URL
// Jenkins hands back in the Location header. An empty job name means
// DefaultTriggerJob.
func (c *Client) TriggerJob(ctx context.Context, job string, params map[string]string) (string, error) {
	if job == "" {
		job = DefaultTriggerJob
	}
	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}

	endpoint := fmt.Sprintf("%s/job/%s/buildWithParameters", c.baseURL, url.PathEscape(job))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.username, c.token)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("trigger job %s: %w", job, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		telemetry.IncBackendAPIError("jenkins", resp.StatusCode)
		return "", &APIError{Operation: "trigger job", StatusCode: resp.StatusCode, Body: string(body)}
	}
	return resp.Header.Get("Location"), nil
}

// Build is one entry of a job's build history.
type Build struct {
	Number      int    `json:"number"`
	URL         string `json:"url"`
	Result      string `json:"result"`
	TimestampMS int64  `json:"timestamp"`
}

// ListBuilds returns the most recent builds of a job, newest first.
func (c *Client) ListBuilds(ctx context.Context, job string, limit int) ([]Build, error) {
	if limit <= 0 {
		limit = 10
	}
	endpoint := fmt.Sprintf("%s/job/%s/api/json?tree=%s", c.baseURL, url.PathEscape(job),
		url.QueryEscape(fmt.Sprintf("builds[number,url,result,timestamp]{0,%d}", limit)))

	var payload struct {
		Builds []Build `json:"builds"`
	}
	if err := c.getJSON(ctx, "list builds", endpoint, &payload); err != nil {
		return nil, err
	}
	return payload.Builds, nil
}

func (c *Client) consoleText(ctx context.Context, ref RunRef) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.runURL()+"/consoleText", nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.username, c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch console log: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		telemetry.IncBackendAPIError("jenkins", resp.StatusCode)
		return "", &APIError{Operation: "console log", StatusCode: resp.StatusCode, Body: string(body)}
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read console log: %w", err)
	}
	return string(raw), nil
}

func (c *Client) getJSON(ctx context.Context, operation, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.username, c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		telemetry.IncBackendAPIError("jenkins", resp.StatusCode)
		return &APIError{Operation: operation, StatusCode: resp.StatusCode, Body: string(body)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", operation, err)
	}
	return nil
}
