package tools

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/perfqa/perfhub/internal/core"
	"github.com/perfqa/perfhub/internal/jenkins"
	"github.com/perfqa/perfhub/internal/resource"
)

func newCatalog(t *testing.T) *core.Registry {
	t.Helper()
	reg := core.NewRegistry()
	if err := RegisterAll(reg); err != nil {
		t.Fatalf("register all: %v", err)
	}
	return reg
}

func TestRegisterAllCatalog(t *testing.T) {
	reg := newCatalog(t)

	want := []string{
		"perf_results_get",
		"jenkins_run_uniq_get",
		"jenkins_run_status_get",
		"jenkins_run_params_get",
		"jenkins_job_trigger",
		"jenkins_builds_list",
		"repo_fetch",
		"repo_commits_list",
		"repo_diff",
		"repo_shortlog",
		"repo_commit_from_pipeline",
		"sheet_values_get",
		"sheet_info_get",
	}
	descs := reg.Descriptors()
	if len(descs) != len(want) {
		t.Fatalf("want %d tools, got %d", len(want), len(descs))
	}
	for i, name := range want {
		if descs[i].Name != name {
			t.Fatalf("tool %d: want %s, got %s", i, name, descs[i].Name)
		}
	}
	for _, d := range descs {
		if len(d.Needs) != 1 {
			t.Fatalf("tool %s must declare exactly one resource, has %v", d.Name, d.Needs)
		}
	}
}

func TestRegisterAllRejectsSecondRegistration(t *testing.T) {
	reg := newCatalog(t)
	if err := RegisterAll(reg); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

// ciBroker hands every acquisition the same session and counts them.
type ciBroker struct {
	session  resource.Session
	acquires int
}

func (b *ciBroker) Acquire(ctx context.Context, kind resource.Kind) (resource.Session, error) {
	b.acquires++
	return b.session, nil
}

func TestRunURLValidatedBeforeBackendUse(t *testing.T) {
	reg := newCatalog(t)
	broker := &ciBroker{session: jenkins.New(jenkins.Config{})}
	d := core.NewDispatcher(reg, broker, nil, time.Second)

	env := d.Handle(context.Background(), "jenkins_run_uniq_get",
		map[string]any{"run_url": "not-a-run-url"}, 0)
	if env.OK || env.Error.Code != "invalid_parameters" {
		t.Fatalf("want invalid_parameters, got %+v", env)
	}
}

func TestJenkinsStatusEndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/consoleText") {
			fmt.Fprint(w, "running suite\nFinished: UNSTABLE\n")
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	reg := newCatalog(t)
	broker := &ciBroker{session: jenkins.New(jenkins.Config{BaseURL: srv.URL, Username: "qa", APIToken: "t"})}
	d := core.NewDispatcher(reg, broker, nil, time.Second)

	env := d.Handle(context.Background(), "jenkins_run_status_get",
		map[string]any{"run_url": srv.URL + "/job/run_tests_vperfv2/57"}, 0)
	if !env.OK {
		t.Fatalf("call failed: %+v", env.Error)
	}
	result, ok := env.Result.(map[string]any)
	if !ok {
		t.Fatalf("unexpected result type %T", env.Result)
	}
	if result["status"] != "UNSTABLE" || result["finished"] != true {
		t.Fatalf("unexpected result %+v", result)
	}
	if broker.acquires != 1 {
		t.Fatalf("want one acquisition, got %d", broker.acquires)
	}
}

func TestWrongHandleTypeIsExecutionFailure(t *testing.T) {
	reg := newCatalog(t)
	// The broker hands out a session that is not a jenkins client.
	broker := &ciBroker{session: wrongSession{}}
	d := core.NewDispatcher(reg, broker, nil, time.Second)

	env := d.Handle(context.Background(), "jenkins_builds_list",
		map[string]any{"job": "nightly"}, 0)
	if env.OK || env.Error.Code != "tool_execution_failed" {
		t.Fatalf("want tool_execution_failed, got %+v", env)
	}
}

type wrongSession struct{}

func (wrongSession) Ping(ctx context.Context) error { return nil }
func (wrongSession) Close() error                   { return nil }
