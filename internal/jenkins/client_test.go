package jenkins

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestParseRunURL(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    RunRef
		wantErr bool
	}{
		{
			name: "plain run url",
			raw:  "https://ci.example.com/job/run_tests_vperfv2/57",
			want: RunRef{Base: "https://ci.example.com", Job: "run_tests_vperfv2", Build: 57},
		},
		{
			name: "trailing slash and console path",
			raw:  "http://ci.example.com:8080/job/nightly/3/console",
			want: RunRef{Base: "http://ci.example.com:8080", Job: "nightly", Build: 3},
		},
		{name: "job url without build", raw: "https://ci.example.com/job/nightly/", wantErr: true},
		{name: "not a url", raw: "57", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRunURL(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if got != tt.want {
				t.Fatalf("want %+v, got %+v", tt.want, got)
			}
		})
	}
}

func consoleServer(t *testing.T, console string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user, _, ok := r.BasicAuth(); !ok || user != "qa" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if strings.HasSuffix(r.URL.Path, "/consoleText") {
			fmt.Fprint(w, console)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRunStatusFinished(t *testing.T) {
	console := strings.Repeat("building...\n", 50) + "collecting results\nFinished: SUCCESS\n"
	srv := consoleServer(t, console)
	c := New(Config{BaseURL: srv.URL, Username: "qa", APIToken: "token"})

	status, finished, err := c.RunStatus(context.Background(), srv.URL+"/job/run_tests_vperfv2/57")
	if err != nil {
		t.Fatalf("run status: %v", err)
	}
	if !finished || status != "SUCCESS" {
		t.Fatalf("want SUCCESS/finished, got %q/%v", status, finished)
	}
}

func TestRunStatusStillRunning(t *testing.T) {
	srv := consoleServer(t, strings.Repeat("still going\n", 20))
	c := New(Config{BaseURL: srv.URL, Username: "qa", APIToken: "token"})

	_, finished, err := c.RunStatus(context.Background(), srv.URL+"/job/nightly/3")
	if err != nil {
		t.Fatalf("run status: %v", err)
	}
	if finished {
		t.Fatal("build without a Finished line must report unfinished")
	}
}

func TestRunStatusIgnoresFinishedOutsideTail(t *testing.T) {
	// An early "Finished:" echo from a nested stage log must not count; only
	// the tail of the console is inspected.
	console := "Finished: FAILURE\n" + strings.Repeat("retrying\n", 30)
	srv := consoleServer(t, console)
	c := New(Config{BaseURL: srv.URL, Username: "qa", APIToken: "token"})

	_, finished, err := c.RunStatus(context.Background(), srv.URL+"/job/nightly/4")
	if err != nil {
		t.Fatalf("run status: %v", err)
	}
	if finished {
		t.Fatal("Finished line outside the tail must be ignored")
	}
}

func TestRunUniqStripsANSI(t *testing.T) {
	console := "setup\n\x1B[32m  Uniq 1712345678 \x1B[0m\nteardown\n"
	srv := consoleServer(t, console)
	c := New(Config{BaseURL: srv.URL, Username: "qa", APIToken: "token"})

	uniq, err := c.RunUniq(context.Background(), srv.URL+"/job/run_tests_vperfv2/57")
	if err != nil {
		t.Fatalf("run uniq: %v", err)
	}
	if uniq != "1712345678" {
		t.Fatalf("want 1712345678, got %q", uniq)
	}
}

func TestRunUniqMissing(t *testing.T) {
	srv := consoleServer(t, "no marker here\n")
	c := New(Config{BaseURL: srv.URL, Username: "qa", APIToken: "token"})

	if _, err := c.RunUniq(context.Background(), srv.URL+"/job/run_tests_vperfv2/57"); err == nil {
		t.Fatal("expected error when the console has no uniq id")
	}
}

func TestRunParameters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/api/json") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, `{"actions":[
			{"_class":"hudson.model.CauseAction"},
			{"parameters":[
				{"name":"INFRA_PROTOCOL","value":"nfs"},
				{"name":"cluster_label","value":"lab7"},
				{"name":"tests_file","value":"suites/smoke_rw.yml"}
			]}
		]}`)
	}))
	defer srv.Close()
	c := New(Config{BaseURL: srv.URL, Username: "qa", APIToken: "token"})

	params, err := c.RunParameters(context.Background(), srv.URL+"/job/run_tests_vperfv2/57")
	if err != nil {
		t.Fatalf("run parameters: %v", err)
	}
	tc := ExtractTestContext(params)
	want := TestContext{Protocol: "nfs", Suite: "smoke_rw", Cluster: "lab7"}
	if tc != want {
		t.Fatalf("want %+v, got %+v", want, tc)
	}
}

func TestExtractTestContextInlineSuite(t *testing.T) {
	tc := ExtractTestContext(map[string]string{
		"INFRA_PROTOCOL": "iscsi",
		"cluster_label":  "lab2",
		"tests_file":     "other",
		"tests_list":     "custom/one_off_large_io.txt",
	})
	if tc.Suite != "one_off_large_io" {
		t.Fatalf("want suite one_off_large_io, got %q", tc.Suite)
	}
}

func TestTriggerJob(t *testing.T) {
	var gotPath, gotProtocol string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		gotProtocol = r.PostForm.Get("INFRA_PROTOCOL")
		w.Header().Set("Location", "https://ci.example.com/queue/item/99/")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()
	c := New(Config{BaseURL: srv.URL, Username: "qa", APIToken: "token"})

	queueURL, err := c.TriggerJob(context.Background(), "", map[string]string{"INFRA_PROTOCOL": "nfs"})
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if gotPath != "/job/run_tests_vperfv2/buildWithParameters" {
		t.Fatalf("default job not used, got path %q", gotPath)
	}
	if gotProtocol != "nfs" {
		t.Fatalf("parameter not forwarded, got %q", gotProtocol)
	}
	if queueURL != "https://ci.example.com/queue/item/99/" {
		t.Fatalf("want queue url from Location header, got %q", queueURL)
	}
}

func TestTriggerJobRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such job", http.StatusNotFound)
	}))
	defer srv.Close()
	c := New(Config{BaseURL: srv.URL, Username: "qa", APIToken: "token"})

	_, err := c.TriggerJob(context.Background(), "missing", nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("want 404, got %d", apiErr.StatusCode)
	}
}

func TestListBuilds(t *testing.T) {
	var gotTree string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTree = r.URL.Query().Get("tree")
		fmt.Fprint(w, `{"builds":[
			{"number":58,"url":"https://ci.example.com/job/nightly/58/","result":"SUCCESS","timestamp":1724900000000},
			{"number":57,"url":"https://ci.example.com/job/nightly/57/","result":"FAILURE","timestamp":1724810000000}
		]}`)
	}))
	defer srv.Close()
	c := New(Config{BaseURL: srv.URL, Username: "qa", APIToken: "token"})

	builds, err := c.ListBuilds(context.Background(), "nightly", 5)
	if err != nil {
		t.Fatalf("list builds: %v", err)
	}
	if gotTree != "builds[number,url,result,timestamp]{0,5}" {
		t.Fatalf("unexpected tree query %q", gotTree)
	}
	if len(builds) != 2 || builds[0].Number != 58 || builds[1].Result != "FAILURE" {
		t.Fatalf("unexpected builds %+v", builds)
	}
}
