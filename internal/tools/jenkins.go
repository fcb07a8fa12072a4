package tools

import (
	"context"
	"fmt"

	"github.com/perfqa/perfhub/internal/core"
	"github.com/perfqa/perfhub/internal/jenkins"
	"github.com/perfqa/perfhub/internal/resource"
)

// jenkinsClient resolves the CI handle and pre-validates the run URL so a
// malformed URL surfaces as an invalid_parameters failure, not an execution
// failure.
func jenkinsClient(inv *core.Invocation) (*jenkins.Client, error) {
	return handleAs[*jenkins.Client](inv, resource.KindCI)
}

func validRunURL(tool string, args map[string]any) (string, error) {
	raw := stringArg(args, "run_url")
	if _, err := jenkins.ParseRunURL(raw); err != nil {
		return "", &core.InvalidParametersError{Tool: tool, Reason: err.Error()}
	}
	return raw, nil
}

func registerJenkinsTools(reg *core.Registry) error {
	descriptors := []core.Descriptor{
		{
			Name:        "jenkins_run_uniq_get",
			Description: "Extract the uniq id a test run printed into its console log.",
			Params: []core.Param{
				{Name: "run_url", Type: core.TypeString, Required: true, Description: "Jenkins run URL"},
			},
			Needs: []resource.Kind{resource.KindCI},
			Handler: func(ctx context.Context, inv *core.Invocation, args map[string]any) (any, error) {
				runURL, err := validRunURL("jenkins_run_uniq_get", args)
				if err != nil {
					return nil, err
				}
				client, err := jenkinsClient(inv)
				if err != nil {
					return nil, err
				}
				uniq, err := client.RunUniq(ctx, runURL)
				if err != nil {
					return nil, err
				}
				return map[string]any{"uniq": uniq}, nil
			},
		},
		{
			Name:        "jenkins_run_status_get",
			Description: "Report whether a run finished and with which status.",
			Params: []core.Param{
				{Name: "run_url", Type: core.TypeString, Required: true, Description: "Jenkins run URL"},
			},
			Needs: []resource.Kind{resource.KindCI},
			Handler: func(ctx context.Context, inv *core.Invocation, args map[string]any) (any, error) {
				runURL, err := validRunURL("jenkins_run_status_get", args)
				if err != nil {
					return nil, err
				}
				client, err := jenkinsClient(inv)
				if err != nil {
					return nil, err
				}
				status, finished, err := client.RunStatus(ctx, runURL)
				if err != nil {
					return nil, err
				}
				return map[string]any{"status": status, "finished": finished}, nil
			},
		},
		{
			Name:        "jenkins_run_params_get",
			Description: "Return a run's build parameters and the derived test context.",
			Params: []core.Param{
				{Name: "run_url", Type: core.TypeString, Required: true, Description: "Jenkins run URL"},
			},
			Needs: []resource.Kind{resource.KindCI},
			Handler: func(ctx context.Context, inv *core.Invocation, args map[string]any) (any, error) {
				runURL, err := validRunURL("jenkins_run_params_get", args)
				if err != nil {
					return nil, err
				}
				client, err := jenkinsClient(inv)
				if err != nil {
					return nil, err
				}
				params, err := client.RunParameters(ctx, runURL)
				if err != nil {
					return nil, err
				}
				return map[string]any{
					"parameters": params,
					"context":    jenkins.ExtractTestContext(params),
				}, nil
			},
		},
		{
			Name:        "jenkins_job_trigger",
			Description: "Trigger a parameterized job; returns the queue item URL.",
			Params: []core.Param{
				{Name: "job", Type: core.TypeString, Description: "job name, defaults to " + jenkins.DefaultTriggerJob},
				{Name: "parameters", Type: core.TypeObject, Description: "build parameters as name/value pairs"},
			},
			Needs: []resource.Kind{resource.KindCI},
			Handler: func(ctx context.Context, inv *core.Invocation, args map[string]any) (any, error) {
				client, err := jenkinsClient(inv)
				if err != nil {
					return nil, err
				}
				params := make(map[string]string)
				for k, v := range objectArg(args, "parameters") {
					params[k] = fmt.Sprintf("%v", v)
				}
				queueURL, err := client.TriggerJob(ctx, stringArg(args, "job"), params)
				if err != nil {
					return nil, err
				}
				return map[string]any{"queue_url": queueURL}, nil
			},
		},
		{
			Name:        "jenkins_builds_list",
			Description: "List a job's recent builds, newest first.",
			Params: []core.Param{
				{Name: "job", Type: core.TypeString, Required: true, Description: "job name"},
				{Name: "limit", Type: core.TypeInteger, Description: "maximum builds to return, defaults to 10"},
			},
			Needs: []resource.Kind{resource.KindCI},
			Handler: func(ctx context.Context, inv *core.Invocation, args map[string]any) (any, error) {
				client, err := jenkinsClient(inv)
				if err != nil {
					return nil, err
				}
				builds, err := client.ListBuilds(ctx, stringArg(args, "job"), intArg(args, "limit"))
				if err != nil {
					return nil, err
				}
				return map[string]any{"builds": builds}, nil
			},
		},
	}

	for _, d := range descriptors {
		if err := reg.Register(d); err != nil {
			return err
		}
	}
	return nil
}
