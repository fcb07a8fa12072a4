package tools

import (
	"context"

	"github.com/perfqa/perfhub/internal/core"
	"github.com/perfqa/perfhub/internal/gitrepo"
	"github.com/perfqa/perfhub/internal/resource"
)

func repoHandle(inv *core.Invocation) (*gitrepo.Repo, error) {
	return handleAs[*gitrepo.Repo](inv, resource.KindRepository)
}

func registerRepoTools(reg *core.Registry) error {
	descriptors := []core.Descriptor{
		{
			Name:        "repo_fetch",
			Description: "Fetch remote refs into the local clone. The only mutating repository tool.",
			Needs:       []resource.Kind{resource.KindRepository},
			Handler: func(ctx context.Context, inv *core.Invocation, args map[string]any) (any, error) {
				repo, err := repoHandle(inv)
				if err != nil {
					return nil, err
				}
				if err := repo.Fetch(ctx); err != nil {
					return nil, err
				}
				return map[string]any{"fetched": true}, nil
			},
		},
		{
			Name:        "repo_commits_list",
			Description: "List first-parent commits reachable from `to` back to `from`, newest first.",
			Params: []core.Param{
				{Name: "from", Type: core.TypeString, Required: true, Description: "older revision, excluded from the result"},
				{Name: "to", Type: core.TypeString, Required: true, Description: "newer revision"},
				{Name: "limit", Type: core.TypeInteger, Description: "maximum commits to return"},
			},
			Needs: []resource.Kind{resource.KindRepository},
			Handler: func(ctx context.Context, inv *core.Invocation, args map[string]any) (any, error) {
				repo, err := repoHandle(inv)
				if err != nil {
					return nil, err
				}
				commits, err := repo.ListCommits(ctx, stringArg(args, "from"), stringArg(args, "to"), intArg(args, "limit"))
				if err != nil {
					return nil, err
				}
				return map[string]any{"commits": commits, "count": len(commits)}, nil
			},
		},
		{
			Name:        "repo_diff",
			Description: "Unified patch between two revisions.",
			Params: []core.Param{
				{Name: "base", Type: core.TypeString, Required: true, Description: "base revision"},
				{Name: "target", Type: core.TypeString, Required: true, Description: "target revision"},
			},
			Needs: []resource.Kind{resource.KindRepository},
			Handler: func(ctx context.Context, inv *core.Invocation, args map[string]any) (any, error) {
				repo, err := repoHandle(inv)
				if err != nil {
					return nil, err
				}
				patch, err := repo.Diff(ctx, stringArg(args, "base"), stringArg(args, "target"))
				if err != nil {
					return nil, err
				}
				return map[string]any{"patch": patch}, nil
			},
		},
		{
			Name:        "repo_shortlog",
			Description: "Per-author commit counts for a revision range.",
			Params: []core.Param{
				{Name: "from", Type: core.TypeString, Required: true, Description: "older revision, excluded from the result"},
				{Name: "to", Type: core.TypeString, Required: true, Description: "newer revision"},
			},
			Needs: []resource.Kind{resource.KindRepository},
			Handler: func(ctx context.Context, inv *core.Invocation, args map[string]any) (any, error) {
				repo, err := repoHandle(inv)
				if err != nil {
					return nil, err
				}
				authors, err := repo.Shortlog(ctx, stringArg(args, "from"), stringArg(args, "to"))
				if err != nil {
					return nil, err
				}
				return map[string]any{"authors": authors}, nil
			},
		},
		{
			Name:        "repo_commit_from_pipeline",
			Description: "Resolve a GitLab pipeline id to the commit sha it built.",
			Params: []core.Param{
				{Name: "pipeline_id", Type: core.TypeInteger, Required: true, Description: "GitLab pipeline id"},
			},
			Needs: []resource.Kind{resource.KindRepository},
			Handler: func(ctx context.Context, inv *core.Invocation, args map[string]any) (any, error) {
				repo, err := repoHandle(inv)
				if err != nil {
					return nil, err
				}
				sha, err := repo.CommitFromPipeline(ctx, intArg(args, "pipeline_id"))
				if err != nil {
					return nil, err
				}
				return map[string]any{"sha": sha}, nil
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
