package tools

import (
	"context"

	"github.com/perfqa/perfhub/internal/core"
	"github.com/perfqa/perfhub/internal/db"
	"github.com/perfqa/perfhub/internal/resource"
)

func registerPerfResults(reg *core.Registry) error {
	return reg.Register(core.Descriptor{
		Name:        "perf_results_get",
		Description: "Fetch performance test results recorded under a uniq id.",
		Params: []core.Param{
			{Name: "uniq", Type: core.TypeString, Required: true, Description: "ten-digit uniq id of the test run"},
			{Name: "table", Type: core.TypeString, Description: "results table, defaults to vperf"},
		},
		Needs: []resource.Kind{resource.KindDatabase},
		Handler: func(ctx context.Context, inv *core.Invocation, args map[string]any) (any, error) {
			conn, err := handleAs[*db.PoolConn](inv, resource.KindDatabase)
			if err != nil {
				return nil, err
			}
			uniq := stringArg(args, "uniq")
			rows, err := conn.FetchTestData(ctx, stringArg(args, "table"), uniq)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"uniq":  uniq,
				"count": len(rows),
				"rows":  rows,
			}, nil
		},
	})
}
