package tools

import (
	"context"

	"github.com/perfqa/perfhub/internal/core"
	"github.com/perfqa/perfhub/internal/resource"
	"github.com/perfqa/perfhub/internal/sheets"
)

func sheetsClient(inv *core.Invocation) (*sheets.Client, error) {
	return handleAs[*sheets.Client](inv, resource.KindSpreadsheet)
}

func validSheetURL(tool string, args map[string]any) (string, error) {
	raw := stringArg(args, "url")
	if _, err := sheets.ParseSheetURL(raw); err != nil {
		return "", &core.InvalidParametersError{Tool: tool, Reason: err.Error()}
	}
	return raw, nil
}

func registerSheetTools(reg *core.Registry) error {
	descriptors := []core.Descriptor{
		{
			Name:        "sheet_values_get",
			Description: "Read formatted cell values from a spreadsheet range.",
			Params: []core.Param{
				{Name: "url", Type: core.TypeString, Required: true, Description: "spreadsheet URL or id"},
				{Name: "range", Type: core.TypeString, Description: "A1 range, defaults to " + sheets.DefaultRange},
			},
			Needs: []resource.Kind{resource.KindSpreadsheet},
			Handler: func(ctx context.Context, inv *core.Invocation, args map[string]any) (any, error) {
				sheetURL, err := validSheetURL("sheet_values_get", args)
				if err != nil {
					return nil, err
				}
				client, err := sheetsClient(inv)
				if err != nil {
					return nil, err
				}
				values, err := client.Values(ctx, sheetURL, stringArg(args, "range"))
				if err != nil {
					return nil, err
				}
				return map[string]any{"values": values, "rows": len(values)}, nil
			},
		},
		{
			Name:        "sheet_info_get",
			Description: "Spreadsheet title and per-tab metadata.",
			Params: []core.Param{
				{Name: "url", Type: core.TypeString, Required: true, Description: "spreadsheet URL or id"},
			},
			Needs: []resource.Kind{resource.KindSpreadsheet},
			Handler: func(ctx context.Context, inv *core.Invocation, args map[string]any) (any, error) {
				sheetURL, err := validSheetURL("sheet_info_get", args)
				if err != nil {
					return nil, err
				}
				client, err := sheetsClient(inv)
				if err != nil {
					return nil, err
				}
				return client.Info(ctx, sheetURL)
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
