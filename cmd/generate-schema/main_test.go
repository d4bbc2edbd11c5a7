package main

import (
	"encoding/json"
	"testing"

	"github.com/m-lab/go/testingx"

	"github.com/m-lab/wsping/pkg/ping1/model"
)

func Test_schema(t *testing.T) {
	for name, v := range map[string]interface{}{
		"probe":   model.ArchivalData{},
		"session": model.SessionData{},
	} {
		t.Run(name, func(t *testing.T) {
			b, err := schema(v)
			testingx.Must(t, err, "cannot generate schema")
			var fields []map[string]interface{}
			testingx.Must(t, json.Unmarshal(b, &fields), "schema is not a JSON array")
			if len(fields) == 0 {
				t.Fatalf("empty schema")
			}
			for _, f := range fields {
				if f["mode"] == "REQUIRED" {
					t.Errorf("field %v is required", f["name"])
				}
			}
		})
	}
}
