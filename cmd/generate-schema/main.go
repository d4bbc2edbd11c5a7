// generate-schema writes the BigQuery schemas of the wsping archives, for
// autoloading.
package main

import (
	"flag"
	"os"

	"cloud.google.com/go/bigquery"
	"github.com/m-lab/go/cloud/bqx"
	"github.com/m-lab/go/rtx"

	"github.com/m-lab/wsping/pkg/ping1/model"
)

var (
	probeSchema   string
	sessionSchema string
)

func init() {
	flag.StringVar(&probeSchema, "probe", "/var/spool/datatypes/wsping_probe.json",
		"filename to write the client archive schema")
	flag.StringVar(&sessionSchema, "session", "/var/spool/datatypes/wsping_session.json",
		"filename to write the server archive schema")
}

// schema returns the JSON BigQuery schema inferred from v, with all fields
// nullable.
func schema(v interface{}) ([]byte, error) {
	sch, err := bigquery.InferSchema(v)
	if err != nil {
		return nil, err
	}
	sch = bqx.RemoveRequired(sch)
	return sch.ToJSONFields()
}

func main() {
	flag.Parse()

	b, err := schema(model.ArchivalData{})
	rtx.Must(err, "failed to generate probe schema")
	rtx.Must(os.WriteFile(probeSchema, b, 0o644), "failed to write probe schema")

	b, err = schema(model.SessionData{})
	rtx.Must(err, "failed to generate session schema")
	rtx.Must(os.WriteFile(sessionSchema, b, 0o644), "failed to write session schema")
}
